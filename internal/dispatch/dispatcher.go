package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/voltlab/echem-host/internal/broker"
	"github.com/voltlab/echem-host/internal/history"
	"github.com/voltlab/echem-host/internal/instrument"
	"github.com/voltlab/echem-host/internal/protocol"
)

// recordTimeout bounds the history write after a run finishes.
const recordTimeout = 10 * time.Second

// seenLimit caps the remembered finished-invocation ids used for
// redelivery deduplication.
const seenLimit = 1024

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// StatusPublisher is the outbound side of the invocation protocol.
type StatusPublisher interface {
	PublishInvokeStatus(st protocol.InvokeStatus) error
}

// Reservations is the slice of the reservation manager the dispatcher
// needs: channel state transitions gated on holdership.
type Reservations interface {
	MarkRunning(channelID, clientID string) error
	MarkReserved(channelID, clientID string)
}

// Recorder persists terminal invocation records. May be satisfied by
// history.Repository.
type Recorder interface {
	Record(ctx context.Context, inv history.Invocation) error
}

// run is one in-flight invocation.
type run struct {
	invocationID string
	clientID     string
	cancel       context.CancelFunc
}

// Dispatcher executes technique invocations, at most one per channel.
type Dispatcher struct {
	res    Reservations
	driver instrument.Driver
	pub    StatusPublisher
	rec    Recorder // nil disables history recording
	logger broker.Logger

	mu       sync.Mutex
	active   map[string]*run // by channel id
	seen     map[string]bool // finished invocation ids
	seenRing []string        // eviction order for seen
	draining bool

	wg  sync.WaitGroup
	now func() time.Time
}

// NewDispatcher creates a dispatcher.
//
// Parameters:
//   - res: Reservation manager for Running/Reserved transitions
//   - driver: Instrument driver executing the runs
//   - pub: Publisher for invoke/status messages
//   - rec: History recorder; nil disables persistence
func NewDispatcher(res Reservations, driver instrument.Driver, pub StatusPublisher, rec Recorder) *Dispatcher {
	return &Dispatcher{
		res:    res,
		driver: driver,
		pub:    pub,
		rec:    rec,
		logger: noopLogger{},
		active: make(map[string]*run),
		seen:   make(map[string]bool),
		now:    time.Now,
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger broker.Logger) {
	d.logger = logger
}

// Submit starts the invocation described by req on channelID.
//
// The run executes on its own goroutine; Submit returns once the channel
// has transitioned to Running. Duplicate submits (an invocation id that is
// in flight or recently finished) return ErrDuplicate without publishing
// anything. A submit for a channel whose previous run is still winding down
// is answered with failed/channel_busy. Submits from a client that does not
// hold a Reserved channel are answered with a terminal failed/not_holder
// status.
func (d *Dispatcher) Submit(channelID string, req protocol.InvokeRequest) error {
	if req.InvocationID == "" || req.ClientID == "" {
		return ErrBadRequest
	}

	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		d.publishTerminal(channelID, req, protocol.InvocationFailed, nil, protocol.CodeShutdown, "host is shutting down")
		return ErrShuttingDown
	}
	if d.seen[req.InvocationID] {
		d.mu.Unlock()
		return ErrDuplicate
	}
	if r, ok := d.active[channelID]; ok {
		d.mu.Unlock()
		if r.invocationID == req.InvocationID {
			return ErrDuplicate
		}
		// The previous run has not released the instrument yet. After a
		// mid-run reclaim the new holder can reach here before the aborted
		// run winds down; answering busy keeps the channel at one run.
		d.publishTerminal(channelID, req, protocol.InvocationFailed, nil,
			protocol.CodeChannelBusy, "previous invocation still winding down")
		return ErrChannelActive
	}
	d.mu.Unlock()

	if err := d.res.MarkRunning(channelID, req.ClientID); err != nil {
		code := protocol.CodeNotHolder
		if errors.Is(err, broker.ErrChannelNotFound) {
			code = protocol.CodeChannelNotFound
		}
		d.publishTerminal(channelID, req, protocol.InvocationFailed, nil, code, err.Error())
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	d.active[channelID] = &run{
		invocationID: req.InvocationID,
		clientID:     req.ClientID,
		cancel:       cancel,
	}
	d.mu.Unlock()

	d.logger.Info("invocation started",
		"channel", channelID, "client", req.ClientID, "invocation", req.InvocationID)

	d.wg.Add(1)
	go d.execute(runCtx, channelID, req)
	return nil
}

// Cancel aborts the invocation on channelID, best effort. The run may
// still reach a natural terminal status if the abort loses the race; the
// caller learns the outcome from the terminal invoke/status message either
// way. A cancel that names an unknown or finished invocation is a no-op.
func (d *Dispatcher) Cancel(channelID, invocationID, clientID string) {
	d.mu.Lock()
	r, ok := d.active[channelID]
	if !ok || r.invocationID != invocationID || r.clientID != clientID {
		d.mu.Unlock()
		d.logger.Debug("cancel for unknown invocation ignored",
			"channel", channelID, "invocation", invocationID, "client", clientID)
		return
	}
	cancel := r.cancel
	d.mu.Unlock()

	d.logger.Info("invocation cancel requested",
		"channel", channelID, "invocation", invocationID)
	cancel()
}

// AbortChannel cancels whatever invocation is running on channelID,
// regardless of client. The reservation manager calls this when a lease is
// reclaimed mid-run (expiry, Last Will, shutdown) so the instrument goes
// idle before the next grantee submits. No-op when the channel is idle.
func (d *Dispatcher) AbortChannel(channelID string) {
	d.mu.Lock()
	r, ok := d.active[channelID]
	d.mu.Unlock()
	if !ok {
		return
	}

	d.logger.Warn("aborting run on reclaimed channel",
		"channel", channelID, "invocation", r.invocationID, "client", r.clientID)
	r.cancel()
}

// Shutdown aborts all in-flight runs and waits for their terminal statuses
// to be published, or for ctx to expire. New submits fail with
// ErrShuttingDown.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	for _, r := range d.active {
		r.cancel()
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs one invocation to its terminal status.
func (d *Dispatcher) execute(ctx context.Context, channelID string, req protocol.InvokeRequest) {
	defer d.wg.Done()

	startedAt := d.now()
	var seq int
	var points int

	d.publishStatus(protocol.InvokeStatus{
		InvocationID: req.InvocationID,
		ChannelID:    channelID,
		ClientID:     req.ClientID,
		Status:       protocol.InvocationRunning,
		Timestamp:    startedAt,
	})

	result, runErr := d.driver.Run(ctx, channelID, req.Parameters, func(p instrument.Point) {
		seq++
		points++
		payload, err := json.Marshal(p)
		if err != nil {
			d.logger.Error("encoding progress point failed", "invocation", req.InvocationID, "error", err)
			return
		}
		d.publishStatus(protocol.InvokeStatus{
			InvocationID: req.InvocationID,
			ChannelID:    channelID,
			ClientID:     req.ClientID,
			Status:       protocol.InvocationRunning,
			Sequence:     seq,
			Point:        payload,
			Timestamp:    d.now(),
		})
	})

	status, errCode, errMsg := terminalOutcome(runErr)
	finishedAt := d.now()

	d.publishStatus(protocol.InvokeStatus{
		InvocationID: req.InvocationID,
		ChannelID:    channelID,
		ClientID:     req.ClientID,
		Status:       status,
		Sequence:     seq + 1,
		Result:       result,
		ErrorCode:    errCode,
		Error:        errMsg,
		Timestamp:    finishedAt,
	})
	d.logger.Info("invocation finished",
		"channel", channelID, "invocation", req.InvocationID, "status", status, "points", points)

	d.record(history.Invocation{
		ID:         req.InvocationID,
		ChannelID:  channelID,
		ClientID:   req.ClientID,
		Status:     status,
		ErrorCode:  errCode,
		Error:      errMsg,
		Parameters: req.Parameters,
		Result:     result,
		Points:     points,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	})

	d.mu.Lock()
	// Only remove the entry if it is still ours; the channel may have been
	// reclaimed and handed to a newer invocation while we wound down.
	if r, ok := d.active[channelID]; ok && r.invocationID == req.InvocationID {
		delete(d.active, channelID)
	}
	d.markSeen(req.InvocationID)
	d.mu.Unlock()

	d.res.MarkReserved(channelID, req.ClientID)
}

// terminalOutcome maps a driver error to the invocation's terminal status.
func terminalOutcome(runErr error) (protocol.InvocationStatus, string, string) {
	switch {
	case runErr == nil:
		return protocol.InvocationSucceeded, "", ""
	case errors.Is(runErr, context.Canceled):
		return protocol.InvocationCancelled, "", ""
	default:
		return protocol.InvocationFailed, protocol.CodeInvocationFailed, runErr.Error()
	}
}

// markSeen remembers a finished invocation id. Caller holds d.mu.
func (d *Dispatcher) markSeen(invocationID string) {
	if d.seen[invocationID] {
		return
	}
	d.seen[invocationID] = true
	d.seenRing = append(d.seenRing, invocationID)
	if len(d.seenRing) > seenLimit {
		delete(d.seen, d.seenRing[0])
		d.seenRing = d.seenRing[1:]
	}
}

// record persists a terminal invocation, logging failures. History write
// errors never affect the run outcome on the wire.
func (d *Dispatcher) record(inv history.Invocation) {
	if d.rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := d.rec.Record(ctx, inv); err != nil {
		d.logger.Error("recording invocation failed", "invocation", inv.ID, "error", err)
	}
}

// publishTerminal publishes a terminal status for a run that never started.
func (d *Dispatcher) publishTerminal(channelID string, req protocol.InvokeRequest, status protocol.InvocationStatus, result json.RawMessage, code, msg string) {
	d.publishStatus(protocol.InvokeStatus{
		InvocationID: req.InvocationID,
		ChannelID:    channelID,
		ClientID:     req.ClientID,
		Status:       status,
		Result:       result,
		ErrorCode:    code,
		Error:        msg,
		Timestamp:    d.now(),
	})
}

func (d *Dispatcher) publishStatus(st protocol.InvokeStatus) {
	if err := d.pub.PublishInvokeStatus(st); err != nil {
		d.logger.Error("publishing invocation status failed",
			"channel", st.ChannelID, "invocation", st.InvocationID, "error", err)
	}
}

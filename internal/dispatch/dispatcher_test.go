package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voltlab/echem-host/internal/broker"
	"github.com/voltlab/echem-host/internal/history"
	"github.com/voltlab/echem-host/internal/infrastructure/config"
	"github.com/voltlab/echem-host/internal/instrument"
	"github.com/voltlab/echem-host/internal/protocol"
)

// fakeReservations records channel state transitions.
type fakeReservations struct {
	mu          sync.Mutex
	runningErr  error
	markedRun   []string
	markedResvd []string
}

func (f *fakeReservations) MarkRunning(channelID, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runningErr != nil {
		return f.runningErr
	}
	f.markedRun = append(f.markedRun, channelID)
	return nil
}

func (f *fakeReservations) MarkReserved(channelID, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedResvd = append(f.markedResvd, channelID)
}

func (f *fakeReservations) reservedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markedResvd)
}

// fakeStatusPublisher records statuses and signals terminal ones.
type fakeStatusPublisher struct {
	mu       sync.Mutex
	statuses []protocol.InvokeStatus
	terminal chan protocol.InvokeStatus
}

func newFakeStatusPublisher() *fakeStatusPublisher {
	return &fakeStatusPublisher{terminal: make(chan protocol.InvokeStatus, 8)}
}

func (f *fakeStatusPublisher) PublishInvokeStatus(st protocol.InvokeStatus) error {
	f.mu.Lock()
	f.statuses = append(f.statuses, st)
	f.mu.Unlock()
	if st.Status.IsTerminal() {
		f.terminal <- st
	}
	return nil
}

func (f *fakeStatusPublisher) all() []protocol.InvokeStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.InvokeStatus(nil), f.statuses...)
}

func (f *fakeStatusPublisher) waitTerminal(t *testing.T) protocol.InvokeStatus {
	t.Helper()
	select {
	case st := <-f.terminal:
		return st
	case <-time.After(10 * time.Second):
		t.Fatal("no terminal status published")
		return protocol.InvokeStatus{}
	}
}

// fakeRecorder captures history records.
type fakeRecorder struct {
	mu      sync.Mutex
	records []history.Invocation
}

func (f *fakeRecorder) Record(_ context.Context, inv history.Invocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, inv)
	return nil
}

func (f *fakeRecorder) last(t *testing.T) history.Invocation {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		t.Fatal("no history record written")
	}
	return f.records[len(f.records)-1]
}

func newTestDispatcher(t *testing.T, sim config.SimConfig) (*Dispatcher, *fakeReservations, *fakeStatusPublisher, *fakeRecorder) {
	t.Helper()
	res := &fakeReservations{}
	pub := newFakeStatusPublisher()
	rec := &fakeRecorder{}
	d := NewDispatcher(res, instrument.NewSimulator(sim), pub, rec)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})
	return d, res, pub, rec
}

func invokeReq(id string) protocol.InvokeRequest {
	return protocol.InvokeRequest{
		InvocationID: id,
		ClientID:     "client-a",
		Parameters:   json.RawMessage(`{"technique":"cv"}`),
	}
}

func TestSubmit_RunsToSuccess(t *testing.T) {
	d, res, pub, rec := newTestDispatcher(t, config.SimConfig{TickMS: 1, Points: 3})

	if err := d.Submit("chan-1", invokeReq("inv-1")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	terminal := pub.waitTerminal(t)
	if terminal.Status != protocol.InvocationSucceeded {
		t.Fatalf("terminal status = %s, want succeeded", terminal.Status)
	}
	if len(terminal.Result) == 0 {
		t.Error("terminal status has no result payload")
	}

	statuses := pub.all()
	var progress, terminals int
	lastSeq := 0
	for _, st := range statuses {
		if st.Status.IsTerminal() {
			terminals++
			continue
		}
		if st.Point != nil {
			progress++
			if st.Sequence <= lastSeq {
				t.Errorf("progress sequence %d not increasing past %d", st.Sequence, lastSeq)
			}
			lastSeq = st.Sequence
		}
	}
	if progress != 3 {
		t.Errorf("progress messages = %d, want 3", progress)
	}
	if terminals != 1 {
		t.Errorf("terminal messages = %d, want exactly 1", terminals)
	}

	if got := rec.last(t); got.Status != protocol.InvocationSucceeded || got.Points != 3 {
		t.Errorf("history record = %+v, want succeeded with 3 points", got)
	}

	// The channel went Running and came back Reserved, never Free.
	waitFor(t, func() bool { return res.reservedCount() == 1 })
	res.mu.Lock()
	defer res.mu.Unlock()
	if len(res.markedRun) != 1 || res.markedRun[0] != "chan-1" {
		t.Errorf("MarkRunning calls = %v, want [chan-1]", res.markedRun)
	}
}

func TestSubmit_NonHolderAnsweredWithFailedStatus(t *testing.T) {
	d, res, pub, _ := newTestDispatcher(t, config.SimConfig{TickMS: 1, Points: 3})
	res.runningErr = broker.ErrNotHolder

	err := d.Submit("chan-1", invokeReq("inv-1"))
	if !errors.Is(err, broker.ErrNotHolder) {
		t.Fatalf("Submit() error = %v, want ErrNotHolder", err)
	}

	terminal := pub.waitTerminal(t)
	if terminal.Status != protocol.InvocationFailed || terminal.ErrorCode != protocol.CodeNotHolder {
		t.Errorf("terminal = %+v, want failed/not_holder", terminal)
	}
}

func TestSubmit_MissingFieldsRejected(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t, config.SimConfig{TickMS: 1, Points: 3})

	if err := d.Submit("chan-1", protocol.InvokeRequest{ClientID: "client-a"}); !errors.Is(err, ErrBadRequest) {
		t.Errorf("Submit() error = %v, want ErrBadRequest", err)
	}
}

func TestSubmit_DuplicateInvocationIgnored(t *testing.T) {
	d, _, pub, _ := newTestDispatcher(t, config.SimConfig{TickMS: 20, Points: 500})

	if err := d.Submit("chan-1", invokeReq("inv-1")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Redelivery while the run is in flight.
	if err := d.Submit("chan-1", invokeReq("inv-1")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate Submit() error = %v, want ErrDuplicate", err)
	}

	d.Cancel("chan-1", "inv-1", "client-a")
	pub.waitTerminal(t)

	// Redelivery after the run finished.
	waitFor(t, func() bool {
		return errors.Is(d.Submit("chan-1", invokeReq("inv-1")), ErrDuplicate)
	})
}

func TestCancel_PublishesCancelledTerminal(t *testing.T) {
	d, _, pub, rec := newTestDispatcher(t, config.SimConfig{TickMS: 20, Points: 500})

	if err := d.Submit("chan-1", invokeReq("inv-1")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	d.Cancel("chan-1", "inv-1", "client-a")

	terminal := pub.waitTerminal(t)
	if terminal.Status != protocol.InvocationCancelled {
		t.Fatalf("terminal status = %s, want cancelled", terminal.Status)
	}

	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.records) == 1
	})
	if got := rec.last(t); got.Status != protocol.InvocationCancelled {
		t.Errorf("history status = %s, want cancelled", got.Status)
	}
}

func TestCancel_MismatchedInvocationIgnored(t *testing.T) {
	d, _, pub, _ := newTestDispatcher(t, config.SimConfig{TickMS: 1, Points: 50})

	if err := d.Submit("chan-1", invokeReq("inv-1")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Wrong invocation id and wrong client: both no-ops.
	d.Cancel("chan-1", "inv-9", "client-a")
	d.Cancel("chan-1", "inv-1", "client-b")
	d.Cancel("chan-9", "inv-1", "client-a")

	if terminal := pub.waitTerminal(t); terminal.Status != protocol.InvocationSucceeded {
		t.Errorf("terminal status = %s, want succeeded despite stray cancels", terminal.Status)
	}
}

func TestShutdown_DrainsRunsAndRejectsSubmits(t *testing.T) {
	res := &fakeReservations{}
	pub := newFakeStatusPublisher()
	d := NewDispatcher(res, instrument.NewSimulator(config.SimConfig{TickMS: 20, Points: 500}), pub, nil)

	if err := d.Submit("chan-1", invokeReq("inv-1")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if terminal := pub.waitTerminal(t); terminal.Status != protocol.InvocationCancelled {
		t.Errorf("terminal status = %s, want cancelled on shutdown", terminal.Status)
	}

	err := d.Submit("chan-1", invokeReq("inv-2"))
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Submit() after shutdown error = %v, want ErrShuttingDown", err)
	}
	if terminal := pub.waitTerminal(t); terminal.ErrorCode != protocol.CodeShutdown {
		t.Errorf("terminal = %+v, want failed/shutting_down", terminal)
	}
}

func TestHandleInvoke_ParsesTopicAndPayload(t *testing.T) {
	d, _, pub, _ := newTestDispatcher(t, config.SimConfig{TickMS: 1, Points: 2})

	payload := []byte(`{"invocation_id":"inv-1","client_id":"client-a","parameters":{"technique":"cv"}}`)
	if err := d.handleInvoke("echem/channel/chan-1/invoke/request", payload); err != nil {
		t.Fatalf("handleInvoke() error = %v", err)
	}

	if terminal := pub.waitTerminal(t); terminal.ChannelID != "chan-1" {
		t.Errorf("terminal channel = %s, want chan-1", terminal.ChannelID)
	}
}

func TestHandleInvoke_MalformedPayloadDropped(t *testing.T) {
	d, _, pub, _ := newTestDispatcher(t, config.SimConfig{TickMS: 1, Points: 2})

	if err := d.handleInvoke("echem/channel/chan-1/invoke/request", []byte("{nope")); err != nil {
		t.Fatalf("handleInvoke() error = %v, want nil (dropped)", err)
	}
	if len(pub.all()) != 0 {
		t.Error("malformed request produced status messages")
	}
}

func TestHandleCancel_ParsesTopicAndPayload(t *testing.T) {
	d, _, pub, _ := newTestDispatcher(t, config.SimConfig{TickMS: 20, Points: 500})

	if err := d.Submit("chan-1", invokeReq("inv-1")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	payload := []byte(`{"invocation_id":"inv-1","client_id":"client-a"}`)
	if err := d.handleCancel("echem/channel/chan-1/invoke/cancel", payload); err != nil {
		t.Fatalf("handleCancel() error = %v", err)
	}

	if terminal := pub.waitTerminal(t); terminal.Status != protocol.InvocationCancelled {
		t.Errorf("terminal status = %s, want cancelled", terminal.Status)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// =============================================================================
// Mid-run reclaim
// =============================================================================

// countingDriver blocks each run until its context is cancelled and tracks
// how many runs overlap on the instrument.
type countingDriver struct {
	mu        sync.Mutex
	active    int
	maxActive int
}

func (c *countingDriver) Run(ctx context.Context, _ string, _ json.RawMessage, _ func(instrument.Point)) (json.RawMessage, error) {
	c.mu.Lock()
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
	c.mu.Unlock()

	<-ctx.Done()

	c.mu.Lock()
	c.active--
	c.mu.Unlock()
	return nil, ctx.Err()
}

func (c *countingDriver) Abort(string) {}
func (c *countingDriver) Close() error { return nil }

func (c *countingDriver) overlap() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxActive
}

// nullGrantPublisher discards reservation traffic.
type nullGrantPublisher struct{}

func (nullGrantPublisher) PublishGrant(protocol.Grant) error                  { return nil }
func (nullGrantPublisher) PublishChannelState(protocol.ChannelSnapshot) error { return nil }

func TestSubmit_ChannelWithActiveRunAnsweredBusy(t *testing.T) {
	d, _, pub, _ := newTestDispatcher(t, config.SimConfig{TickMS: 20, Points: 500})

	if err := d.Submit("chan-1", invokeReq("inv-1")); err != nil {
		t.Fatalf("Submit(inv-1) error = %v", err)
	}

	err := d.Submit("chan-1", invokeReq("inv-2"))
	if !errors.Is(err, ErrChannelActive) {
		t.Fatalf("Submit(inv-2) error = %v, want ErrChannelActive", err)
	}

	terminal := pub.waitTerminal(t)
	if terminal.InvocationID != "inv-2" || terminal.ErrorCode != protocol.CodeChannelBusy {
		t.Fatalf("terminal = %+v, want inv-2 failed/channel_busy", terminal)
	}

	// The original run's bookkeeping survived the rejected submit: a
	// cancel for it still lands.
	d.Cancel("chan-1", "inv-1", "client-a")
	terminal = pub.waitTerminal(t)
	if terminal.InvocationID != "inv-1" || terminal.Status != protocol.InvocationCancelled {
		t.Fatalf("terminal = %+v, want inv-1 cancelled", terminal)
	}
}

func TestAbortChannel_CancelsInFlightRun(t *testing.T) {
	d, _, pub, _ := newTestDispatcher(t, config.SimConfig{TickMS: 20, Points: 500})

	if err := d.Submit("chan-1", invokeReq("inv-1")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	d.AbortChannel("chan-1")

	terminal := pub.waitTerminal(t)
	if terminal.InvocationID != "inv-1" || terminal.Status != protocol.InvocationCancelled {
		t.Fatalf("terminal = %+v, want inv-1 cancelled", terminal)
	}

	// Idle channel: no-op.
	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.active) == 0
	})
	d.AbortChannel("chan-1")
}

func TestSubmit_ReclaimMidRunKeepsOneRunPerChannel(t *testing.T) {
	registry := broker.NewRegistry()
	registry.Create("chan-1")
	mgr := broker.NewManager(registry, nullGrantPublisher{}, time.Minute, time.Minute)

	drv := &countingDriver{}
	pub := newFakeStatusPublisher()
	d := NewDispatcher(mgr, drv, pub, nil)
	mgr.SetOnReclaim(func(channelID, _ string) { d.AbortChannel(channelID) })
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})

	// client-a holds and runs; client-b waits in the queue.
	if g, err := mgr.Request("chan-1", "client-a", 0, false); err != nil || g.Result != protocol.ResultGranted {
		t.Fatalf("Request(client-a) = %+v, %v", g, err)
	}
	if err := d.Submit("chan-1", invokeReq("inv-1")); err != nil {
		t.Fatalf("Submit(inv-1) error = %v", err)
	}
	if g, _ := mgr.Request("chan-1", "client-b", 0, false); g.Result != protocol.ResultQueued {
		t.Fatalf("Request(client-b) = %+v, want queued", g)
	}

	// client-a drops off the broker: the channel passes to client-b and
	// the in-flight run is aborted.
	mgr.ClientOffline("client-a")

	if holder, _ := mgr.Holder("chan-1"); holder != "client-b" {
		t.Fatalf("holder after reclaim = %q, want client-b", holder)
	}
	terminal := pub.waitTerminal(t)
	if terminal.InvocationID != "inv-1" || terminal.Status != protocol.InvocationCancelled {
		t.Fatalf("terminal = %+v, want inv-1 cancelled by reclaim", terminal)
	}

	// The new holder's submit may bounce with channel_busy while the
	// aborted run winds down; it must go through once the channel is idle,
	// and at no point may two runs share the instrument.
	reqB := protocol.InvokeRequest{InvocationID: "inv-2", ClientID: "client-b"}
	waitFor(t, func() bool {
		err := d.Submit("chan-1", reqB)
		return err == nil || errors.Is(err, ErrDuplicate)
	})

	if got := drv.overlap(); got != 1 {
		t.Fatalf("overlapping runs on chan-1 = %d, want 1", got)
	}
}

package echemclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voltlab/echem-host/internal/infrastructure/mqtt"
	"github.com/voltlab/echem-host/internal/protocol"
)

// cancelGrace is how long Submit waits for the terminal status after a
// context-triggered cancel before giving up on the stream.
const cancelGrace = 5 * time.Second

// Progress is one streamed data point from a running invocation.
type Progress struct {
	Sequence int
	Point    json.RawMessage
}

// invokeSub is the per-channel invocation state: in-flight submits waiting
// on the channel's invoke/status topic, keyed by invocation id.
type invokeSub struct {
	mu      sync.Mutex
	waiters map[string]chan protocol.InvokeStatus
}

// invokeSubFor returns the per-channel invocation state, subscribing to the
// channel's status topic on first use.
func (c *Client) invokeSubFor(channelID string) (*invokeSub, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, ok := c.invokes[channelID]; ok {
		return sub, nil
	}

	topic := c.topics.InvokeStatus(channelID)
	if err := c.tr.Subscribe(topic, c.qos, c.handleInvokeStatus); err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	sub := &invokeSub{waiters: make(map[string]chan protocol.InvokeStatus)}
	c.invokes[channelID] = sub
	return sub, nil
}

// handleInvokeStatus routes one invoke/status message to the waiting submit.
func (c *Client) handleInvokeStatus(topic string, payload []byte) error {
	channelID, ok := mqtt.ChannelFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected invoke status topic %q", topic)
	}

	var st protocol.InvokeStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		c.logger.Warn("malformed invoke status", "channel", channelID, "error", err)
		return nil
	}

	c.mu.Lock()
	sub := c.invokes[channelID]
	c.mu.Unlock()
	if sub == nil {
		return nil
	}

	sub.mu.Lock()
	waiter := sub.waiters[st.InvocationID]
	sub.mu.Unlock()
	if waiter == nil {
		return nil // stray status for an invocation nobody waits on
	}

	select {
	case waiter <- st:
	default:
		if st.Status.IsTerminal() {
			// Terminal outcomes must not be lost to a slow consumer, but
			// the submitter may already be gone; bound the wait so an
			// abandoned invocation cannot strand this goroutine.
			go func() {
				select {
				case waiter <- st:
				case <-time.After(cancelGrace):
				}
			}()
		} else {
			c.logger.Debug("progress point dropped, consumer behind",
				"channel", channelID, "invocation", st.InvocationID)
		}
	}
	return nil
}

// Submit runs a technique on the reserved channel and blocks until it
// reaches a terminal status.
//
// Progress points stream to onProgress (may be nil) as they are acquired.
// If ctx expires mid-run, Submit publishes a best-effort cancel and waits
// briefly for the terminal status; the run may still complete on the host
// if the cancel loses the race.
//
// Parameters:
//   - ctx: Bounds the run from the caller's side
//   - params: Opaque technique parameters for the instrument driver
//   - onProgress: Per-point callback; called from the submit goroutine
//
// Returns:
//   - json.RawMessage: Result payload when the run succeeds
//   - error: ErrCancelled, *InvocationError, ErrNotHolder, or a transport
//     failure
func (r *Reservation) Submit(ctx context.Context, params json.RawMessage, onProgress func(Progress)) (json.RawMessage, error) {
	r.mu.Lock()
	if r.released {
		err := r.err
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrReleased
	}
	r.mu.Unlock()

	sub, err := r.c.invokeSubFor(r.channelID)
	if err != nil {
		return nil, err
	}

	invocationID := uuid.NewString()
	waiter := make(chan protocol.InvokeStatus, 64)

	sub.mu.Lock()
	sub.waiters[invocationID] = waiter
	sub.mu.Unlock()
	defer func() {
		sub.mu.Lock()
		delete(sub.waiters, invocationID)
		sub.mu.Unlock()
	}()

	payload, err := json.Marshal(protocol.InvokeRequest{
		InvocationID: invocationID,
		ClientID:     r.c.clientID,
		Parameters:   params,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding invoke request: %w", err)
	}
	if err := r.c.tr.Publish(r.c.topics.InvokeRequest(r.channelID), payload, r.c.qos, false); err != nil {
		return nil, fmt.Errorf("publishing invoke request: %w", err)
	}
	r.c.logger.Info("technique submitted", "channel", r.channelID, "invocation", invocationID)

	for {
		select {
		case st := <-waiter:
			if st.Status.IsTerminal() {
				return terminalResult(st)
			}
			if st.Point != nil && onProgress != nil {
				onProgress(Progress{Sequence: st.Sequence, Point: st.Point})
			}

		case <-ctx.Done():
			r.c.logger.Info("submit context expired, cancelling",
				"channel", r.channelID, "invocation", invocationID)
			if err := r.Cancel(invocationID); err != nil {
				r.c.logger.Warn("publishing cancel failed", "error", err)
			}
			return waitCancelled(ctx, waiter)

		case <-r.done:
			if err := r.Err(); err != nil {
				return nil, err
			}
			return nil, ErrReleased

		case <-r.c.hostDownChan():
			return nil, fmt.Errorf("invocation %s: %w", invocationID, ErrBrokerUnavailable)
		}
	}
}

// waitCancelled drains the status stream after a cancel was published,
// returning the terminal outcome if it arrives within the grace period.
func waitCancelled(ctx context.Context, waiter chan protocol.InvokeStatus) (json.RawMessage, error) {
	deadline := time.NewTimer(cancelGrace)
	defer deadline.Stop()

	for {
		select {
		case st := <-waiter:
			if st.Status.IsTerminal() {
				return terminalResult(st)
			}
		case <-deadline.C:
			return nil, fmt.Errorf("no terminal status after cancel: %w", ctx.Err())
		}
	}
}

// terminalResult maps a terminal status message to Submit's return values.
func terminalResult(st protocol.InvokeStatus) (json.RawMessage, error) {
	switch st.Status {
	case protocol.InvocationSucceeded:
		return st.Result, nil
	case protocol.InvocationCancelled:
		return nil, ErrCancelled
	default:
		if st.ErrorCode == protocol.CodeNotHolder {
			return nil, fmt.Errorf("%w: %s", ErrNotHolder, st.Error)
		}
		return nil, &InvocationError{Code: st.ErrorCode, Message: st.Error}
	}
}

// Cancel publishes a best-effort cancel for an invocation on this channel.
func (r *Reservation) Cancel(invocationID string) error {
	payload, err := json.Marshal(protocol.CancelRequest{
		InvocationID: invocationID,
		ClientID:     r.c.clientID,
	})
	if err != nil {
		return fmt.Errorf("encoding cancel request: %w", err)
	}
	if err := r.c.tr.Publish(r.c.topics.InvokeCancel(r.channelID), payload, r.c.qos, false); err != nil {
		return fmt.Errorf("publishing cancel request: %w", err)
	}
	return nil
}

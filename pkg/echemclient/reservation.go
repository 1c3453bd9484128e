package echemclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/voltlab/echem-host/internal/protocol"
)

// minHeartbeat is the floor for the renewal interval.
const minHeartbeat = time.Second

// Reservation is a held channel. It stays valid until Release is called or
// the host revokes the lease; a background heartbeat renews the lease at a
// third of its duration so revocation only happens if this process stalls
// or the host restarts.
type Reservation struct {
	c         *Client
	sub       *channelSub
	channelID string
	leaseID   string

	mu       sync.Mutex
	deadline time.Time
	released bool
	err      error

	done   chan struct{}
	stopHB chan struct{}
}

// Acquire reserves a channel, waiting in the host's FIFO queue if it is
// currently held.
//
// Parameters:
//   - ctx: Bounds the wait; expiry while queued returns ErrAcquireTimeout
//   - channelID: Channel to reserve
//   - lease: Lease duration; zero uses the host's default
//
// Returns:
//   - *Reservation: The held channel
//   - error: ErrAcquireTimeout, ErrBrokerUnavailable, ErrChannelNotFound,
//     or a denial mapped from the host's error code
func (c *Client) Acquire(ctx context.Context, channelID string, lease time.Duration) (*Reservation, error) {
	return c.acquire(ctx, channelID, lease, false)
}

// AcquireNoWait reserves a channel only if it is free right now. A held
// channel returns ErrChannelBusy instead of queueing.
func (c *Client) AcquireNoWait(ctx context.Context, channelID string, lease time.Duration) (*Reservation, error) {
	return c.acquire(ctx, channelID, lease, true)
}

// WithChannel acquires a channel, runs fn with the reservation, and
// releases it on every exit path, including panics and fn errors.
func (c *Client) WithChannel(ctx context.Context, channelID string, lease time.Duration, fn func(r *Reservation) error) error {
	res, err := c.Acquire(ctx, channelID, lease)
	if err != nil {
		return err
	}
	defer res.Release() //nolint:errcheck // Release is idempotent; primary error wins

	return fn(res)
}

func (c *Client) acquire(ctx context.Context, channelID string, lease time.Duration, noQueue bool) (*Reservation, error) {
	sub, err := c.channelSubFor(channelID)
	if err != nil {
		return nil, err
	}

	waiter := make(chan protocol.Grant, 8)
	sub.mu.Lock()
	if sub.res != nil {
		sub.mu.Unlock()
		return nil, fmt.Errorf("channel %s already reserved by this client", channelID)
	}
	if sub.waiter != nil {
		sub.mu.Unlock()
		return nil, fmt.Errorf("acquire already pending on channel %s", channelID)
	}
	sub.waiter = waiter
	sub.mu.Unlock()

	payload, err := json.Marshal(protocol.ReserveRequest{
		ClientID:     c.clientID,
		LeaseSeconds: int(lease / time.Second),
		NoQueue:      noQueue,
	})
	if err != nil {
		c.abandonAcquire(sub, channelID, waiter)
		return nil, fmt.Errorf("encoding reservation request: %w", err)
	}
	if err := c.tr.Publish(c.topics.ReserveRequest(channelID), payload, c.qos, false); err != nil {
		c.abandonAcquire(sub, channelID, waiter)
		return nil, fmt.Errorf("publishing reservation request: %w", err)
	}

	for {
		select {
		case g := <-waiter:
			switch g.Result {
			case protocol.ResultGranted:
				res := c.newReservation(sub, channelID, g)
				sub.mu.Lock()
				sub.waiter = nil
				sub.res = res
				sub.mu.Unlock()
				c.logger.Info("channel reserved",
					"channel", channelID, "lease_id", g.LeaseID, "deadline", g.Deadline)
				return res, nil

			case protocol.ResultQueued:
				c.logger.Info("queued for channel", "channel", channelID, "position", g.Position)

			case protocol.ResultDenied:
				c.abandonAcquire(sub, channelID, waiter)
				return nil, denialError(channelID, g.ErrorCode)
			}

		case <-ctx.Done():
			c.abandonAcquire(sub, channelID, waiter)
			return nil, fmt.Errorf("acquiring %s: %w", channelID, ErrAcquireTimeout)

		case <-c.hostDownChan():
			c.abandonAcquire(sub, channelID, waiter)
			return nil, fmt.Errorf("acquiring %s: %w", channelID, ErrBrokerUnavailable)
		}
	}
}

// abandonAcquire detaches the pending waiter and releases any lease whose
// grant was already buffered. Without the drain, a grant that lands in the
// waiter in the instant the caller gives up would be held broker-side until
// lease expiry; grants arriving after the detach take the unwanted-grant
// path in handleGrant instead.
func (c *Client) abandonAcquire(sub *channelSub, channelID string, waiter chan protocol.Grant) {
	sub.mu.Lock()
	sub.waiter = nil
	sub.mu.Unlock()

	for {
		select {
		case g := <-waiter:
			if g.Result == protocol.ResultGranted {
				c.logger.Info("releasing grant that arrived as acquire gave up", "channel", channelID)
				c.publishRelease(channelID, g.LeaseID)
			}
		default:
			return
		}
	}
}

// denialError maps a denial code to the client-facing error.
func denialError(channelID, code string) error {
	switch code {
	case protocol.CodeChannelBusy:
		return fmt.Errorf("channel %s: %w", channelID, ErrChannelBusy)
	case protocol.CodeChannelNotFound:
		return fmt.Errorf("channel %s: %w", channelID, ErrChannelNotFound)
	case protocol.CodeShutdown:
		return fmt.Errorf("channel %s: %w", channelID, ErrBrokerUnavailable)
	default:
		return fmt.Errorf("channel %s: reservation denied: %s", channelID, code)
	}
}

// newReservation builds the reservation and starts its heartbeat.
func (c *Client) newReservation(sub *channelSub, channelID string, g protocol.Grant) *Reservation {
	r := &Reservation{
		c:         c,
		sub:       sub,
		channelID: channelID,
		leaseID:   g.LeaseID,
		deadline:  g.Deadline,
		done:      make(chan struct{}),
		stopHB:    make(chan struct{}),
	}

	lease := g.Deadline.Sub(g.GrantedAt)
	interval := lease / 3
	if interval < minHeartbeat {
		interval = minHeartbeat
	}
	go r.heartbeat(interval)
	return r
}

// Channel returns the reserved channel id.
func (r *Reservation) Channel() string {
	return r.channelID
}

// LeaseID returns the lease identifier issued by the host.
func (r *Reservation) LeaseID() string {
	return r.leaseID
}

// Deadline returns the current lease deadline. It advances as the
// background heartbeat renews the lease.
func (r *Reservation) Deadline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deadline
}

// Done returns a channel closed when the reservation ends, by Release or
// by host-side revocation. After it closes Err reports why.
func (r *Reservation) Done() <-chan struct{} {
	return r.done
}

// Err returns nil while the reservation is live or cleanly released, and
// the revocation reason otherwise.
func (r *Reservation) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Renew asks the host to extend the lease by its original duration. The
// new deadline arrives asynchronously on the grant topic; the background
// heartbeat normally makes manual renewal unnecessary.
func (r *Reservation) Renew() error {
	r.mu.Lock()
	if r.released {
		err := r.err
		r.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrReleased
	}
	r.mu.Unlock()

	payload, err := json.Marshal(protocol.RenewRequest{
		ClientID: r.c.clientID,
		LeaseID:  r.leaseID,
	})
	if err != nil {
		return fmt.Errorf("encoding renewal: %w", err)
	}
	if err := r.c.tr.Publish(r.c.topics.ReserveRenew(r.channelID), payload, r.c.qos, false); err != nil {
		return fmt.Errorf("publishing renewal: %w", err)
	}
	return nil
}

// Release gives the channel back to the host. Idempotent: releasing a
// reservation that was already released or revoked is a no-op.
func (r *Reservation) Release() error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil
	}
	r.released = true
	r.mu.Unlock()

	close(r.stopHB)
	close(r.done)

	r.sub.mu.Lock()
	if r.sub.res == r {
		r.sub.res = nil
	}
	r.sub.mu.Unlock()

	r.c.publishRelease(r.channelID, r.leaseID)
	r.c.logger.Info("channel released", "channel", r.channelID)
	return nil
}

// updateDeadline records a renewed lease deadline. Called from the grant
// handler.
func (r *Reservation) updateDeadline(deadline time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadline = deadline
}

// revoke marks the reservation lost. Called from the grant handler; the
// caller already detached the reservation from its channelSub.
func (r *Reservation) revoke(cause error) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.err = cause
	r.mu.Unlock()

	close(r.stopHB)
	close(r.done)
	r.c.logger.Warn("reservation revoked", "channel", r.channelID, "cause", cause)
}

// heartbeat renews the lease periodically until the reservation ends.
func (r *Reservation) heartbeat(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-r.stopHB:
			return
		case <-t.C:
			if err := r.Renew(); err != nil {
				r.c.logger.Warn("lease renewal failed",
					"channel", r.channelID, "error", err)
			}
		}
	}
}

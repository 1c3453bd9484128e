package broker

import (
	"sync"
	"time"

	"github.com/voltlab/echem-host/internal/protocol"
)

// Logger defines the logging interface used by the broker.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// waiter is one queued reservation request.
type waiter struct {
	clientID string
	lease    time.Duration
	queuedAt time.Time
}

// Channel is one reservable instrument channel.
//
// All fields behind mu are owned by the reservation manager; nothing else
// mutates them. The mutex is the per-channel serialization point.
type Channel struct {
	id string

	mu        sync.Mutex
	state     protocol.ChannelState
	holder    string
	leaseID   string
	lease     time.Duration
	grantedAt time.Time
	deadline  time.Time
	renewals  int
	queue     []waiter
}

// ID returns the channel identifier.
func (c *Channel) ID() string {
	return c.id
}

// snapshotLocked builds the retained state message. Caller holds c.mu.
func (c *Channel) snapshotLocked(now time.Time) protocol.ChannelSnapshot {
	snap := protocol.ChannelSnapshot{
		ChannelID:   c.id,
		State:       c.state,
		Holder:      c.holder,
		QueueLength: len(c.queue),
		UpdatedAt:   now,
	}
	if c.state != protocol.ChannelFree {
		snap.Deadline = c.deadline
	}
	return snap
}

// queuePositionLocked returns the 1-based queue position of clientID,
// or 0 if the client is not queued. Caller holds c.mu.
func (c *Channel) queuePositionLocked(clientID string) int {
	for i, w := range c.queue {
		if w.clientID == clientID {
			return i + 1
		}
	}
	return 0
}

// Snapshot returns the channel's current state for observability.
func (c *Channel) Snapshot() protocol.ChannelSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(time.Now())
}

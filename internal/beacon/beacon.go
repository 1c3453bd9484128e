// Package beacon announces the host's presence to workflow clients.
//
// The beacon publishes a retained heartbeat on the broker presence topic so
// clients can fail fast when no host is alive instead of queueing work into
// the void. It is stopped before the MQTT client disconnects during
// shutdown, leaving the Last Will offline status as the last word.
package beacon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/voltlab/echem-host/internal/infrastructure/mqtt"
	"github.com/voltlab/echem-host/internal/protocol"
)

// Publisher is the retained-publish capability the beacon needs.
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
}

// Logger defines the logging interface used by the beacon.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Error(string, ...any) {}

// Beacon periodically publishes a retained presence heartbeat.
type Beacon struct {
	pub      Publisher
	interval time.Duration
	hostID   string
	siteID   string
	version  string
	logger   Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

// New creates a presence beacon.
//
// Parameters:
//   - pub: Retained publisher (the host's MQTT client)
//   - interval: Heartbeat period
//   - hostID: MQTT client id of this host
//   - siteID: Deployment site identifier
//   - version: Host build version
func New(pub Publisher, interval time.Duration, hostID, siteID, version string) *Beacon {
	return &Beacon{
		pub:      pub,
		interval: interval,
		hostID:   hostID,
		siteID:   siteID,
		version:  version,
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the logger for the beacon.
func (b *Beacon) SetLogger(logger Logger) {
	b.logger = logger
}

// Start publishes an immediate heartbeat and begins the periodic loop.
// Calling Start on a running beacon is a no-op.
func (b *Beacon) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.run(ctx, b.done)
}

// Stop halts the heartbeat loop and waits for it to finish. The retained
// presence message is left in place; the MQTT Last Will replaces it when
// the session actually ends.
func (b *Beacon) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.done = nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (b *Beacon) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b.publishOnce()

	t := time.NewTicker(b.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.publishOnce()
		}
	}
}

func (b *Beacon) publishOnce() {
	payload, err := json.Marshal(protocol.Presence{
		HostID:    b.hostID,
		SiteID:    b.siteID,
		Version:   b.version,
		PID:       os.Getpid(),
		Timestamp: b.now(),
	})
	if err != nil {
		b.logger.Error("encoding presence beacon failed", "error", err)
		return
	}

	topic := mqtt.Topics{}.BrokerPresence()
	if err := b.pub.PublishRetained(topic, payload); err != nil {
		b.logger.Error("publishing presence beacon failed", "error", err)
		return
	}
	b.logger.Debug("presence beacon published", "host", b.hostID)
}

// String describes the beacon for startup logging.
func (b *Beacon) String() string {
	return fmt.Sprintf("beacon(host=%s interval=%s)", b.hostID, b.interval)
}

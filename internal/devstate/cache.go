package devstate

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/voltlab/echem-host/internal/infrastructure/mqtt"
	"github.com/voltlab/echem-host/internal/protocol"
)

// Logger defines the logging interface used by the cache.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Sink receives numeric device fields for time-series storage. Satisfied
// by the influxdb client; nil disables forwarding.
type Sink interface {
	WriteDeviceSnapshot(name string, fields map[string]float64, timestamp time.Time)
}

// Subscriber is the subset of the MQTT client the cache binds its handler on.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Cache holds the last-known snapshot per device name.
type Cache struct {
	mu      sync.RWMutex
	devices map[string]protocol.DeviceSnapshot

	sink   Sink
	logger Logger
	now    func() time.Time
}

// NewCache creates a device state cache. sink may be nil.
func NewCache(sink Sink) *Cache {
	return &Cache{
		devices: make(map[string]protocol.DeviceSnapshot),
		sink:    sink,
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetLogger sets the logger for the cache.
func (c *Cache) SetLogger(logger Logger) {
	c.logger = logger
}

// Bind subscribes the cache to all device state topics.
func (c *Cache) Bind(sub Subscriber, qos byte) error {
	topic := mqtt.Topics{}.AllDeviceStates()
	if err := sub.Subscribe(topic, qos, c.handleState); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

// Snapshot returns the last-known snapshot for a device name.
func (c *Cache) Snapshot(name string) (protocol.DeviceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.devices[name]
	return snap, ok
}

// All returns the last-known snapshot of every device.
func (c *Cache) All() []protocol.DeviceSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshots := make([]protocol.DeviceSnapshot, 0, len(c.devices))
	for _, snap := range c.devices {
		snapshots = append(snapshots, snap)
	}
	return snapshots
}

// handleState processes one device state message.
func (c *Cache) handleState(topic string, payload []byte) error {
	name, ok := mqtt.DeviceFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected device state topic %q", topic)
	}

	var snap protocol.DeviceSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		c.logger.Warn("malformed device state", "device", name, "error", err)
		return nil
	}

	// The topic is authoritative for the device name.
	snap.Name = name
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = c.now()
	}

	c.mu.Lock()
	c.devices[name] = snap
	c.mu.Unlock()

	c.logger.Debug("device state updated", "device", name, "status", snap.Status)

	if c.sink != nil && len(snap.Fields) > 0 {
		c.sink.WriteDeviceSnapshot(name, snap.Fields, snap.UpdatedAt)
	}
	return nil
}

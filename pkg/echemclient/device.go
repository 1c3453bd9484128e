package echemclient

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/voltlab/echem-host/internal/infrastructure/mqtt"
	"github.com/voltlab/echem-host/internal/protocol"
)

// PublishDeviceState publishes a retained snapshot for an auxiliary device.
// Device-side agents (pump controllers, probe readers) call this; there is
// no reservation protocol for devices, last write wins.
func (c *Client) PublishDeviceState(name, status string, fields map[string]float64) error {
	payload, err := json.Marshal(protocol.DeviceSnapshot{
		Name:      name,
		Status:    status,
		Fields:    fields,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("encoding device state: %w", err)
	}
	if err := c.tr.PublishRetained(c.topics.DeviceState(name), payload); err != nil {
		return fmt.Errorf("publishing device state: %w", err)
	}
	return nil
}

// TrackDevices subscribes to all device state topics and caches the
// last-known snapshot per device. Retained messages populate the cache
// immediately after subscribing.
func (c *Client) TrackDevices() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tracking {
		return nil
	}

	topic := c.topics.AllDeviceStates()
	if err := c.tr.Subscribe(topic, c.qos, c.handleDeviceState); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	c.tracking = true
	return nil
}

// DeviceState returns the last-known snapshot for a device. TrackDevices
// must have been called first; before any snapshot arrives ok is false.
func (c *Client) DeviceState(name string) (protocol.DeviceSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.devices[name]
	return snap, ok
}

// handleDeviceState caches one device state message.
func (c *Client) handleDeviceState(topic string, payload []byte) error {
	name, ok := mqtt.DeviceFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected device state topic %q", topic)
	}

	var snap protocol.DeviceSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		c.logger.Warn("malformed device state", "device", name, "error", err)
		return nil
	}
	snap.Name = name

	c.mu.Lock()
	c.devices[name] = snap
	c.mu.Unlock()
	return nil
}

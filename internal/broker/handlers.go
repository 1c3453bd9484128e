package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/voltlab/echem-host/internal/infrastructure/mqtt"
	"github.com/voltlab/echem-host/internal/protocol"
)

// Subscriber is the subset of the MQTT client the manager binds handlers on.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Bind subscribes the manager's protocol handlers on the given client:
// reservation requests, renewals, releases, and per-client status topics
// (for Last Will disconnect handling).
//
// Malformed messages are answered with bad_request where a sender is
// identifiable, logged, and otherwise dropped; they never stop the broker.
func (m *Manager) Bind(sub Subscriber, qos byte) error {
	topics := mqtt.Topics{}

	bindings := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{topics.AllReserveRequests(), m.handleRequest},
		{topics.AllReserveRenewals(), m.handleRenew},
		{topics.AllReserveReleases(), m.handleRelease},
		{topics.AllClientStatus(), m.handleClientStatus},
	}

	for _, b := range bindings {
		if err := sub.Subscribe(b.topic, qos, b.handler); err != nil {
			return fmt.Errorf("subscribing to %s: %w", b.topic, err)
		}
	}
	return nil
}

// handleRequest processes one reserve/request message.
func (m *Manager) handleRequest(topic string, payload []byte) error {
	channelID, ok := mqtt.ChannelFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected reserve request topic %q", topic)
	}

	var req protocol.ReserveRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		m.logger.Warn("malformed reservation request", "channel", channelID, "error", err)
		return nil
	}
	if req.ClientID == "" {
		m.deny(channelID, "", protocol.CodeBadRequest)
		return nil
	}

	lease := time.Duration(req.LeaseSeconds) * time.Second
	_, err := m.Request(channelID, req.ClientID, lease, req.NoQueue)
	// The outcome (including denials) was already published on the grant
	// topic; surface only unexpected failures to the transport log.
	if err != nil && !errors.Is(err, ErrChannelBusy) && !errors.Is(err, ErrChannelNotFound) {
		return err
	}
	return nil
}

// handleRenew processes one reserve/renew message.
func (m *Manager) handleRenew(topic string, payload []byte) error {
	channelID, ok := mqtt.ChannelFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected renew topic %q", topic)
	}

	var req protocol.RenewRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		m.logger.Warn("malformed renewal", "channel", channelID, "error", err)
		return nil
	}
	if req.ClientID == "" {
		m.deny(channelID, "", protocol.CodeBadRequest)
		return nil
	}

	// NotHolder is the caller's logic error, already answered on the
	// grant topic.
	_, err := m.Renew(channelID, req.ClientID)
	if err != nil && !errors.Is(err, ErrNotHolder) && !errors.Is(err, ErrChannelNotFound) {
		return err
	}
	return nil
}

// handleRelease processes one reserve/release message.
func (m *Manager) handleRelease(topic string, payload []byte) error {
	channelID, ok := mqtt.ChannelFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected release topic %q", topic)
	}

	var req protocol.ReleaseRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		m.logger.Warn("malformed release", "channel", channelID, "error", err)
		return nil
	}
	if req.ClientID == "" {
		return nil
	}

	// Release by a non-holder (or a repeat release) is an idempotent no-op.
	if err := m.Release(channelID, req.ClientID); err != nil &&
		!errors.Is(err, ErrNotHolder) && !errors.Is(err, ErrChannelNotFound) {
		return err
	}
	return nil
}

// handleClientStatus reacts to per-client status messages. An offline
// status (graceful or Last Will) triggers the implicit-release path for
// every channel the client holds, independent of the expiry sweep.
func (m *Manager) handleClientStatus(topic string, payload []byte) error {
	clientID, ok := mqtt.ClientFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected client status topic %q", topic)
	}

	var status protocol.ClientStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		m.logger.Warn("malformed client status", "client", clientID, "error", err)
		return nil
	}

	if !status.Online() {
		m.ClientOffline(clientID)
	}
	return nil
}

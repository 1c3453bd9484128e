package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/voltlab/echem-host/internal/infrastructure/mqtt"
	"github.com/voltlab/echem-host/internal/protocol"
)

// Subscriber is the subset of the MQTT client the dispatcher binds
// handlers on.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Bind subscribes the dispatcher's invoke/request and invoke/cancel
// handlers on the given client.
func (d *Dispatcher) Bind(sub Subscriber, qos byte) error {
	topics := mqtt.Topics{}

	if err := sub.Subscribe(topics.AllInvokeRequests(), qos, d.handleInvoke); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topics.AllInvokeRequests(), err)
	}
	if err := sub.Subscribe(topics.AllInvokeCancels(), qos, d.handleCancel); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topics.AllInvokeCancels(), err)
	}
	return nil
}

// handleInvoke processes one invoke/request message.
func (d *Dispatcher) handleInvoke(topic string, payload []byte) error {
	channelID, ok := mqtt.ChannelFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected invoke request topic %q", topic)
	}

	var req protocol.InvokeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		d.logger.Warn("malformed invoke request", "channel", channelID, "error", err)
		return nil
	}

	err := d.Submit(channelID, req)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicate):
		// QoS-1 redelivery; the original run stands.
		d.logger.Debug("duplicate invoke request ignored",
			"channel", channelID, "invocation", req.InvocationID)
		return nil
	case errors.Is(err, ErrBadRequest):
		d.logger.Warn("invoke request missing required fields", "channel", channelID)
		return nil
	default:
		// Holder and shutdown rejections were answered with a terminal
		// failed status; nothing further to do.
		return nil
	}
}

// handleCancel processes one invoke/cancel message.
func (d *Dispatcher) handleCancel(topic string, payload []byte) error {
	channelID, ok := mqtt.ChannelFromTopic(topic)
	if !ok {
		return fmt.Errorf("unexpected invoke cancel topic %q", topic)
	}

	var req protocol.CancelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		d.logger.Warn("malformed cancel request", "channel", channelID, "error", err)
		return nil
	}
	if req.InvocationID == "" || req.ClientID == "" {
		return nil
	}

	d.Cancel(channelID, req.InvocationID, req.ClientID)
	return nil
}

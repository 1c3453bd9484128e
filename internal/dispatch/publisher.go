package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/voltlab/echem-host/internal/infrastructure/mqtt"
	"github.com/voltlab/echem-host/internal/protocol"
)

// MQTTStatusPublisher publishes invocation status messages over MQTT.
// Status messages are plain QoS-1 events; the stream only matters live.
type MQTTStatusPublisher struct {
	client *mqtt.Client
	topics mqtt.Topics
}

// NewMQTTStatusPublisher creates a StatusPublisher backed by the given client.
func NewMQTTStatusPublisher(client *mqtt.Client) *MQTTStatusPublisher {
	return &MQTTStatusPublisher{client: client}
}

// PublishInvokeStatus implements StatusPublisher.
func (p *MQTTStatusPublisher) PublishInvokeStatus(st protocol.InvokeStatus) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding invocation status: %w", err)
	}
	return p.client.Publish(p.topics.InvokeStatus(st.ChannelID), payload, p.client.DefaultQoS(), false)
}

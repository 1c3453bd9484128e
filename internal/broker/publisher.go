package broker

import (
	"encoding/json"
	"fmt"

	"github.com/voltlab/echem-host/internal/infrastructure/mqtt"
	"github.com/voltlab/echem-host/internal/protocol"
)

// MQTTPublisher publishes reservation protocol messages over MQTT.
//
// Grants are plain QoS-1 events; channel state is retained so late
// subscribers see the last known state of every channel.
type MQTTPublisher struct {
	client *mqtt.Client
	topics mqtt.Topics
}

// NewMQTTPublisher creates a Publisher backed by the given MQTT client.
func NewMQTTPublisher(client *mqtt.Client) *MQTTPublisher {
	return &MQTTPublisher{client: client}
}

// PublishGrant implements Publisher.
func (p *MQTTPublisher) PublishGrant(g protocol.Grant) error {
	payload, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encoding grant: %w", err)
	}
	return p.client.Publish(p.topics.ReserveGrant(g.ChannelID), payload, p.client.DefaultQoS(), false)
}

// PublishChannelState implements Publisher.
func (p *MQTTPublisher) PublishChannelState(snap protocol.ChannelSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding channel state: %w", err)
	}
	return p.client.PublishRetained(p.topics.ChannelState(snap.ChannelID), payload)
}

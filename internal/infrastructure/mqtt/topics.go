package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the echem MQTT protocol.
//
// The scheme is flat: echem/{category}/{id}/{operation}[/{suboperation}]
// Channel topics carry the reservation and invocation protocol; device
// topics carry retained last-known state for auxiliary hardware.
const (
	// TopicPrefix is the base for all echem topics.
	TopicPrefix = "echem"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "echem/system"

	// TopicPrefixBroker is the base for broker process topics.
	TopicPrefixBroker = "echem/broker"

	// TopicPrefixChannel is the base for reservable channel topics.
	TopicPrefixChannel = "echem/channel"

	// TopicPrefixDevice is the base for auxiliary device topics.
	TopicPrefixDevice = "echem/device"

	// TopicPrefixClient is the base for per-client status topics.
	TopicPrefixClient = "echem/client"
)

// Topics provides builders for echem MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	grantTopic := topics.ReserveGrant("chan-1")
//	// Returns: "echem/channel/chan-1/reserve/grant"
type Topics struct{}

// =============================================================================
// System / Broker Topics
// =============================================================================

// SystemStatus returns the host's retained online/offline status topic.
//
// Example: echem/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// BrokerPresence returns the retained presence beacon topic.
//
// Example: echem/broker/presence
func (Topics) BrokerPresence() string {
	return fmt.Sprintf("%s/presence", TopicPrefixBroker)
}

// =============================================================================
// Reservation Topics
// =============================================================================

// ReserveRequest returns the topic clients publish reservation requests on.
//
// Example: echem/channel/chan-1/reserve/request
func (Topics) ReserveRequest(channelID string) string {
	return fmt.Sprintf("%s/%s/reserve/request", TopicPrefixChannel, channelID)
}

// ReserveGrant returns the topic the broker publishes grants and denials on.
//
// Example: echem/channel/chan-1/reserve/grant
func (Topics) ReserveGrant(channelID string) string {
	return fmt.Sprintf("%s/%s/reserve/grant", TopicPrefixChannel, channelID)
}

// ReserveRenew returns the topic clients publish lease renewals on.
//
// Example: echem/channel/chan-1/reserve/renew
func (Topics) ReserveRenew(channelID string) string {
	return fmt.Sprintf("%s/%s/reserve/renew", TopicPrefixChannel, channelID)
}

// ReserveRelease returns the topic clients publish releases on.
//
// Example: echem/channel/chan-1/reserve/release
func (Topics) ReserveRelease(channelID string) string {
	return fmt.Sprintf("%s/%s/reserve/release", TopicPrefixChannel, channelID)
}

// ChannelState returns the retained channel state snapshot topic.
//
// Example: echem/channel/chan-1/reserve/state
func (Topics) ChannelState(channelID string) string {
	return fmt.Sprintf("%s/%s/reserve/state", TopicPrefixChannel, channelID)
}

// =============================================================================
// Invocation Topics
// =============================================================================

// InvokeRequest returns the topic clients publish technique submissions on.
//
// Example: echem/channel/chan-1/invoke/request
func (Topics) InvokeRequest(channelID string) string {
	return fmt.Sprintf("%s/%s/invoke/request", TopicPrefixChannel, channelID)
}

// InvokeCancel returns the topic clients publish cancellation requests on.
//
// Example: echem/channel/chan-1/invoke/cancel
func (Topics) InvokeCancel(channelID string) string {
	return fmt.Sprintf("%s/%s/invoke/cancel", TopicPrefixChannel, channelID)
}

// InvokeStatus returns the topic the broker streams invocation progress and
// terminal status on.
//
// Example: echem/channel/chan-1/invoke/status
func (Topics) InvokeStatus(channelID string) string {
	return fmt.Sprintf("%s/%s/invoke/status", TopicPrefixChannel, channelID)
}

// =============================================================================
// Device / Client Topics
// =============================================================================

// DeviceState returns the retained last-known state topic for an auxiliary
// device (pump, ultrasonic bath, heater, pH probe).
//
// Example: echem/device/ph-probe/state
func (Topics) DeviceState(name string) string {
	return fmt.Sprintf("%s/%s/state", TopicPrefixDevice, name)
}

// ClientStatus returns the retained per-client status topic. Workflow
// clients set their Last Will here; the broker watches it for disconnects.
//
// Example: echem/client/workflow-a/status
func (Topics) ClientStatus(clientID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixClient, clientID)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllReserveRequests returns a pattern matching reservation requests on all channels.
//
// Pattern: echem/channel/+/reserve/request
func (Topics) AllReserveRequests() string {
	return fmt.Sprintf("%s/+/reserve/request", TopicPrefixChannel)
}

// AllReserveRenewals returns a pattern matching renewals on all channels.
//
// Pattern: echem/channel/+/reserve/renew
func (Topics) AllReserveRenewals() string {
	return fmt.Sprintf("%s/+/reserve/renew", TopicPrefixChannel)
}

// AllReserveReleases returns a pattern matching releases on all channels.
//
// Pattern: echem/channel/+/reserve/release
func (Topics) AllReserveReleases() string {
	return fmt.Sprintf("%s/+/reserve/release", TopicPrefixChannel)
}

// AllInvokeRequests returns a pattern matching technique submissions on all channels.
//
// Pattern: echem/channel/+/invoke/request
func (Topics) AllInvokeRequests() string {
	return fmt.Sprintf("%s/+/invoke/request", TopicPrefixChannel)
}

// AllInvokeCancels returns a pattern matching cancellations on all channels.
//
// Pattern: echem/channel/+/invoke/cancel
func (Topics) AllInvokeCancels() string {
	return fmt.Sprintf("%s/+/invoke/cancel", TopicPrefixChannel)
}

// AllClientStatus returns a pattern matching all per-client status topics.
//
// Pattern: echem/client/+/status
func (Topics) AllClientStatus() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixClient)
}

// AllDeviceStates returns a pattern matching all auxiliary device states.
//
// Pattern: echem/device/+/state
func (Topics) AllDeviceStates() string {
	return fmt.Sprintf("%s/+/state", TopicPrefixDevice)
}

// AllTopics returns a pattern matching all echem topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: echem/#
func (Topics) AllTopics() string {
	return "echem/#"
}

// =============================================================================
// Topic Parsing
// =============================================================================

// ChannelFromTopic extracts the channel id from a channel-scoped topic.
// It returns false if the topic is not under the channel prefix.
//
// Example: "echem/channel/chan-1/reserve/request" -> "chan-1", true
func ChannelFromTopic(topic string) (string, bool) {
	return segmentAfterPrefix(topic, TopicPrefixChannel)
}

// ClientFromTopic extracts the client id from a per-client status topic.
//
// Example: "echem/client/workflow-a/status" -> "workflow-a", true
func ClientFromTopic(topic string) (string, bool) {
	return segmentAfterPrefix(topic, TopicPrefixClient)
}

// DeviceFromTopic extracts the device name from a device state topic.
//
// Example: "echem/device/ph-probe/state" -> "ph-probe", true
func DeviceFromTopic(topic string) (string, bool) {
	return segmentAfterPrefix(topic, TopicPrefixDevice)
}

// segmentAfterPrefix returns the first topic segment after the given prefix.
func segmentAfterPrefix(topic, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	id, _, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

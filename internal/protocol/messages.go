package protocol

import (
	"encoding/json"
	"time"
)

// ReserveRequest is published by a client on reserve/request.
type ReserveRequest struct {
	// ClientID identifies the requesting workflow process.
	ClientID string `json:"client_id"`

	// LeaseSeconds is the requested lease duration. Zero means the
	// broker's configured default.
	LeaseSeconds int `json:"lease_seconds,omitempty"`

	// NoQueue rejects with channel_busy instead of queueing when the
	// channel is held.
	NoQueue bool `json:"no_queue,omitempty"`
}

// RenewRequest is published by the current holder on reserve/renew.
type RenewRequest struct {
	ClientID string `json:"client_id"`
	LeaseID  string `json:"lease_id"`
}

// ReleaseRequest is published by the current holder on reserve/release.
type ReleaseRequest struct {
	ClientID string `json:"client_id"`
	LeaseID  string `json:"lease_id,omitempty"`
}

// Grant is published by the broker on reserve/grant. It carries grant,
// queue, denial, revocation, and renewal outcomes; clients filter on
// ClientID since the topic is shared per channel.
type Grant struct {
	ChannelID string      `json:"channel_id"`
	ClientID  string      `json:"client_id"`
	Result    GrantResult `json:"result"`

	// LeaseID identifies the reservation for renew/release calls.
	// Present when Result is granted or renewed.
	LeaseID   string    `json:"lease_id,omitempty"`
	GrantedAt time.Time `json:"granted_at,omitempty"`
	Deadline  time.Time `json:"deadline,omitempty"`

	// Position is the 1-based queue position when Result is queued.
	Position int `json:"position,omitempty"`

	// ErrorCode explains denied and revoked results.
	ErrorCode string `json:"error_code,omitempty"`
}

// ChannelSnapshot is the retained last-known channel state published on
// reserve/state after every transition.
type ChannelSnapshot struct {
	ChannelID   string       `json:"channel_id"`
	State       ChannelState `json:"state"`
	Holder      string       `json:"holder,omitempty"`
	Deadline    time.Time    `json:"deadline,omitempty"`
	QueueLength int          `json:"queue_length"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// InvokeRequest is published by the channel holder on invoke/request.
// Parameters are opaque to the broker; it hands them to the instrument
// driver unchanged.
type InvokeRequest struct {
	InvocationID string          `json:"invocation_id"`
	ClientID     string          `json:"client_id"`
	Parameters   json.RawMessage `json:"parameters"`
}

// CancelRequest is published on invoke/cancel. Cancellation is best-effort:
// the run may reach a natural terminal status before the abort lands.
type CancelRequest struct {
	InvocationID string `json:"invocation_id"`
	ClientID     string `json:"client_id"`
}

// InvokeStatus is published by the broker on invoke/status, both for
// progress (Status running, Point set, Sequence increasing) and for the
// single terminal message (Status succeeded/failed/cancelled).
type InvokeStatus struct {
	InvocationID string           `json:"invocation_id"`
	ChannelID    string           `json:"channel_id"`
	ClientID     string           `json:"client_id"`
	Status       InvocationStatus `json:"status"`

	// Sequence orders progress messages within one invocation.
	Sequence int `json:"sequence,omitempty"`

	// Point carries one streamed data point while running.
	Point json.RawMessage `json:"point,omitempty"`

	// Result carries the opaque result payload iff Status is succeeded.
	Result json.RawMessage `json:"result,omitempty"`

	ErrorCode string    `json:"error_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Presence is the retained beacon payload on broker/presence.
type Presence struct {
	HostID    string    `json:"host_id"`
	SiteID    string    `json:"site_id,omitempty"`
	Version   string    `json:"version,omitempty"`
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientStatus is the retained payload on system and per-client status
// topics (also used as the Last Will message).
type ClientStatus struct {
	Status    string    `json:"status"` // "online" or "offline"
	ClientID  string    `json:"client_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Online reports whether the status announces a live client.
func (s ClientStatus) Online() bool {
	return s.Status == "online"
}

// DeviceSnapshot is the retained last-known state for an auxiliary device
// (pump, ultrasonic bath, heater, pH probe). Fields are device-specific.
type DeviceSnapshot struct {
	Name      string             `json:"name"`
	Status    string             `json:"status"` // "online" or "offline"
	Fields    map[string]float64 `json:"fields,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

package protocol

// ChannelState describes a reservable channel's lifecycle state.
type ChannelState string

// Channel states. At most one client holds a Reserved or Running channel.
const (
	ChannelFree     ChannelState = "free"
	ChannelReserved ChannelState = "reserved"
	ChannelRunning  ChannelState = "running"
)

// InvocationStatus describes a technique invocation's lifecycle state.
type InvocationStatus string

// Invocation statuses. Exactly one terminal status is published per invocation.
const (
	InvocationPending   InvocationStatus = "pending"
	InvocationRunning   InvocationStatus = "running"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
	InvocationCancelled InvocationStatus = "cancelled"
)

// IsTerminal reports whether the status is one of the three terminal states.
func (s InvocationStatus) IsTerminal() bool {
	switch s {
	case InvocationSucceeded, InvocationFailed, InvocationCancelled:
		return true
	default:
		return false
	}
}

// GrantResult describes the outcome carried on a reserve/grant message.
type GrantResult string

// Grant results.
const (
	// ResultGranted: the requesting client now holds the channel.
	ResultGranted GrantResult = "granted"

	// ResultQueued: the channel is held; the client was appended to the
	// FIFO queue and will receive a granted message without re-requesting.
	ResultQueued GrantResult = "queued"

	// ResultDenied: the request was rejected (see ErrorCode).
	ResultDenied GrantResult = "denied"

	// ResultRevoked: an existing reservation was reclaimed (lease expiry,
	// client disconnect, or host shutdown).
	ResultRevoked GrantResult = "revoked"

	// ResultRenewed: a renewal succeeded; Deadline carries the new expiry.
	ResultRenewed GrantResult = "renewed"
)

// Error codes carried in grant and invocation status messages.
const (
	// CodeNotHolder: a renew/release/submit from a client that does not
	// hold the channel. Never fatal to the broker.
	CodeNotHolder = "not_holder"

	// CodeChannelBusy: the channel is held and the request opted out of
	// queueing (no_queue).
	CodeChannelBusy = "channel_busy"

	// CodeChannelNotFound: the channel id is not registered.
	CodeChannelNotFound = "channel_not_found"

	// CodeLeaseExpired: the reservation was reclaimed by the expiry sweep.
	CodeLeaseExpired = "lease_expired"

	// CodeClientOffline: the reservation was reclaimed because the
	// client's Last Will reported it offline.
	CodeClientOffline = "client_offline"

	// CodeInvocationFailed: the instrument reported an error for a
	// submitted technique.
	CodeInvocationFailed = "invocation_failed"

	// CodeBadRequest: the message payload could not be parsed or is
	// missing required fields.
	CodeBadRequest = "bad_request"

	// CodeShutdown: the host is shutting down; outstanding reservations
	// and queued requests are being released/denied.
	CodeShutdown = "shutting_down"
)

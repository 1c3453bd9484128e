package broker

import "errors"

// Domain errors for the broker package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, broker.ErrNotHolder) {
//	    // caller logic error, never fatal
//	}
var (
	// ErrChannelNotFound is returned when a channel id is not registered.
	ErrChannelNotFound = errors.New("broker: channel not found")

	// ErrNotHolder is returned when a renew, release, or submit comes from
	// a client that does not currently hold the channel.
	ErrNotHolder = errors.New("broker: client is not the channel holder")

	// ErrChannelBusy is returned when the channel is held and the request
	// opted out of queueing.
	ErrChannelBusy = errors.New("broker: channel busy")

	// ErrNotReserved is returned when an invocation is submitted against a
	// channel that is not in the Reserved state.
	ErrNotReserved = errors.New("broker: channel not reserved")

	// ErrInvalidClient is returned when a request is missing its client id.
	ErrInvalidClient = errors.New("broker: client id is required")
)

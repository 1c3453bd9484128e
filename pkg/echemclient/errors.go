package echemclient

import (
	"errors"
	"fmt"
)

// Sentinel errors, checked with errors.Is.
var (
	// ErrBrokerUnavailable indicates the instrument host is offline.
	ErrBrokerUnavailable = errors.New("instrument host unavailable")

	// ErrChannelBusy indicates the channel is held and the request opted
	// out of queueing.
	ErrChannelBusy = errors.New("channel busy")

	// ErrChannelNotFound indicates the channel id is not registered on
	// the host.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrNotHolder indicates an operation on a channel this client does
	// not hold.
	ErrNotHolder = errors.New("not the channel holder")

	// ErrLeaseExpired indicates the host reclaimed the reservation after
	// the lease deadline passed without renewal.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrRevoked indicates the host reclaimed the reservation for a
	// reason other than lease expiry.
	ErrRevoked = errors.New("reservation revoked")

	// ErrReleased indicates an operation on a reservation that was
	// already released.
	ErrReleased = errors.New("reservation released")

	// ErrAcquireTimeout indicates the acquire context expired while the
	// request was still queued.
	ErrAcquireTimeout = errors.New("acquire timed out")

	// ErrCancelled indicates the invocation ended with a cancelled
	// terminal status.
	ErrCancelled = errors.New("invocation cancelled")
)

// InvocationError is the terminal failure reported by the instrument host
// for a submitted technique.
type InvocationError struct {
	Code    string
	Message string
}

func (e *InvocationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("invocation failed: %s", e.Code)
	}
	return fmt.Sprintf("invocation failed: %s: %s", e.Code, e.Message)
}

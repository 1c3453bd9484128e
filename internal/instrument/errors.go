package instrument

import "errors"

var (
	// ErrDriverUnavailable indicates the configured driver cannot be
	// constructed in this build (e.g. a hardware backend without its
	// integration compiled in).
	ErrDriverUnavailable = errors.New("instrument driver unavailable")

	// ErrClosed indicates a run was submitted after the driver was closed.
	ErrClosed = errors.New("instrument driver closed")

	// ErrChannelActive indicates a run was submitted for a channel that
	// already has a run in flight. The dispatcher serializes runs per
	// channel, so hitting this means a dispatcher bug.
	ErrChannelActive = errors.New("channel already has an active run")
)

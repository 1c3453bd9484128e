package dispatch

import "errors"

var (
	// ErrBadRequest indicates a submit or cancel message missing required
	// fields.
	ErrBadRequest = errors.New("bad invocation request")

	// ErrDuplicate indicates a submit whose invocation id was already seen;
	// the original run stands and the duplicate is ignored.
	ErrDuplicate = errors.New("duplicate invocation")

	// ErrChannelActive indicates a submit for a channel whose previous
	// invocation has not finished winding down yet. Happens briefly after
	// a lease is reclaimed mid-run; the client retries.
	ErrChannelActive = errors.New("another invocation is active on this channel")

	// ErrShuttingDown indicates a submit arriving after the dispatcher
	// began draining.
	ErrShuttingDown = errors.New("dispatcher shutting down")
)

package history

import "errors"

var (
	// ErrNotFound indicates no invocation record exists for the given id.
	ErrNotFound = errors.New("invocation not found")

	// ErrNotTerminal indicates an attempt to record an invocation that has
	// not reached a terminal status.
	ErrNotTerminal = errors.New("invocation status is not terminal")
)

package instrument

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voltlab/echem-host/internal/infrastructure/config"
)

// Point is one acquired data point streamed during a technique run.
type Point struct {
	// Sequence numbers points within one run, starting at 1.
	Sequence int `json:"sequence"`

	// ElapsedMS is milliseconds since the run started.
	ElapsedMS int64 `json:"elapsed_ms"`

	// Potential is the applied potential in volts.
	Potential float64 `json:"potential_v"`

	// Current is the measured current in amperes.
	Current float64 `json:"current_a"`
}

// Driver executes technique runs on instrument channels.
//
// Run blocks for the duration of the technique, calling emit once per
// acquired point. The dispatcher guarantees at most one Run per channel at
// a time. Abort requests a best-effort stop of the run on a channel; the
// aborted Run returns context.Canceled.
type Driver interface {
	// Run executes one technique on the given channel.
	//
	// Parameters:
	//   - ctx: Cancelled to abort the run
	//   - channelID: Instrument channel to run on
	//   - params: Opaque technique parameters, driver-interpreted
	//   - emit: Called once per acquired data point; may be nil
	//
	// Returns:
	//   - json.RawMessage: Opaque result payload on success
	//   - error: context.Canceled on abort, or the instrument failure
	Run(ctx context.Context, channelID string, params json.RawMessage, emit func(Point)) (json.RawMessage, error)

	// Abort stops the run on channelID, if one is in flight. No-op otherwise.
	Abort(channelID string)

	// Close releases driver resources and aborts all in-flight runs.
	Close() error
}

// New constructs the driver selected by configuration.
//
// Returns ErrDriverUnavailable for the "serial" backend: hardware support
// is supplied by deployment-specific builds, not this one.
func New(cfg config.InstrumentConfig) (Driver, error) {
	switch cfg.Driver {
	case "sim":
		return NewSimulator(cfg.Sim), nil
	case "serial":
		return nil, fmt.Errorf("serial driver on port %s: %w", cfg.Port, ErrDriverUnavailable)
	default:
		return nil, fmt.Errorf("driver %q: %w", cfg.Driver, ErrDriverUnavailable)
	}
}

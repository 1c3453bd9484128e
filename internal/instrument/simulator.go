package instrument

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/voltlab/echem-host/internal/infrastructure/config"
)

// simParams are the technique parameters the simulator understands. Zero
// values fall back to the configured defaults; unknown fields are ignored
// so clients can pass real technique payloads unmodified.
type simParams struct {
	Technique string  `json:"technique"`
	Points    int     `json:"points,omitempty"`
	TickMS    int     `json:"tick_ms,omitempty"`
	StartV    float64 `json:"start_potential_v,omitempty"`
	EndV      float64 `json:"end_potential_v,omitempty"`
}

// simResult is the opaque result payload a simulated run produces.
type simResult struct {
	Technique  string  `json:"technique"`
	Points     int     `json:"points"`
	DurationMS int64   `json:"duration_ms"`
	PeakA      float64 `json:"peak_current_a"`
}

// Simulator is a synthetic instrument driver. Each run sweeps the potential
// linearly from start to end and reports a sigmoidal current response, one
// point per tick. Data is deterministic for a given parameter set.
type Simulator struct {
	tick   time.Duration
	points int

	mu     sync.Mutex
	closed bool
	active map[string]context.CancelFunc
}

// NewSimulator creates a simulator with the configured tick and point count.
func NewSimulator(cfg config.SimConfig) *Simulator {
	tick := time.Duration(cfg.TickMS) * time.Millisecond
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	points := cfg.Points
	if points <= 0 {
		points = 50
	}
	return &Simulator{
		tick:   tick,
		points: points,
		active: make(map[string]context.CancelFunc),
	}
}

// Run implements Driver.
func (s *Simulator) Run(ctx context.Context, channelID string, params json.RawMessage, emit func(Point)) (json.RawMessage, error) {
	p := simParams{
		Technique: "sweep",
		Points:    s.points,
		TickMS:    int(s.tick / time.Millisecond),
		StartV:    -0.5,
		EndV:      0.5,
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("parsing technique parameters: %w", err)
		}
	}
	if p.Points <= 0 {
		p.Points = s.points
	}
	tick := time.Duration(p.TickMS) * time.Millisecond
	if tick <= 0 {
		tick = s.tick
	}

	runCtx, err := s.begin(ctx, channelID)
	if err != nil {
		return nil, err
	}
	defer s.end(channelID)

	start := time.Now()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var peak float64
	for i := 1; i <= p.Points; i++ {
		select {
		case <-runCtx.Done():
			return nil, runCtx.Err()
		case <-ticker.C:
		}

		frac := float64(i-1) / float64(max(p.Points-1, 1))
		potential := p.StartV + frac*(p.EndV-p.StartV)
		current := responseCurrent(potential, p.StartV, p.EndV)
		if math.Abs(current) > math.Abs(peak) {
			peak = current
		}

		if emit != nil {
			emit(Point{
				Sequence:  i,
				ElapsedMS: time.Since(start).Milliseconds(),
				Potential: potential,
				Current:   current,
			})
		}
	}

	result, err := json.Marshal(simResult{
		Technique:  p.Technique,
		Points:     p.Points,
		DurationMS: time.Since(start).Milliseconds(),
		PeakA:      peak,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return result, nil
}

// Abort implements Driver.
func (s *Simulator) Abort(channelID string) {
	s.mu.Lock()
	cancel := s.active[channelID]
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Close implements Driver. In-flight runs are aborted.
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for _, cancel := range s.active {
		cancel()
	}
	return nil
}

// begin registers the run's cancel function for Abort.
func (s *Simulator) begin(ctx context.Context, channelID string) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.active[channelID]; ok {
		return nil, fmt.Errorf("channel %s: %w", channelID, ErrChannelActive)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.active[channelID] = cancel
	return runCtx, nil
}

func (s *Simulator) end(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.active[channelID]; ok {
		cancel()
		delete(s.active, channelID)
	}
}

// responseCurrent models a single reversible wave across the sweep window:
// near-zero current at the start potential rising sigmoidally to a plateau
// of one milliampere at the end potential.
func responseCurrent(potential, startV, endV float64) float64 {
	mid := (startV + endV) / 2
	width := math.Abs(endV-startV) / 10
	if width == 0 {
		width = 0.05
	}
	return 1e-3 / (1 + math.Exp(-(potential-mid)/width))
}

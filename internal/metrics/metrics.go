// Package metrics records engine activity as time series points.
package metrics

import (
	"time"

	"github.com/opencode-ai/cadence/internal/models"
)

// Recorder receives engine measurements. Implementations must not block.
type Recorder interface {
	// Outcome records an outcome counted against an experiment variant.
	Outcome(experimentID, variantID string, event models.OutcomeType)

	// Intent records an intent handed to the dispatch sink.
	Intent(intent models.Intent, delivered bool)

	// Tick records one scheduler pass.
	Tick(t TickSample)
}

// TickSample summarizes one scheduler pass.
type TickSample struct {
	Due      int
	Advanced int
	Skipped  int
	Failed   int
	Intents  int
	Duration time.Duration
}

// Noop discards every measurement.
type Noop struct{}

func (Noop) Outcome(string, string, models.OutcomeType) {}
func (Noop) Intent(models.Intent, bool)                  {}
func (Noop) Tick(TickSample)                             {}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}

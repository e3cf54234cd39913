// Package dispatch hands intents emitted by the enrollment engine to the
// transport collaborators. Delivery is fire-and-forget: a failed hand-off is
// logged and never rolls back an advance.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/cadence/internal/logging"
	"github.com/opencode-ai/cadence/internal/models"
)

// Sink receives intents.
type Sink interface {
	Dispatch(ctx context.Context, intent models.Intent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, intent models.Intent) error

// Dispatch implements Sink.
func (f SinkFunc) Dispatch(ctx context.Context, intent models.Intent) error {
	return f(ctx, intent)
}

// Noop drops every intent.
type Noop struct{}

// Dispatch implements Sink.
func (Noop) Dispatch(context.Context, models.Intent) error { return nil }

// Log writes each intent to the structured log.
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a Log sink.
func NewLog() *Log {
	return &Log{logger: logging.Component("dispatch")}
}

// Dispatch implements Sink.
func (l *Log) Dispatch(_ context.Context, intent models.Intent) error {
	evt := l.logger.Info().Str("kind", string(intent.Kind)).Str("enrollment_id", intent.EnrollmentID())
	switch {
	case intent.Email != nil:
		evt = evt.Str("lead_id", intent.Email.LeadID).
			Str("template_id", intent.Email.ResolvedTemplateID).
			Str("step_id", intent.Email.StepID)
		if intent.Email.ExperimentID != "" {
			evt = evt.Str("experiment_id", intent.Email.ExperimentID).Str("variant_id", intent.Email.VariantID)
		}
	case intent.Webhook != nil:
		evt = evt.Str("lead_id", intent.Webhook.LeadID).
			Str("url", intent.Webhook.Webhook.URL).
			Str("step_id", intent.Webhook.StepID)
	}
	evt.Msg("intent dispatched")
	return nil
}

// Channel forwards intents to a channel. Dispatch blocks until the
// receiver accepts the intent or ctx is done.
type Channel struct {
	ch chan models.Intent
}

// NewChannel creates a Channel sink with the given buffer.
func NewChannel(buffer int) *Channel {
	return &Channel{ch: make(chan models.Intent, buffer)}
}

// C returns the receive side.
func (c *Channel) C() <-chan models.Intent { return c.ch }

// Dispatch implements Sink.
func (c *Channel) Dispatch(ctx context.Context, intent models.Intent) error {
	select {
	case c.ch <- intent:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Memory records intents. It is used by the tick command and in tests.
type Memory struct {
	mu      sync.Mutex
	intents []models.Intent
}

// NewMemory creates an empty Memory sink.
func NewMemory() *Memory { return &Memory{} }

// Dispatch implements Sink.
func (m *Memory) Dispatch(_ context.Context, intent models.Intent) error {
	m.mu.Lock()
	m.intents = append(m.intents, intent)
	m.mu.Unlock()
	return nil
}

// Intents returns a copy of the recorded intents.
func (m *Memory) Intents() []models.Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Intent(nil), m.intents...)
}

// Multi fans an intent out to every sink. All sinks are attempted; errors
// are joined.
type Multi []Sink

// Dispatch implements Sink.
func (m Multi) Dispatch(ctx context.Context, intent models.Intent) error {
	var errs []error
	for i, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Dispatch(ctx, intent); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

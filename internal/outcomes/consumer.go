// Package outcomes consumes engagement events from the tracking
// collaborator and applies them to enrollments and experiments.
package outcomes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/cadence/internal/clock"
	"github.com/opencode-ai/cadence/internal/logging"
	"github.com/opencode-ai/cadence/internal/metrics"
	"github.com/opencode-ai/cadence/internal/models"
)

// Consumer errors.
var (
	ErrQueueFull      = errors.New("outcome queue is full")
	ErrAlreadyRunning = errors.New("outcome consumer already running")
)

// Config tunes the consumer.
type Config struct {
	// Buffer is the capacity of the inbound queue.
	// Default: 1024.
	Buffer int

	// Retention is how long processed event ids are remembered.
	// Default: 30 days.
	Retention time.Duration

	// PruneInterval is how often expired ids are removed.
	// Default: 1 hour.
	PruneInterval time.Duration
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Buffer:        1024,
		Retention:     30 * 24 * time.Hour,
		PruneInterval: time.Hour,
	}
}

// Ledger remembers processed event ids.
type Ledger interface {
	MarkProcessed(ctx context.Context, eventID string, at time.Time) (bool, error)
	Forget(ctx context.Context, eventID string) error
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Enrollments applies outcomes to enrollment contexts.
type Enrollments interface {
	OutcomeTargets(ctx context.Context, ev *models.OutcomeEvent) ([]string, error)
	ApplyOutcomeTo(ctx context.Context, enrollmentID string, ev *models.OutcomeEvent) (*models.Enrollment, error)
}

// Experiments counts outcomes against experiment variants.
type Experiments interface {
	RecordOutcomeEvent(ctx context.Context, experimentID string, ev *models.OutcomeEvent) (bool, error)
	Assign(ctx context.Context, experimentID, entityKey string) (models.Variant, error)
}

// Result describes what one event changed.
type Result struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
	Updated   int    `json:"enrollments_updated"`
	Stopped   int    `json:"enrollments_stopped"`
	Recorded  bool   `json:"experiment_recorded"`
	VariantID string `json:"variant_id,omitempty"`
}

// Consumer applies outcome events exactly once per event id.
type Consumer struct {
	config      Config
	ledger      Ledger
	enrollments Enrollments
	experiments Experiments
	metrics     metrics.Recorder
	clock       clock.Clock
	logger      zerolog.Logger

	queue chan *models.OutcomeEvent

	mu      sync.Mutex
	running bool
}

// New creates a Consumer. experiments and recorder may be nil.
func New(config Config, ledger Ledger, enrollments Enrollments, experiments Experiments, recorder metrics.Recorder, clk clock.Clock) *Consumer {
	def := DefaultConfig()
	if config.Buffer <= 0 {
		config.Buffer = def.Buffer
	}
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = def.PruneInterval
	}
	return &Consumer{
		config:      config,
		ledger:      ledger,
		enrollments: enrollments,
		experiments: experiments,
		metrics:     metrics.OrNoop(recorder),
		clock:       clock.OrReal(clk),
		logger:      logging.Component("outcomes"),
		queue:       make(chan *models.OutcomeEvent, config.Buffer),
	}
}

// Decode parses and validates an outcome event.
func Decode(payload []byte) (*models.OutcomeEvent, error) {
	var ev models.OutcomeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("decode outcome event: %w", err)
	}
	ev.EnsureID()
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// HandleMessage decodes a broker message and queues it. It matches the
// MQTT client's handler signature.
func (c *Consumer) HandleMessage(topic string, payload []byte) error {
	ev, err := Decode(payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("topic", topic).Msg("dropping malformed outcome event")
		return err
	}
	return c.Submit(ev)
}

// Submit queues an event without blocking.
func (c *Consumer) Submit(ev *models.OutcomeEvent) error {
	ev.EnsureID()
	select {
	case c.queue <- ev:
		return nil
	default:
		c.logger.Error().Str("event_id", ev.ID).Msg("outcome queue full, dropping event")
		return ErrQueueFull
	}
}

// Run processes queued events until ctx is done. Events still queued when
// ctx ends are processed before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	c.logger.Info().Int("buffer", c.config.Buffer).Msg("outcome consumer starting")

	prune := time.NewTicker(c.config.PruneInterval)
	defer prune.Stop()
	c.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			c.flush()
			c.logger.Info().Msg("outcome consumer stopped")
			return nil
		case ev := <-c.queue:
			c.process(ctx, ev)
		case <-prune.C:
			c.prune(ctx)
		}
	}
}

func (c *Consumer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-c.queue:
			c.process(ctx, ev)
		default:
			return
		}
	}
}

func (c *Consumer) process(ctx context.Context, ev *models.OutcomeEvent) {
	if _, err := c.Handle(ctx, ev); err != nil {
		c.logger.Error().Err(err).Str("event_id", ev.ID).Str("event", string(ev.Event)).Msg("outcome event failed")
	}
}

func (c *Consumer) prune(ctx context.Context) {
	removed, err := c.ledger.PruneBefore(ctx, c.clock.Now().Add(-c.config.Retention))
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to prune processed outcome ids")
		return
	}
	if removed > 0 {
		c.logger.Debug().Int64("removed", removed).Msg("pruned processed outcome ids")
	}
}

// Handle applies one event synchronously. Each enrollment takes an event
// at most once, so a redelivery after a partial failure only reaches the
// enrollments that missed it. Experiment counters move once per event id,
// after every enrollment has been updated. Sends are counted against
// experiments at dispatch, so a "sent" event only updates enrollment context.
func (c *Consumer) Handle(ctx context.Context, ev *models.OutcomeEvent) (*Result, error) {
	ev.EnsureID()
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	now := c.clock.Now()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}

	targets, err := c.enrollments.OutcomeTargets(ctx, ev)
	if err != nil {
		return nil, err
	}

	result := &Result{EventID: ev.ID}
	for _, id := range targets {
		key := enrollmentKey(ev.ID, id)
		fresh, err := c.ledger.MarkProcessed(ctx, key, now)
		if err != nil {
			return nil, err
		}
		if !fresh {
			continue
		}
		enr, err := c.enrollments.ApplyOutcomeTo(ctx, id, ev)
		if err != nil {
			// Let a redelivery retry this enrollment.
			if forgetErr := c.ledger.Forget(ctx, key); forgetErr != nil {
				c.logger.Error().Err(forgetErr).Str("event_id", ev.ID).Str("enrollment_id", id).Msg("failed to release outcome event id")
			}
			return nil, err
		}
		if enr == nil {
			continue
		}
		result.Updated++
		if enr.Status == models.EnrollmentStatusStopped {
			result.Stopped++
		}
	}

	fresh, err := c.ledger.MarkProcessed(ctx, ev.ID, now)
	if err != nil {
		return nil, err
	}
	if !fresh {
		result.Duplicate = true
		c.logger.Debug().Str("event_id", ev.ID).Msg("duplicate outcome event ignored")
		return result, nil
	}

	if ev.ExperimentID != "" && ev.Event != models.OutcomeSent && c.experiments != nil {
		c.recordExperiment(ctx, ev, result)
	}

	c.logger.Debug().
		Str("event_id", ev.ID).
		Str("event", string(ev.Event)).
		Int("updated", result.Updated).
		Int("stopped", result.Stopped).
		Bool("recorded", result.Recorded).
		Msg("outcome event applied")
	return result, nil
}

// enrollmentKey is the ledger id marking ev as applied to one enrollment.
func enrollmentKey(eventID, enrollmentID string) string {
	return eventID + "/" + enrollmentID
}

// recordExperiment counts the event. Failures are logged; the enrollment
// side has already been applied.
func (c *Consumer) recordExperiment(ctx context.Context, ev *models.OutcomeEvent, result *Result) {
	recorded, err := c.experiments.RecordOutcomeEvent(ctx, ev.ExperimentID, ev)
	if err != nil {
		c.logger.Warn().Err(err).Str("event_id", ev.ID).Str("experiment_id", ev.ExperimentID).Msg("failed to record experiment outcome")
		return
	}
	result.Recorded = recorded
	if !recorded {
		return
	}

	key := ev.EntityKey
	if key == "" {
		key = ev.LeadID
	}
	variant, err := c.experiments.Assign(ctx, ev.ExperimentID, key)
	if err == nil {
		result.VariantID = variant.ID
	}
	c.metrics.Outcome(ev.ExperimentID, result.VariantID, ev.Event)
}

// Package scheduler advances due enrollments on a tick and hands the
// resulting intents to the dispatch sink.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/opencode-ai/cadence/internal/clock"
	"github.com/opencode-ai/cadence/internal/dispatch"
	"github.com/opencode-ai/cadence/internal/enrollment"
	"github.com/opencode-ai/cadence/internal/logging"
	"github.com/opencode-ai/cadence/internal/metrics"
	"github.com/opencode-ai/cadence/internal/models"
)

// Scheduler errors.
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler already running")
	ErrSchedulerNotRunning     = errors.New("scheduler not running")
	ErrSchedulerPaused         = errors.New("scheduler is paused")
)

// Config contains scheduler configuration.
type Config struct {
	// TickInterval is how often the scheduler looks for due enrollments.
	// Default: 5 seconds.
	TickInterval time.Duration

	// AdvanceTimeout bounds a single advance.
	// Default: 10 seconds.
	AdvanceTimeout time.Duration

	// MaxConcurrent limits how many enrollments advance at once.
	// Default: 8.
	MaxConcurrent int

	// BatchSize is the maximum number of due enrollments per tick.
	// Default: 200.
	BatchSize int

	// DispatchTimeout bounds a single hand-off to the sink.
	// Default: 10 seconds.
	DispatchTimeout time.Duration

	// IntentBuffer is the capacity of the queue between workers and the
	// sink.
	// Default: 256.
	IntentBuffer int
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:    5 * time.Second,
		AdvanceTimeout:  10 * time.Second,
		MaxConcurrent:   8,
		BatchSize:       200,
		DispatchTimeout: 10 * time.Second,
		IntentBuffer:    256,
	}
}

// Engine is the part of the enrollment engine the scheduler drives.
type Engine interface {
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	Advance(ctx context.Context, enrollmentID string) (*enrollment.AdvanceResult, error)
	MarkFailed(ctx context.Context, enrollmentID string, cause error) (*models.Enrollment, error)
}

// Outcome classifies what happened to one enrollment during a tick.
type Outcome string

const (
	OutcomeAdvanced Outcome = "advanced"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeConflict Outcome = "conflict"
	OutcomeFailed   Outcome = "failed"
)

// AdvanceEvent reports one advance attempt.
type AdvanceEvent struct {
	// EnrollmentID is the enrollment that was advanced.
	EnrollmentID string `json:"enrollment_id"`

	// Outcome classifies the attempt.
	Outcome Outcome `json:"outcome"`

	// Skipped explains a skipped attempt.
	Skipped enrollment.SkipReason `json:"skipped,omitempty"`

	// Intents is the number of intents emitted.
	Intents int `json:"intents"`

	// Error contains error details if the attempt failed.
	Error string `json:"error,omitempty"`

	// Timestamp is when the attempt started.
	Timestamp time.Time `json:"timestamp"`

	// Duration is how long the attempt took.
	Duration time.Duration `json:"duration"`
}

// TickResult summarizes one pass over due enrollments.
type TickResult struct {
	Due       int             `json:"due"`
	Advanced  int             `json:"advanced"`
	Skipped   int             `json:"skipped"`
	Conflicts int             `json:"conflicts"`
	Failed    int             `json:"failed"`
	Intents   []models.Intent `json:"intents"`
	Duration  time.Duration   `json:"duration"`
}

// SchedulerStats contains scheduler statistics.
type SchedulerStats struct {
	// Running indicates if the scheduler is active.
	Running bool `json:"running"`

	// Paused indicates if the scheduler is paused.
	Paused bool `json:"paused"`

	// StartedAt is when the scheduler was started.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// Ticks is the number of completed ticks.
	Ticks int64 `json:"ticks"`

	// Advanced, Skipped, Conflicts and Failed count advance attempts by
	// outcome.
	Advanced  int64 `json:"advanced"`
	Skipped   int64 `json:"skipped"`
	Conflicts int64 `json:"conflicts"`
	Failed    int64 `json:"failed"`

	// IntentsDispatched and IntentsFailed count sink hand-offs.
	IntentsDispatched int64 `json:"intents_dispatched"`
	IntentsFailed     int64 `json:"intents_failed"`

	// LastTickAt is when the last tick started.
	LastTickAt *time.Time `json:"last_tick_at,omitempty"`
}

// Scheduler drives enrollments forward.
type Scheduler struct {
	config  Config
	engine  Engine
	sink    dispatch.Sink
	metrics metrics.Recorder
	clock   clock.Clock
	logger  zerolog.Logger

	// Runtime state
	mu          sync.RWMutex
	running     bool
	paused      bool
	ctx         context.Context
	cancel      context.CancelFunc
	loopWG      sync.WaitGroup
	drainWG     sync.WaitGroup
	scheduleNow chan string
	intents     chan models.Intent // nil unless running

	// Stats
	stats   SchedulerStats
	statsMu sync.RWMutex
	eventCh chan AdvanceEvent
}

// New creates a Scheduler. A nil sink drops intents; a nil recorder
// discards metrics.
func New(config Config, engine Engine, sink dispatch.Sink, recorder metrics.Recorder, clk clock.Clock) *Scheduler {
	def := DefaultConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = def.TickInterval
	}
	if config.AdvanceTimeout <= 0 {
		config.AdvanceTimeout = def.AdvanceTimeout
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = def.DispatchTimeout
	}
	if config.IntentBuffer <= 0 {
		config.IntentBuffer = def.IntentBuffer
	}
	if sink == nil {
		sink = dispatch.Noop{}
	}

	return &Scheduler{
		config:      config,
		engine:      engine,
		sink:        sink,
		metrics:     metrics.OrNoop(recorder),
		clock:       clock.OrReal(clk),
		logger:      logging.Component("scheduler"),
		scheduleNow: make(chan string, 100),
		eventCh:     make(chan AdvanceEvent, 100),
	}
}

// Start begins the tick loop and the dispatch drain.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.paused = false
	s.intents = make(chan models.Intent, s.config.IntentBuffer)

	now := s.clock.Now()
	s.statsMu.Lock()
	s.stats.Running = true
	s.stats.Paused = false
	s.stats.StartedAt = &now
	s.statsMu.Unlock()

	s.logger.Info().
		Dur("tick_interval", s.config.TickInterval).
		Int("max_concurrent", s.config.MaxConcurrent).
		Int("batch_size", s.config.BatchSize).
		Msg("scheduler starting")

	s.drainWG.Add(1)
	go s.drain(s.intents)

	s.loopWG.Add(1)
	go s.runLoop()

	return nil
}

// Stop halts the tick loop, waits for in-flight advances, then delivers
// the intents still queued.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.logger.Info().Msg("scheduler stopping")
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.loopWG.Wait()

	s.mu.Lock()
	close(s.intents)
	s.intents = nil
	s.mu.Unlock()
	s.drainWG.Wait()

	s.statsMu.Lock()
	s.stats.Running = false
	s.stats.Paused = false
	s.statsMu.Unlock()

	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// ScheduleNow advances one enrollment without waiting for the next tick.
func (s *Scheduler) ScheduleNow(enrollmentID string) error {
	s.mu.RLock()
	running, paused := s.running, s.paused
	s.mu.RUnlock()

	if !running {
		return ErrSchedulerNotRunning
	}
	if paused {
		return ErrSchedulerPaused
	}

	select {
	case s.scheduleNow <- enrollmentID:
		s.logger.Debug().Str("enrollment_id", enrollmentID).Msg("immediate advance triggered")
	default:
		// The next tick picks it up.
		s.logger.Debug().Str("enrollment_id", enrollmentID).Msg("schedule channel full, will advance on next tick")
	}
	return nil
}

// Pause suspends ticking without stopping the scheduler.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrSchedulerNotRunning
	}
	if s.paused {
		return nil
	}

	s.paused = true
	s.statsMu.Lock()
	s.stats.Paused = true
	s.statsMu.Unlock()

	s.logger.Info().Msg("scheduler paused")
	return nil
}

// Resume resumes a paused scheduler.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrSchedulerNotRunning
	}
	if !s.paused {
		return nil
	}

	s.paused = false
	s.statsMu.Lock()
	s.stats.Paused = false
	s.statsMu.Unlock()

	s.logger.Info().Msg("scheduler resumed")
	return nil
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() SchedulerStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

// Events returns the channel of advance events. Events are dropped when
// nobody reads them.
func (s *Scheduler) Events() <-chan AdvanceEvent {
	return s.eventCh
}

func (s *Scheduler) isPaused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// runLoop is the main scheduling loop.
func (s *Scheduler) runLoop() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case id := <-s.scheduleNow:
			if s.isPaused() {
				continue
			}
			s.Advance(s.ctx, id)

		case <-ticker.C:
			if s.isPaused() {
				continue
			}
			if _, err := s.Tick(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("tick failed")
			}
		}
	}
}

// Tick advances every due enrollment once. A failing enrollment does not
// stop the batch. Tick may be called directly whether or not the
// scheduler is running; without a running drain, intents are delivered
// before Tick returns.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	began := time.Now()
	now := s.clock.Now()
	s.statsMu.Lock()
	s.stats.LastTickAt = &now
	s.statsMu.Unlock()

	ids, err := s.engine.Due(ctx, now, s.config.BatchSize)
	if err != nil {
		return nil, err
	}

	result := &TickResult{Due: len(ids)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.config.MaxConcurrent)
	for _, id := range ids {
		g.Go(func() error {
			event, intents := s.advance(ctx, id)
			s.record(event)

			mu.Lock()
			defer mu.Unlock()
			switch event.Outcome {
			case OutcomeAdvanced:
				result.Advanced++
			case OutcomeSkipped:
				result.Skipped++
			case OutcomeConflict:
				result.Conflicts++
			case OutcomeFailed:
				result.Failed++
			}
			result.Intents = append(result.Intents, intents...)
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(began)

	s.statsMu.Lock()
	s.stats.Ticks++
	s.statsMu.Unlock()

	s.metrics.Tick(metrics.TickSample{
		Due:      result.Due,
		Advanced: result.Advanced,
		Skipped:  result.Skipped,
		Failed:   result.Failed,
		Intents:  len(result.Intents),
		Duration: result.Duration,
	})

	if result.Due > 0 {
		s.logger.Debug().
			Int("due", result.Due).
			Int("advanced", result.Advanced).
			Int("skipped", result.Skipped).
			Int("conflicts", result.Conflicts).
			Int("failed", result.Failed).
			Int("intents", len(result.Intents)).
			Msg("tick complete")
	}
	return result, nil
}

// Advance advances a single enrollment outside a tick and hands its
// intents to the sink. Failures are classified as in Tick.
func (s *Scheduler) Advance(ctx context.Context, enrollmentID string) AdvanceEvent {
	event, _ := s.advance(ctx, enrollmentID)
	s.record(event)
	return event
}

// advance runs one advance, marks hard failures and hands intents off.
func (s *Scheduler) advance(ctx context.Context, id string) (event AdvanceEvent, intents []models.Intent) {
	start := time.Now()
	event = AdvanceEvent{EnrollmentID: id, Timestamp: s.clock.Now()}
	defer func() { event.Duration = time.Since(start) }()

	actx, cancel := context.WithTimeout(ctx, s.config.AdvanceTimeout)
	res, err := s.engine.Advance(actx, id)
	cancel()

	if err != nil {
		event.Error = err.Error()
		switch {
		case errors.Is(err, models.ErrConcurrentUpdate):
			// Another worker won the race and owns the intents.
			event.Outcome = OutcomeConflict
			s.logger.Debug().Str("enrollment_id", id).Msg("advance lost race")
		case ctx.Err() != nil, errors.Is(err, context.DeadlineExceeded):
			// Nothing was persisted; the next tick retries.
			event.Outcome = OutcomeFailed
			s.logger.Warn().Err(err).Str("enrollment_id", id).Msg("advance interrupted")
		default:
			event.Outcome = OutcomeFailed
			s.logger.Error().Err(err).Str("enrollment_id", id).Msg("advance failed")
			if _, markErr := s.engine.MarkFailed(ctx, id, err); markErr != nil {
				s.logger.Error().Err(markErr).Str("enrollment_id", id).Msg("failed to mark enrollment failed")
			}
		}
		return event, nil
	}

	if !res.Advanced() {
		event.Outcome = OutcomeSkipped
		event.Skipped = res.Skipped
		return event, nil
	}

	event.Outcome = OutcomeAdvanced
	event.Intents = len(res.Intents)
	s.hand(res.Intents)
	return event, res.Intents
}

// hand queues intents for the drain, or delivers them inline when the
// scheduler is not running.
func (s *Scheduler) hand(intents []models.Intent) {
	if len(intents) == 0 {
		return
	}

	s.mu.RLock()
	if s.intents != nil {
		for _, intent := range intents {
			s.intents <- intent
		}
		s.mu.RUnlock()
		return
	}
	s.mu.RUnlock()

	for _, intent := range intents {
		s.deliver(intent)
	}
}

// drain delivers queued intents until the queue is closed.
func (s *Scheduler) drain(intents <-chan models.Intent) {
	defer s.drainWG.Done()
	for intent := range intents {
		s.deliver(intent)
	}
}

func (s *Scheduler) deliver(intent models.Intent) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.DispatchTimeout)
	defer cancel()

	err := s.sink.Dispatch(ctx, intent)
	s.metrics.Intent(intent, err == nil)

	s.statsMu.Lock()
	if err != nil {
		s.stats.IntentsFailed++
	} else {
		s.stats.IntentsDispatched++
	}
	s.statsMu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).
			Str("kind", string(intent.Kind)).
			Str("enrollment_id", intent.EnrollmentID()).
			Msg("intent dispatch failed")
	}
}

// record folds an advance event into stats and publishes it.
func (s *Scheduler) record(event AdvanceEvent) {
	s.statsMu.Lock()
	switch event.Outcome {
	case OutcomeAdvanced:
		s.stats.Advanced++
	case OutcomeSkipped:
		s.stats.Skipped++
	case OutcomeConflict:
		s.stats.Conflicts++
	case OutcomeFailed:
		s.stats.Failed++
	}
	s.statsMu.Unlock()

	select {
	case s.eventCh <- event:
	default:
		// Channel full, drop event
	}
}

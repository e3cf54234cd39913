// Package enrollment implements the enrollment state machine: enrolling
// leads, advancing them through a sequence graph and applying outcomes.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/cadence/internal/clock"
	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/events"
	"github.com/opencode-ai/cadence/internal/experiments"
	"github.com/opencode-ai/cadence/internal/logging"
	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/templates"
)

// Context keys maintained by the engine.
const (
	// ContextEngagement holds lead engagement counters, seeded from the lead
	// and incremented by outcome events.
	ContextEngagement = "engagement"

	// ContextOutcomes counts outcome events received during this
	// enrollment. Stop triggers read it.
	ContextOutcomes = "outcomes"
)

// Config tunes the engine.
type Config struct {
	// MaxStepsPerAdvance bounds the chain of steps one advance executes.
	// Default: 32.
	MaxStepsPerAdvance int

	// DefaultTimezone applies to sequences without a timezone.
	// Default: UTC.
	DefaultTimezone string
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxStepsPerAdvance: 32,
		DefaultTimezone:    "UTC",
	}
}

// SequenceSource reads sequence snapshots.
type SequenceSource interface {
	Get(ctx context.Context, id string) (*models.Sequence, error)
	Resolve(ctx context.Context, id string) (*models.Sequence, error)
}

// TemplateResolver picks the template an entity receives.
type TemplateResolver interface {
	GetTemplateForUser(ctx context.Context, baseTemplateID, entityKey string, scope experiments.Scope) (*templates.Resolution, error)
}

// OutcomeRecorder counts outcomes against experiments.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, experimentID, entityKey string, event models.OutcomeType) (bool, error)
}

// SkipReason explains why an advance left the enrollment untouched.
type SkipReason string

const (
	SkipTerminal         SkipReason = "terminal"
	SkipNotDue           SkipReason = "not_due"
	SkipSequenceInactive SkipReason = "sequence_inactive"
)

// AdvanceResult is the outcome of one advance.
type AdvanceResult struct {
	Enrollment *models.Enrollment
	Intents    []models.Intent
	Steps      int
	Skipped    SkipReason
}

// Advanced reports whether the enrollment changed.
func (r *AdvanceResult) Advanced() bool { return r.Skipped == "" }

// Engine is the enrollment state machine.
type Engine struct {
	cfg       Config
	sequences SequenceSource
	repo      *db.EnrollmentRepository
	templates TemplateResolver
	outcomes  OutcomeRecorder
	clock     clock.Clock
	logger    zerolog.Logger

	locks     *keyedMutex
	locations locations
}

// New creates an Engine. tmpl and outcomes may be nil: without a resolver
// email steps dispatch their configured template id, without a recorder
// experiments are not told about sends.
func New(cfg Config, sequences SequenceSource, repo *db.EnrollmentRepository, tmpl TemplateResolver, outcomes OutcomeRecorder, clk clock.Clock) *Engine {
	def := DefaultConfig()
	if cfg.MaxStepsPerAdvance <= 0 {
		cfg.MaxStepsPerAdvance = def.MaxStepsPerAdvance
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = def.DefaultTimezone
	}
	return &Engine{
		cfg:       cfg,
		sequences: sequences,
		repo:      repo,
		templates: tmpl,
		outcomes:  outcomes,
		clock:     clock.OrReal(clk),
		logger:    logging.Component("enrollment"),
		locks:     newKeyedMutex(),
	}
}

// EnrollLead starts a lead on the latest version of a sequence. It returns
// models.ErrDuplicateEnrollment when the lead is already active in the
// sequence lineage and models.ErrEntryConditionsNotMet when the lead does
// not qualify.
func (e *Engine) EnrollLead(ctx context.Context, lead *models.Lead, sequenceID string) (*models.Enrollment, error) {
	if lead == nil || lead.ID == "" {
		return nil, fmt.Errorf("lead id is required")
	}

	seq, err := e.sequences.Resolve(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status != models.SequenceStatusActive {
		return nil, fmt.Errorf("%w: %s is %s", models.ErrSequenceNotActive, seq.ID, seq.Status)
	}

	attrs := lead.Attributes()
	ok, err := Evaluate(seq.EntryConditions, attrs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEntryConditionsNotMet, err)
	}
	if !ok {
		return nil, models.ErrEntryConditionsNotMet
	}

	now := e.clock.Now()
	enr := &models.Enrollment{
		ID:             uuid.New().String(),
		LeadID:         lead.ID,
		SequenceID:     seq.ID,
		LineageID:      seq.LineageID,
		CurrentStepID:  seq.FirstStepID,
		Status:         models.EnrollmentStatusActive,
		NextEligibleAt: now,
		Context:        attrs,
		CreatedAt:      now,
	}

	created, err := events.New(models.EventTypeEnrollmentCreated, models.EntityTypeEnrollment, enr.ID, map[string]any{
		"lead_id":     enr.LeadID,
		"sequence_id": enr.SequenceID,
		"version":     seq.Version,
	})
	if err != nil {
		return nil, err
	}
	if err := e.repo.Create(ctx, enr, created); err != nil {
		if errors.Is(err, models.ErrDuplicateEnrollment) {
			e.logger.Debug().Str("lead_id", lead.ID).Str("lineage_id", seq.LineageID).Msg("lead already enrolled")
		}
		return nil, err
	}

	e.logger.Info().
		Str("enrollment_id", enr.ID).
		Str("lead_id", enr.LeadID).
		Str("sequence_id", enr.SequenceID).
		Msg("lead enrolled")
	return enr, nil
}

// Advance moves an enrollment through its sequence. Stop triggers are
// checked first; terminal, not yet due and paused-sequence enrollments are
// left alone. State is persisted before intents are returned, so an advance
// that loses a race returns models.ErrConcurrentUpdate and no intents.
func (e *Engine) Advance(ctx context.Context, enrollmentID string) (*AdvanceResult, error) {
	unlock := e.locks.Lock(enrollmentID)
	defer unlock()

	enr, err := e.repo.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if enr.Status.IsTerminal() {
		return &AdvanceResult{Enrollment: enr, Skipped: SkipTerminal}, nil
	}

	seq, err := e.sequences.Get(ctx, enr.SequenceID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if reason := stopTrigger(seq.Settings, enr.Context); reason != "" {
		if err := e.stop(ctx, enr, reason, now); err != nil {
			return nil, err
		}
		return &AdvanceResult{Enrollment: enr}, nil
	}
	if seq.Status != models.SequenceStatusActive {
		return &AdvanceResult{Enrollment: enr, Skipped: SkipSequenceInactive}, nil
	}
	if !enr.IsDue(now) {
		return &AdvanceResult{Enrollment: enr, Skipped: SkipNotDue}, nil
	}

	window, err := e.window(seq.Settings)
	if err != nil {
		return nil, &models.StepExecutionError{StepID: enr.CurrentStepID, Err: err}
	}

	r := &run{seq: seq, enr: enr, now: now, window: window, from: enr.CurrentStepID}
	if err := e.walk(ctx, r); err != nil {
		return nil, err
	}

	evts, err := r.events()
	if err != nil {
		return nil, err
	}
	if err := e.repo.Update(ctx, enr, r.history, evts...); err != nil {
		return nil, err
	}
	enr.History = append(enr.History, r.history...)

	e.recordSends(ctx, r.intents)

	e.logger.Debug().
		Str("enrollment_id", enr.ID).
		Str("from", r.from).
		Str("to", enr.CurrentStepID).
		Str("status", string(enr.Status)).
		Int("steps", r.steps).
		Int("intents", len(r.intents)).
		Time("next_eligible_at", enr.NextEligibleAt).
		Msg("enrollment advanced")

	return &AdvanceResult{Enrollment: enr, Intents: r.intents, Steps: r.steps}, nil
}

// run is the working state of one advance.
type run struct {
	seq    *models.Sequence
	enr    *models.Enrollment
	now    time.Time
	window Window
	from   string

	steps    int
	history  []models.HistoryEntry
	intents  []models.Intent
	terminal models.EventType
}

func (e *Engine) walk(ctx context.Context, r *run) error {
	for {
		stepID := r.enr.CurrentStepID
		if stepID == "" {
			r.complete("")
			return nil
		}
		if r.steps >= e.cfg.MaxStepsPerAdvance {
			r.enr.NextEligibleAt = r.now
			e.logger.Warn().
				Str("enrollment_id", r.enr.ID).
				Str("step_id", stepID).
				Int("max_steps", e.cfg.MaxStepsPerAdvance).
				Msg("step limit reached, resuming next tick")
			return nil
		}

		step, ok := r.seq.Step(stepID)
		if !ok {
			return &models.StepExecutionError{
				StepID: stepID,
				Err:    fmt.Errorf("step does not exist in sequence %s", r.seq.ID),
			}
		}
		r.steps++

		more, err := e.execute(ctx, r, step)
		if err != nil {
			return err
		}
		if !more || r.enr.Status != models.EnrollmentStatusActive {
			return nil
		}
	}
}

// execute runs one step and reports whether the chain continues.
func (e *Engine) execute(ctx context.Context, r *run, step models.Step) (bool, error) {
	switch cfg := step.Config.(type) {
	case models.EmailConfig:
		return e.executeEmail(ctx, r, step, cfg)
	case models.WaitConfig:
		return executeWait(r, step, cfg), nil
	case models.ConditionConfig:
		return executeCondition(r, step, cfg)
	case models.WebhookConfig:
		return executeWebhook(r, step, cfg), nil
	case models.GoalConfig:
		r.record(step, models.OutcomeGoal, cfg.Name, nil)
		r.complete(step.ID)
		return false, nil
	default:
		return false, &models.StepExecutionError{StepID: step.ID, Err: fmt.Errorf("unsupported step config %T", cfg)}
	}
}

func (e *Engine) executeEmail(ctx context.Context, r *run, step models.Step, cfg models.EmailConfig) (bool, error) {
	if !r.window.Contains(r.now) {
		r.deferUntil(step, r.window.Next(r.now))
		return false, nil
	}

	intent := &models.DispatchIntent{
		EnrollmentID:       r.enr.ID,
		LeadID:             r.enr.LeadID,
		ResolvedTemplateID: cfg.TemplateID,
		StepID:             step.ID,
		SequenceID:         r.seq.ID,
		CreatedAt:          r.now,
	}
	if e.templates != nil {
		res, err := e.templates.GetTemplateForUser(ctx, cfg.TemplateID, entityKey(r.enr), experiments.Scope{
			SequenceID: r.seq.ID,
			LineageID:  r.seq.LineageID,
			StepID:     step.ID,
		})
		if err != nil {
			return false, &models.StepExecutionError{StepID: step.ID, Err: err}
		}
		intent.ResolvedTemplateID = res.Template.ID
		intent.ExperimentID = res.ExperimentID
		intent.VariantID = res.VariantID
	}

	r.intents = append(r.intents, models.Intent{Kind: models.IntentEmail, Email: intent})
	r.record(step, models.OutcomeDispatched, intent.ResolvedTemplateID, nil)

	next := step.Successor()
	if next == "" {
		r.complete(step.ID)
		return false, nil
	}
	r.enr.CurrentStepID = next
	r.enr.NextEligibleAt = r.now

	// One email per advance; a following wait is scheduled right away.
	successor, ok := r.seq.Step(next)
	return ok && successor.Type() == models.StepTypeWait, nil
}

func executeWait(r *run, step models.Step, cfg models.WaitConfig) bool {
	wake := r.now.Add(cfg.Duration.Std())
	if cfg.SkipWeekends {
		wake = r.window.RollToSendingDay(wake)
	}
	r.record(step, models.OutcomeWaited, "until "+wake.Format(time.RFC3339), &wake)

	r.enr.CurrentStepID = step.Successor()
	r.enr.NextEligibleAt = wake
	return !wake.After(r.now)
}

func executeCondition(r *run, step models.Step, cfg models.ConditionConfig) (bool, error) {
	ok, err := Evaluate(cfg.Conditions, r.enr.Context)
	if err != nil {
		return false, &models.StepExecutionError{StepID: step.ID, Err: err}
	}

	target, outcome := cfg.FalseStep, models.OutcomeBranchFalse
	if ok {
		target, outcome = cfg.TrueStep, models.OutcomeBranchTrue
	}
	r.record(step, outcome, target, nil)

	if target == "" {
		r.complete(step.ID)
		return false, nil
	}
	r.enr.CurrentStepID = target
	r.enr.NextEligibleAt = r.now
	return true, nil
}

func executeWebhook(r *run, step models.Step, cfg models.WebhookConfig) bool {
	if !r.window.Contains(r.now) {
		r.deferUntil(step, r.window.Next(r.now))
		return false
	}

	r.intents = append(r.intents, models.Intent{
		Kind: models.IntentWebhook,
		Webhook: &models.WebhookIntent{
			EnrollmentID: r.enr.ID,
			LeadID:       r.enr.LeadID,
			StepID:       step.ID,
			SequenceID:   r.seq.ID,
			Webhook:      cfg,
			CreatedAt:    r.now,
		},
	})
	r.record(step, models.OutcomeWebhook, cfg.URL, nil)

	next := step.Successor()
	if next == "" {
		r.complete(step.ID)
		return false
	}
	r.enr.CurrentStepID = next
	r.enr.NextEligibleAt = r.now
	return true
}

func (r *run) record(step models.Step, outcome models.HistoryOutcome, detail string, exited *time.Time) {
	if exited == nil {
		now := r.now
		exited = &now
	}
	r.history = append(r.history, models.HistoryEntry{
		StepID:    step.ID,
		StepType:  step.Type(),
		EnteredAt: r.now,
		ExitedAt:  exited,
		Outcome:   outcome,
		Detail:    detail,
	})
}

func (r *run) deferUntil(step models.Step, at time.Time) {
	r.history = append(r.history, models.HistoryEntry{
		StepID:    step.ID,
		StepType:  step.Type(),
		EnteredAt: r.now,
		Outcome:   models.OutcomeDeferred,
		Detail:    "outside sending window until " + at.Format(time.RFC3339),
	})
	r.enr.NextEligibleAt = at
}

func (r *run) complete(stepID string) {
	now := r.now
	r.history = append(r.history, models.HistoryEntry{
		StepID:    stepID,
		EnteredAt: now,
		ExitedAt:  &now,
		Outcome:   models.OutcomeCompleted,
	})
	r.enr.Status = models.EnrollmentStatusCompleted
	r.enr.CurrentStepID = ""
	r.terminal = models.EventTypeEnrollmentCompleted
}

// events builds the event-log entries written with the new state.
func (r *run) events() ([]*models.Event, error) {
	out := make([]*models.Event, 0, len(r.intents)+2)
	advanced, err := events.New(models.EventTypeEnrollmentAdvanced, models.EntityTypeEnrollment, r.enr.ID,
		models.EnrollmentAdvancedPayload{
			FromStepID: r.from,
			ToStepID:   r.enr.CurrentStepID,
			Steps:      r.steps,
			Intents:    len(r.intents),
		})
	if err != nil {
		return nil, err
	}
	out = append(out, advanced)

	for _, intent := range r.intents {
		evt, err := events.IntentEvent(intent)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}

	if r.terminal != "" {
		evt, err := events.New(r.terminal, models.EntityTypeEnrollment, r.enr.ID, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}

// recordSends counts a "sent" outcome for each dispatched experiment variant.
func (e *Engine) recordSends(ctx context.Context, intents []models.Intent) {
	if e.outcomes == nil {
		return
	}
	for _, intent := range intents {
		if intent.Email == nil || intent.Email.ExperimentID == "" {
			continue
		}
		if _, err := e.outcomes.RecordOutcome(ctx, intent.Email.ExperimentID, intent.Email.LeadID, models.OutcomeSent); err != nil {
			e.logger.Warn().Err(err).
				Str("experiment_id", intent.Email.ExperimentID).
				Str("enrollment_id", intent.Email.EnrollmentID).
				Msg("failed to record send")
		}
	}
}

// entityKey is the experiment assignment key of an enrollment.
func entityKey(enr *models.Enrollment) string {
	if enr.LeadID != "" {
		return enr.LeadID
	}
	return enr.ID
}

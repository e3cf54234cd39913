// Package experiments manages A/B tests: lifecycle, sticky variant
// assignment and outcome counters.
package experiments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/cadence/internal/clock"
	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/events"
	"github.com/opencode-ai/cadence/internal/logging"
	"github.com/opencode-ai/cadence/internal/models"
)

// DefaultTrafficAllocation is used when a request leaves allocation unset.
const DefaultTrafficAllocation = 100

// Options are the optional experiment settings.
type Options struct {
	Name          string
	PrimaryMetric models.Metric

	// TrafficAllocation is the percentage of entities included. Nil means 100.
	TrafficAllocation *int
}

// CreateTestRequest describes a new experiment. Exactly one of TemplateID or
// (SequenceID, StepID) must be set.
type CreateTestRequest struct {
	Options

	TemplateID string
	SequenceID string
	StepID     string
	Variants   []models.Variant
}

// Scope locates a step for step-scoped experiments. An experiment created
// against either the exact sequence version or its lineage applies.
type Scope struct {
	SequenceID string
	LineageID  string
	StepID     string
}

// Manager owns experiment lifecycle and counters.
type Manager struct {
	repo   *db.ExperimentRepository
	events events.Repository
	clock  clock.Clock
	logger zerolog.Logger
}

// NewManager creates a Manager. eventRepo and clk may be nil.
func NewManager(repo *db.ExperimentRepository, eventRepo events.Repository, clk clock.Clock) *Manager {
	return &Manager{
		repo:   repo,
		events: eventRepo,
		clock:  clock.OrReal(clk),
		logger: logging.Component("experiments"),
	}
}

// CreateTest validates and stores a draft experiment.
func (m *Manager) CreateTest(ctx context.Context, req CreateTestRequest) (*models.Experiment, error) {
	exp, err := BuildExperiment(req)
	if err != nil {
		return nil, err
	}
	exp.CreatedAt = m.clock.Now()

	if err := m.repo.Create(ctx, exp); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("experiment_id", exp.ID).
		Str("template_id", exp.TemplateID).
		Str("sequence_id", exp.SequenceID).
		Str("step_id", exp.StepID).
		Int("variants", len(exp.Variants)).
		Msg("experiment created")
	m.logEvent(ctx, models.EventTypeExperimentCreated, exp.ID, map[string]any{
		"name":               exp.Name,
		"primary_metric":     exp.PrimaryMetric,
		"traffic_allocation": exp.TrafficAllocation,
	})
	return exp, nil
}

// BuildExperiment validates a request and returns the draft experiment it
// describes. Errors match models.ErrInvalidExperimentConfig.
func BuildExperiment(req CreateTestRequest) (*models.Experiment, error) {
	templateID := strings.TrimSpace(req.TemplateID)
	sequenceID := strings.TrimSpace(req.SequenceID)
	stepID := strings.TrimSpace(req.StepID)

	switch {
	case templateID != "" && (sequenceID != "" || stepID != ""):
		return nil, invalid("scope must be a template id or a (sequence id, step id) pair, not both")
	case templateID == "" && (sequenceID == "" || stepID == ""):
		return nil, invalid("scope requires a template id or both a sequence id and a step id")
	}

	metric := req.PrimaryMetric
	if metric == "" {
		metric = models.MetricOpenRate
	}
	if !metric.Valid() {
		return nil, invalid(fmt.Sprintf("unknown primary metric %q", metric))
	}

	allocation := DefaultTrafficAllocation
	if req.TrafficAllocation != nil {
		allocation = *req.TrafficAllocation
	}
	if allocation < 0 || allocation > 100 {
		return nil, invalid(fmt.Sprintf("traffic allocation %d must be within 0..100", allocation))
	}

	variants, err := validateVariants(req.Variants)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "test of " + templateID
		if templateID == "" {
			name = "test of " + stepID
		}
	}

	return &models.Experiment{
		Name:              name,
		TemplateID:        templateID,
		SequenceID:        sequenceID,
		StepID:            stepID,
		Status:            models.ExperimentStatusDraft,
		Variants:          variants,
		PrimaryMetric:     metric,
		TrafficAllocation: allocation,
	}, nil
}

func validateVariants(in []models.Variant) ([]models.Variant, error) {
	if len(in) < 2 {
		return nil, invalid("an experiment needs at least two variants")
	}

	variants := make([]models.Variant, len(in))
	seen := make(map[string]struct{}, len(in))
	total, controls := 0, 0
	for i, v := range in {
		v.ID = strings.TrimSpace(v.ID)
		v.TemplateID = strings.TrimSpace(v.TemplateID)
		v.Counters = models.VariantCounters{}
		if v.ID == "" {
			return nil, invalid(fmt.Sprintf("variant %d: id is required", i+1))
		}
		if _, dup := seen[v.ID]; dup {
			return nil, invalid(fmt.Sprintf("duplicate variant id %q", v.ID))
		}
		seen[v.ID] = struct{}{}
		if v.TemplateID == "" {
			return nil, invalid(fmt.Sprintf("variant %q: template id is required", v.ID))
		}
		if v.Weight < 0 || v.Weight > 100 {
			return nil, invalid(fmt.Sprintf("variant %q: weight %d must be within 0..100", v.ID, v.Weight))
		}
		if v.Name == "" {
			v.Name = v.ID
		}
		if v.IsControl {
			controls++
		}
		total += v.Weight
		variants[i] = v
	}

	if total != 100 {
		return nil, invalid(fmt.Sprintf("variant weights sum to %d, want 100", total))
	}
	if controls > 1 {
		return nil, invalid(fmt.Sprintf("%d variants are marked as control, at most one is allowed", controls))
	}
	if controls == 0 {
		variants[0].IsControl = true
	}
	return variants, nil
}

// Get returns an experiment with its counters.
func (m *Manager) Get(ctx context.Context, id string) (*models.Experiment, error) {
	return m.repo.Get(ctx, id)
}

// List returns experiments matching q.
func (m *Manager) List(ctx context.Context, q db.ExperimentQuery) ([]*models.Experiment, error) {
	return m.repo.List(ctx, q)
}

// StartTest moves a draft experiment to running. Variants are frozen from
// here on.
func (m *Manager) StartTest(ctx context.Context, id string) (*models.Experiment, error) {
	return m.transition(ctx, id, models.ExperimentStatusRunning)
}

// PauseTest stops assigning variants and counting outcomes.
func (m *Manager) PauseTest(ctx context.Context, id string) (*models.Experiment, error) {
	return m.transition(ctx, id, models.ExperimentStatusPaused)
}

// ResumeTest moves a paused experiment back to running.
func (m *Manager) ResumeTest(ctx context.Context, id string) (*models.Experiment, error) {
	return m.transition(ctx, id, models.ExperimentStatusRunning)
}

// CompleteTest ends a running or paused experiment.
func (m *Manager) CompleteTest(ctx context.Context, id string) (*models.Experiment, error) {
	return m.transition(ctx, id, models.ExperimentStatusCompleted)
}

func (m *Manager) transition(ctx context.Context, id string, to models.ExperimentStatus) (*models.Experiment, error) {
	exp, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := exp.Status
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: experiment %s from %s to %s", models.ErrInvalidTransition, id, from, to)
	}

	if to == models.ExperimentStatusRunning && exp.TemplateID != "" {
		running, err := m.repo.CountRunningForTemplate(ctx, exp.TemplateID)
		if err != nil {
			return nil, err
		}
		if running > 0 {
			return nil, fmt.Errorf("%w: template %s already has a running experiment", models.ErrInvalidTransition, exp.TemplateID)
		}
	}

	if err := m.repo.Transition(ctx, id, from, to, m.clock.Now()); err != nil {
		return nil, err
	}

	m.logger.Info().Str("experiment_id", id).Str("from", string(from)).Str("to", string(to)).Msg("experiment status changed")
	if m.events != nil {
		if err := events.LogStatusChanged(ctx, m.events, models.EventTypeExperimentStatusChanged,
			models.EntityTypeExperiment, id, string(from), string(to)); err != nil {
			m.logger.Warn().Err(err).Str("experiment_id", id).Msg("failed to record status event")
		}
	}
	return m.repo.Get(ctx, id)
}

// Assign loads an experiment and assigns the entity to a variant.
func (m *Manager) Assign(ctx context.Context, experimentID, entityKey string) (models.Variant, error) {
	exp, err := m.repo.Get(ctx, experimentID)
	if err != nil {
		return models.Variant{}, err
	}
	return AssignVariant(exp, entityKey), nil
}

// RecordOutcome counts an outcome against the entity's assigned variant.
// Outcomes for unknown or non-running experiments, and outcome types that
// have no counter, are logged and dropped: the returned bool is false and
// the error is nil. An error is returned only for storage failures.
func (m *Manager) RecordOutcome(ctx context.Context, experimentID, entityKey string, event models.OutcomeType) (bool, error) {
	return m.record(ctx, experimentID, models.OutcomePayload{EntityKey: entityKey, Event: event})
}

// RecordOutcomeEvent is RecordOutcome for a tracked outcome event; the
// event id is kept in the event log.
func (m *Manager) RecordOutcomeEvent(ctx context.Context, experimentID string, ev *models.OutcomeEvent) (bool, error) {
	key := ev.EntityKey
	if key == "" {
		key = ev.LeadID
	}
	return m.record(ctx, experimentID, models.OutcomePayload{EventID: ev.ID, EntityKey: key, Event: ev.Event})
}

func (m *Manager) record(ctx context.Context, experimentID string, payload models.OutcomePayload) (bool, error) {
	log := m.logger.With().
		Str("experiment_id", experimentID).
		Str("entity_key", payload.EntityKey).
		Str("event", string(payload.Event)).
		Logger()

	if !payload.Event.Counted() {
		payload.Reason = "outcome is not counted by experiments"
		log.Debug().Msg("outcome dropped: not counted")
		m.logOutcome(ctx, experimentID, payload)
		return false, nil
	}

	exp, err := m.repo.Get(ctx, experimentID)
	if errors.Is(err, models.ErrExperimentNotFound) {
		log.Warn().Msg("outcome dropped: unknown experiment")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if exp.Status != models.ExperimentStatusRunning {
		payload.Reason = "experiment is " + string(exp.Status)
		log.Info().Str("status", string(exp.Status)).Msg("outcome dropped: experiment not running")
		m.logOutcome(ctx, experimentID, payload)
		return false, nil
	}

	variant := AssignVariant(exp, payload.EntityKey)
	payload.VariantID = variant.ID

	updated, err := m.repo.IncrementCounter(ctx, experimentID, variant.ID, payload.Event)
	if err != nil {
		return false, err
	}
	if !updated {
		// Paused or completed between the read and the increment.
		payload.Reason = "experiment stopped running"
		log.Info().Msg("outcome dropped: experiment stopped running")
		m.logOutcome(ctx, experimentID, payload)
		return false, nil
	}

	log.Debug().Str("variant_id", variant.ID).Msg("outcome recorded")
	m.logOutcome(ctx, experimentID, payload)
	return true, nil
}

// HasActiveTest reports whether a template-scoped experiment is running for
// the template.
func (m *Manager) HasActiveTest(ctx context.Context, templateID string) (bool, error) {
	n, err := m.repo.CountRunningForTemplate(ctx, templateID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ActiveTestForTemplate returns the running template-scoped experiment, or
// nil when there is none.
func (m *Manager) ActiveTestForTemplate(ctx context.Context, templateID string) (*models.Experiment, error) {
	exp, err := m.repo.FindRunningForTemplate(ctx, templateID)
	if errors.Is(err, models.ErrExperimentNotFound) {
		return nil, nil
	}
	return exp, err
}

// ActiveTestForStep returns the running experiment scoped to the step, or
// nil when there is none.
func (m *Manager) ActiveTestForStep(ctx context.Context, scope Scope) (*models.Experiment, error) {
	ids := make([]string, 0, 2)
	if scope.SequenceID != "" {
		ids = append(ids, scope.SequenceID)
	}
	if scope.LineageID != "" && scope.LineageID != scope.SequenceID {
		ids = append(ids, scope.LineageID)
	}
	exp, err := m.repo.FindRunningForStep(ctx, ids, scope.StepID)
	if errors.Is(err, models.ErrExperimentNotFound) {
		return nil, nil
	}
	return exp, err
}

func (m *Manager) logOutcome(ctx context.Context, experimentID string, payload models.OutcomePayload) {
	if m.events == nil {
		return
	}
	if err := events.LogOutcome(ctx, m.events, experimentID, payload); err != nil {
		m.logger.Warn().Err(err).Str("experiment_id", experimentID).Msg("failed to record outcome event")
	}
}

func (m *Manager) logEvent(ctx context.Context, eventType models.EventType, experimentID string, payload any) {
	if m.events == nil {
		return
	}
	if err := events.Log(ctx, m.events, eventType, models.EntityTypeExperiment, experimentID, payload); err != nil {
		m.logger.Warn().Err(err).Str("experiment_id", experimentID).Msg("failed to record experiment event")
	}
}

func invalid(reason string) error {
	return &models.InvalidExperimentError{Reason: reason}
}

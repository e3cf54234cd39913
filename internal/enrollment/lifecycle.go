package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/events"
	"github.com/opencode-ai/cadence/internal/experiments"
	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/templates"
)

// outcomeRetries bounds optimistic retries when applying an outcome races
// with another writer.
const outcomeRetries = 3

// Get returns an enrollment with its history.
func (e *Engine) Get(ctx context.Context, id string) (*models.Enrollment, error) {
	return e.repo.Get(ctx, id)
}

// List returns enrollments matching q.
func (e *Engine) List(ctx context.Context, q db.EnrollmentQuery) ([]*models.Enrollment, error) {
	return e.repo.List(ctx, q)
}

// Due returns the ids of active enrollments eligible at now.
func (e *Engine) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return e.repo.ListDueIDs(ctx, now, limit)
}

// GetTemplateForStep resolves the template an enrollment receives at an
// email step of its sequence snapshot.
func (e *Engine) GetTemplateForStep(ctx context.Context, enrollmentID, stepID string) (*templates.Resolution, error) {
	enr, err := e.repo.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	seq, err := e.sequences.Get(ctx, enr.SequenceID)
	if err != nil {
		return nil, err
	}
	step, ok := seq.Step(stepID)
	if !ok {
		return nil, fmt.Errorf("step %q does not exist in sequence %s", stepID, seq.ID)
	}
	cfg, ok := step.Config.(models.EmailConfig)
	if !ok {
		return nil, fmt.Errorf("step %q is a %s step, not an email step", stepID, step.Type())
	}
	if e.templates == nil {
		return nil, fmt.Errorf("no template resolver configured")
	}
	return e.templates.GetTemplateForUser(ctx, cfg.TemplateID, entityKey(enr), experiments.Scope{
		SequenceID: seq.ID,
		LineageID:  seq.LineageID,
		StepID:     step.ID,
	})
}

// Stop ends an active enrollment. Stopping a terminal enrollment returns
// models.ErrInvalidTransition and leaves it unchanged.
func (e *Engine) Stop(ctx context.Context, enrollmentID, reason string) (*models.Enrollment, error) {
	if reason == "" {
		reason = models.StopReasonManual
	}

	unlock := e.locks.Lock(enrollmentID)
	defer unlock()

	enr, err := e.repo.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if enr.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: enrollment %s is %s", models.ErrInvalidTransition, enrollmentID, enr.Status)
	}
	if err := e.stop(ctx, enr, reason, e.clock.Now()); err != nil {
		return nil, err
	}
	return enr, nil
}

// stop persists a stopped enrollment. The caller holds the enrollment lock.
func (e *Engine) stop(ctx context.Context, enr *models.Enrollment, reason string, now time.Time) error {
	entry := models.HistoryEntry{
		StepID:    enr.CurrentStepID,
		EnteredAt: now,
		ExitedAt:  &now,
		Outcome:   models.OutcomeStopped,
		Detail:    reason,
	}
	evt, err := events.New(models.EventTypeEnrollmentStopped, models.EntityTypeEnrollment, enr.ID,
		models.EnrollmentStoppedPayload{Reason: reason})
	if err != nil {
		return err
	}

	enr.Status = models.EnrollmentStatusStopped
	enr.StopReason = reason
	if err := e.repo.Update(ctx, enr, []models.HistoryEntry{entry}, evt); err != nil {
		return err
	}
	enr.History = append(enr.History, entry)

	e.logger.Info().Str("enrollment_id", enr.ID).Str("reason", reason).Msg("enrollment stopped")
	return nil
}

// MarkFailed moves an active enrollment to failed and records cause in its
// history. Terminal enrollments are returned unchanged.
func (e *Engine) MarkFailed(ctx context.Context, enrollmentID string, cause error) (*models.Enrollment, error) {
	unlock := e.locks.Lock(enrollmentID)
	defer unlock()

	enr, err := e.repo.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if enr.Status.IsTerminal() {
		return enr, nil
	}

	stepID := enr.CurrentStepID
	var stepErr *models.StepExecutionError
	if errors.As(cause, &stepErr) && stepErr.StepID != "" {
		stepID = stepErr.StepID
	}
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}

	now := e.clock.Now()
	entry := models.HistoryEntry{
		StepID:    stepID,
		EnteredAt: now,
		ExitedAt:  &now,
		Outcome:   models.OutcomeFailed,
		Detail:    message,
	}
	if step, ok := e.stepType(ctx, enr.SequenceID, stepID); ok {
		entry.StepType = step
	}
	evt, err := events.New(models.EventTypeEnrollmentFailed, models.EntityTypeEnrollment, enr.ID,
		models.ErrorPayload{Error: message, StepID: stepID})
	if err != nil {
		return nil, err
	}

	enr.Status = models.EnrollmentStatusFailed
	if err := e.repo.Update(ctx, enr, []models.HistoryEntry{entry}, evt); err != nil {
		return nil, err
	}
	enr.History = append(enr.History, entry)

	e.logger.Warn().Str("enrollment_id", enr.ID).Str("step_id", stepID).Str("error", message).Msg("enrollment failed")
	return enr, nil
}

func (e *Engine) stepType(ctx context.Context, sequenceID, stepID string) (models.StepType, bool) {
	seq, err := e.sequences.Get(ctx, sequenceID)
	if err != nil {
		return "", false
	}
	step, ok := seq.Step(stepID)
	if !ok {
		return "", false
	}
	return step.Type(), true
}

// ApplyOutcome folds an outcome event into the context of the matching
// active enrollments: the enrollment named by the event, or every active
// enrollment of its lead. Enrollments whose sequence stops on the event are
// stopped. It returns the enrollments that were updated.
func (e *Engine) ApplyOutcome(ctx context.Context, ev *models.OutcomeEvent) ([]*models.Enrollment, error) {
	ids, err := e.OutcomeTargets(ctx, ev)
	if err != nil {
		return nil, err
	}
	var updated []*models.Enrollment
	for _, id := range ids {
		enr, err := e.ApplyOutcomeTo(ctx, id, ev)
		if err != nil {
			return updated, err
		}
		if enr != nil {
			updated = append(updated, enr)
		}
	}
	return updated, nil
}

// OutcomeTargets returns the ids of the enrollments an outcome event
// applies to.
func (e *Engine) OutcomeTargets(ctx context.Context, ev *models.OutcomeEvent) ([]string, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.EnrollmentID != "" {
		return []string{ev.EnrollmentID}, nil
	}

	leadID := ev.LeadID
	if leadID == "" {
		leadID = ev.EntityKey
	}
	active := models.EnrollmentStatusActive
	list, err := e.repo.List(ctx, db.EnrollmentQuery{LeadID: leadID, Status: &active, Limit: 1000})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, enr := range list {
		ids = append(ids, enr.ID)
	}
	return ids, nil
}

// ApplyOutcomeTo folds an outcome event into one enrollment. It returns nil
// without error when the enrollment is already terminal, or when it vanished
// and the event did not name it.
func (e *Engine) ApplyOutcomeTo(ctx context.Context, enrollmentID string, ev *models.OutcomeEvent) (*models.Enrollment, error) {
	var (
		enr *models.Enrollment
		err error
	)
	for attempt := 0; attempt < outcomeRetries; attempt++ {
		enr, err = e.applyOutcome(ctx, enrollmentID, ev)
		if !errors.Is(err, models.ErrConcurrentUpdate) {
			break
		}
	}
	if errors.Is(err, models.ErrEnrollmentNotFound) && ev.EnrollmentID == "" {
		return nil, nil
	}
	return enr, err
}

func (e *Engine) applyOutcome(ctx context.Context, enrollmentID string, ev *models.OutcomeEvent) (*models.Enrollment, error) {
	unlock := e.locks.Lock(enrollmentID)
	defer unlock()

	enr, err := e.repo.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if enr.Status.IsTerminal() {
		return nil, nil
	}

	if enr.Context == nil {
		enr.Context = map[string]any{}
	}
	increment(enr.Context, ContextEngagement, ev.Event.EngagementKey())
	increment(enr.Context, ContextOutcomes, string(ev.Event))

	seq, err := e.sequences.Get(ctx, enr.SequenceID)
	if err != nil {
		return nil, err
	}
	if reason := stopTrigger(seq.Settings, enr.Context); reason != "" {
		if err := e.stop(ctx, enr, reason, e.clock.Now()); err != nil {
			return nil, err
		}
		return enr, nil
	}

	if err := e.repo.Update(ctx, enr, nil); err != nil {
		return nil, err
	}
	e.logger.Debug().
		Str("enrollment_id", enr.ID).
		Str("event", string(ev.Event)).
		Msg("outcome applied to enrollment")
	return enr, nil
}

// stopTrigger returns the stop reason that applies to an enrollment context,
// or "".
func stopTrigger(settings models.Settings, ctx map[string]any) string {
	if settings.StopOnReply && counter(ctx, ContextOutcomes, string(models.OutcomeReply)) > 0 {
		return models.StopReasonReply
	}
	if settings.StopOnConversion && counter(ctx, ContextOutcomes, string(models.OutcomeConversion)) > 0 {
		return models.StopReasonConversion
	}
	return ""
}

func counter(ctx map[string]any, group, key string) float64 {
	v, ok := Lookup(ctx, group+"."+key)
	if !ok {
		return 0
	}
	n, _ := toFloat(v)
	return n
}

func increment(ctx map[string]any, group, key string) {
	m, ok := ctx[group].(map[string]any)
	if !ok {
		m = map[string]any{}
		ctx[group] = m
	}
	n, _ := toFloat(m[key])
	m[key] = n + 1
}

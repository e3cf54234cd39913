package enrollment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/cadence/internal/clock"
	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/experiments"
	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/sequences"
	"github.com/opencode-ai/cadence/internal/templates"
)

// Monday.
var start = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type harness struct {
	db          *db.DB
	clock       *clock.Fake
	sequences   *sequences.Store
	experiments *experiments.Manager
	registry    *templates.Registry
	engine      *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.Migrate(ctx))

	h := &harness{db: database, clock: clock.NewFake(start)}
	eventRepo := db.NewEventRepository(database)
	h.sequences = sequences.NewStore(db.NewSequenceRepository(database), eventRepo)
	h.experiments = experiments.NewManager(db.NewExperimentRepository(database), eventRepo, h.clock)
	h.registry = templates.NewRegistry(db.NewTemplateRepository(database), h.experiments)

	builtins, err := templates.LoadBuiltinTemplates()
	require.NoError(t, err)
	_, err = h.registry.Import(ctx, builtins)
	require.NoError(t, err)

	h.engine = h.newEngine()
	return h
}

// newEngine returns a second engine over the same database, standing in for
// another process.
func (h *harness) newEngine() *Engine {
	return New(DefaultConfig(), h.sequences, db.NewEnrollmentRepository(h.db), h.registry, h.experiments, h.clock)
}

func (h *harness) createSequence(t *testing.T, seq *models.Sequence) *models.Sequence {
	t.Helper()
	if seq.Name == "" {
		seq.Name = "test"
	}
	seq.Status = models.SequenceStatusActive
	created, err := h.sequences.Create(context.Background(), seq)
	require.NoError(t, err)
	return created
}

func email(template, next string) models.Step {
	step := models.Step{Config: models.EmailConfig{TemplateID: template}}
	if next != "" {
		step.Next = []string{next}
	}
	return step
}

func wait(d time.Duration, skipWeekends bool, next string) models.Step {
	step := models.Step{Config: models.WaitConfig{Duration: models.Duration(d), SkipWeekends: skipWeekends}}
	if next != "" {
		step.Next = []string{next}
	}
	return step
}

func linear() *models.Sequence {
	return &models.Sequence{
		Name:        "welcome-then-followup",
		FirstStepID: "welcome",
		Steps: map[string]models.Step{
			"welcome":  email("welcome", "pause"),
			"pause":    wait(48*time.Hour, false, "followup"),
			"followup": email("followup", ""),
		},
	}
}

func lead(id string) *models.Lead {
	return &models.Lead{ID: id, Email: id + "@example.com", Status: "new"}
}

func templateIDs(intents []models.Intent) []string {
	var ids []string
	for _, intent := range intents {
		if intent.Email != nil {
			ids = append(ids, intent.Email.ResolvedTemplateID)
		}
	}
	return ids
}

func TestLinearSequenceScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.createSequence(t, linear())

	enr, err := h.engine.EnrollLead(ctx, lead("lead-1"), seq.ID)
	require.NoError(t, err)
	require.Equal(t, "welcome", enr.CurrentStepID)
	require.True(t, enr.NextEligibleAt.Equal(start))

	due, err := h.engine.Due(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, []string{enr.ID}, due)

	res, err := h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"welcome"}, templateIDs(res.Intents))
	require.Equal(t, enr.ID, res.Intents[0].Email.EnrollmentID)
	require.Equal(t, "lead-1", res.Intents[0].Email.LeadID)
	require.Equal(t, seq.ID, res.Intents[0].Email.SequenceID)
	require.Equal(t, "followup", res.Enrollment.CurrentStepID)
	require.True(t, res.Enrollment.NextEligibleAt.Equal(start.Add(48*time.Hour)))

	h.clock.Advance(47 * time.Hour)
	res, err = h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, SkipNotDue, res.Skipped)
	require.Empty(t, res.Intents)

	due, err = h.engine.Due(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due)

	h.clock.Advance(time.Hour)
	res, err = h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"followup"}, templateIDs(res.Intents))
	require.Equal(t, models.EnrollmentStatusCompleted, res.Enrollment.Status)

	stored, err := h.engine.Get(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusCompleted, stored.Status)

	var outcomes []models.HistoryOutcome
	for _, entry := range stored.History {
		outcomes = append(outcomes, entry.Outcome)
	}
	require.Equal(t, []models.HistoryOutcome{
		models.OutcomeDispatched,
		models.OutcomeWaited,
		models.OutcomeDispatched,
		models.OutcomeCompleted,
	}, outcomes)
}

func TestConditionBranchScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seq := h.createSequence(t, &models.Sequence{
		FirstStepID: "check",
		Steps: map[string]models.Step{
			"check": {Config: models.ConditionConfig{
				Conditions: []models.Condition{{Field: "engagement.opens", Operator: models.OpGreaterThan, Value: 0}},
				TrueStep:   "offer",
				FalseStep:  "reengage",
			}},
			"offer":    email("offer", ""),
			"reengage": email("reengage", "pause"),
			"pause":    wait(24*time.Hour, false, "check"),
		},
	})

	enr, err := h.engine.EnrollLead(ctx, lead("lead-1"), seq.ID)
	require.NoError(t, err)

	res, err := h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"reengage"}, templateIDs(res.Intents))
	require.Equal(t, "check", res.Enrollment.CurrentStepID)

	updated, err := h.engine.ApplyOutcome(ctx, &models.OutcomeEvent{
		ID:        "evt-1",
		EntityKey: "lead-1",
		Event:     models.OutcomeOpen,
	})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	opens, ok := Lookup(updated[0].Context, "engagement.opens")
	require.True(t, ok)
	require.EqualValues(t, 1, opens)

	h.clock.Advance(24 * time.Hour)
	res, err = h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"offer"}, templateIDs(res.Intents))
	require.Equal(t, models.EnrollmentStatusCompleted, res.Enrollment.Status)
}

func TestDuplicateEnrollmentScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.createSequence(t, linear())

	first, err := h.engine.EnrollLead(ctx, lead("lead-1"), seq.ID)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := h.engine.EnrollLead(ctx, lead("lead-1"), seq.ID)
	require.ErrorIs(t, err, models.ErrDuplicateEnrollment)
	require.Nil(t, second)

	// A new version is the same lineage.
	v2, err := h.sequences.CreateVersion(ctx, seq.ID, linear())
	require.NoError(t, err)
	_, err = h.sequences.SetStatus(ctx, v2.ID, models.SequenceStatusActive)
	require.NoError(t, err)
	_, err = h.engine.EnrollLead(ctx, lead("lead-1"), v2.ID)
	require.ErrorIs(t, err, models.ErrDuplicateEnrollment)

	_, err = h.engine.Stop(ctx, first.ID, "")
	require.NoError(t, err)
	again, err := h.engine.EnrollLead(ctx, lead("lead-1"), seq.ID)
	require.NoError(t, err)
	require.Equal(t, v2.ID, again.SequenceID, "new enrollments start on the latest version")
	require.Equal(t, seq.ID, again.LineageID)
}

func TestWeekendRollScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seq := linear()
	seq.Steps["pause"] = wait(48*time.Hour, true, "followup")
	seq.Settings = models.Settings{
		SendingDays:  models.Weekdays{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		SendingHours: models.SendingHours{Start: 9, End: 17},
		Timezone:     "UTC",
	}
	created := h.createSequence(t, seq)

	thursday := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	h.clock.Set(thursday)
	enr, err := h.engine.EnrollLead(ctx, lead("lead-1"), created.ID)
	require.NoError(t, err)

	res, err := h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Len(t, res.Intents, 1)

	monday := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	require.True(t, res.Enrollment.NextEligibleAt.Equal(monday), "got %s", res.Enrollment.NextEligibleAt)

	h.clock.Set(monday)
	res, err = h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"followup"}, templateIDs(res.Intents))
}

func TestSendingWindowDefersDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seq := linear()
	seq.Settings = models.Settings{
		SendingDays:  models.Weekdays{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		SendingHours: models.SendingHours{Start: 9, End: 17},
		Timezone:     "America/New_York",
	}
	created := h.createSequence(t, seq)

	// 07:00 in New York.
	h.clock.Set(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	enr, err := h.engine.EnrollLead(ctx, lead("lead-1"), created.ID)
	require.NoError(t, err)

	res, err := h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Empty(t, res.Intents)
	require.Equal(t, "welcome", res.Enrollment.CurrentStepID)
	opens := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	require.True(t, res.Enrollment.NextEligibleAt.Equal(opens), "got %s", res.Enrollment.NextEligibleAt)
	require.Equal(t, models.OutcomeDeferred, res.Enrollment.History[len(res.Enrollment.History)-1].Outcome)

	// Saturday in New York defers to Monday.
	h.clock.Set(time.Date(2026, 3, 7, 15, 0, 0, 0, time.UTC))
	res, err = h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Empty(t, res.Intents)
	require.True(t, res.Enrollment.NextEligibleAt.Equal(time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC)),
		"got %s", res.Enrollment.NextEligibleAt)

	h.clock.Set(time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC))
	res, err = h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Len(t, res.Intents, 1)
}

func TestNoDoubleDispatchUnderConcurrentAdvance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.createSequence(t, linear())

	enr, err := h.engine.EnrollLead(ctx, lead("lead-1"), seq.ID)
	require.NoError(t, err)

	engines := []*Engine{h.engine, h.newEngine()}

	var (
		mu      sync.Mutex
		intents int
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(engine *Engine) {
			defer wg.Done()
			res, err := engine.Advance(ctx, enr.ID)
			if err != nil {
				if !errors.Is(err, models.ErrConcurrentUpdate) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			intents += len(res.Intents)
			mu.Unlock()
		}(engines[i%len(engines)])
	}
	wg.Wait()

	require.Equal(t, 1, intents)

	stored, err := h.engine.Get(ctx, enr.ID)
	require.NoError(t, err)
	dispatched := 0
	for _, entry := range stored.History {
		if entry.StepType == models.StepTypeEmail && entry.Outcome == models.OutcomeDispatched {
			dispatched++
		}
	}
	require.Equal(t, intents, dispatched)
}

func TestTerminalEnrollmentsDoNotChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.createSequence(t, &models.Sequence{
		FirstStepID: "only",
		Steps:       map[string]models.Step{"only": email("welcome", "")},
	})

	enr, err := h.engine.EnrollLead(ctx, lead("lead-1"), seq.ID)
	require.NoError(t, err)
	res, err := h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusCompleted, res.Enrollment.Status)

	before, err := h.engine.Get(ctx, enr.ID)
	require.NoError(t, err)

	res, err = h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, SkipTerminal, res.Skipped)
	require.Empty(t, res.Intents)

	_, err = h.engine.Stop(ctx, enr.ID, models.StopReasonManual)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	failed, err := h.engine.MarkFailed(ctx, enr.ID, errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusCompleted, failed.Status)

	updated, err := h.engine.ApplyOutcome(ctx, &models.OutcomeEvent{ID: "e1", EnrollmentID: enr.ID, Event: models.OutcomeReply})
	require.NoError(t, err)
	require.Empty(t, updated)

	after, err := h.engine.Get(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, before.Version, after.Version)
	require.Equal(t, len(before.History), len(after.History))
}

func TestStopOnReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := linear()
	seq.Settings.StopOnReply = true
	created := h.createSequence(t, seq)

	enr, err := h.engine.EnrollLead(ctx, lead("lead-1"), created.ID)
	require.NoError(t, err)

	updated, err := h.engine.ApplyOutcome(ctx, &models.OutcomeEvent{ID: "evt", LeadID: "lead-1", Event: models.OutcomeReply})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	require.Equal(t, models.EnrollmentStatusStopped, updated[0].Status)
	require.Equal(t, models.StopReasonReply, updated[0].StopReason)

	res, err := h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, SkipTerminal, res.Skipped)
}

func TestStopTriggerCheckedBeforeAdvance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := linear()
	seq.Settings.StopOnConversion = true
	created := h.createSequence(t, seq)

	enr, err := h.engine.EnrollLead(ctx, lead("lead-1"), created.ID)
	require.NoError(t, err)

	// Another writer recorded a conversion without stopping the enrollment.
	repo := db.NewEnrollmentRepository(h.db)
	stored, err := repo.Get(ctx, enr.ID)
	require.NoError(t, err)
	stored.Context[ContextOutcomes] = map[string]any{"conversion": 1}
	require.NoError(t, repo.Update(ctx, stored, nil))

	res, err := h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Empty(t, res.Intents)
	require.Equal(t, models.EnrollmentStatusStopped, res.Enrollment.Status)
	require.Equal(t, models.StopReasonConversion, res.Enrollment.StopReason)
}

func TestStepFailureMarksEnrollmentFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.createSequence(t, &models.Sequence{
		FirstStepID: "check",
		Steps: map[string]models.Step{
			"check": {Config: models.ConditionConfig{
				Conditions: []models.Condition{{Field: "customFields.plan", Operator: models.OpEquals, Value: "pro"}},
				TrueStep:   "done",
			}},
			"done": {Config: models.GoalConfig{Name: "pro"}},
		},
	})

	enr, err := h.engine.EnrollLead(ctx, lead("lead-1"), seq.ID)
	require.NoError(t, err)

	_, err = h.engine.Advance(ctx, enr.ID)
	require.Error(t, err)
	require.True(t, errors.Is(err, models.ErrStepExecution))
	var missing *MissingFieldError
	require.True(t, errors.As(err, &missing))

	failed, err := h.engine.MarkFailed(ctx, enr.ID, err)
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusFailed, failed.Status)
	last := failed.History[len(failed.History)-1]
	require.Equal(t, "check", last.StepID)
	require.Equal(t, models.StepTypeCondition, last.StepType)
	require.Equal(t, models.OutcomeFailed, last.Outcome)
}

func TestEnrollLeadGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seq := linear()
	seq.EntryConditions = []models.Condition{{Field: "status", Operator: models.OpIn, Value: []any{"new", "trial"}}}
	created := h.createSequence(t, seq)

	churned := lead("lead-2")
	churned.Status = "churned"
	_, err := h.engine.EnrollLead(ctx, churned, created.ID)
	require.ErrorIs(t, err, models.ErrEntryConditionsNotMet)

	trial := lead("lead-3")
	trial.Status = "TRIAL"
	_, err = h.engine.EnrollLead(ctx, trial, created.ID)
	require.NoError(t, err)

	_, err = h.engine.EnrollLead(ctx, lead("lead-4"), "missing")
	require.ErrorIs(t, err, models.ErrSequenceNotFound)

	_, err = h.sequences.SetStatus(ctx, created.ID, models.SequenceStatusPaused)
	require.NoError(t, err)
	_, err = h.engine.EnrollLead(ctx, lead("lead-5"), created.ID)
	require.ErrorIs(t, err, models.ErrSequenceNotActive)
}

func TestPausedSequenceIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.createSequence(t, linear())

	enr, err := h.engine.EnrollLead(ctx, lead("lead-1"), seq.ID)
	require.NoError(t, err)
	_, err = h.sequences.SetStatus(ctx, seq.ID, models.SequenceStatusPaused)
	require.NoError(t, err)

	res, err := h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, SkipSequenceInactive, res.Skipped)

	due, err := h.engine.Due(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestWebhookAndGoal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.createSequence(t, &models.Sequence{
		FirstStepID: "notify",
		Steps: map[string]models.Step{
			"notify": {Next: []string{"done"}, Config: models.WebhookConfig{URL: "https://crm.example.com/hook", Method: "POST"}},
			"done":   {Config: models.GoalConfig{Name: "notified"}},
		},
	})

	enr, err := h.engine.EnrollLead(ctx, lead("lead-1"), seq.ID)
	require.NoError(t, err)
	res, err := h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Len(t, res.Intents, 1)
	require.Equal(t, models.IntentWebhook, res.Intents[0].Kind)
	require.Equal(t, "https://crm.example.com/hook", res.Intents[0].Webhook.Webhook.URL)
	require.Equal(t, 2, res.Steps)
	require.Equal(t, models.EnrollmentStatusCompleted, res.Enrollment.Status)

	var goal *models.HistoryEntry
	for i := range res.Enrollment.History {
		if res.Enrollment.History[i].Outcome == models.OutcomeGoal {
			goal = &res.Enrollment.History[i]
		}
	}
	require.NotNil(t, goal)
	require.Equal(t, "notified", goal.Detail)
}

func TestStepScopedExperimentResolvesVariant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.createSequence(t, linear())

	exp, err := h.experiments.CreateTest(ctx, experiments.CreateTestRequest{
		SequenceID: seq.LineageID,
		StepID:     "welcome",
		Variants: []models.Variant{
			{ID: "control", TemplateID: "welcome", Weight: 0},
			{ID: "offer-first", TemplateID: "offer", Weight: 100},
		},
	})
	require.NoError(t, err)
	_, err = h.experiments.StartTest(ctx, exp.ID)
	require.NoError(t, err)

	enr, err := h.engine.EnrollLead(ctx, lead("lead-1"), seq.ID)
	require.NoError(t, err)

	resolution, err := h.engine.GetTemplateForStep(ctx, enr.ID, "welcome")
	require.NoError(t, err)
	require.Equal(t, "offer", resolution.Template.ID)

	res, err := h.engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Len(t, res.Intents, 1)
	require.Equal(t, "offer", res.Intents[0].Email.ResolvedTemplateID)
	require.Equal(t, exp.ID, res.Intents[0].Email.ExperimentID)
	require.Equal(t, "offer-first", res.Intents[0].Email.VariantID)

	results, err := h.experiments.GetResults(ctx, exp.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), results.Variants[1].Counters.Sent)
}

func TestMaxStepsPerAdvance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seq := h.createSequence(t, &models.Sequence{
		FirstStepID: "a",
		Steps: map[string]models.Step{
			"a": wait(0, false, "b"),
			"b": wait(0, false, "c"),
			"c": wait(0, false, "d"),
			"d": {Config: models.GoalConfig{Name: "end"}},
		},
	})

	engine := New(Config{MaxStepsPerAdvance: 2}, h.sequences, db.NewEnrollmentRepository(h.db), h.registry, nil, h.clock)
	enr, err := engine.EnrollLead(ctx, lead("lead-1"), seq.ID)
	require.NoError(t, err)

	res, err := engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.Steps)
	require.Equal(t, "c", res.Enrollment.CurrentStepID)
	require.Equal(t, models.EnrollmentStatusActive, res.Enrollment.Status)

	res, err = engine.Advance(ctx, enr.ID)
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusCompleted, res.Enrollment.Status)
}

func TestVersionedEnrollmentKeepsSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v1 := h.createSequence(t, linear())

	old, err := h.engine.EnrollLead(ctx, lead("lead-1"), v1.ID)
	require.NoError(t, err)
	_, err = h.engine.Advance(ctx, old.ID)
	require.NoError(t, err)

	changed := linear()
	changed.Steps["followup"] = email("offer", "")
	v2, err := h.sequences.CreateVersion(ctx, v1.ID, changed)
	require.NoError(t, err)
	_, err = h.sequences.SetStatus(ctx, v2.ID, models.SequenceStatusActive)
	require.NoError(t, err)

	fresh, err := h.engine.EnrollLead(ctx, lead("lead-2"), v1.ID)
	require.NoError(t, err)
	require.Equal(t, v2.ID, fresh.SequenceID)

	h.clock.Advance(48 * time.Hour)
	res, err := h.engine.Advance(ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ID, res.Enrollment.SequenceID)
	require.Equal(t, []string{"followup"}, templateIDs(res.Intents))
}

func TestEnrollWhileNewVersionIsDraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	v1 := h.createSequence(t, linear())

	changed := linear()
	changed.Steps["followup"] = email("offer", "")
	v2, err := h.sequences.CreateVersion(ctx, v1.ID, changed)
	require.NoError(t, err)
	require.Equal(t, models.SequenceStatusDraft, v2.Status)

	during, err := h.engine.EnrollLead(ctx, lead("lead-1"), v1.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ID, during.SequenceID)

	_, err = h.sequences.SetStatus(ctx, v2.ID, models.SequenceStatusActive)
	require.NoError(t, err)

	after, err := h.engine.EnrollLead(ctx, lead("lead-2"), v1.ID)
	require.NoError(t, err)
	require.Equal(t, v2.ID, after.SequenceID)
}

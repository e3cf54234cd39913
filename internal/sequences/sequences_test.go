package sequences

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/models"
)

func newTestStore(t *testing.T) (*Store, *db.EventRepository) {
	t.Helper()

	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.Migrate(context.Background()))

	eventRepo := db.NewEventRepository(database)
	return NewStore(db.NewSequenceRepository(database), eventRepo), eventRepo
}

func linearSequence() *models.Sequence {
	return &models.Sequence{
		Name:        "onboarding",
		Status:      models.SequenceStatusActive,
		FirstStepID: "welcome",
		Steps: map[string]models.Step{
			"welcome":  {Next: []string{"pause"}, Config: models.EmailConfig{TemplateID: "welcome"}},
			"pause":    {Next: []string{"followup"}, Config: models.WaitConfig{Duration: models.Duration(48 * time.Hour)}},
			"followup": {Config: models.EmailConfig{TemplateID: "followup"}},
		},
	}
}

func requireInvalidStep(t *testing.T, err error, stepID string) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, models.ErrInvalidSequenceDefinition), "got %v", err)
	var invalid *models.InvalidSequenceError
	require.True(t, errors.As(err, &invalid))
	require.Equal(t, stepID, invalid.StepID)
}

func TestLoadSequence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.yaml")

	yaml := `name: example
description: Example sequence
settings:
  sending_days: [Monday, tue]
  sending_hours: [9, 17]
  timezone: Europe/Berlin
steps:
  - id: hello
    type: email
    template: welcome
  - id: pause
    type: wait
    duration: 1d12h
    skip_weekends: true
  - id: check
    type: condition
    conditions:
      - field: engagement.opens
        operator: greater_than
        value: 0
    true_step: done
  - id: done
    type: goal
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	def, err := LoadSequence(path)
	require.NoError(t, err)
	require.Equal(t, "example", def.Name)
	require.Equal(t, path, def.Source)

	seq, err := def.ToSequence()
	require.NoError(t, err)
	require.Equal(t, "hello", seq.FirstStepID)
	require.Equal(t, models.SequenceStatusDraft, seq.Status)
	require.Equal(t, []string{"pause"}, seq.Steps["hello"].Next)
	require.Equal(t, []string{"check"}, seq.Steps["pause"].Next)
	require.Empty(t, seq.Steps["check"].Next)

	wait := seq.Steps["pause"].Config.(models.WaitConfig)
	require.Equal(t, 36*time.Hour, wait.Duration.Std())
	require.True(t, wait.SkipWeekends)

	goal := seq.Steps["done"].Config.(models.GoalConfig)
	require.Equal(t, "done", goal.Name)

	require.Equal(t, models.Weekdays{time.Monday, time.Tuesday}, seq.Settings.SendingDays)
	require.Equal(t, models.SendingHours{Start: 9, End: 17}, seq.Settings.SendingHours)
	require.NoError(t, Validate(seq))
}

func TestLoadSequenceRejectsBadSteps(t *testing.T) {
	cases := map[string]string{
		"missing template": "name: x\nsteps:\n  - id: a\n    type: email\n",
		"missing duration": "name: x\nsteps:\n  - id: a\n    type: wait\n",
		"unknown type":     "name: x\nsteps:\n  - id: a\n    type: sms\n",
		"missing id":       "name: x\nsteps:\n  - type: goal\n",
		"no steps":         "name: x\n",
		"no name":          "steps:\n  - id: a\n    type: goal\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(body))
			require.Error(t, err)
		})
	}
}

func TestLoadBuiltinSequences(t *testing.T) {
	defs, err := LoadBuiltinSequences()
	require.NoError(t, err)
	require.NotEmpty(t, defs)

	for _, def := range defs {
		require.Equal(t, "builtin", def.Source)
		seq, err := def.ToSequence()
		require.NoError(t, err, def.Name)
		require.NoError(t, Validate(seq), def.Name)
	}
}

func TestLoadSequencesFromSearchPathsPrefersProject(t *testing.T) {
	project := t.TempDir()
	dir := filepath.Join(project, ".cadence", "sequences")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	override := "name: onboarding\ndescription: project override\nsteps:\n  - id: a\n    type: goal\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "onboarding.yml"), []byte(override), 0o644))

	defs, err := LoadSequencesFromSearchPaths(project)
	require.NoError(t, err)

	var found *Definition
	for _, def := range defs {
		if def.Name == "onboarding" {
			found = def
		}
	}
	require.NotNil(t, found)
	require.Equal(t, "project override", found.Description)
}

func TestValidateRejectsMalformedGraphs(t *testing.T) {
	t.Run("missing first step", func(t *testing.T) {
		seq := linearSequence()
		seq.FirstStepID = "nope"
		prepare(seq)
		requireInvalidStep(t, Validate(seq), "nope")
	})

	t.Run("dangling successor", func(t *testing.T) {
		seq := linearSequence()
		seq.Steps["followup"] = models.Step{Next: []string{"ghost"}, Config: models.EmailConfig{TemplateID: "x"}}
		prepare(seq)
		requireInvalidStep(t, Validate(seq), "followup")
	})

	t.Run("negative wait", func(t *testing.T) {
		seq := linearSequence()
		seq.Steps["pause"] = models.Step{Next: []string{"followup"}, Config: models.WaitConfig{Duration: models.Duration(-time.Hour)}}
		prepare(seq)
		requireInvalidStep(t, Validate(seq), "pause")
	})

	t.Run("condition with next", func(t *testing.T) {
		seq := linearSequence()
		seq.Steps["branch"] = models.Step{
			Next: []string{"followup"},
			Config: models.ConditionConfig{
				Conditions: []models.Condition{{Field: "status", Operator: models.OpEquals, Value: "new"}},
				TrueStep:   "followup",
			},
		}
		prepare(seq)
		requireInvalidStep(t, Validate(seq), "branch")
	})

	t.Run("unknown operator", func(t *testing.T) {
		seq := linearSequence()
		seq.Steps["branch"] = models.Step{Config: models.ConditionConfig{
			Conditions: []models.Condition{{Field: "status", Operator: "matches"}},
		}}
		prepare(seq)
		requireInvalidStep(t, Validate(seq), "branch")
	})

	t.Run("relative webhook url", func(t *testing.T) {
		seq := linearSequence()
		seq.Steps["hook"] = models.Step{Config: models.WebhookConfig{URL: "/hooks"}}
		prepare(seq)
		requireInvalidStep(t, Validate(seq), "hook")
	})

	t.Run("two successors", func(t *testing.T) {
		seq := linearSequence()
		seq.Steps["welcome"] = models.Step{Next: []string{"pause", "followup"}, Config: models.EmailConfig{TemplateID: "welcome"}}
		prepare(seq)
		requireInvalidStep(t, Validate(seq), "welcome")
	})

	t.Run("bad sending hours", func(t *testing.T) {
		seq := linearSequence()
		seq.Settings.SendingHours = models.SendingHours{Start: 18, End: 9}
		prepare(seq)
		requireInvalidStep(t, Validate(seq), "")
	})

	t.Run("unknown timezone", func(t *testing.T) {
		seq := linearSequence()
		seq.Settings.Timezone = "Mars/Olympus"
		prepare(seq)
		requireInvalidStep(t, Validate(seq), "")
	})
}

func TestValidateCycles(t *testing.T) {
	condition := func(trueStep, falseStep string) models.Step {
		return models.Step{Config: models.ConditionConfig{
			Conditions: []models.Condition{{Field: "engagement.opens", Operator: models.OpGreaterThan, Value: 0}},
			TrueStep:   trueStep,
			FalseStep:  falseStep,
		}}
	}

	t.Run("cycle without wait is rejected", func(t *testing.T) {
		seq := &models.Sequence{
			Name:        "loop",
			FirstStepID: "check",
			Steps: map[string]models.Step{
				"check": condition("done", "nudge"),
				"nudge": {Next: []string{"check"}, Config: models.EmailConfig{TemplateID: "nudge"}},
				"done":  {Config: models.GoalConfig{Name: "done"}},
			},
		}
		prepare(seq)
		err := Validate(seq)
		require.True(t, errors.Is(err, models.ErrInvalidSequenceDefinition))
	})

	t.Run("zero wait does not break a cycle", func(t *testing.T) {
		seq := &models.Sequence{
			Name:        "loop",
			FirstStepID: "check",
			Steps: map[string]models.Step{
				"check": condition("done", "pause"),
				"pause": {Next: []string{"check"}, Config: models.WaitConfig{}},
				"done":  {Config: models.GoalConfig{Name: "done"}},
			},
		}
		prepare(seq)
		require.Error(t, Validate(seq))
	})

	t.Run("cycle through wait is accepted", func(t *testing.T) {
		seq := &models.Sequence{
			Name:        "loop",
			FirstStepID: "check",
			Steps: map[string]models.Step{
				"check": condition("done", "nudge"),
				"nudge": {Next: []string{"pause"}, Config: models.EmailConfig{TemplateID: "nudge"}},
				"pause": {Next: []string{"check"}, Config: models.WaitConfig{Duration: models.Duration(24 * time.Hour)}},
				"done":  {Config: models.GoalConfig{Name: "done"}},
			},
		}
		prepare(seq)
		require.NoError(t, Validate(seq))
	})
}

func TestStoreCreateAndVersion(t *testing.T) {
	store, eventRepo := newTestStore(t)
	ctx := context.Background()

	v1, err := store.Create(ctx, linearSequence())
	require.NoError(t, err)
	require.Equal(t, 1, v1.Version)
	require.Equal(t, "welcome", v1.Steps["welcome"].ID)

	next := linearSequence()
	next.Name = "onboarding (shorter wait)"
	next.Steps["pause"] = models.Step{Next: []string{"followup"}, Config: models.WaitConfig{Duration: models.Duration(24 * time.Hour)}}
	v2, err := store.CreateVersion(ctx, v1.ID, next)
	require.NoError(t, err)
	require.Equal(t, 2, v2.Version)
	require.Equal(t, v1.LineageID, v2.LineageID)

	resolved, err := store.Resolve(ctx, v1.ID)
	require.NoError(t, err)
	require.Equal(t, v2.ID, resolved.ID)

	// Versioning an old id chains onto the latest version.
	third := linearSequence()
	v3, err := store.CreateVersion(ctx, v1.ID, third)
	require.NoError(t, err)
	require.Equal(t, 3, v3.Version)

	original, err := store.Get(ctx, v1.ID)
	require.NoError(t, err)
	require.Equal(t, 48*time.Hour, original.Steps["pause"].Config.(models.WaitConfig).Duration.Std())

	events, err := eventRepo.ListByEntity(ctx, models.EntityTypeSequence, v2.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.EventTypeSequenceVersioned, events[0].Type)

	bad := linearSequence()
	bad.FirstStepID = "missing"
	_, err = store.Create(ctx, bad)
	require.True(t, IsInvalid(err))
}

func TestStoreSetStatus(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	seq := linearSequence()
	seq.Status = ""
	created, err := store.Create(ctx, seq)
	require.NoError(t, err)
	require.Equal(t, models.SequenceStatusDraft, created.Status)

	for _, status := range []models.SequenceStatus{
		models.SequenceStatusActive,
		models.SequenceStatusPaused,
		models.SequenceStatusActive,
		models.SequenceStatusArchived,
	} {
		updated, err := store.SetStatus(ctx, created.ID, status)
		require.NoError(t, err)
		require.Equal(t, status, updated.Status)
	}

	_, err = store.SetStatus(ctx, created.ID, models.SequenceStatusActive)
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = store.SetStatus(ctx, "missing", models.SequenceStatusActive)
	require.ErrorIs(t, err, models.ErrSequenceNotFound)
}

func TestStoreImport(t *testing.T) {
	store, _ := newTestStore(t)
	defs, err := LoadBuiltinSequences()
	require.NoError(t, err)

	for _, def := range defs {
		seq, err := store.Import(context.Background(), def)
		require.NoError(t, err, def.Name)
		require.Equal(t, models.SequenceStatusActive, seq.Status)
	}
}

func TestResolveSkipsPendingDraft(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	v1, err := store.Create(ctx, linearSequence())
	require.NoError(t, err)

	draft := linearSequence()
	draft.Status = ""
	v2, err := store.CreateVersion(ctx, v1.ID, draft)
	require.NoError(t, err)
	require.Equal(t, models.SequenceStatusDraft, v2.Status)

	for _, id := range []string{v1.ID, v2.ID} {
		resolved, err := store.Resolve(ctx, id)
		require.NoError(t, err)
		require.Equal(t, v1.ID, resolved.ID, "draft must not take over from %s", id)
	}

	_, err = store.SetStatus(ctx, v2.ID, models.SequenceStatusActive)
	require.NoError(t, err)
	resolved, err := store.Resolve(ctx, v1.ID)
	require.NoError(t, err)
	require.Equal(t, v2.ID, resolved.ID)

	// Pausing the newest published version halts the lineage.
	_, err = store.SetStatus(ctx, v2.ID, models.SequenceStatusPaused)
	require.NoError(t, err)
	resolved, err = store.Resolve(ctx, v1.ID)
	require.NoError(t, err)
	require.Equal(t, v2.ID, resolved.ID)
	require.Equal(t, models.SequenceStatusPaused, resolved.Status)
}

func TestResolveDraftOnlyLineage(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	seq := linearSequence()
	seq.Status = ""
	created, err := store.Create(ctx, seq)
	require.NoError(t, err)

	resolved, err := store.Resolve(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.ID, resolved.ID)
	require.Equal(t, models.SequenceStatusDraft, resolved.Status)
}

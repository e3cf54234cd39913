package templates

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/experiments"
	"github.com/opencode-ai/cadence/internal/models"
)

func TestLoadTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.yaml")

	yaml := `id: example
name: Example template
subject: Hi {{.name}}
body: |
  Hello {{.name}}
variables:
  - name: name
    description: Person name
    required: true
`

	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	tmpl, err := LoadTemplate(path)
	if err != nil {
		t.Fatalf("LoadTemplate: %v", err)
	}

	if tmpl.ID != "example" {
		t.Fatalf("expected id example, got %q", tmpl.ID)
	}
	if tmpl.Source != path {
		t.Fatalf("expected source %q, got %q", path, tmpl.Source)
	}
	if len(tmpl.Variables) != 1 || tmpl.Variables[0].Name != "name" {
		t.Fatalf("unexpected variables: %+v", tmpl.Variables)
	}

	model := tmpl.ToModel()
	if model.Source != models.TemplateSourceFile {
		t.Fatalf("expected file source, got %q", model.Source)
	}
	if err := model.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadTemplateRequiresBody(t *testing.T) {
	if _, err := parseTemplate([]byte("id: empty\n")); err == nil {
		t.Fatalf("expected error for missing body")
	}
}

func TestRenderTemplate(t *testing.T) {
	tmpl := &models.Template{
		ID:      "greet",
		Subject: "For {{.name | default \"you\"}}",
		Body:    "Hello {{.name | default \"world\"}}",
		Variables: []models.TemplateVariable{
			{Name: "name"},
		},
	}

	rendered, err := RenderTemplate(tmpl, map[string]string{})
	if err != nil {
		t.Fatalf("RenderTemplate: %v", err)
	}
	if rendered.Body != "Hello world" || rendered.Subject != "For you" {
		t.Fatalf("unexpected render result: %+v", rendered)
	}

	rendered, err = RenderTemplate(tmpl, map[string]string{"name": "Ada"})
	if err != nil {
		t.Fatalf("RenderTemplate: %v", err)
	}
	if rendered.Body != "Hello Ada" {
		t.Fatalf("unexpected render result: %q", rendered.Body)
	}
}

func TestRenderTemplateRequired(t *testing.T) {
	tmpl := &models.Template{
		ID:   "required",
		Body: "Hi {{.who}}, use {{.code}}",
		Variables: []models.TemplateVariable{
			{Name: "who", Required: true},
			{Name: "code", Required: true, Default: "WELCOME"},
		},
	}

	if _, err := RenderTemplate(tmpl, map[string]string{}); err == nil {
		t.Fatalf("expected error for missing required variable")
	}

	rendered, err := RenderTemplate(tmpl, map[string]string{"who": "Ada"})
	if err != nil {
		t.Fatalf("RenderTemplate: %v", err)
	}
	if rendered.Body != "Hi Ada, use WELCOME" {
		t.Fatalf("unexpected render result: %q", rendered.Body)
	}
}

func TestLoadBuiltinTemplates(t *testing.T) {
	templates, err := LoadBuiltinTemplates()
	if err != nil {
		t.Fatalf("LoadBuiltinTemplates: %v", err)
	}
	if len(templates) < 4 {
		t.Fatalf("expected at least 4 builtin templates, got %d", len(templates))
	}

	ids := map[string]bool{}
	for _, tmpl := range templates {
		if tmpl.Source != "builtin" {
			t.Fatalf("expected builtin source, got %q", tmpl.Source)
		}
		ids[tmpl.ID] = true
		if _, err := RenderTemplate(tmpl.ToModel(), map[string]string{"code": "X"}); err != nil {
			t.Fatalf("render builtin %s: %v", tmpl.ID, err)
		}
	}

	// Every template referenced by the built-in sequences ships with Cadence.
	for _, id := range []string{"welcome", "followup", "offer", "reengage"} {
		if !ids[id] {
			t.Fatalf("missing builtin template %q", id)
		}
	}
}

type fixture struct {
	registry *Registry
	manager  *experiments.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.Migrate(context.Background()))

	manager := experiments.NewManager(db.NewExperimentRepository(database), db.NewEventRepository(database), nil)
	registry := NewRegistry(db.NewTemplateRepository(database), manager)

	builtins, err := LoadBuiltinTemplates()
	require.NoError(t, err)
	_, err = registry.Import(context.Background(), builtins)
	require.NoError(t, err)

	return &fixture{registry: registry, manager: manager}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.registry.Register(ctx, &models.Template{ID: "promo", Subject: "Sale", Body: "50% off"})
	require.NoError(t, err)

	tmpl, err := f.registry.GetTemplate(ctx, "promo")
	require.NoError(t, err)
	require.Equal(t, models.TemplateSourceAPI, tmpl.Source)
	require.Equal(t, "promo", tmpl.Name)

	_, err = f.registry.GetTemplate(ctx, "nope")
	require.True(t, errors.Is(err, models.ErrTemplateNotFound))

	err = f.registry.Register(ctx, &models.Template{ID: "broken"})
	require.Error(t, err)

	tagged, err := f.registry.List(ctx, db.TemplateQuery{Tag: "reengagement"})
	require.NoError(t, err)
	require.Len(t, tagged, 2)
}

func TestGetTemplateForUserWithoutExperiment(t *testing.T) {
	f := newFixture(t)

	res, err := f.registry.GetTemplateForUser(context.Background(), "welcome", "lead-1", experiments.Scope{})
	require.NoError(t, err)
	require.Equal(t, "welcome", res.Template.ID)
	require.Empty(t, res.ExperimentID)
	require.Empty(t, res.VariantID)

	_, err = f.registry.GetTemplateForUser(context.Background(), "missing", "lead-1", experiments.Scope{})
	require.ErrorIs(t, err, models.ErrTemplateNotFound)
}

func TestCreateTemplateTest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exp, err := f.registry.CreateTemplateTest(ctx, "welcome", []VariantSpec{
		{ID: "control", Weight: 50},
		{ID: "short", Weight: 50, Template: &models.Template{Body: "Welcome aboard."}},
	}, experiments.Options{})
	require.NoError(t, err)
	require.Equal(t, "welcome", exp.TemplateID)
	require.Equal(t, "welcome", exp.Variants[0].TemplateID)
	require.Equal(t, "welcome--short", exp.Variants[1].TemplateID)

	variant, err := f.registry.GetTemplate(ctx, "welcome--short")
	require.NoError(t, err)
	require.Equal(t, models.TemplateSourceVariant, variant.Source)
	require.Equal(t, "welcome", variant.BaseID)

	// Draft experiments do not affect resolution.
	res, err := f.registry.GetTemplateForUser(ctx, "welcome", "lead-1", experiments.Scope{})
	require.NoError(t, err)
	require.Empty(t, res.ExperimentID)

	_, err = f.manager.StartTest(ctx, exp.ID)
	require.NoError(t, err)

	seen := map[string]int{}
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("lead-%d", i)
		res, err := f.registry.GetTemplateForUser(ctx, "welcome", key, experiments.Scope{})
		require.NoError(t, err)
		require.Equal(t, exp.ID, res.ExperimentID)
		seen[res.Template.ID]++

		again, err := f.registry.GetTemplateForUser(ctx, "welcome", key, experiments.Scope{})
		require.NoError(t, err)
		require.Equal(t, res.VariantID, again.VariantID)
	}
	require.Greater(t, seen["welcome"], 0)
	require.Greater(t, seen["welcome--short"], 0)
}

func TestCreateTemplateTestRejectsBadConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.CreateTemplateTest(ctx, "welcome", []VariantSpec{
		{ID: "control", Weight: 60},
		{ID: "short", Weight: 60, Template: &models.Template{Body: "x"}},
	}, experiments.Options{})
	require.ErrorIs(t, err, models.ErrInvalidExperimentConfig)

	// Nothing was registered for the rejected test.
	_, err = f.registry.GetTemplate(ctx, "welcome--short")
	require.ErrorIs(t, err, models.ErrTemplateNotFound)

	_, err = f.registry.CreateTemplateTest(ctx, "welcome", []VariantSpec{
		{ID: "control", Weight: 50},
		{ID: "other", Weight: 50, TemplateID: "does-not-exist"},
	}, experiments.Options{})
	require.ErrorIs(t, err, models.ErrTemplateNotFound)

	_, err = f.registry.CreateTemplateTest(ctx, "missing", nil, experiments.Options{})
	require.ErrorIs(t, err, models.ErrTemplateNotFound)
}

func TestStepScopedExperimentWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	templateTest, err := f.registry.CreateTemplateTest(ctx, "welcome", []VariantSpec{
		{ID: "control", Weight: 0},
		{ID: "alt", Weight: 100, TemplateID: "followup"},
	}, experiments.Options{})
	require.NoError(t, err)
	_, err = f.manager.StartTest(ctx, templateTest.ID)
	require.NoError(t, err)

	stepTest, err := f.manager.CreateTest(ctx, experiments.CreateTestRequest{
		SequenceID: "lineage-1",
		StepID:     "welcome",
		Variants: []models.Variant{
			{ID: "control", TemplateID: "welcome", Weight: 0},
			{ID: "offer", TemplateID: "offer", Weight: 100},
		},
	})
	require.NoError(t, err)
	_, err = f.manager.StartTest(ctx, stepTest.ID)
	require.NoError(t, err)

	res, err := f.registry.GetTemplateForUser(ctx, "welcome", "lead-1",
		experiments.Scope{SequenceID: "version-3", LineageID: "lineage-1", StepID: "welcome"})
	require.NoError(t, err)
	require.Equal(t, stepTest.ID, res.ExperimentID)
	require.Equal(t, "offer", res.Template.ID)

	res, err = f.registry.GetTemplateForUser(ctx, "welcome", "lead-1",
		experiments.Scope{SequenceID: "other-seq", StepID: "welcome"})
	require.NoError(t, err)
	require.Equal(t, templateTest.ID, res.ExperimentID)
	require.Equal(t, "followup", res.Template.ID)
}

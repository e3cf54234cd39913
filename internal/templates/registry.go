package templates

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/experiments"
	"github.com/opencode-ai/cadence/internal/logging"
	"github.com/opencode-ai/cadence/internal/models"
)

// Resolution is the template chosen for an entity, with the experiment and
// variant that chose it when one applied.
type Resolution struct {
	Template     *models.Template
	ExperimentID string
	VariantID    string
}

// VariantSpec is one arm of a template test. Template registers inline
// variant content; TemplateID points at an existing template. When neither
// is set the variant serves the base template.
type VariantSpec struct {
	ID         string
	Name       string
	Weight     int
	IsControl  bool
	TemplateID string
	Template   *models.Template
}

// Registry stores templates and resolves them through running experiments.
type Registry struct {
	repo        *db.TemplateRepository
	experiments *experiments.Manager
	logger      zerolog.Logger
}

// NewRegistry creates a Registry. Without a manager, resolution always
// returns the base template.
func NewRegistry(repo *db.TemplateRepository, manager *experiments.Manager) *Registry {
	return &Registry{
		repo:        repo,
		experiments: manager,
		logger:      logging.Component("templates"),
	}
}

// Register stores a template, replacing any template with the same id.
func (r *Registry) Register(ctx context.Context, tmpl *models.Template) error {
	if tmpl == nil {
		return fmt.Errorf("template is required")
	}
	tmpl.ID = strings.TrimSpace(tmpl.ID)
	if tmpl.Name == "" {
		tmpl.Name = tmpl.ID
	}
	if tmpl.Source == "" {
		tmpl.Source = models.TemplateSourceAPI
	}
	if err := r.repo.Upsert(ctx, tmpl); err != nil {
		return err
	}
	r.logger.Debug().Str("template_id", tmpl.ID).Str("source", string(tmpl.Source)).Msg("template registered")
	return nil
}

// Import registers loaded template files and returns how many were stored.
func (r *Registry) Import(ctx context.Context, files []*File) (int, error) {
	n := 0
	for _, f := range files {
		if err := r.Register(ctx, f.ToModel()); err != nil {
			return n, fmt.Errorf("import template %s: %w", f.ID, err)
		}
		n++
	}
	return n, nil
}

// GetTemplate returns a template by id.
func (r *Registry) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	tmpl, err := r.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrTemplateNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrTemplateNotFound, id)
		}
		return nil, err
	}
	return tmpl, nil
}

// List returns templates matching q.
func (r *Registry) List(ctx context.Context, q db.TemplateQuery) ([]*models.Template, error) {
	return r.repo.List(ctx, q)
}

// Delete removes a template.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.repo.Delete(ctx, id)
}

// GetTemplateForUser resolves the template an entity receives. A running
// experiment scoped to the step wins over one scoped to the base template;
// with neither, the base template is returned unchanged.
func (r *Registry) GetTemplateForUser(ctx context.Context, baseTemplateID, entityKey string, scope experiments.Scope) (*Resolution, error) {
	exp, err := r.activeExperiment(ctx, baseTemplateID, scope)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		tmpl, err := r.GetTemplate(ctx, baseTemplateID)
		if err != nil {
			return nil, err
		}
		return &Resolution{Template: tmpl}, nil
	}

	variant := experiments.AssignVariant(exp, entityKey)
	tmpl, err := r.GetTemplate(ctx, variant.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("experiment %s variant %s: %w", exp.ID, variant.ID, err)
	}
	return &Resolution{Template: tmpl, ExperimentID: exp.ID, VariantID: variant.ID}, nil
}

func (r *Registry) activeExperiment(ctx context.Context, baseTemplateID string, scope experiments.Scope) (*models.Experiment, error) {
	if r.experiments == nil {
		return nil, nil
	}
	if scope.StepID != "" && (scope.SequenceID != "" || scope.LineageID != "") {
		exp, err := r.experiments.ActiveTestForStep(ctx, scope)
		if err != nil || exp != nil {
			return exp, err
		}
	}

	active, err := r.experiments.HasActiveTest(ctx, baseTemplateID)
	if err != nil || !active {
		return nil, err
	}
	return r.experiments.ActiveTestForTemplate(ctx, baseTemplateID)
}

// CreateTemplateTest registers inline variant templates and creates a draft
// experiment on the base template. Once started, GetTemplateForUser picks
// it up for every resolution of the base template.
func (r *Registry) CreateTemplateTest(ctx context.Context, baseTemplateID string, variants []VariantSpec, opts experiments.Options) (*models.Experiment, error) {
	if r.experiments == nil {
		return nil, fmt.Errorf("template tests need an experiment manager")
	}
	base, err := r.GetTemplate(ctx, baseTemplateID)
	if err != nil {
		return nil, err
	}

	req := experiments.CreateTestRequest{
		Options:    opts,
		TemplateID: base.ID,
		Variants:   make([]models.Variant, 0, len(variants)),
	}
	if req.Name == "" {
		req.Name = "test of " + base.ID
	}

	inline := make([]*models.Template, 0, len(variants))
	for _, spec := range variants {
		v := models.Variant{
			ID:         strings.TrimSpace(spec.ID),
			Name:       spec.Name,
			Weight:     spec.Weight,
			IsControl:  spec.IsControl,
			TemplateID: spec.TemplateID,
		}
		switch {
		case spec.Template != nil:
			tmpl := *spec.Template
			if tmpl.ID == "" {
				tmpl.ID = base.ID + "--" + v.ID
			}
			if tmpl.Name == "" {
				tmpl.Name = base.Name + " (" + v.ID + ")"
			}
			if tmpl.Subject == "" {
				tmpl.Subject = base.Subject
			}
			if tmpl.Variables == nil {
				tmpl.Variables = base.Variables
			}
			tmpl.Source = models.TemplateSourceVariant
			tmpl.BaseID = base.ID
			v.TemplateID = tmpl.ID
			inline = append(inline, &tmpl)
		case v.TemplateID == "":
			v.TemplateID = base.ID
		}
		req.Variants = append(req.Variants, v)
	}

	// Validate before registering any variant content.
	if _, err := experiments.BuildExperiment(req); err != nil {
		return nil, err
	}
	for _, v := range req.Variants {
		if v.TemplateID == base.ID || isInline(inline, v.TemplateID) {
			continue
		}
		if _, err := r.GetTemplate(ctx, v.TemplateID); err != nil {
			return nil, fmt.Errorf("variant %s: %w", v.ID, err)
		}
	}
	for _, tmpl := range inline {
		if err := r.Register(ctx, tmpl); err != nil {
			return nil, fmt.Errorf("register variant template %s: %w", tmpl.ID, err)
		}
	}

	return r.experiments.CreateTest(ctx, req)
}

func isInline(inline []*models.Template, id string) bool {
	for _, tmpl := range inline {
		if tmpl.ID == id {
			return true
		}
	}
	return false
}

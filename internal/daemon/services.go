package daemon

import (
	"context"
	"errors"

	"github.com/opencode-ai/cadence/internal/clock"
	"github.com/opencode-ai/cadence/internal/config"
	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/enrollment"
	"github.com/opencode-ai/cadence/internal/experiments"
	"github.com/opencode-ai/cadence/internal/sequences"
	"github.com/opencode-ai/cadence/internal/templates"
)

// Services are the stores and the engine backed by one database. The daemon
// and the one-shot CLI commands share them.
type Services struct {
	DB          *db.DB
	Clock       clock.Clock
	Events      *db.EventRepository
	Sequences   *sequences.Store
	Experiments *experiments.Manager
	Templates   *templates.Registry
	Engine      *enrollment.Engine
	Ledger      *db.OutcomeRepository
}

// NewServices wires the stores over database. clk may be nil.
func NewServices(database *db.DB, cfg *config.Config, clk clock.Clock) (*Services, error) {
	if database == nil {
		return nil, errors.New("database is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	clk = clock.OrReal(clk)

	eventRepo := db.NewEventRepository(database)
	seqs := sequences.NewStore(db.NewSequenceRepository(database), eventRepo)
	manager := experiments.NewManager(db.NewExperimentRepository(database), eventRepo, clk)
	registry := templates.NewRegistry(db.NewTemplateRepository(database), manager)
	engine := enrollment.New(enrollment.Config{
		MaxStepsPerAdvance: cfg.Engine.MaxStepsPerAdvance,
		DefaultTimezone:    cfg.Engine.DefaultTimezone,
	}, seqs, db.NewEnrollmentRepository(database), registry, manager, clk)

	return &Services{
		DB:          database,
		Clock:       clk,
		Events:      eventRepo,
		Sequences:   seqs,
		Experiments: manager,
		Templates:   registry,
		Engine:      engine,
		Ledger:      db.NewOutcomeRepository(database),
	}, nil
}

// ImportBuiltinTemplates registers the embedded templates. Existing
// templates with the same ids are replaced.
func (s *Services) ImportBuiltinTemplates(ctx context.Context) (int, error) {
	files, err := templates.LoadBuiltinTemplates()
	if err != nil {
		return 0, err
	}
	return s.Templates.Import(ctx, files)
}

package sequences

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/cadence/internal/db"
	"github.com/opencode-ai/cadence/internal/events"
	"github.com/opencode-ai/cadence/internal/logging"
	"github.com/opencode-ai/cadence/internal/models"
)

// Store is the sequence definition store. Definitions are immutable; a
// changed graph is a new version in the same lineage.
type Store struct {
	repo   *db.SequenceRepository
	events events.Repository
	logger zerolog.Logger
}

// NewStore creates a Store. eventRepo may be nil.
func NewStore(repo *db.SequenceRepository, eventRepo events.Repository) *Store {
	return &Store{
		repo:   repo,
		events: eventRepo,
		logger: logging.Component("sequences"),
	}
}

// Create validates and stores a new definition in a new lineage.
func (s *Store) Create(ctx context.Context, seq *models.Sequence) (*models.Sequence, error) {
	prepare(seq)
	if err := Validate(seq); err != nil {
		return nil, err
	}
	seq.ID, seq.LineageID, seq.Version, seq.SupersededBy = "", "", 0, ""

	if err := s.repo.Create(ctx, seq); err != nil {
		return nil, err
	}
	s.logCreated(ctx, seq)
	return seq, nil
}

// CreateVersion stores def as the next version of previousID's lineage.
// Existing enrollments keep the snapshot they started on.
func (s *Store) CreateVersion(ctx context.Context, previousID string, def *models.Sequence) (*models.Sequence, error) {
	previous, err := s.repo.Get(ctx, previousID)
	if err != nil {
		return nil, err
	}
	if previous.SupersededBy != "" {
		latest, err := s.repo.Latest(ctx, previous.LineageID)
		if err != nil {
			return nil, err
		}
		previous = latest
	}

	prepare(def)
	if err := Validate(def); err != nil {
		return nil, err
	}
	def.ID, def.SupersededBy = "", ""

	if err := s.repo.CreateVersion(ctx, previous, def); err != nil {
		return nil, err
	}
	s.logCreated(ctx, def)
	return def, nil
}

// Import converts and stores a YAML definition.
func (s *Store) Import(ctx context.Context, def *Definition) (*models.Sequence, error) {
	seq, err := def.ToSequence()
	if err != nil {
		return nil, &models.InvalidSequenceError{Reason: err.Error()}
	}
	return s.Create(ctx, seq)
}

// Get returns a definition by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Sequence, error) {
	return s.repo.Get(ctx, id)
}

// Latest returns the newest version of a lineage.
func (s *Store) Latest(ctx context.Context, lineageID string) (*models.Sequence, error) {
	return s.repo.Latest(ctx, lineageID)
}

// Resolve returns the version of id's lineage that new enrollments start
// on: the newest version that has left draft. A pending draft does not
// replace the version it will supersede until it is activated. When every
// version is a draft, the newest draft is returned.
func (s *Store) Resolve(ctx context.Context, id string) (*models.Sequence, error) {
	seq, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	published, err := s.repo.LatestPublished(ctx, seq.LineageID)
	switch {
	case err == nil:
		return published, nil
	case errors.Is(err, models.ErrSequenceNotFound):
		return s.repo.Latest(ctx, seq.LineageID)
	default:
		return nil, err
	}
}

// List returns definitions matching q.
func (s *Store) List(ctx context.Context, q db.SequenceQuery) ([]*models.Sequence, error) {
	return s.repo.List(ctx, q)
}

// SetStatus moves a definition through draft, active, paused and archived.
func (s *Store) SetStatus(ctx context.Context, id string, status models.SequenceStatus) (*models.Sequence, error) {
	seq, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !seq.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("%w: sequence %s from %s to %s", models.ErrInvalidTransition, id, seq.Status, status)
	}
	if seq.Status == status {
		return seq, nil
	}

	old := seq.Status
	if err := s.repo.UpdateStatus(ctx, id, status); err != nil {
		return nil, err
	}
	seq.Status = status

	s.logger.Info().Str("sequence_id", id).Str("from", string(old)).Str("to", string(status)).Msg("sequence status changed")
	if s.events != nil {
		if err := events.LogStatusChanged(ctx, s.events, models.EventTypeSequenceStatusChanged,
			models.EntityTypeSequence, id, string(old), string(status)); err != nil {
			s.logger.Warn().Err(err).Str("sequence_id", id).Msg("failed to record status event")
		}
	}
	return seq, nil
}

func (s *Store) logCreated(ctx context.Context, seq *models.Sequence) {
	s.logger.Info().
		Str("sequence_id", seq.ID).
		Str("lineage_id", seq.LineageID).
		Int("version", seq.Version).
		Int("steps", len(seq.Steps)).
		Msg("sequence stored")
	if s.events == nil {
		return
	}
	if err := events.LogSequenceCreated(ctx, s.events, seq); err != nil {
		s.logger.Warn().Err(err).Str("sequence_id", seq.ID).Msg("failed to record sequence event")
	}
}

// prepare fills step ids from map keys and defaults the status.
func prepare(seq *models.Sequence) {
	if seq == nil {
		return
	}
	if seq.Status == "" {
		seq.Status = models.SequenceStatusDraft
	}
	for id, step := range seq.Steps {
		if step.ID == "" {
			step.ID = id
			seq.Steps[id] = step
		}
	}
}

// IsInvalid reports whether err is a definition validation failure.
func IsInvalid(err error) bool {
	return errors.Is(err, models.ErrInvalidSequenceDefinition)
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-ai/cadence/internal/models"
)

// ExperimentRepository persists experiments and their variant counters.
type ExperimentRepository struct {
	db *DB
}

// NewExperimentRepository creates a new ExperimentRepository.
func NewExperimentRepository(db *DB) *ExperimentRepository {
	return &ExperimentRepository{db: db}
}

// ExperimentQuery filters List.
type ExperimentQuery struct {
	Status     *models.ExperimentStatus
	TemplateID string
	SequenceID string
	Limit      int
}

const experimentColumns = `id, name, template_id, sequence_id, step_id, status, primary_metric,
	traffic_allocation, created_at, started_at, completed_at`

// Create inserts an experiment together with its variants.
func (r *ExperimentRepository) Create(ctx context.Context, exp *models.Experiment) error {
	if exp.ID == "" {
		exp.ID = uuid.New().String()
	}
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = time.Now().UTC()
	}

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO experiments (`+experimentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			exp.ID,
			exp.Name,
			nullString(exp.TemplateID),
			nullString(exp.SequenceID),
			nullString(exp.StepID),
			string(exp.Status),
			string(exp.PrimaryMetric),
			exp.TrafficAllocation,
			formatTime(exp.CreatedAt),
			nullTime(exp.StartedAt),
			nullTime(exp.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert experiment: %w", err)
		}

		for i, v := range exp.Variants {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO experiment_variants (
					experiment_id, variant_id, position, name, template_id, weight, is_control
				) VALUES (?, ?, ?, ?, ?, ?, ?)
			`, exp.ID, v.ID, i, v.Name, v.TemplateID, v.Weight, v.IsControl)
			if err != nil {
				return fmt.Errorf("failed to insert variant %s: %w", v.ID, err)
			}
		}
		return nil
	})
}

// Get retrieves an experiment with its variants in declaration order.
func (r *ExperimentRepository) Get(ctx context.Context, id string) (*models.Experiment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)
	exp, err := r.scanExperiment(row)
	if err != nil {
		return nil, err
	}
	if err := r.loadVariants(ctx, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

// List returns experiments matching the query, newest first.
func (r *ExperimentRepository) List(ctx context.Context, q ExperimentQuery) ([]*models.Experiment, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE 1=1`
	args := []any{}
	if q.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*q.Status))
	}
	if q.TemplateID != "" {
		query += ` AND template_id = ?`
		args = append(args, q.TemplateID)
	}
	if q.SequenceID != "" {
		query += ` AND sequence_id = ?`
		args = append(args, q.SequenceID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	experiments, err := r.queryExperiments(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for _, exp := range experiments {
		if err := r.loadVariants(ctx, exp); err != nil {
			return nil, err
		}
	}
	return experiments, nil
}

// FindRunningForTemplate returns the running template-scoped experiment for a
// template, or ErrExperimentNotFound.
func (r *ExperimentRepository) FindRunningForTemplate(ctx context.Context, templateID string) (*models.Experiment, error) {
	return r.findOne(ctx, `
		SELECT `+experimentColumns+` FROM experiments
		WHERE template_id = ? AND step_id IS NULL AND status = ?
		ORDER BY created_at DESC LIMIT 1
	`, templateID, string(models.ExperimentStatusRunning))
}

// FindRunningForStep returns the running experiment scoped to any of the
// given sequence ids and the step, or ErrExperimentNotFound.
func (r *ExperimentRepository) FindRunningForStep(ctx context.Context, sequenceIDs []string, stepID string) (*models.Experiment, error) {
	if len(sequenceIDs) == 0 || stepID == "" {
		return nil, models.ErrExperimentNotFound
	}
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE step_id = ? AND status = ? AND sequence_id IN (`
	args := []any{stepID, string(models.ExperimentStatusRunning)}
	for i, id := range sequenceIDs {
		if i > 0 {
			query += `, `
		}
		query += `?`
		args = append(args, id)
	}
	query += `) ORDER BY created_at DESC LIMIT 1`
	return r.findOne(ctx, query, args...)
}

// CountRunningForTemplate reports how many running experiments target a template.
func (r *ExperimentRepository) CountRunningForTemplate(ctx context.Context, templateID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM experiments WHERE template_id = ? AND status = ?`,
		templateID, string(models.ExperimentStatusRunning),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count experiments: %w", err)
	}
	return n, nil
}

// Transition moves an experiment from one status to another atomically.
// It returns models.ErrInvalidTransition when the stored status is not from.
func (r *ExperimentRepository) Transition(ctx context.Context, id string, from, to models.ExperimentStatus, at time.Time) error {
	query := `UPDATE experiments SET status = ?`
	args := []any{string(to)}
	switch to {
	case models.ExperimentStatusRunning:
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, formatTime(at))
	case models.ExperimentStatusCompleted:
		query += `, completed_at = ?`
		args = append(args, formatTime(at))
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update experiment status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return models.ErrInvalidTransition
	}
	return nil
}

// IncrementCounter atomically bumps a variant counter while the experiment is
// running. It reports whether a row was updated.
func (r *ExperimentRepository) IncrementCounter(ctx context.Context, experimentID, variantID string, outcome models.OutcomeType) (bool, error) {
	column, err := counterColumn(outcome)
	if err != nil {
		return false, err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE experiment_variants SET `+column+` = `+column+` + 1
		WHERE experiment_id = ? AND variant_id = ?
		AND EXISTS (SELECT 1 FROM experiments WHERE id = ? AND status = ?)
	`, experimentID, variantID, experimentID, string(models.ExperimentStatusRunning))
	if err != nil {
		return false, fmt.Errorf("failed to increment %s: %w", column, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

func counterColumn(outcome models.OutcomeType) (string, error) {
	switch outcome {
	case models.OutcomeSent:
		return "sent", nil
	case models.OutcomeOpen:
		return "opens", nil
	case models.OutcomeClick:
		return "clicks", nil
	case models.OutcomeConversion:
		return "conversions", nil
	default:
		return "", fmt.Errorf("no counter for outcome %q", outcome)
	}
}

func (r *ExperimentRepository) findOne(ctx context.Context, query string, args ...any) (*models.Experiment, error) {
	exp, err := r.scanExperiment(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if err := r.loadVariants(ctx, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

func (r *ExperimentRepository) loadVariants(ctx context.Context, exp *models.Experiment) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT variant_id, name, template_id, weight, is_control, sent, opens, clicks, conversions
		FROM experiment_variants
		WHERE experiment_id = ?
		ORDER BY position
	`, exp.ID)
	if err != nil {
		return fmt.Errorf("failed to query variants: %w", err)
	}
	defer rows.Close()

	exp.Variants = exp.Variants[:0]
	for rows.Next() {
		var v models.Variant
		if err := rows.Scan(
			&v.ID, &v.Name, &v.TemplateID, &v.Weight, &v.IsControl,
			&v.Counters.Sent, &v.Counters.Opens, &v.Counters.Clicks, &v.Counters.Conversions,
		); err != nil {
			return fmt.Errorf("failed to scan variant: %w", err)
		}
		exp.Variants = append(exp.Variants, v)
	}
	return rows.Err()
}

func (r *ExperimentRepository) queryExperiments(ctx context.Context, query string, args ...any) ([]*models.Experiment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiments: %w", err)
	}
	defer rows.Close()

	var experiments []*models.Experiment
	for rows.Next() {
		exp, err := r.scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating experiments: %w", err)
	}
	return experiments, nil
}

func (r *ExperimentRepository) scanExperiment(row rowScanner) (*models.Experiment, error) {
	var exp models.Experiment
	var status, metric, createdAt string
	var templateID, sequenceID, stepID, startedAt, completedAt sql.NullString

	err := row.Scan(
		&exp.ID,
		&exp.Name,
		&templateID,
		&sequenceID,
		&stepID,
		&status,
		&metric,
		&exp.TrafficAllocation,
		&createdAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrExperimentNotFound
		}
		return nil, fmt.Errorf("failed to scan experiment: %w", err)
	}

	exp.TemplateID = templateID.String
	exp.SequenceID = sequenceID.String
	exp.StepID = stepID.String
	exp.Status = models.ExperimentStatus(status)
	exp.PrimaryMetric = models.Metric(metric)
	exp.CreatedAt = parseTime(createdAt)
	exp.StartedAt = parseNullTime(startedAt)
	exp.CompletedAt = parseNullTime(completedAt)
	return &exp, nil
}

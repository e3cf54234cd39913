package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-ai/cadence/internal/models"
)

// SequenceRepository persists immutable sequence definitions.
type SequenceRepository struct {
	db *DB
}

// NewSequenceRepository creates a new SequenceRepository.
func NewSequenceRepository(db *DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

// SequenceQuery filters List.
type SequenceQuery struct {
	Status    *models.SequenceStatus
	LineageID string
	// LatestOnly skips superseded versions.
	LatestOnly bool
	Limit      int
}

const sequenceColumns = `id, lineage_id, version, name, description, status, first_step_id,
	steps_json, entry_conditions_json, settings_json, superseded_by, created_at, updated_at`

// Create inserts a new definition. A missing lineage starts a new one at version 1.
func (r *SequenceRepository) Create(ctx context.Context, seq *models.Sequence) error {
	return r.insert(ctx, r.db, seq)
}

// CreateVersion inserts next as the successor of previous in one transaction.
func (r *SequenceRepository) CreateVersion(ctx context.Context, previous, next *models.Sequence) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		next.LineageID = previous.LineageID
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM sequences WHERE lineage_id = ?`,
			previous.LineageID,
		).Scan(&next.Version); err != nil {
			return fmt.Errorf("failed to read next version: %w", err)
		}
		if err := r.insert(ctx, tx, next); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx,
			`UPDATE sequences SET superseded_by = ?, updated_at = ? WHERE id = ? AND superseded_by IS NULL`,
			next.ID, formatTime(next.CreatedAt), previous.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to supersede sequence: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return fmt.Errorf("sequence %s already superseded: %w", previous.ID, models.ErrConcurrentUpdate)
		}
		previous.SupersededBy = next.ID
		return nil
	})
}

func (r *SequenceRepository) insert(ctx context.Context, exec execer, seq *models.Sequence) error {
	if seq.ID == "" {
		seq.ID = uuid.New().String()
	}
	if seq.LineageID == "" {
		seq.LineageID = seq.ID
	}
	if seq.Version == 0 {
		seq.Version = 1
	}
	now := time.Now().UTC()
	if seq.CreatedAt.IsZero() {
		seq.CreatedAt = now
	}
	seq.UpdatedAt = seq.CreatedAt

	stepsJSON, err := json.Marshal(seq.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	settingsJSON, err := json.Marshal(seq.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	var conditionsJSON sql.NullString
	if len(seq.EntryConditions) > 0 {
		data, err := json.Marshal(seq.EntryConditions)
		if err != nil {
			return fmt.Errorf("failed to marshal entry conditions: %w", err)
		}
		conditionsJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err = exec.ExecContext(ctx, `
		INSERT INTO sequences (`+sequenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		seq.ID,
		seq.LineageID,
		seq.Version,
		seq.Name,
		nullString(seq.Description),
		string(seq.Status),
		seq.FirstStepID,
		string(stepsJSON),
		conditionsJSON,
		string(settingsJSON),
		nullString(seq.SupersededBy),
		formatTime(seq.CreatedAt),
		formatTime(seq.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sequence: %w", err)
	}
	return nil
}

// Get retrieves a definition by ID.
func (r *SequenceRepository) Get(ctx context.Context, id string) (*models.Sequence, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sequenceColumns+` FROM sequences WHERE id = ?`, id)
	return r.scanSequence(row)
}

// Latest returns the newest version in a lineage.
func (r *SequenceRepository) Latest(ctx context.Context, lineageID string) (*models.Sequence, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sequenceColumns+` FROM sequences
		WHERE lineage_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, lineageID)
	return r.scanSequence(row)
}

// LatestPublished returns the newest version in a lineage that has left
// draft. It returns models.ErrSequenceNotFound when every version is a draft.
func (r *SequenceRepository) LatestPublished(ctx context.Context, lineageID string) (*models.Sequence, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sequenceColumns+` FROM sequences
		WHERE lineage_id = ? AND status != ?
		ORDER BY version DESC
		LIMIT 1
	`, lineageID, string(models.SequenceStatusDraft))
	return r.scanSequence(row)
}

// List returns definitions matching the query, newest first.
func (r *SequenceRepository) List(ctx context.Context, q SequenceQuery) ([]*models.Sequence, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + sequenceColumns + ` FROM sequences WHERE 1=1`
	args := []any{}
	if q.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*q.Status))
	}
	if q.LineageID != "" {
		query += ` AND lineage_id = ?`
		args = append(args, q.LineageID)
	}
	if q.LatestOnly {
		query += ` AND superseded_by IS NULL`
	}
	query += ` ORDER BY created_at DESC, version DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sequences: %w", err)
	}
	defer rows.Close()

	var sequences []*models.Sequence
	for rows.Next() {
		seq, err := r.scanSequence(rows)
		if err != nil {
			return nil, err
		}
		sequences = append(sequences, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sequences: %w", err)
	}
	return sequences, nil
}

// UpdateStatus changes the only mutable attribute of a definition.
func (r *SequenceRepository) UpdateStatus(ctx context.Context, id string, status models.SequenceStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sequences SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update sequence status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return models.ErrSequenceNotFound
	}
	return nil
}

func (r *SequenceRepository) scanSequence(row rowScanner) (*models.Sequence, error) {
	var seq models.Sequence
	var status, stepsJSON, settingsJSON, createdAt, updatedAt string
	var description, conditionsJSON, supersededBy sql.NullString

	err := row.Scan(
		&seq.ID,
		&seq.LineageID,
		&seq.Version,
		&seq.Name,
		&description,
		&status,
		&seq.FirstStepID,
		&stepsJSON,
		&conditionsJSON,
		&settingsJSON,
		&supersededBy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrSequenceNotFound
		}
		return nil, fmt.Errorf("failed to scan sequence: %w", err)
	}

	seq.Description = description.String
	seq.Status = models.SequenceStatus(status)
	seq.SupersededBy = supersededBy.String
	seq.CreatedAt = parseTime(createdAt)
	seq.UpdatedAt = parseTime(updatedAt)

	if err := json.Unmarshal([]byte(stepsJSON), &seq.Steps); err != nil {
		return nil, fmt.Errorf("failed to parse steps for sequence %s: %w", seq.ID, err)
	}
	if err := json.Unmarshal([]byte(settingsJSON), &seq.Settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings for sequence %s: %w", seq.ID, err)
	}
	if conditionsJSON.Valid {
		if err := json.Unmarshal([]byte(conditionsJSON.String), &seq.EntryConditions); err != nil {
			return nil, fmt.Errorf("failed to parse entry conditions for sequence %s: %w", seq.ID, err)
		}
	}
	return &seq, nil
}

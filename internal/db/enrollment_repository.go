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

// EnrollmentRepository persists enrollments and their append-only history.
type EnrollmentRepository struct {
	db     *DB
	events *EventRepository
}

// NewEnrollmentRepository creates a new EnrollmentRepository.
func NewEnrollmentRepository(db *DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db, events: NewEventRepository(db)}
}

// EnrollmentQuery filters List.
type EnrollmentQuery struct {
	LeadID     string
	SequenceID string
	LineageID  string
	Status     *models.EnrollmentStatus
	Limit      int
}

const enrollmentColumns = `id, lead_id, sequence_id, lineage_id, current_step_id, status,
	next_eligible_at, context_json, version, stop_reason, created_at, updated_at`

// Create inserts a new enrollment. A second active enrollment for the same
// lead and lineage fails with models.ErrDuplicateEnrollment.
func (r *EnrollmentRepository) Create(ctx context.Context, e *models.Enrollment, events ...*models.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = e.CreatedAt
	if e.Version == 0 {
		e.Version = 1
	}

	contextJSON, err := marshalContext(e.Context)
	if err != nil {
		return err
	}

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO enrollments (`+enrollmentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			e.ID,
			e.LeadID,
			e.SequenceID,
			e.LineageID,
			nullString(e.CurrentStepID),
			string(e.Status),
			formatTime(e.NextEligibleAt),
			contextJSON,
			e.Version,
			nullString(e.StopReason),
			formatTime(e.CreatedAt),
			formatTime(e.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return models.ErrDuplicateEnrollment
			}
			return fmt.Errorf("failed to insert enrollment: %w", err)
		}
		if err := insertHistory(ctx, tx, e.ID, 0, e.History); err != nil {
			return err
		}
		return r.appendEvents(ctx, tx, events)
	})
}

// Update persists a new state for e if nobody else updated it since
// e.Version was read. appended holds the history entries added since then.
// On success e.Version is incremented.
func (r *EnrollmentRepository) Update(ctx context.Context, e *models.Enrollment, appended []models.HistoryEntry, events ...*models.Event) error {
	contextJSON, err := marshalContext(e.Context)
	if err != nil {
		return err
	}
	updatedAt := time.Now().UTC()

	err = r.db.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE enrollments SET
				current_step_id = ?, status = ?, next_eligible_at = ?, context_json = ?,
				stop_reason = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?
		`,
			nullString(e.CurrentStepID),
			string(e.Status),
			formatTime(e.NextEligibleAt),
			contextJSON,
			nullString(e.StopReason),
			formatTime(updatedAt),
			e.ID,
			e.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update enrollment: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM enrollments WHERE id = ?`, e.ID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return models.ErrEnrollmentNotFound
			}
			return models.ErrConcurrentUpdate
		}

		var position int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM enrollment_history WHERE enrollment_id = ?`, e.ID,
		).Scan(&position); err != nil {
			return fmt.Errorf("failed to count history: %w", err)
		}
		if err := insertHistory(ctx, tx, e.ID, position, appended); err != nil {
			return err
		}
		return r.appendEvents(ctx, tx, events)
	})
	if err != nil {
		return err
	}

	e.Version++
	e.UpdatedAt = updatedAt
	return nil
}

func (r *EnrollmentRepository) appendEvents(ctx context.Context, tx *sql.Tx, events []*models.Event) error {
	for _, event := range events {
		if event == nil {
			continue
		}
		if err := r.events.CreateWithTx(ctx, tx, event); err != nil {
			return err
		}
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, enrollmentID string, start int, entries []models.HistoryEntry) error {
	for i, h := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO enrollment_history (
				enrollment_id, position, step_id, step_type, entered_at, exited_at, outcome, detail
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			enrollmentID,
			start+i,
			h.StepID,
			nullString(string(h.StepType)),
			formatTime(h.EnteredAt),
			nullTime(h.ExitedAt),
			string(h.Outcome),
			nullString(h.Detail),
		)
		if err != nil {
			return fmt.Errorf("failed to insert history: %w", err)
		}
	}
	return nil
}

// Get retrieves an enrollment with its full history.
func (r *EnrollmentRepository) Get(ctx context.Context, id string) (*models.Enrollment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`, id)
	e, err := r.scanEnrollment(row)
	if err != nil {
		return nil, err
	}
	history, err := r.History(ctx, id)
	if err != nil {
		return nil, err
	}
	e.History = history
	return e, nil
}

// History returns the ordered history of an enrollment.
func (r *EnrollmentRepository) History(ctx context.Context, enrollmentID string) ([]models.HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT step_id, step_type, entered_at, exited_at, outcome, detail
		FROM enrollment_history
		WHERE enrollment_id = ?
		ORDER BY position
	`, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []models.HistoryEntry
	for rows.Next() {
		var h models.HistoryEntry
		var stepType, detail, exitedAt sql.NullString
		var enteredAt, outcome string
		if err := rows.Scan(&h.StepID, &stepType, &enteredAt, &exitedAt, &outcome, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		h.StepType = models.StepType(stepType.String)
		h.EnteredAt = parseTime(enteredAt)
		h.ExitedAt = parseNullTime(exitedAt)
		h.Outcome = models.HistoryOutcome(outcome)
		h.Detail = detail.String
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return history, nil
}

// List returns enrollments (without history) matching the query.
func (r *EnrollmentRepository) List(ctx context.Context, q EnrollmentQuery) ([]*models.Enrollment, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE 1=1`
	args := []any{}
	if q.LeadID != "" {
		query += ` AND lead_id = ?`
		args = append(args, q.LeadID)
	}
	if q.SequenceID != "" {
		query += ` AND sequence_id = ?`
		args = append(args, q.SequenceID)
	}
	if q.LineageID != "" {
		query += ` AND lineage_id = ?`
		args = append(args, q.LineageID)
	}
	if q.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*q.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	return r.queryEnrollments(ctx, query, args...)
}

// ListDueIDs returns active enrollments of active sequences whose
// next_eligible_at is at or before now, oldest first.
func (r *EnrollmentRepository) ListDueIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.id FROM enrollments e
		JOIN sequences s ON s.id = e.sequence_id
		WHERE e.status = ? AND e.next_eligible_at <= ? AND s.status = ?
		ORDER BY e.next_eligible_at, e.id
		LIMIT ?
	`, string(models.EnrollmentStatusActive), formatTime(now), string(models.SequenceStatusActive), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due enrollments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan enrollment id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByStatus returns enrollment counts per status, optionally for one sequence.
func (r *EnrollmentRepository) CountByStatus(ctx context.Context, sequenceID string) (map[models.EnrollmentStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM enrollments`
	args := []any{}
	if sequenceID != "" {
		query += ` WHERE sequence_id = ?`
		args = append(args, sequenceID)
	}
	query += ` GROUP BY status`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count enrollments: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.EnrollmentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan enrollment count: %w", err)
		}
		counts[models.EnrollmentStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *EnrollmentRepository) queryEnrollments(ctx context.Context, query string, args ...any) ([]*models.Enrollment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []*models.Enrollment
	for rows.Next() {
		e, err := r.scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		enrollments = append(enrollments, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating enrollments: %w", err)
	}
	return enrollments, nil
}

func (r *EnrollmentRepository) scanEnrollment(row rowScanner) (*models.Enrollment, error) {
	var e models.Enrollment
	var status, nextEligibleAt, createdAt, updatedAt string
	var currentStepID, contextJSON, stopReason sql.NullString

	err := row.Scan(
		&e.ID,
		&e.LeadID,
		&e.SequenceID,
		&e.LineageID,
		&currentStepID,
		&status,
		&nextEligibleAt,
		&contextJSON,
		&e.Version,
		&stopReason,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("failed to scan enrollment: %w", err)
	}

	e.CurrentStepID = currentStepID.String
	e.Status = models.EnrollmentStatus(status)
	e.NextEligibleAt = parseTime(nextEligibleAt)
	e.StopReason = stopReason.String
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)

	if contextJSON.Valid {
		if err := json.Unmarshal([]byte(contextJSON.String), &e.Context); err != nil {
			r.db.logger.Warn().Err(err).Str("enrollment_id", e.ID).Msg("failed to parse enrollment context")
		}
	}
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	return &e, nil
}

func marshalContext(ctx map[string]any) (sql.NullString, error) {
	if len(ctx) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal context: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

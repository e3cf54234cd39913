package db

import (
	"context"
	"fmt"
	"time"
)

// OutcomeRepository remembers which outcome events were already applied.
type OutcomeRepository struct {
	db *DB
}

// NewOutcomeRepository creates a new OutcomeRepository.
func NewOutcomeRepository(db *DB) *OutcomeRepository {
	return &OutcomeRepository{db: db}
}

// MarkProcessed records an event id. It returns false when the id was seen before.
func (r *OutcomeRepository) MarkProcessed(ctx context.Context, eventID string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_outcomes (event_id, processed_at) VALUES (?, ?)`,
		eventID, formatTime(at),
	)
	if err != nil {
		return false, fmt.Errorf("failed to record outcome %s: %w", eventID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// Forget removes an event id so it can be applied again.
func (r *OutcomeRepository) Forget(ctx context.Context, eventID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM processed_outcomes WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("failed to forget outcome %s: %w", eventID, err)
	}
	return nil
}

// PruneBefore deletes processed ids older than cutoff and returns how many were removed.
func (r *OutcomeRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM processed_outcomes WHERE processed_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune outcomes: %w", err)
	}
	return result.RowsAffected()
}

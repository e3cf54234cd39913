package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opencode-ai/cadence/internal/models"
)

// TemplateRepository persists message templates.
type TemplateRepository struct {
	db *DB
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(db *DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// TemplateQuery filters List.
type TemplateQuery struct {
	Tag    string
	BaseID string
	Source models.TemplateSource
	Limit  int
}

const templateColumns = `id, name, subject, body, variables_json, tags_json, source, base_id, created_at`

// Upsert inserts a template or replaces the one with the same ID.
func (r *TemplateRepository) Upsert(ctx context.Context, t *models.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	variablesJSON, err := marshalOptional(t.Variables, len(t.Variables))
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}
	tagsJSON, err := marshalOptional(t.Tags, len(t.Tags))
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO templates (`+templateColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			subject = excluded.subject,
			body = excluded.body,
			variables_json = excluded.variables_json,
			tags_json = excluded.tags_json,
			source = excluded.source,
			base_id = excluded.base_id,
			updated_at = excluded.updated_at
	`,
		t.ID,
		t.Name,
		nullString(t.Subject),
		t.Body,
		variablesJSON,
		tagsJSON,
		nullString(string(t.Source)),
		nullString(t.BaseID),
		formatTime(t.CreatedAt),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert template: %w", err)
	}
	return nil
}

// Get retrieves a template by ID.
func (r *TemplateRepository) Get(ctx context.Context, id string) (*models.Template, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = ?`, id)
	return r.scanTemplate(row)
}

// List returns templates ordered by ID.
func (r *TemplateRepository) List(ctx context.Context, q TemplateQuery) ([]*models.Template, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}

	query := `SELECT ` + templateColumns + ` FROM templates WHERE 1=1`
	args := []any{}
	if q.BaseID != "" {
		query += ` AND base_id = ?`
		args = append(args, q.BaseID)
	}
	if q.Source != "" {
		query += ` AND source = ?`
		args = append(args, string(q.Source))
	}
	if q.Tag != "" {
		query += ` AND EXISTS (SELECT 1 FROM json_each(templates.tags_json) WHERE json_each.value = ?)`
		args = append(args, q.Tag)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []*models.Template
	for rows.Next() {
		t, err := r.scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}
	return templates, nil
}

// Delete removes a template by ID.
func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return models.ErrTemplateNotFound
	}
	return nil
}

func (r *TemplateRepository) scanTemplate(row rowScanner) (*models.Template, error) {
	var t models.Template
	var createdAt string
	var subject, variablesJSON, tagsJSON, source, baseID sql.NullString

	err := row.Scan(&t.ID, &t.Name, &subject, &t.Body, &variablesJSON, &tagsJSON, &source, &baseID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to scan template: %w", err)
	}

	t.Subject = subject.String
	t.Source = models.TemplateSource(source.String)
	t.BaseID = baseID.String
	t.CreatedAt = parseTime(createdAt)

	if variablesJSON.Valid {
		if err := json.Unmarshal([]byte(variablesJSON.String), &t.Variables); err != nil {
			r.db.logger.Warn().Err(err).Str("template_id", t.ID).Msg("failed to parse template variables")
		}
	}
	if tagsJSON.Valid {
		if err := json.Unmarshal([]byte(tagsJSON.String), &t.Tags); err != nil {
			r.db.logger.Warn().Err(err).Str("template_id", t.ID).Msg("failed to parse template tags")
		}
	}
	return &t, nil
}

func marshalOptional(v any, n int) (sql.NullString, error) {
	if n == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

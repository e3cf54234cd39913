// Package events provides helper functions for recording Cadence events.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opencode-ai/cadence/internal/models"
)

// Repository is the minimal interface needed to write events.
type Repository interface {
	Create(ctx context.Context, event *models.Event) error
}

// New builds an event with a JSON payload.
func New(eventType models.EventType, entityType models.EntityType, entityID string, payload any) (*models.Event, error) {
	if entityID == "" {
		return nil, fmt.Errorf("entity id is required")
	}

	event := &models.Event{
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		event.Payload = data
	}
	return event, nil
}

// Log builds and writes an event.
func Log(ctx context.Context, repo Repository, eventType models.EventType, entityType models.EntityType, entityID string, payload any) error {
	if repo == nil {
		return fmt.Errorf("event repository is required")
	}
	event, err := New(eventType, entityType, entityID, payload)
	if err != nil {
		return err
	}
	return repo.Create(ctx, event)
}

// LogSequenceCreated records a new sequence or a new version of one.
func LogSequenceCreated(ctx context.Context, repo Repository, seq *models.Sequence) error {
	eventType := models.EventTypeSequenceCreated
	if seq.Version > 1 {
		eventType = models.EventTypeSequenceVersioned
	}
	return Log(ctx, repo, eventType, models.EntityTypeSequence, seq.ID, map[string]any{
		"name":       seq.Name,
		"lineage_id": seq.LineageID,
		"version":    seq.Version,
	})
}

// LogStatusChanged records a status transition for any entity.
func LogStatusChanged(ctx context.Context, repo Repository, eventType models.EventType, entityType models.EntityType, entityID, oldStatus, newStatus string) error {
	return Log(ctx, repo, eventType, entityType, entityID, models.StatusChangedPayload{
		OldStatus: oldStatus,
		NewStatus: newStatus,
	})
}

// LogOutcome records an applied or dropped outcome event against an experiment.
func LogOutcome(ctx context.Context, repo Repository, experimentID string, payload models.OutcomePayload) error {
	eventType := models.EventTypeOutcomeRecorded
	if payload.Reason != "" {
		eventType = models.EventTypeOutcomeDropped
	}
	return Log(ctx, repo, eventType, models.EntityTypeExperiment, experimentID, payload)
}

// IntentEvent builds the event-log entry for an emitted intent.
func IntentEvent(intent models.Intent) (*models.Event, error) {
	switch {
	case intent.Email != nil:
		return New(models.EventTypeDispatchIntent, models.EntityTypeEnrollment, intent.Email.EnrollmentID, intent.Email)
	case intent.Webhook != nil:
		return New(models.EventTypeWebhookIntent, models.EntityTypeEnrollment, intent.Webhook.EnrollmentID, intent.Webhook)
	default:
		return nil, fmt.Errorf("intent has no payload")
	}
}

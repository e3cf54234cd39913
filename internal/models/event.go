package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType categorizes events in the system.
type EventType string

const (
	// Sequence events
	EventTypeSequenceCreated       EventType = "sequence.created"
	EventTypeSequenceVersioned     EventType = "sequence.versioned"
	EventTypeSequenceStatusChanged EventType = "sequence.status_changed"

	// Enrollment events
	EventTypeEnrollmentCreated   EventType = "enrollment.created"
	EventTypeEnrollmentAdvanced  EventType = "enrollment.advanced"
	EventTypeEnrollmentCompleted EventType = "enrollment.completed"
	EventTypeEnrollmentStopped   EventType = "enrollment.stopped"
	EventTypeEnrollmentFailed    EventType = "enrollment.failed"

	// Intent events
	EventTypeDispatchIntent EventType = "intent.dispatch"
	EventTypeWebhookIntent  EventType = "intent.webhook"

	// Experiment events
	EventTypeExperimentCreated       EventType = "experiment.created"
	EventTypeExperimentStatusChanged EventType = "experiment.status_changed"
	EventTypeOutcomeRecorded         EventType = "outcome.recorded"
	EventTypeOutcomeDropped          EventType = "outcome.dropped"

	// System events
	EventTypeError   EventType = "error"
	EventTypeWarning EventType = "warning"
)

// EntityType identifies the type of entity an event relates to.
type EntityType string

const (
	EntityTypeSequence   EntityType = "sequence"
	EntityTypeEnrollment EntityType = "enrollment"
	EntityTypeExperiment EntityType = "experiment"
	EntityTypeTemplate   EntityType = "template"
	EntityTypeSystem     EntityType = "system"
)

// Event represents an append-only log entry.
type Event struct {
	// ID is the unique identifier for the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// EntityType identifies what kind of entity this event relates to.
	EntityType EntityType `json:"entity_type"`

	// EntityID is the ID of the related entity.
	EntityID string `json:"entity_id"`

	// Payload contains event-specific data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Metadata contains additional context.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks if the event is valid.
func (e *Event) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(string(e.Type)) == "" {
		validation.AddMessage("type", "event type is required")
	}
	if strings.TrimSpace(string(e.EntityType)) == "" {
		validation.AddMessage("entity_type", "entity_type is required")
	}
	if strings.TrimSpace(e.EntityID) == "" {
		validation.AddMessage("entity_id", "entity_id is required")
	}
	return validation.Err()
}

// StatusChangedPayload is the payload for *.status_changed events.
type StatusChangedPayload struct {
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// EnrollmentAdvancedPayload is the payload for enrollment.advanced events.
type EnrollmentAdvancedPayload struct {
	FromStepID string `json:"from_step_id"`
	ToStepID   string `json:"to_step_id,omitempty"`
	Steps      int    `json:"steps"`
	Intents    int    `json:"intents"`
}

// EnrollmentStoppedPayload is the payload for enrollment.stopped events.
type EnrollmentStoppedPayload struct {
	Reason string `json:"reason"`
}

// OutcomePayload is the payload for outcome.* events.
type OutcomePayload struct {
	EventID   string      `json:"event_id"`
	EntityKey string      `json:"entity_key"`
	VariantID string      `json:"variant_id,omitempty"`
	Event     OutcomeType `json:"event"`
	Reason    string      `json:"reason,omitempty"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Error   string `json:"error"`
	StepID  string `json:"step_id,omitempty"`
	Context string `json:"context,omitempty"`
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// IntentKind distinguishes the side effects an advance may request.
type IntentKind string

const (
	IntentEmail   IntentKind = "email"
	IntentWebhook IntentKind = "webhook"
)

// DispatchIntent asks the transport collaborator to send a resolved template.
type DispatchIntent struct {
	EnrollmentID       string    `json:"enrollment_id"`
	LeadID             string    `json:"lead_id"`
	ResolvedTemplateID string    `json:"resolved_template_id"`
	StepID             string    `json:"step_id"`
	SequenceID         string    `json:"sequence_id"`
	ExperimentID       string    `json:"experiment_id,omitempty"`
	VariantID          string    `json:"variant_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// WebhookIntent asks a collaborator to make a fire-and-forget call.
type WebhookIntent struct {
	EnrollmentID string        `json:"enrollment_id"`
	LeadID       string        `json:"lead_id"`
	StepID       string        `json:"step_id"`
	SequenceID   string        `json:"sequence_id"`
	Webhook      WebhookConfig `json:"webhook"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Intent is one side effect emitted by an advance. Exactly one of Email or
// Webhook is set.
type Intent struct {
	Kind    IntentKind      `json:"kind"`
	Email   *DispatchIntent `json:"email,omitempty"`
	Webhook *WebhookIntent  `json:"webhook,omitempty"`
}

// EnrollmentID returns the enrollment the intent belongs to.
func (i Intent) EnrollmentID() string {
	switch {
	case i.Email != nil:
		return i.Email.EnrollmentID
	case i.Webhook != nil:
		return i.Webhook.EnrollmentID
	}
	return ""
}

// OutcomeEvent is an engagement signal reported by the tracking collaborator.
type OutcomeEvent struct {
	// ID makes redelivery idempotent. Events without one get a fresh id
	// and are applied once per delivery.
	ID           string      `json:"id"`
	EntityKey    string      `json:"entity_key"`
	LeadID       string      `json:"lead_id,omitempty"`
	EnrollmentID string      `json:"enrollment_id,omitempty"`
	ExperimentID string      `json:"experiment_id,omitempty"`
	Event        OutcomeType `json:"event"`
	OccurredAt   time.Time   `json:"occurred_at"`
}

// EnsureID assigns a generated id to an event that arrived without one.
func (e *OutcomeEvent) EnsureID() {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
}

// Validate checks the event carries enough to be applied.
func (e *OutcomeEvent) Validate() error {
	validation := &ValidationErrors{}
	if !e.Event.Valid() {
		validation.AddMessage("event", "unknown event "+string(e.Event))
	}
	if e.EntityKey == "" && e.LeadID == "" && e.EnrollmentID == "" {
		validation.AddMessage("entity_key", "entity_key, lead_id or enrollment_id is required")
	}
	return validation.Err()
}

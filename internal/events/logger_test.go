package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/opencode-ai/cadence/internal/models"
)

type fakeRepo struct {
	last *models.Event
}

func (r *fakeRepo) Create(ctx context.Context, event *models.Event) error {
	r.last = event
	return nil
}

func TestLogSequenceCreated(t *testing.T) {
	repo := &fakeRepo{}

	seq := &models.Sequence{ID: "seq-2", LineageID: "seq-1", Version: 2, Name: "onboarding"}
	if err := LogSequenceCreated(context.Background(), repo, seq); err != nil {
		t.Fatalf("LogSequenceCreated failed: %v", err)
	}

	if repo.last == nil {
		t.Fatal("expected event to be created")
	}
	if repo.last.Type != models.EventTypeSequenceVersioned {
		t.Fatalf("unexpected event type: %q", repo.last.Type)
	}
	if repo.last.EntityID != "seq-2" {
		t.Fatalf("unexpected entity id: %q", repo.last.EntityID)
	}
}

func TestLogOutcomeDropped(t *testing.T) {
	repo := &fakeRepo{}

	err := LogOutcome(context.Background(), repo, "exp-1", models.OutcomePayload{
		EventID: "evt-1",
		Event:   models.OutcomeOpen,
		Reason:  "experiment paused",
	})
	if err != nil {
		t.Fatalf("LogOutcome failed: %v", err)
	}
	if repo.last.Type != models.EventTypeOutcomeDropped {
		t.Fatalf("unexpected event type: %q", repo.last.Type)
	}
}

func TestIntentEvent(t *testing.T) {
	event, err := IntentEvent(models.Intent{
		Kind:  models.IntentEmail,
		Email: &models.DispatchIntent{EnrollmentID: "enr-1", ResolvedTemplateID: "tpl-b"},
	})
	if err != nil {
		t.Fatalf("IntentEvent failed: %v", err)
	}
	if event.Type != models.EventTypeDispatchIntent || event.EntityID != "enr-1" {
		t.Fatalf("unexpected event: %+v", event)
	}

	var payload models.DispatchIntent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ResolvedTemplateID != "tpl-b" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	if _, err := IntentEvent(models.Intent{}); err == nil {
		t.Fatal("expected error for empty intent")
	}
	if err := Log(context.Background(), nil, models.EventTypeError, models.EntityTypeSystem, "x", nil); err == nil {
		t.Fatal("expected error for nil repository")
	}
}

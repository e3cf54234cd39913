package models

import (
	"time"
)

// EnrollmentStatus is the state of one lead's traversal.
type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "active"
	EnrollmentStatusCompleted EnrollmentStatus = "completed"
	EnrollmentStatusStopped   EnrollmentStatus = "stopped"
	EnrollmentStatusFailed    EnrollmentStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentStatusCompleted || s == EnrollmentStatusStopped || s == EnrollmentStatusFailed
}

// Stop reasons recorded on stopped enrollments.
const (
	StopReasonReply      = "reply"
	StopReasonConversion = "conversion"
	StopReasonManual     = "manual"
)

// HistoryOutcome describes how a step was left.
type HistoryOutcome string

const (
	OutcomeDispatched  HistoryOutcome = "dispatched"
	OutcomeWaited      HistoryOutcome = "waited"
	OutcomeDeferred    HistoryOutcome = "deferred"
	OutcomeBranchTrue  HistoryOutcome = "branch_true"
	OutcomeBranchFalse HistoryOutcome = "branch_false"
	OutcomeWebhook     HistoryOutcome = "webhook"
	OutcomeGoal        HistoryOutcome = "goal"
	OutcomeCompleted   HistoryOutcome = "completed"
	OutcomeStopped     HistoryOutcome = "stopped"
	OutcomeFailed      HistoryOutcome = "failed"
)

// HistoryEntry is one append-only record of step traversal.
type HistoryEntry struct {
	StepID    string         `json:"step_id"`
	StepType  StepType       `json:"step_type,omitempty"`
	EnteredAt time.Time      `json:"entered_at"`
	ExitedAt  *time.Time     `json:"exited_at,omitempty"`
	Outcome   HistoryOutcome `json:"outcome"`
	Detail    string         `json:"detail,omitempty"`
}

// Enrollment is one lead's live position within one sequence snapshot.
type Enrollment struct {
	ID            string           `json:"id"`
	LeadID        string           `json:"lead_id"`
	SequenceID    string           `json:"sequence_id"`
	LineageID     string           `json:"lineage_id"`
	CurrentStepID string           `json:"current_step_id,omitempty"`
	Status        EnrollmentStatus `json:"status"`

	// NextEligibleAt is when the enrollment wakes up.
	NextEligibleAt time.Time `json:"next_eligible_at"`

	History []HistoryEntry `json:"history,omitempty"`
	Context map[string]any `json:"context,omitempty"`

	// Version guards optimistic updates.
	Version int64 `json:"version"`

	StopReason string    `json:"stop_reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsDue reports whether the enrollment should be advanced at now.
func (e *Enrollment) IsDue(now time.Time) bool {
	return e.Status == EnrollmentStatusActive && !now.Before(e.NextEligibleAt)
}

// Clone returns a deep copy of the mutable parts of the enrollment.
func (e *Enrollment) Clone() *Enrollment {
	out := *e
	out.History = append([]HistoryEntry(nil), e.History...)
	out.Context = CloneContext(e.Context)
	return &out
}

// CloneContext copies a context map, descending into nested maps.
func CloneContext(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		if nested, ok := v.(map[string]any); ok {
			out[k] = CloneContext(nested)
			continue
		}
		out[k] = v
	}
	return out
}

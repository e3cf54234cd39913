package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SequenceStatus is the lifecycle state of a sequence definition.
type SequenceStatus string

const (
	SequenceStatusDraft    SequenceStatus = "draft"
	SequenceStatusActive   SequenceStatus = "active"
	SequenceStatusPaused   SequenceStatus = "paused"
	SequenceStatusArchived SequenceStatus = "archived"
)

// Valid reports whether the status is known.
func (s SequenceStatus) Valid() bool {
	switch s {
	case SequenceStatusDraft, SequenceStatusActive, SequenceStatusPaused, SequenceStatusArchived:
		return true
	}
	return false
}

// CanTransitionTo reports whether a status change is allowed.
// Archived is terminal.
func (s SequenceStatus) CanTransitionTo(next SequenceStatus) bool {
	if !next.Valid() || s == SequenceStatusArchived {
		return false
	}
	if s == next {
		return true
	}
	return next != SequenceStatusDraft
}

// Sequence is an immutable step graph. Only Status and SupersededBy change
// after creation; a changed graph is a new Sequence in the same lineage.
type Sequence struct {
	ID          string `json:"id"`
	LineageID   string `json:"lineage_id"`
	Version     int    `json:"version"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Status SequenceStatus `json:"status"`

	Steps           map[string]Step `json:"steps"`
	FirstStepID     string          `json:"first_step_id"`
	EntryConditions []Condition     `json:"entry_conditions,omitempty"`
	Settings        Settings        `json:"settings"`

	// SupersededBy points at the next version, if any.
	SupersededBy string `json:"superseded_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step returns the step with the given id.
func (s *Sequence) Step(id string) (Step, bool) {
	step, ok := s.Steps[id]
	return step, ok
}

// SendingHours is a half-open [Start, End) range of hours of the day.
type SendingHours struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// IsZero reports whether no hours were configured.
func (h SendingHours) IsZero() bool { return h.Start == 0 && h.End == 0 }

// Settings control when a sequence may dispatch and when it stops.
type Settings struct {
	SendingDays      Weekdays     `json:"sending_days,omitempty"`
	SendingHours     SendingHours `json:"sending_hours"`
	Timezone         string       `json:"timezone,omitempty"`
	StopOnReply      bool         `json:"stop_on_reply"`
	StopOnConversion bool         `json:"stop_on_conversion"`
}

// Weekdays is a set of days encoded by name.
type Weekdays []time.Weekday

// Contains reports whether the day is in the set.
func (w Weekdays) Contains(day time.Weekday) bool {
	for _, d := range w {
		if d == day {
			return true
		}
	}
	return false
}

// MarshalJSON encodes days as lower-case short names.
func (w Weekdays) MarshalJSON() ([]byte, error) {
	names := make([]string, len(w))
	for i, d := range w {
		names[i] = strings.ToLower(d.String()[:3])
	}
	return json.Marshal(names)
}

// UnmarshalJSON decodes short or full day names.
func (w *Weekdays) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	days, err := ParseWeekdays(names)
	if err != nil {
		return err
	}
	*w = days
	return nil
}

// ParseWeekdays converts day names ("mon", "Monday") into weekdays.
func ParseWeekdays(names []string) (Weekdays, error) {
	days := make(Weekdays, 0, len(names))
	for _, name := range names {
		day, err := ParseWeekday(name)
		if err != nil {
			return nil, err
		}
		if !days.Contains(day) {
			days = append(days, day)
		}
	}
	return days, nil
}

// ParseWeekday converts a single day name.
func ParseWeekday(name string) (time.Weekday, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if normalized == full || normalized == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}

// StepType identifies a step kind.
type StepType string

const (
	StepTypeEmail     StepType = "email"
	StepTypeWait      StepType = "wait"
	StepTypeCondition StepType = "condition"
	StepTypeWebhook   StepType = "webhook"
	StepTypeGoal      StepType = "goal"
)

// StepConfig is the type-specific configuration of a step. The set of
// implementations is closed: EmailConfig, WaitConfig, ConditionConfig,
// WebhookConfig and GoalConfig.
type StepConfig interface {
	StepType() StepType
	sealed()
}

// EmailConfig dispatches a template.
type EmailConfig struct {
	TemplateID string `json:"template_id"`
}

// WaitConfig delays the enrollment.
type WaitConfig struct {
	Duration     Duration `json:"duration"`
	SkipWeekends bool     `json:"skip_weekends,omitempty"`
}

// ConditionConfig branches on lead attributes and enrollment context.
// Conditions are AND-combined. An empty target completes the enrollment.
type ConditionConfig struct {
	Conditions []Condition `json:"conditions"`
	TrueStep   string      `json:"true_step,omitempty"`
	FalseStep  string      `json:"false_step,omitempty"`
}

// WebhookConfig describes a fire-and-forget call made by a collaborator.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload map[string]any    `json:"payload,omitempty"`
}

// GoalConfig completes the enrollment.
type GoalConfig struct {
	Name string `json:"name"`
}

func (EmailConfig) StepType() StepType     { return StepTypeEmail }
func (WaitConfig) StepType() StepType      { return StepTypeWait }
func (ConditionConfig) StepType() StepType { return StepTypeCondition }
func (WebhookConfig) StepType() StepType   { return StepTypeWebhook }
func (GoalConfig) StepType() StepType      { return StepTypeGoal }

func (EmailConfig) sealed()     {}
func (WaitConfig) sealed()      {}
func (ConditionConfig) sealed() {}
func (WebhookConfig) sealed()   {}
func (GoalConfig) sealed()      {}

// Step is one node of a sequence graph.
type Step struct {
	ID     string
	Name   string
	Next   []string
	Config StepConfig
}

// Type returns the step's type tag.
func (s Step) Type() StepType {
	if s.Config == nil {
		return ""
	}
	return s.Config.StepType()
}

// Successor returns the single linear successor, if any.
func (s Step) Successor() string {
	if len(s.Next) == 0 {
		return ""
	}
	return s.Next[0]
}

// Targets returns every step id this step can transition to.
func (s Step) Targets() []string {
	targets := append([]string(nil), s.Next...)
	if cfg, ok := s.Config.(ConditionConfig); ok {
		if cfg.TrueStep != "" {
			targets = append(targets, cfg.TrueStep)
		}
		if cfg.FalseStep != "" {
			targets = append(targets, cfg.FalseStep)
		}
	}
	return targets
}

type stepJSON struct {
	ID     string          `json:"id"`
	Name   string          `json:"name,omitempty"`
	Type   StepType        `json:"type"`
	Next   []string        `json:"next,omitempty"`
	Config json.RawMessage `json:"config"`
}

// MarshalJSON encodes the step with its type tag.
func (s Step) MarshalJSON() ([]byte, error) {
	if s.Config == nil {
		return nil, fmt.Errorf("step %q has no config", s.ID)
	}
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stepJSON{
		ID:     s.ID,
		Name:   s.Name,
		Type:   s.Config.StepType(),
		Next:   s.Next,
		Config: cfg,
	})
}

// UnmarshalJSON decodes the config according to the type tag.
func (s *Step) UnmarshalJSON(data []byte) error {
	var raw stepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := DecodeStepConfig(raw.Type, raw.Config)
	if err != nil {
		return fmt.Errorf("step %q: %w", raw.ID, err)
	}
	*s = Step{ID: raw.ID, Name: raw.Name, Next: raw.Next, Config: cfg}
	return nil
}

// DecodeStepConfig decodes a JSON config for the given step type.
func DecodeStepConfig(stepType StepType, data json.RawMessage) (StepConfig, error) {
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}
	switch stepType {
	case StepTypeEmail:
		var cfg EmailConfig
		err := json.Unmarshal(data, &cfg)
		return cfg, err
	case StepTypeWait:
		var cfg WaitConfig
		err := json.Unmarshal(data, &cfg)
		return cfg, err
	case StepTypeCondition:
		var cfg ConditionConfig
		err := json.Unmarshal(data, &cfg)
		return cfg, err
	case StepTypeWebhook:
		var cfg WebhookConfig
		err := json.Unmarshal(data, &cfg)
		return cfg, err
	case StepTypeGoal:
		var cfg GoalConfig
		err := json.Unmarshal(data, &cfg)
		return cfg, err
	default:
		return nil, fmt.Errorf("unknown step type %q", stepType)
	}
}

// Operator is a condition comparison.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpGreaterThan    Operator = "greater_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessThan       Operator = "less_than"
	OpLessOrEqual    Operator = "less_or_equal"
	OpExists         Operator = "exists"
	OpNotExists      Operator = "not_exists"
	OpIn             Operator = "in"
)

// Valid reports whether the operator is known.
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpNotContains,
		OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual,
		OpExists, OpNotExists, OpIn:
		return true
	}
	return false
}

// Condition is a single field/operator/value predicate.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

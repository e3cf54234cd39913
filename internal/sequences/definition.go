// Package sequences stores, validates and loads sequence definitions.
package sequences

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/cadence/internal/models"
)

// Definition is the on-disk (YAML) form of a sequence.
type Definition struct {
	Name            string          `yaml:"name"`
	Description     string          `yaml:"description,omitempty"`
	Status          string          `yaml:"status,omitempty"`
	FirstStep       string          `yaml:"first_step,omitempty"`
	EntryConditions []ConditionSpec `yaml:"entry_conditions,omitempty"`
	Settings        SettingsSpec    `yaml:"settings,omitempty"`
	Steps           []StepSpec      `yaml:"steps"`
	Source          string          `yaml:"-"` // file path or "builtin"
}

// SettingsSpec is the YAML form of models.Settings.
type SettingsSpec struct {
	SendingDays      []string `yaml:"sending_days,omitempty"`
	SendingHours     []int    `yaml:"sending_hours,omitempty"` // [start, end)
	Timezone         string   `yaml:"timezone,omitempty"`
	StopOnReply      bool     `yaml:"stop_on_reply,omitempty"`
	StopOnConversion bool     `yaml:"stop_on_conversion,omitempty"`
}

// ConditionSpec is the YAML form of models.Condition.
type ConditionSpec struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    any    `yaml:"value,omitempty"`
}

// StepSpec is one step in YAML. Only the fields of its type are read.
type StepSpec struct {
	ID   string   `yaml:"id"`
	Name string   `yaml:"name,omitempty"`
	Type string   `yaml:"type"`
	Next NextList `yaml:"next,omitempty"`

	// email
	Template string `yaml:"template,omitempty"`

	// wait
	Duration     string `yaml:"duration,omitempty"`
	SkipWeekends bool   `yaml:"skip_weekends,omitempty"`

	// condition
	Conditions []ConditionSpec `yaml:"conditions,omitempty"`
	TrueStep   string          `yaml:"true_step,omitempty"`
	FalseStep  string          `yaml:"false_step,omitempty"`

	// webhook
	URL     string            `yaml:"url,omitempty"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Payload map[string]any    `yaml:"payload,omitempty"`

	// goal
	Goal string `yaml:"goal,omitempty"`
}

// NextList accepts either a single step id or a list of ids.
type NextList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *NextList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		*n = NextList{single}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*n = list
		return nil
	default:
		return fmt.Errorf("next must be a step id or a list of step ids")
	}
}

// ToSequence converts the definition into a model ready for validation.
// When steps omit "next", linear steps fall through to the following step.
func (d *Definition) ToSequence() (*models.Sequence, error) {
	seq := &models.Sequence{
		Name:        d.Name,
		Description: d.Description,
		Status:      models.SequenceStatus(d.Status),
		FirstStepID: d.FirstStep,
		Steps:       make(map[string]models.Step, len(d.Steps)),
	}
	if seq.Status == "" {
		seq.Status = models.SequenceStatusDraft
	}
	if seq.FirstStepID == "" && len(d.Steps) > 0 {
		seq.FirstStepID = d.Steps[0].ID
	}

	for _, c := range d.EntryConditions {
		seq.EntryConditions = append(seq.EntryConditions, c.toModel())
	}

	settings, err := d.Settings.toModel()
	if err != nil {
		return nil, err
	}
	seq.Settings = settings

	for i, spec := range d.Steps {
		step, err := spec.toModel()
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", spec.ID, err)
		}
		if step.Next == nil && i+1 < len(d.Steps) && fallsThrough(step.Type()) {
			step.Next = []string{d.Steps[i+1].ID}
		}
		if _, exists := seq.Steps[step.ID]; exists {
			return nil, fmt.Errorf("duplicate step id %q", step.ID)
		}
		seq.Steps[step.ID] = step
	}
	return seq, nil
}

func fallsThrough(t models.StepType) bool {
	return t == models.StepTypeEmail || t == models.StepTypeWait || t == models.StepTypeWebhook
}

func (c ConditionSpec) toModel() models.Condition {
	return models.Condition{
		Field:    c.Field,
		Operator: models.Operator(c.Operator),
		Value:    c.Value,
	}
}

func (s SettingsSpec) toModel() (models.Settings, error) {
	days, err := models.ParseWeekdays(s.SendingDays)
	if err != nil {
		return models.Settings{}, err
	}
	settings := models.Settings{
		SendingDays:      days,
		Timezone:         s.Timezone,
		StopOnReply:      s.StopOnReply,
		StopOnConversion: s.StopOnConversion,
	}
	switch len(s.SendingHours) {
	case 0:
	case 2:
		settings.SendingHours = models.SendingHours{Start: s.SendingHours[0], End: s.SendingHours[1]}
	default:
		return models.Settings{}, fmt.Errorf("sending_hours must be [start, end]")
	}
	return settings, nil
}

func (s StepSpec) toModel() (models.Step, error) {
	step := models.Step{ID: s.ID, Name: s.Name}
	if len(s.Next) > 0 {
		step.Next = []string(s.Next)
	}

	switch models.StepType(s.Type) {
	case models.StepTypeEmail:
		step.Config = models.EmailConfig{TemplateID: s.Template}
	case models.StepTypeWait:
		d, err := models.ParseDuration(s.Duration)
		if err != nil {
			return models.Step{}, err
		}
		step.Config = models.WaitConfig{Duration: models.Duration(d), SkipWeekends: s.SkipWeekends}
	case models.StepTypeCondition:
		cfg := models.ConditionConfig{TrueStep: s.TrueStep, FalseStep: s.FalseStep}
		for _, c := range s.Conditions {
			cfg.Conditions = append(cfg.Conditions, c.toModel())
		}
		step.Config = cfg
	case models.StepTypeWebhook:
		step.Config = models.WebhookConfig{URL: s.URL, Method: s.Method, Headers: s.Headers, Payload: s.Payload}
	case models.StepTypeGoal:
		goal := s.Goal
		if goal == "" {
			goal = s.ID
		}
		step.Config = models.GoalConfig{Name: goal}
	default:
		return models.Step{}, fmt.Errorf("unknown step type %q", s.Type)
	}
	return step, nil
}

// normalizeStep trims user input before conversion.
func normalizeStep(step *StepSpec) error {
	step.ID = strings.TrimSpace(step.ID)
	step.Type = strings.ToLower(strings.TrimSpace(step.Type))
	step.Template = strings.TrimSpace(step.Template)
	step.Duration = strings.TrimSpace(step.Duration)
	step.TrueStep = strings.TrimSpace(step.TrueStep)
	step.FalseStep = strings.TrimSpace(step.FalseStep)
	step.URL = strings.TrimSpace(step.URL)
	step.Method = strings.ToUpper(strings.TrimSpace(step.Method))
	step.Goal = strings.TrimSpace(step.Goal)
	for i := range step.Next {
		step.Next[i] = strings.TrimSpace(step.Next[i])
	}

	if step.ID == "" {
		return fmt.Errorf("step id is required")
	}

	switch models.StepType(step.Type) {
	case models.StepTypeEmail:
		if step.Template == "" {
			return fmt.Errorf("email template is required")
		}
	case models.StepTypeWait:
		if step.Duration == "" {
			return fmt.Errorf("wait duration is required")
		}
	case models.StepTypeCondition:
		if len(step.Conditions) == 0 {
			return fmt.Errorf("condition needs at least one condition")
		}
	case models.StepTypeWebhook:
		if step.URL == "" {
			return fmt.Errorf("webhook url is required")
		}
	case models.StepTypeGoal:
	default:
		return fmt.Errorf("unknown step type %q", step.Type)
	}
	return nil
}

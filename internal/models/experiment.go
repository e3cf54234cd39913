package models

import (
	"time"
)

// ExperimentStatus is the lifecycle state of an A/B test.
type ExperimentStatus string

const (
	ExperimentStatusDraft     ExperimentStatus = "draft"
	ExperimentStatusRunning   ExperimentStatus = "running"
	ExperimentStatusPaused    ExperimentStatus = "paused"
	ExperimentStatusCompleted ExperimentStatus = "completed"
)

// CanTransitionTo reports whether the experiment may move to next.
func (s ExperimentStatus) CanTransitionTo(next ExperimentStatus) bool {
	switch s {
	case ExperimentStatusDraft:
		return next == ExperimentStatusRunning
	case ExperimentStatusRunning:
		return next == ExperimentStatusPaused || next == ExperimentStatusCompleted
	case ExperimentStatusPaused:
		return next == ExperimentStatusRunning || next == ExperimentStatusCompleted
	}
	return false
}

// Metric is the statistic used to pick a leading variant.
type Metric string

const (
	MetricOpenRate       Metric = "open_rate"
	MetricClickRate      Metric = "click_rate"
	MetricConversionRate Metric = "conversion_rate"
)

// Valid reports whether the metric is known.
func (m Metric) Valid() bool {
	return m == MetricOpenRate || m == MetricClickRate || m == MetricConversionRate
}

// OutcomeType is a delivery or engagement signal.
type OutcomeType string

const (
	OutcomeSent       OutcomeType = "sent"
	OutcomeOpen       OutcomeType = "open"
	OutcomeClick      OutcomeType = "click"
	OutcomeConversion OutcomeType = "conversion"
	OutcomeReply      OutcomeType = "reply"
)

// Valid reports whether the outcome type is known.
func (o OutcomeType) Valid() bool {
	switch o {
	case OutcomeSent, OutcomeOpen, OutcomeClick, OutcomeConversion, OutcomeReply:
		return true
	}
	return false
}

// Counted reports whether experiments keep a counter for the outcome.
func (o OutcomeType) Counted() bool {
	return o.Valid() && o != OutcomeReply
}

// EngagementKey is the context field incremented for the outcome.
func (o OutcomeType) EngagementKey() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeOpen:
		return "opens"
	case OutcomeClick:
		return "clicks"
	case OutcomeConversion:
		return "conversions"
	case OutcomeReply:
		return "replies"
	}
	return string(o)
}

// VariantCounters are the per-variant outcome counts.
type VariantCounters struct {
	Sent        int64 `json:"sent"`
	Opens       int64 `json:"opens"`
	Clicks      int64 `json:"clicks"`
	Conversions int64 `json:"conversions"`
}

// Variant is one arm of an experiment.
type Variant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TemplateID string `json:"template_id"`
	Weight     int    `json:"weight"`
	IsControl  bool   `json:"is_control"`

	Counters VariantCounters `json:"counters"`
}

// Experiment is an A/B test scoped to a template or a sequence step.
type Experiment struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	TemplateID string `json:"template_id,omitempty"`
	SequenceID string `json:"sequence_id,omitempty"`
	StepID     string `json:"step_id,omitempty"`

	Status            ExperimentStatus `json:"status"`
	Variants          []Variant        `json:"variants"`
	PrimaryMetric     Metric           `json:"primary_metric"`
	TrafficAllocation int              `json:"traffic_allocation"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Control returns the control variant.
func (e *Experiment) Control() Variant {
	for _, v := range e.Variants {
		if v.IsControl {
			return v
		}
	}
	if len(e.Variants) > 0 {
		return e.Variants[0]
	}
	return Variant{}
}

// Variant returns the variant with the given id.
func (e *Experiment) Variant(id string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// StepScoped reports whether the experiment targets a sequence step.
func (e *Experiment) StepScoped() bool {
	return e.SequenceID != "" && e.StepID != ""
}

// VariantResult is a variant with descriptive rates.
type VariantResult struct {
	Variant
	OpenRate       float64 `json:"open_rate"`
	ClickRate      float64 `json:"click_rate"`
	ConversionRate float64 `json:"conversion_rate"`
}

// Rate returns the value of the given metric.
func (r VariantResult) Rate(m Metric) float64 {
	switch m {
	case MetricClickRate:
		return r.ClickRate
	case MetricConversionRate:
		return r.ConversionRate
	default:
		return r.OpenRate
	}
}

// ExperimentResults is a read-only report of an experiment.
type ExperimentResults struct {
	ExperimentID  string           `json:"experiment_id"`
	Name          string           `json:"name"`
	Status        ExperimentStatus `json:"status"`
	PrimaryMetric Metric           `json:"primary_metric"`
	Variants      []VariantResult  `json:"variants"`

	// LeaderID is empty when nothing has been sent yet.
	LeaderID string `json:"leader_id,omitempty"`
}

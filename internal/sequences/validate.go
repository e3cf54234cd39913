package sequences

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/opencode-ai/cadence/internal/models"
)

var webhookMethods = map[string]bool{
	"":       true,
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

// Validate checks a definition's graph, step configs and settings. The
// returned error is a *models.InvalidSequenceError naming the offending step.
func Validate(seq *models.Sequence) error {
	if seq == nil {
		return invalid("", "sequence is required")
	}
	if strings.TrimSpace(seq.Name) == "" {
		return invalid("", "name is required")
	}
	if seq.Status != "" && !seq.Status.Valid() {
		return invalid("", fmt.Sprintf("unknown status %q", seq.Status))
	}
	if len(seq.Steps) == 0 {
		return invalid("", "at least one step is required")
	}
	if _, ok := seq.Steps[seq.FirstStepID]; !ok {
		return invalid(seq.FirstStepID, "first step does not exist")
	}
	if err := validateConditions("", seq.EntryConditions); err != nil {
		return err
	}
	if err := validateSettings(seq.Settings); err != nil {
		return err
	}

	// Deterministic error reporting regardless of map order.
	ids := make([]string, 0, len(seq.Steps))
	for id := range seq.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		step := seq.Steps[id]
		if step.ID != id {
			return invalid(id, fmt.Sprintf("step id %q does not match its key", step.ID))
		}
		if err := validateStep(step); err != nil {
			return err
		}
		for _, target := range step.Targets() {
			if _, ok := seq.Steps[target]; !ok {
				return invalid(id, fmt.Sprintf("successor %q does not exist", target))
			}
		}
	}

	return validateCycles(seq, ids)
}

func validateStep(step models.Step) error {
	switch cfg := step.Config.(type) {
	case models.EmailConfig:
		if strings.TrimSpace(cfg.TemplateID) == "" {
			return invalid(step.ID, "email step requires a template id")
		}
	case models.WaitConfig:
		if cfg.Duration < 0 {
			return invalid(step.ID, "wait duration must not be negative")
		}
	case models.ConditionConfig:
		if len(cfg.Conditions) == 0 {
			return invalid(step.ID, "condition step requires at least one condition")
		}
		if len(step.Next) > 0 {
			return invalid(step.ID, "condition step branches via true_step/false_step, not next")
		}
		if err := validateConditions(step.ID, cfg.Conditions); err != nil {
			return err
		}
	case models.WebhookConfig:
		u, err := url.Parse(cfg.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return invalid(step.ID, fmt.Sprintf("webhook url %q must be an absolute http(s) url", cfg.URL))
		}
		if !webhookMethods[strings.ToUpper(cfg.Method)] {
			return invalid(step.ID, fmt.Sprintf("unsupported webhook method %q", cfg.Method))
		}
	case models.GoalConfig:
		if strings.TrimSpace(cfg.Name) == "" {
			return invalid(step.ID, "goal step requires a name")
		}
		if len(step.Next) > 0 {
			return invalid(step.ID, "goal step cannot have successors")
		}
	case nil:
		return invalid(step.ID, "step config is required")
	default:
		return invalid(step.ID, fmt.Sprintf("unsupported step config %T", cfg))
	}

	if len(step.Next) > 1 {
		return invalid(step.ID, "linear steps have at most one successor")
	}
	return nil
}

func validateConditions(stepID string, conditions []models.Condition) error {
	for i, c := range conditions {
		if strings.TrimSpace(c.Field) == "" {
			return invalid(stepID, fmt.Sprintf("condition %d: field is required", i+1))
		}
		if !c.Operator.Valid() {
			return invalid(stepID, fmt.Sprintf("condition %d: unknown operator %q", i+1, c.Operator))
		}
	}
	return nil
}

func validateSettings(s models.Settings) error {
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return invalid("", fmt.Sprintf("unknown timezone %q", s.Timezone))
		}
	}
	for _, d := range s.SendingDays {
		if d < time.Sunday || d > time.Saturday {
			return invalid("", fmt.Sprintf("invalid sending day %d", d))
		}
	}
	h := s.SendingHours
	if !h.IsZero() {
		if h.Start < 0 || h.Start > 23 || h.End < 1 || h.End > 24 || h.Start >= h.End {
			return invalid("", fmt.Sprintf("sending hours [%d, %d) must satisfy 0 <= start < end <= 24", h.Start, h.End))
		}
	}
	return nil
}

// validateCycles rejects cycles that can be traversed without passing a
// wait step with a positive duration.
func validateCycles(seq *models.Sequence, ids []string) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(ids))

	var visit func(id string) string
	visit = func(id string) string {
		state[id] = visiting
		step := seq.Steps[id]
		if wait, ok := step.Config.(models.WaitConfig); ok && wait.Duration > 0 {
			state[id] = done
			return ""
		}
		for _, target := range step.Targets() {
			switch state[target] {
			case visiting:
				return target
			case unvisited:
				if found := visit(target); found != "" {
					return found
				}
			}
		}
		state[id] = done
		return ""
	}

	for _, id := range ids {
		if state[id] != unvisited {
			continue
		}
		if found := visit(id); found != "" {
			return invalid(found, "cycle does not pass through a wait step with a positive duration")
		}
	}
	return nil
}

func invalid(stepID, reason string) error {
	return &models.InvalidSequenceError{StepID: stepID, Reason: reason}
}

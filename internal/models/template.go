package models

import (
	"strings"
	"time"
)

// TemplateSource records where a template came from.
type TemplateSource string

const (
	TemplateSourceBuiltin TemplateSource = "builtin"
	TemplateSourceFile    TemplateSource = "file"
	TemplateSourceAPI     TemplateSource = "api"
	TemplateSourceVariant TemplateSource = "variant"
)

// TemplateVariable documents one placeholder used by a template.
type TemplateVariable struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Default     string `json:"default,omitempty" yaml:"default,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// Template is message content referenced by email steps.
type Template struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Subject   string             `json:"subject"`
	Body      string             `json:"body"`
	Variables []TemplateVariable `json:"variables,omitempty"`
	Tags      []string           `json:"tags,omitempty"`
	Source    TemplateSource     `json:"source,omitempty"`

	// BaseID links experiment variant templates to their base.
	BaseID string `json:"base_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks required template fields.
func (t *Template) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(t.ID) == "" {
		validation.AddMessage("id", "template id is required")
	}
	if strings.TrimSpace(t.Body) == "" {
		validation.AddMessage("body", "template body is required")
	}
	seen := make(map[string]struct{}, len(t.Variables))
	for _, v := range t.Variables {
		name := strings.TrimSpace(v.Name)
		if name == "" {
			validation.AddMessage("variables", "variable name is required")
			continue
		}
		if _, ok := seen[name]; ok {
			validation.AddMessage("variables", "duplicate variable "+name)
		}
		seen[name] = struct{}{}
	}
	return validation.Err()
}

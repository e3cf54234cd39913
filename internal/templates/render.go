package templates

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/opencode-ai/cadence/internal/models"
)

// Rendered is a previewed template.
type Rendered struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// RenderTemplate renders a template's subject and body with the provided
// variables. Missing optional variables render empty or use their default.
func RenderTemplate(tmpl *models.Template, vars map[string]string) (*Rendered, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("template is required")
	}

	data := make(map[string]string, len(vars))
	for key, value := range vars {
		data[key] = value
	}

	for _, variable := range tmpl.Variables {
		value := strings.TrimSpace(data[variable.Name])
		if value == "" {
			if variable.Default != "" {
				data[variable.Name] = variable.Default
				continue
			}
			if variable.Required {
				return nil, fmt.Errorf("missing required variable %q", variable.Name)
			}
		}
	}

	subject, err := execute(tmpl.ID+".subject", tmpl.Subject, data)
	if err != nil {
		return nil, err
	}
	body, err := execute(tmpl.ID+".body", tmpl.Body, data)
	if err != nil {
		return nil, err
	}
	return &Rendered{Subject: subject, Body: body}, nil
}

func execute(name, text string, data map[string]string) (string, error) {
	parsed, err := template.New(name).
		Funcs(template.FuncMap{"default": defaultValue}).
		Option("missingkey=zero").
		Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template %q: %w", name, err)
	}

	var out strings.Builder
	if err := parsed.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render template %q: %w", name, err)
	}
	return out.String(), nil
}

func defaultValue(def string, value any) string {
	if value == nil {
		return def
	}

	switch v := value.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return def
		}
		return v
	default:
		text := strings.TrimSpace(fmt.Sprint(v))
		if text == "" {
			return def
		}
		return text
	}
}

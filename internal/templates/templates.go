// Package templates provides the template registry: message templates,
// their YAML loading and experiment-aware resolution.
package templates

import (
	"fmt"
	"strings"

	"github.com/opencode-ai/cadence/internal/models"
)

// File is the on-disk (YAML) form of a template.
type File struct {
	ID        string        `yaml:"id"`
	Name      string        `yaml:"name"`
	Subject   string        `yaml:"subject"`
	Body      string        `yaml:"body"`
	Variables []TemplateVar `yaml:"variables,omitempty"`
	Tags      []string      `yaml:"tags,omitempty"`
	Source    string        `yaml:"-"` // file path or "builtin"
}

// TemplateVar describes a variable used in a template.
type TemplateVar struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Default     string `yaml:"default,omitempty"`
	Required    bool   `yaml:"required"`
}

// ToModel converts the file into a registry template.
func (f *File) ToModel() *models.Template {
	source := models.TemplateSourceFile
	if f.Source == string(models.TemplateSourceBuiltin) {
		source = models.TemplateSourceBuiltin
	}
	tmpl := &models.Template{
		ID:      f.ID,
		Name:    f.Name,
		Subject: f.Subject,
		Body:    f.Body,
		Tags:    append([]string(nil), f.Tags...),
		Source:  source,
	}
	for _, v := range f.Variables {
		tmpl.Variables = append(tmpl.Variables, models.TemplateVariable{
			Name:        v.Name,
			Description: v.Description,
			Default:     v.Default,
			Required:    v.Required,
		})
	}
	return tmpl
}

func normalizeFile(f *File) error {
	f.ID = strings.TrimSpace(f.ID)
	f.Name = strings.TrimSpace(f.Name)
	f.Subject = strings.TrimSpace(f.Subject)
	if f.ID == "" {
		f.ID = f.Name
	}
	if f.ID == "" {
		return fmt.Errorf("template id is required")
	}
	if f.Name == "" {
		f.Name = f.ID
	}
	if strings.TrimSpace(f.Body) == "" {
		return fmt.Errorf("template body is required")
	}
	for i := range f.Variables {
		f.Variables[i].Name = strings.TrimSpace(f.Variables[i].Name)
		if f.Variables[i].Name == "" {
			return fmt.Errorf("variable %d: name is required", i+1)
		}
	}
	return nil
}

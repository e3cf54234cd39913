package templates

import (
	"os"
	"path/filepath"
)

// TemplateSearchPaths returns template search directories in precedence order.
func TemplateSearchPaths(projectDir string) []string {
	paths := make([]string, 0, 3)
	if projectDir != "" {
		paths = append(paths, filepath.Join(projectDir, ".cadence", "templates"))
	}

	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "cadence", "templates"))
	}

	paths = append(paths, filepath.Join(string(filepath.Separator), "usr", "share", "cadence", "templates"))
	return paths
}

// LoadTemplatesFromSearchPaths loads templates from search paths with
// first-hit precedence by id, then the built-ins.
func LoadTemplatesFromSearchPaths(projectDir string) ([]*File, error) {
	paths := TemplateSearchPaths(projectDir)
	seen := make(map[string]*File)
	order := make([]string, 0)

	for _, path := range paths {
		templates, err := LoadTemplatesFromDir(path)
		if err != nil {
			return nil, err
		}
		for _, tmpl := range templates {
			if _, exists := seen[tmpl.ID]; exists {
				continue
			}
			seen[tmpl.ID] = tmpl
			order = append(order, tmpl.ID)
		}
	}

	builtins, err := LoadBuiltinTemplates()
	if err != nil {
		return nil, err
	}
	for _, tmpl := range builtins {
		if _, exists := seen[tmpl.ID]; exists {
			continue
		}
		seen[tmpl.ID] = tmpl
		order = append(order, tmpl.ID)
	}

	resolved := make([]*File, 0, len(order))
	for _, name := range order {
		resolved = append(resolved, seen[name])
	}

	return resolved, nil
}

package sequences

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadSequence reads a single sequence definition from disk.
func LoadSequence(path string) (*Definition, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sequence path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sequence %s: %w", path, err)
	}

	def, err := parseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("parse sequence %s: %w", path, err)
	}
	def.Source = path
	return def, nil
}

// LoadSequencesFromDir loads all sequence definitions from a directory.
func LoadSequencesFromDir(dir string) ([]*Definition, error) {
	if strings.TrimSpace(dir) == "" {
		return []*Definition{}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Definition{}, nil
		}
		return nil, fmt.Errorf("read sequences dir %s: %w", dir, err)
	}

	defs := make([]*Definition, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := LoadSequence(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Name < defs[j].Name
	})

	return defs, nil
}

// ParseDefinition decodes a YAML definition from memory.
func ParseDefinition(data []byte) (*Definition, error) {
	return parseDefinition(data)
}

func parseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, err
	}

	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return nil, fmt.Errorf("sequence name is required")
	}
	def.Description = strings.TrimSpace(def.Description)
	def.Status = strings.ToLower(strings.TrimSpace(def.Status))
	def.FirstStep = strings.TrimSpace(def.FirstStep)

	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("sequence steps are required")
	}

	for i := range def.Steps {
		if err := normalizeStep(&def.Steps[i]); err != nil {
			return nil, fmt.Errorf("sequence step %d: %w", i+1, err)
		}
	}

	return &def, nil
}

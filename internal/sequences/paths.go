package sequences

import (
	"os"
	"path/filepath"
)

// SequenceSearchPaths returns sequence search directories in precedence order.
func SequenceSearchPaths(projectDir string) []string {
	paths := make([]string, 0, 3)
	if projectDir != "" {
		paths = append(paths, filepath.Join(projectDir, ".cadence", "sequences"))
	}

	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "cadence", "sequences"))
	}

	paths = append(paths, filepath.Join(string(filepath.Separator), "usr", "share", "cadence", "sequences"))
	return paths
}

// LoadSequencesFromSearchPaths loads definitions from search paths with
// first-hit precedence by name, then the built-ins.
func LoadSequencesFromSearchPaths(projectDir string) ([]*Definition, error) {
	paths := SequenceSearchPaths(projectDir)
	seen := make(map[string]*Definition)
	order := make([]string, 0)

	for _, path := range paths {
		defs, err := LoadSequencesFromDir(path)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if _, exists := seen[def.Name]; exists {
				continue
			}
			seen[def.Name] = def
			order = append(order, def.Name)
		}
	}

	builtins, err := LoadBuiltinSequences()
	if err != nil {
		return nil, err
	}
	for _, def := range builtins {
		if _, exists := seen[def.Name]; exists {
			continue
		}
		seen[def.Name] = def
		order = append(order, def.Name)
	}

	resolved := make([]*Definition, 0, len(order))
	for _, name := range order {
		resolved = append(resolved, seen[name])
	}

	return resolved, nil
}

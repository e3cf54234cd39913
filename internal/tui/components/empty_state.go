// Package components provides reusable dashboard components.
package components

import (
	"fmt"
	"strings"

	"github.com/opencode-ai/cadence/internal/tui/styles"
)

// EmptyState represents an empty state message with optional suggestions.
type EmptyState struct {
	Title    string
	Subtitle string
	// Suggestions are commands the user can run to populate the view.
	Suggestions []Suggestion
}

// Suggestion represents a suggested command with description.
type Suggestion struct {
	Command     string
	Description string
}

// Render renders the empty state with the given styles.
func (e EmptyState) Render(styleSet styles.Styles) string {
	lines := []string{styleSet.Muted.Render(e.Title)}
	if e.Subtitle != "" {
		lines = append(lines, styleSet.Muted.Render(e.Subtitle))
	}
	for _, s := range e.Suggestions {
		line := "  " + styleSet.Accent.Render(s.Command)
		if s.Description != "" {
			line += styleSet.Muted.Render(fmt.Sprintf("  # %s", s.Description))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// EmptyExperiments is shown when no experiment is running.
func EmptyExperiments() EmptyState {
	return EmptyState{
		Title: "No running experiments",
		Suggestions: []Suggestion{
			{Command: "cadence template test <base> --variant a:50::control --variant b:50:<template>", Description: "start an A/B test"},
		},
	}
}

// DaemonUnreachable is shown when the last status poll failed.
func DaemonUnreachable(err error) EmptyState {
	return EmptyState{
		Title:    "Daemon unreachable",
		Subtitle: err.Error(),
		Suggestions: []Suggestion{
			{Command: "cadence serve", Description: "start the daemon"},
		},
	}
}

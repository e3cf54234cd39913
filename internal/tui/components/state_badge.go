package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/tui/styles"
)

// RenderExperimentBadge renders an experiment status with icon and color.
func RenderExperimentBadge(styleSet styles.Styles, status models.ExperimentStatus) string {
	icon, label, style := experimentDescriptor(styleSet, status)
	return style.Render(fmt.Sprintf("%s %s", icon, label))
}

// RenderSchedulerBadge renders the scheduler's run state.
func RenderSchedulerBadge(styleSet styles.Styles, running, paused bool) string {
	switch {
	case running && paused:
		return styleSet.StatusPaused.Render("P Paused")
	case running:
		return styleSet.StatusRunning.Render("> Running")
	default:
		return styleSet.StatusStopped.Render("- Stopped")
	}
}

// RenderHealthBadge renders a health check value such as "ok" or an error.
func RenderHealthBadge(styleSet styles.Styles, value string) string {
	if value == "ok" {
		return styleSet.Success.Render("OK")
	}
	return styleSet.StatusError.Render("ERR " + value)
}

func experimentDescriptor(styleSet styles.Styles, status models.ExperimentStatus) (string, string, lipgloss.Style) {
	switch status {
	case models.ExperimentStatusRunning:
		return ">", "Running", styleSet.StatusRunning
	case models.ExperimentStatusPaused:
		return "P", "Paused", styleSet.StatusPaused
	case models.ExperimentStatusCompleted:
		return "OK", "Completed", styleSet.StatusCompleted
	case models.ExperimentStatusDraft:
		return "~", "Draft", styleSet.StatusDraft
	default:
		return "-", normalizeStatusLabel(string(status)), styleSet.Muted
	}
}

func normalizeStatusLabel(status string) string {
	value := strings.TrimSpace(strings.ReplaceAll(status, "_", " "))
	if value == "" {
		return "Unknown"
	}
	return strings.ToUpper(value[:1]) + value[1:]
}

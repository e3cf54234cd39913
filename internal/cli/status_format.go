package cli

import (
	"fmt"
	"strings"

	"github.com/opencode-ai/cadence/internal/models"
)

func formatSequenceStatus(status models.SequenceStatus) string {
	label, color := statusLabelForSequence(status)
	return colorize(formatStatusLabel(label, string(status)), color)
}

func formatEnrollmentStatus(status models.EnrollmentStatus) string {
	label, color := statusLabelForEnrollment(status)
	return colorize(formatStatusLabel(label, string(status)), color)
}

func formatExperimentStatus(status models.ExperimentStatus) string {
	label, color := statusLabelForExperiment(status)
	return colorize(formatStatusLabel(label, string(status)), color)
}

func statusLabelForSequence(status models.SequenceStatus) (string, string) {
	switch status {
	case models.SequenceStatusActive:
		return "OK", colorGreen
	case models.SequenceStatusPaused:
		return "WAIT", colorYellow
	case models.SequenceStatusArchived:
		return "OFF", colorGray
	default:
		return "DRAFT", colorCyan
	}
}

func statusLabelForEnrollment(status models.EnrollmentStatus) (string, string) {
	switch status {
	case models.EnrollmentStatusActive:
		return "BUSY", colorCyan
	case models.EnrollmentStatusCompleted:
		return "OK", colorGreen
	case models.EnrollmentStatusStopped:
		return "STOP", colorMagenta
	case models.EnrollmentStatusFailed:
		return "ERR", colorRed
	default:
		return "WARN", colorYellow
	}
}

func statusLabelForExperiment(status models.ExperimentStatus) (string, string) {
	switch status {
	case models.ExperimentStatusRunning:
		return "LIVE", colorGreen
	case models.ExperimentStatusPaused:
		return "WAIT", colorYellow
	case models.ExperimentStatusCompleted:
		return "DONE", colorGray
	default:
		return "DRAFT", colorCyan
	}
}

func formatStatusLabel(label, status string) string {
	normalized := strings.TrimSpace(status)
	if normalized != "" {
		normalized = strings.ReplaceAll(normalized, "_", " ")
	}
	if normalized == "" {
		return label
	}
	return fmt.Sprintf("%s %s", label, normalized)
}

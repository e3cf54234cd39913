package components

import (
	"errors"
	"strings"
	"testing"

	"github.com/opencode-ai/cadence/internal/models"
	"github.com/opencode-ai/cadence/internal/tui/styles"
)

func TestRenderExperimentBadge(t *testing.T) {
	styleSet := styles.DefaultStyles()

	tests := []struct {
		status models.ExperimentStatus
		want   string
	}{
		{models.ExperimentStatusRunning, "Running"},
		{models.ExperimentStatusPaused, "Paused"},
		{models.ExperimentStatusCompleted, "Completed"},
		{models.ExperimentStatusDraft, "Draft"},
		{models.ExperimentStatus("rolled_back"), "Rolled back"},
		{models.ExperimentStatus(""), "Unknown"},
	}
	for _, tt := range tests {
		if got := RenderExperimentBadge(styleSet, tt.status); !strings.Contains(got, tt.want) {
			t.Errorf("badge for %q = %q, want it to contain %q", tt.status, got, tt.want)
		}
	}
}

func TestRenderSchedulerBadge(t *testing.T) {
	styleSet := styles.DefaultStyles()
	if got := RenderSchedulerBadge(styleSet, true, true); !strings.Contains(got, "Paused") {
		t.Errorf("paused badge = %q", got)
	}
	if got := RenderSchedulerBadge(styleSet, true, false); !strings.Contains(got, "Running") {
		t.Errorf("running badge = %q", got)
	}
	if got := RenderSchedulerBadge(styleSet, false, false); !strings.Contains(got, "Stopped") {
		t.Errorf("stopped badge = %q", got)
	}
}

func TestEmptyStateRender(t *testing.T) {
	styleSet := styles.DefaultStyles()

	out := DaemonUnreachable(errors.New("connection refused")).Render(styleSet)
	for _, want := range []string{"Daemon unreachable", "connection refused", "cadence serve", "start the daemon"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}

	out = EmptyState{Title: "Nothing"}.Render(styleSet)
	if strings.Contains(out, "\n") {
		t.Errorf("title-only state should be one line, got %q", out)
	}
}

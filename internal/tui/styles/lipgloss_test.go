package styles

import "testing"

func TestStylesForKnownTheme(t *testing.T) {
	s := StylesFor("high-contrast")
	if s.Theme.Name != "high-contrast" {
		t.Errorf("theme = %q, want high-contrast", s.Theme.Name)
	}
}

func TestStylesForUnknownThemeFallsBack(t *testing.T) {
	s := StylesFor("solarized")
	if s.Theme.Name != DefaultTheme.Name {
		t.Errorf("theme = %q, want %q", s.Theme.Name, DefaultTheme.Name)
	}
}

func TestEveryThemeFillsEveryRole(t *testing.T) {
	for name, theme := range Themes {
		tk := theme.Tokens
		roles := map[string]string{
			"text": tk.Text, "muted": tk.TextMuted, "heading": tk.Heading, "accent": tk.Accent,
			"running": tk.Running, "paused": tk.Paused, "draft": tk.Draft, "completed": tk.Completed,
			"healthy": tk.Healthy, "degraded": tk.Degraded, "failed": tk.Failed,
		}
		for role, color := range roles {
			if len(color) != 7 || color[0] != '#' {
				t.Errorf("theme %s role %s has color %q, want #RRGGBB", name, role, color)
			}
		}
		if tk.Running == tk.Failed || tk.Paused == tk.Failed {
			t.Errorf("theme %s must tell running and paused apart from failed", name)
		}
	}
}

package styles

import "github.com/charmbracelet/lipgloss"

// Styles contains lipgloss styles derived from theme tokens.
type Styles struct {
	Theme  Theme
	Title  lipgloss.Style
	Text   lipgloss.Style
	Muted  lipgloss.Style
	Accent lipgloss.Style

	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style

	StatusRunning   lipgloss.Style
	StatusPaused    lipgloss.Style
	StatusDraft     lipgloss.Style
	StatusCompleted lipgloss.Style
	StatusStopped   lipgloss.Style
	StatusError     lipgloss.Style
}

// DefaultStyles builds styles from the default theme.
func DefaultStyles() Styles {
	return BuildStyles(DefaultTheme)
}

// StylesFor builds styles for a named theme, falling back to the default.
func StylesFor(name string) Styles {
	if theme, ok := Themes[name]; ok {
		return BuildStyles(theme)
	}
	return DefaultStyles()
}

// BuildStyles converts theme tokens into lipgloss styles.
func BuildStyles(theme Theme) Styles {
	tokens := theme.Tokens
	fg := func(color string) lipgloss.Style {
		return lipgloss.NewStyle().Foreground(lipgloss.Color(color))
	}

	return Styles{
		Theme:  theme,
		Title:  fg(tokens.Heading).Bold(true),
		Text:   fg(tokens.Text),
		Muted:  fg(tokens.TextMuted),
		Accent: fg(tokens.Accent).Bold(true),

		Success: fg(tokens.Healthy),
		Warning: fg(tokens.Degraded),
		Error:   fg(tokens.Failed).Bold(true),

		StatusRunning:   fg(tokens.Running),
		StatusPaused:    fg(tokens.Paused),
		StatusDraft:     fg(tokens.Draft),
		StatusCompleted: fg(tokens.Completed),
		StatusStopped:   fg(tokens.TextMuted),
		StatusError:     fg(tokens.Failed),
	}
}

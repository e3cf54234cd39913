package styles

// ThemeTokens maps dashboard roles to colors. Lifecycle roles color
// scheduler, experiment and health badges.
type ThemeTokens struct {
	Text      string
	TextMuted string
	Heading   string
	Accent    string

	// Lifecycle.
	Running   string
	Paused    string
	Draft     string
	Completed string

	// Health and counters.
	Healthy  string
	Degraded string
	Failed   string
}

// Theme bundles a palette with a name.
type Theme struct {
	Name   string
	Tokens ThemeTokens
}

// Themes lists available palettes by name.
var Themes = map[string]Theme{
	"default":       DefaultTheme,
	"high-contrast": HighContrastTheme,
}

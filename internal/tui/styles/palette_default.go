package styles

// DefaultTheme suits dark terminals.
var DefaultTheme = Theme{
	Name: "default",
	Tokens: ThemeTokens{
		Text:      "#D8DEE9",
		TextMuted: "#7B8794",
		Heading:   "#ECEFF4",
		Accent:    "#88C0D0",
		Running:   "#A3BE8C",
		Paused:    "#EBCB8B",
		Draft:     "#7B8794",
		Completed: "#81A1C1",
		Healthy:   "#A3BE8C",
		Degraded:  "#D08770",
		Failed:    "#BF616A",
	},
}

package styles

// HighContrastTheme uses saturated colors for low-contrast terminals.
var HighContrastTheme = Theme{
	Name: "high-contrast",
	Tokens: ThemeTokens{
		Text:      "#FFFFFF",
		TextMuted: "#BDBDBD",
		Heading:   "#FFFFFF",
		Accent:    "#00E5FF",
		Running:   "#00FF66",
		Paused:    "#FFD000",
		Draft:     "#BDBDBD",
		Completed: "#40A0FF",
		Healthy:   "#00FF66",
		Degraded:  "#FF9900",
		Failed:    "#FF3333",
	},
}

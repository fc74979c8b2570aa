// Package theme holds the dashboard color palette.
package theme

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme is a set of named colors.
type Theme struct {
	Text     lipgloss.Color
	Subtext  lipgloss.Color
	Surface0 lipgloss.Color
	Surface1 lipgloss.Color
	Surface2 lipgloss.Color
	Primary  lipgloss.Color
	Pink     lipgloss.Color
	Green    lipgloss.Color
	Yellow   lipgloss.Color
	Red      lipgloss.Color
	Blue     lipgloss.Color
}

// Mocha is the default dark palette.
var Mocha = Theme{
	Text:     "#cdd6f4",
	Subtext:  "#a6adc8",
	Surface0: "#313244",
	Surface1: "#45475a",
	Surface2: "#585b70",
	Primary:  "#89b4fa",
	Pink:     "#f5c2e7",
	Green:    "#a6e3a1",
	Yellow:   "#f9e2af",
	Red:      "#f38ba8",
	Blue:     "#74c7ec",
}

// Latte is the light palette.
var Latte = Theme{
	Text:     "#4c4f69",
	Subtext:  "#6c6f85",
	Surface0: "#ccd0da",
	Surface1: "#bcc0cc",
	Surface2: "#acb0be",
	Primary:  "#1e66f5",
	Pink:     "#ea76cb",
	Green:    "#40a02b",
	Yellow:   "#df8e1d",
	Red:      "#d20f39",
	Blue:     "#04a5e5",
}

// Plain has no colors.
var Plain = Theme{}

// Current returns the palette selected by QGOV_THEME. NO_COLOR wins.
func Current() Theme {
	if os.Getenv("NO_COLOR") != "" {
		return Plain
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("QGOV_THEME"))) {
	case "latte", "light":
		return Latte
	case "plain", "none":
		return Plain
	default:
		return Mocha
	}
}

// Level picks a color for a utilization percentage.
func (t Theme) Level(pct float64) lipgloss.Color {
	switch {
	case pct >= 90:
		return t.Red
	case pct >= 70:
		return t.Yellow
	default:
		return t.Green
	}
}

package output

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette.
var (
	ColorGood  = lipgloss.Color("#a6e3a1")
	ColorWarn  = lipgloss.Color("#f9e2af")
	ColorBad   = lipgloss.Color("#f38ba8")
	ColorMuted = lipgloss.Color("#6c7086")
	ColorTitle = lipgloss.Color("#89b4fa")
)

// Styles are the text-mode styles bound to one renderer.
type Styles struct {
	Title  lipgloss.Style
	Header lipgloss.Style
	Muted  lipgloss.Style
	Good   lipgloss.Style
	Warn   lipgloss.Style
	Bad    lipgloss.Style
	Border lipgloss.Style
}

// NewStyles builds the styles for r.
func NewStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		Title:  r.NewStyle().Bold(true).Foreground(ColorTitle),
		Header: r.NewStyle().Bold(true),
		Muted:  r.NewStyle().Foreground(ColorMuted),
		Good:   r.NewStyle().Foreground(ColorGood),
		Warn:   r.NewStyle().Foreground(ColorWarn),
		Bad:    r.NewStyle().Foreground(ColorBad).Bold(true),
		Border: r.NewStyle().Foreground(ColorMuted),
	}
}

// Status renders a key status word in its color.
func (s Styles) Status(status string) string {
	switch status {
	case "active":
		return s.Good.Render(status)
	case "exhausted", "expired":
		return s.Warn.Render(status)
	case "invalid", "tombstone":
		return s.Bad.Render(status)
	default:
		return status
	}
}

// Level picks a style for a utilization percentage.
func (s Styles) Level(pct float64) lipgloss.Style {
	switch {
	case pct >= 90:
		return s.Bad
	case pct >= 70:
		return s.Warn
	default:
		return s.Good
	}
}

// Bar renders pct (0-100) as a fixed-width bar followed by the value.
func (s Styles) Bar(pct float64, width int) string {
	if width <= 0 {
		width = 10
	}
	p := pct
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	filled := int(p / 100 * float64(width))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return s.Level(pct).Render(bar) + fmt.Sprintf(" %5.1f%%", pct)
}

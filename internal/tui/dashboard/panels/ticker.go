package panels

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/Dicklesworthstone/qgov/internal/governor"
	"github.com/Dicklesworthstone/qgov/internal/tui/theme"
)

// TickerData holds the data displayed in the ticker
type TickerData struct {
	// Pool
	TotalKeys int
	LiveKeys  int
	ActiveKey string

	// Governor
	Factor     float64
	Direction  governor.Direction
	Overdrive  bool
	Constraint governor.Metric

	// Collection
	LastSnapshot time.Time
	Now          time.Time
	Err          string
}

// TickerPanel displays a one-line status bar at the bottom of the dashboard
type TickerPanel struct {
	width   int
	focused bool
	data    TickerData
}

// NewTickerPanel creates a new ticker panel
func NewTickerPanel() *TickerPanel {
	return &TickerPanel{}
}

// Init implements tea.Model
func (m *TickerPanel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model
func (m *TickerPanel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	return m, nil
}

// SetSize sets the panel width. The ticker is always one line.
func (m *TickerPanel) SetSize(width, _ int) {
	m.width = width
}

func (m *TickerPanel) Focus() { m.focused = true }
func (m *TickerPanel) Blur()  { m.focused = false }

// SetData updates the panel data
func (m *TickerPanel) SetData(data TickerData) {
	m.data = data
}

// View renders the panel
func (m *TickerPanel) View() string {
	t := theme.Current()

	if m.width <= 0 {
		return ""
	}

	separator := lipgloss.NewStyle().
		Foreground(t.Surface2).
		Render(" | ")
	text := " " + strings.Join(m.buildSegments(t), separator)
	text = ansi.Truncate(text, m.width, "…")

	return lipgloss.NewStyle().
		Width(m.width).
		Background(t.Surface0).
		Foreground(t.Text).
		Render(text)
}

// buildSegments creates the ticker content segments
func (m *TickerPanel) buildSegments(t theme.Theme) []string {
	segments := []string{
		m.buildPoolSegment(t),
		m.buildGovernorSegment(t),
		m.buildPollSegment(t),
	}
	if m.data.Err != "" {
		segments = append(segments, lipgloss.NewStyle().Foreground(t.Red).Render(m.data.Err))
	}
	return segments
}

func (m *TickerPanel) buildPoolSegment(t theme.Theme) string {
	label := lipgloss.NewStyle().Foreground(t.Blue).Bold(true).Render("Keys")

	color := t.Green
	switch {
	case m.data.LiveKeys == 0:
		color = t.Red
	case m.data.LiveKeys < m.data.TotalKeys:
		color = t.Yellow
	}
	counts := lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf("%d/%d live", m.data.LiveKeys, m.data.TotalKeys))

	active := m.data.ActiveKey
	if active == "" {
		active = "none"
	}
	return label + ": " + counts + " " + lipgloss.NewStyle().Foreground(t.Subtext).Render("active "+active)
}

func (m *TickerPanel) buildGovernorSegment(t theme.Theme) string {
	label := lipgloss.NewStyle().Foreground(t.Pink).Bold(true).Render("Factor")

	factor := m.data.Factor
	if factor <= 0 {
		factor = 1
	}
	value := fmt.Sprintf("%.2f %s", factor, DirectionArrow(m.data.Direction))
	color := t.Text
	switch {
	case m.data.Overdrive:
		color = t.Pink
		value += " overdrive"
	case factor < 1:
		color = t.Yellow
	}
	s := label + ": " + lipgloss.NewStyle().Foreground(color).Render(value)
	if m.data.Constraint != "" {
		s += " " + lipgloss.NewStyle().Foreground(t.Subtext).Render("("+string(m.data.Constraint)+")")
	}
	return s
}

func (m *TickerPanel) buildPollSegment(t theme.Theme) string {
	label := lipgloss.NewStyle().Foreground(t.Green).Bold(true).Render("Poll")
	age := ago(m.data.Now, m.data.LastSnapshot)
	if age == "" {
		return label + ": " + lipgloss.NewStyle().Foreground(t.Subtext).Italic(true).Render("never")
	}
	return label + ": " + lipgloss.NewStyle().Foreground(t.Text).Render(age)
}

// DirectionArrow renders a governor direction as an arrow.
func DirectionArrow(d governor.Direction) string {
	switch d {
	case governor.DirectionUp, governor.DirectionRestored:
		return "↑"
	case governor.DirectionDown, governor.DirectionRecovery:
		return "↓"
	case governor.DirectionOverdrive:
		return "⇈"
	default:
		return "→"
	}
}

// GetHeight returns the preferred height for the ticker (single line)
func (m *TickerPanel) GetHeight() int {
	return 1
}

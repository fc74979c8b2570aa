package panels

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Dicklesworthstone/qgov/internal/governor"
	"github.com/Dicklesworthstone/qgov/internal/trajectory"
	"github.com/Dicklesworthstone/qgov/internal/tui/theme"
)

func governorConfig() PanelConfig {
	return PanelConfig{
		ID:              "governor",
		Title:           "Governor",
		Priority:        PriorityHigh,
		RefreshInterval: 5 * time.Second,
		MinWidth:        30,
		MinHeight:       6,
	}
}

// GovernorPanel shows the speed factor, its rationale and the cooldowns it
// produces.
type GovernorPanel struct {
	PanelBase
	cfg      *governor.Config
	estimate trajectory.Result
	now      time.Time
}

func NewGovernorPanel() *GovernorPanel {
	return &GovernorPanel{PanelBase: NewPanelBase(governorConfig())}
}

// SetData replaces the governor document and the latest estimate.
func (m *GovernorPanel) SetData(cfg *governor.Config, est trajectory.Result, now time.Time) {
	m.cfg = cfg
	m.estimate = est
	m.now = now
}

func (m *GovernorPanel) Init() tea.Cmd { return nil }

func (m *GovernorPanel) Update(msg tea.Msg) (tea.Model, tea.Cmd) { return m, nil }

func (m *GovernorPanel) View() string {
	t := theme.Current()
	w := m.Width()
	if w <= 0 {
		return ""
	}

	muted := lipgloss.NewStyle().Foreground(t.Subtext)
	text := lipgloss.NewStyle().Foreground(t.Text)

	var content strings.Builder
	content.WriteString(header(t, m.Config().Title, w, m.IsFocused()) + "\n")

	if m.cfg == nil {
		content.WriteString("  " + muted.Render("No governor state yet") + "\n")
		return content.String()
	}

	adj := m.cfg.Adjustment
	factor := fmt.Sprintf("%.2f %s", m.cfg.Factor(), DirectionArrow(adj.Direction))
	content.WriteString("  " + muted.Render("factor     ") + text.Bold(true).Render(factor))
	if adj.Direction != "" {
		content.WriteString(muted.Render("  " + string(adj.Direction)))
	}
	content.WriteString("\n")

	if od := m.cfg.Overdrive; od.Active {
		left := time.Until(time.UnixMilli(od.ExpiresAt))
		if !m.now.IsZero() {
			left = time.UnixMilli(od.ExpiresAt).Sub(m.now)
		}
		line := fmt.Sprintf("overdrive  %.2f for %s", od.Factor, left.Truncate(time.Minute))
		content.WriteString("  " + lipgloss.NewStyle().Foreground(t.Pink).Render(line) + "\n")
	}

	if adj.ConstrainingMetric != "" {
		projected := lipgloss.NewStyle().Foreground(t.Level(adj.ProjectedAtReset * 100)).
			Render(fmt.Sprintf("%.0f%%", adj.ProjectedAtReset*100))
		content.WriteString("  " + muted.Render("projected  ") + projected +
			muted.Render(fmt.Sprintf(" at %s reset in %.1fh", adj.ConstrainingMetric, adj.HoursUntilReset)) + "\n")
	}

	rates := fmt.Sprintf("5h %.2f%%/h  7d %.2f%%/h", m.estimate.FiveHourRate*100, m.estimate.SevenDayRate*100)
	if m.estimate.ColdStart {
		rates += "  (cold start)"
	}
	content.WriteString("  " + muted.Render("burn       ") + text.Render(rates) + "\n")

	for _, line := range m.cooldowns(t) {
		content.WriteString("  " + line + "\n")
	}
	return content.String()
}

func (m *GovernorPanel) cooldowns(t theme.Theme) []string {
	names := make([]string, 0, len(m.cfg.Defaults))
	for name := range m.cfg.Defaults {
		names = append(names, name)
	}
	sort.Strings(names)

	width := 0
	for _, n := range names {
		if len(n) > width {
			width = len(n)
		}
	}

	muted := lipgloss.NewStyle().Foreground(t.Subtext)
	var lines []string
	for _, name := range names {
		eff, _ := m.cfg.EffectiveMinutes(name)
		def := m.cfg.Defaults[name]
		color := t.Text
		switch {
		case eff > def:
			color = t.Yellow
		case eff < def:
			color = t.Green
		}
		line := fmt.Sprintf("%-*s ", width, name) +
			lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf("%4dm", eff)) +
			muted.Render(fmt.Sprintf(" / %dm", def))
		if mode := m.cfg.ModeOf(name); mode.Mode == governor.ModeStatic {
			line += muted.Render(" static")
		}
		lines = append(lines, line)
	}
	return lines
}

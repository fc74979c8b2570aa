package panels

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Dicklesworthstone/qgov/internal/keystore"
	"github.com/Dicklesworthstone/qgov/internal/output"
	"github.com/Dicklesworthstone/qgov/internal/tui/theme"
)

func keysConfig() PanelConfig {
	return PanelConfig{
		ID:              "keys",
		Title:           "Key Pool",
		Priority:        PriorityCritical,
		RefreshInterval: 5 * time.Second,
		MinWidth:        40,
		MinHeight:       5,
	}
}

// KeyRow is one key as the panel shows it.
type KeyRow struct {
	ShortID  string
	Status   keystore.Status
	Active   bool
	FiveHour float64
	SevenDay float64
	Email    string
	Checked  time.Time
}

// KeyRows flattens st in display order, active key first.
func KeyRows(st *keystore.RotationState) []KeyRow {
	if st == nil {
		return nil
	}
	var rows []KeyRow
	for _, k := range st.SortedKeys() {
		row := KeyRow{
			ShortID: k.ShortID(),
			Status:  k.Status,
			Active:  k.ID == st.ActiveKeyID,
			Email:   k.AccountEmail,
		}
		if u := k.LastUsage; u != nil {
			row.FiveHour = u.FiveHour
			row.SevenDay = u.SevenDay
			if u.CheckedAt > 0 {
				row.Checked = time.UnixMilli(u.CheckedAt)
			}
		}
		if row.Active {
			rows = append([]KeyRow{row}, rows...)
			continue
		}
		rows = append(rows, row)
	}
	return rows
}

type KeysPanel struct {
	PanelBase
	rows []KeyRow
	now  time.Time
}

func NewKeysPanel() *KeysPanel {
	return &KeysPanel{PanelBase: NewPanelBase(keysConfig())}
}

// SetData replaces the rows. now anchors the "checked" ages.
func (m *KeysPanel) SetData(rows []KeyRow, now time.Time) {
	m.rows = rows
	m.now = now
}

func (m *KeysPanel) Init() tea.Cmd { return nil }

func (m *KeysPanel) Update(msg tea.Msg) (tea.Model, tea.Cmd) { return m, nil }

func (m *KeysPanel) View() string {
	t := theme.Current()
	w := m.Width()
	if w <= 0 {
		return ""
	}

	var content strings.Builder
	content.WriteString(header(t, m.Config().Title, w, m.IsFocused()) + "\n")

	if len(m.rows) == 0 {
		content.WriteString("  " + lipgloss.NewStyle().Foreground(t.Subtext).Render("No keys tracked. Run 'qgov keys add'.") + "\n")
		return content.String()
	}

	limit := m.Height() - 1
	if limit <= 0 {
		limit = len(m.rows)
	}
	for i, r := range m.rows {
		if i >= limit {
			break
		}
		content.WriteString(m.renderRow(t, r, w) + "\n")
	}
	return content.String()
}

func (m *KeysPanel) renderRow(t theme.Theme, r KeyRow, w int) string {
	marker := "  "
	if r.Active {
		marker = lipgloss.NewStyle().Foreground(t.Primary).Render("● ")
	}
	status := lipgloss.NewStyle().Foreground(statusColor(t, r.Status)).Render(fmt.Sprintf("%-9s", r.Status))
	five := lipgloss.NewStyle().Foreground(t.Level(r.FiveHour)).Render(fmt.Sprintf("5h %5.1f%%", r.FiveHour))
	seven := lipgloss.NewStyle().Foreground(t.Level(r.SevenDay)).Render(fmt.Sprintf("7d %5.1f%%", r.SevenDay))

	line := fmt.Sprintf("%s%s  %s  %s  %s", marker, r.ShortID, status, five, seven)
	if age := ago(m.now, r.Checked); age != "" {
		line += lipgloss.NewStyle().Foreground(t.Subtext).Render("  " + age)
	}
	if r.Email != "" {
		rest := w - lipgloss.Width(line) - 2
		if rest > 4 {
			line += "  " + lipgloss.NewStyle().Foreground(t.Subtext).Render(output.Truncate(r.Email, rest))
		}
	}
	return line
}

func statusColor(t theme.Theme, s keystore.Status) lipgloss.Color {
	switch s {
	case keystore.StatusActive:
		return t.Green
	case keystore.StatusExhausted, keystore.StatusExpired:
		return t.Yellow
	case keystore.StatusInvalid:
		return t.Red
	default:
		return t.Subtext
	}
}

// header renders a panel title with a bottom rule.
func header(t theme.Theme, title string, w int, focused bool) string {
	borderColor := t.Surface1
	if focused {
		borderColor = t.Pink
	}
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(t.Text).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(borderColor).
		Width(w).
		Padding(0, 1).
		Render(title)
}

// ago formats the age of ts relative to now, or "" when either is unset.
func ago(now, ts time.Time) string {
	if now.IsZero() || ts.IsZero() {
		return ""
	}
	d := now.Sub(ts)
	switch {
	case d < 0:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

package panels

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"

	"github.com/Dicklesworthstone/qgov/internal/keystore"
	"github.com/Dicklesworthstone/qgov/internal/output"
	"github.com/Dicklesworthstone/qgov/internal/tui/theme"
)

// eventsConfig returns the configuration for the events panel
func eventsConfig() PanelConfig {
	return PanelConfig{
		ID:              "events",
		Title:           "Key Events",
		Priority:        PriorityHigh,
		RefreshInterval: 5 * time.Second,
		MinWidth:        25,
		MinHeight:       4,
		Collapsible:     true,
	}
}

var toggleHealthKey = key.NewBinding(key.WithKeys("h"), key.WithHelp("h", "health checks"))

// EventsPanel lists recent key lifecycle events, newest first.
type EventsPanel struct {
	PanelBase
	events     []keystore.Event
	showHealth bool
}

func NewEventsPanel() *EventsPanel {
	return &EventsPanel{
		PanelBase: NewPanelBase(eventsConfig()),
	}
}

// SetData takes the event log in append order.
func (m *EventsPanel) SetData(events []keystore.Event) {
	m.events = events
}

// ShowHealth reports whether health_check events are listed.
func (m *EventsPanel) ShowHealth() bool { return m.showHealth }

func (m *EventsPanel) Init() tea.Cmd {
	return nil
}

func (m *EventsPanel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok && key.Matches(k, toggleHealthKey) {
		m.showHealth = !m.showHealth
	}
	return m, nil
}

// Keybindings returns events panel specific shortcuts
func (m *EventsPanel) Keybindings() []Keybinding {
	return []Keybinding{
		{
			Key:         toggleHealthKey,
			Description: "Show or hide health check events",
			Action:      "toggle_health",
		},
	}
}

// Visible returns the events the panel would list, newest first.
func (m *EventsPanel) Visible() []keystore.Event {
	out := make([]keystore.Event, 0, len(m.events))
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if ev.Type == keystore.EventHealthCheck && !m.showHealth {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (m *EventsPanel) View() string {
	t := theme.Current()
	w, h := m.Width(), m.Height()

	if w <= 0 {
		return ""
	}

	var content strings.Builder
	content.WriteString(header(t, m.Config().Title, w, m.IsFocused()) + "\n")

	visible := m.Visible()
	if len(visible) == 0 {
		content.WriteString("  " + lipgloss.NewStyle().Foreground(t.Subtext).Render("No events") + "\n")
		return content.String()
	}

	// header takes two lines
	available := h - 2
	if available <= 0 {
		available = len(visible)
	}
	for i, ev := range visible {
		if i >= available {
			break
		}
		color, icon := eventStyle(t, ev.Type)
		ts := time.UnixMilli(ev.Timestamp).Format("15:04:05")
		msg := output.Truncate(describeEvent(ev), w-14)
		line := fmt.Sprintf("  %s %s %s", ts, icon, msg)
		content.WriteString(lipgloss.NewStyle().Foreground(color).Render(line) + "\n")
	}

	return content.String()
}

func eventStyle(t theme.Theme, typ keystore.EventType) (lipgloss.Color, string) {
	switch typ {
	case keystore.EventKeyExhausted, keystore.EventKeyRemoved:
		return t.Red, "✗"
	case keystore.EventKeySwitched, keystore.EventKeyStatusChanged:
		return t.Yellow, "⚠"
	case keystore.EventKeyAdded, keystore.EventKeyRefreshed:
		return t.Green, "✓"
	default:
		return t.Blue, "ℹ"
	}
}

func describeEvent(ev keystore.Event) string {
	id := shortID(ev.KeyID)
	switch ev.Type {
	case keystore.EventKeySwitched:
		s := fmt.Sprintf("switched %s → %s", orDash(shortID(ev.PreviousKeyID)), id)
		if ev.Reason != "" {
			s += " (" + ev.Reason + ")"
		}
		return s
	case keystore.EventKeyStatusChanged:
		return fmt.Sprintf("%s %s → %s", id, ev.From, ev.To)
	case keystore.EventHealthCheck:
		if ev.Valid != nil && !*ev.Valid {
			return id + " health check failed"
		}
		return id + " healthy"
	default:
		s := fmt.Sprintf("%s %s", id, strings.ReplaceAll(strings.TrimPrefix(string(ev.Type), "key_"), "_", " "))
		if ev.Reason != "" {
			s += " (" + ev.Reason + ")"
		}
		return s
	}
}

func shortID(id string) string {
	if len(id) > keystore.ShortIDLen {
		return id[:keystore.ShortIDLen]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

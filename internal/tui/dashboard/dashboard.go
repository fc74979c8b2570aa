// Package dashboard is the live terminal view behind 'qgov top'.
package dashboard

import (
	"context"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/lipgloss"

	"github.com/Dicklesworthstone/qgov/internal/governor"
	"github.com/Dicklesworthstone/qgov/internal/keystore"
	"github.com/Dicklesworthstone/qgov/internal/snapshot"
	"github.com/Dicklesworthstone/qgov/internal/trajectory"
	"github.com/Dicklesworthstone/qgov/internal/tui/dashboard/panels"
	"github.com/Dicklesworthstone/qgov/internal/tui/theme"
)

const (
	DefaultRefresh   = 5 * time.Second
	DefaultMaxEvents = 50
	loadTimeout      = 10 * time.Second
)

// Data is one read of the project state.
type Data struct {
	State    *keystore.RotationState
	Governor *governor.Config
	Latest   *snapshot.Snapshot
	Estimate trajectory.Result
	LoadedAt time.Time
	Err      error
}

// Loader reads the project state. It must not block past ctx.
type Loader func(ctx context.Context) Data

// StoreLoader reads the key pool, governor document and snapshot series.
func StoreLoader(keys *keystore.Store, gov *governor.Governor, series *snapshot.Store, est trajectory.Options, now func() time.Time) Loader {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) Data {
		d := Data{LoadedAt: now()}
		st, err := keys.Load()
		if err != nil {
			d.Err = err
			return d
		}
		d.State = st
		if gov != nil {
			cfg, err := gov.Show()
			if err != nil {
				d.Err = err
				return d
			}
			d.Governor = cfg
		}
		if series != nil {
			s, err := series.Load()
			if err != nil {
				d.Err = err
				return d
			}
			if n := len(s.Snapshots); n > 0 {
				latest := s.Snapshots[n-1]
				d.Latest = &latest
			}
			d.Estimate = trajectory.Estimate(s.Snapshots, d.LoadedAt, est)
		}
		return d
	}
}

type keyMap struct {
	Quit    key.Binding
	Refresh key.Binding
	Next    key.Binding
}

var keys = keyMap{
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "quit")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Next:    key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "focus")),
}

type dataMsg Data

type tickMsg time.Time

type focusable interface {
	tea.Model
	Focus()
	Blur()
	Keybindings() []panels.Keybinding
}

// Model is the bubbletea model of the dashboard.
type Model struct {
	load            Loader
	refreshInterval time.Duration
	maxEvents       int

	width  int
	height int
	data   Data
	loaded bool

	keysPanel     *panels.KeysPanel
	governorPanel *panels.GovernorPanel
	eventsPanel   *panels.EventsPanel
	ticker        *panels.TickerPanel
	focus         int
}

// New creates a dashboard reading through load.
func New(load Loader) *Model {
	m := &Model{
		load:            load,
		refreshInterval: DefaultRefresh,
		maxEvents:       DefaultMaxEvents,
		keysPanel:       panels.NewKeysPanel(),
		governorPanel:   panels.NewGovernorPanel(),
		eventsPanel:     panels.NewEventsPanel(),
		ticker:          panels.NewTickerPanel(),
	}
	applyDashboardEnvOverrides(m)
	m.focusables()[0].Focus()
	return m
}

// WithRefresh overrides the reload interval.
func (m *Model) WithRefresh(d time.Duration) *Model {
	if d > 0 {
		m.refreshInterval = d
	}
	return m
}

// RefreshInterval returns the reload interval.
func (m *Model) RefreshInterval() time.Duration { return m.refreshInterval }

func (m *Model) focusables() []focusable {
	return []focusable{m.keysPanel, m.governorPanel, m.eventsPanel}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m *Model) fetch() tea.Cmd {
	load := m.load
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()
		return dataMsg(load(ctx))
	}
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, m.fetch()
		case key.Matches(msg, keys.Next):
			fs := m.focusables()
			fs[m.focus].Blur()
			m.focus = (m.focus + 1) % len(fs)
			fs[m.focus].Focus()
			return m, nil
		}
		_, cmd := m.focusables()[m.focus].Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case dataMsg:
		m.apply(Data(msg))
		return m, nil
	}
	return m, nil
}

func (m *Model) apply(d Data) {
	m.loaded = true
	if d.Err != nil {
		// keep the last good read on screen
		m.data.Err = d.Err
		m.data.LoadedAt = d.LoadedAt
		m.refreshTicker()
		return
	}
	m.data = d

	m.keysPanel.SetData(panels.KeyRows(d.State), d.LoadedAt)
	m.governorPanel.SetData(d.Governor, d.Estimate, d.LoadedAt)
	var events []keystore.Event
	if d.State != nil {
		events = d.State.EventLog
		if len(events) > m.maxEvents {
			events = events[len(events)-m.maxEvents:]
		}
	}
	m.eventsPanel.SetData(events)
	m.refreshTicker()
}

func (m *Model) refreshTicker() {
	d := m.data
	td := panels.TickerData{Now: d.LoadedAt, Factor: 1}
	if d.State != nil {
		td.TotalKeys = len(d.State.Keys)
		td.LiveKeys = len(d.State.Live())
		if a := d.State.Active(); a != nil {
			td.ActiveKey = a.ShortID()
		}
	}
	if d.Governor != nil {
		td.Factor = d.Governor.Factor()
		td.Direction = d.Governor.Adjustment.Direction
		td.Overdrive = d.Governor.Overdrive.Active
		td.Constraint = d.Governor.Adjustment.ConstrainingMetric
	}
	if d.Latest != nil {
		td.LastSnapshot = d.Latest.Time()
	}
	if d.Err != nil {
		td.Err = d.Err.Error()
	}
	m.ticker.SetData(td)
}

// layout splits the screen: keys on top, governor and events side by side,
// ticker at the bottom.
func (m *Model) layout() {
	w, h := m.width, m.height
	body := h - 3 // title, help, ticker
	if body < 4 {
		body = 4
	}
	top := body / 2
	m.keysPanel.SetSize(w, top)
	left := w / 2
	m.governorPanel.SetSize(left, body-top)
	m.eventsPanel.SetSize(w-left, body-top)
	m.ticker.SetSize(w, 1)
}

func (m *Model) View() string {
	if m.width == 0 {
		return "loading..."
	}
	t := theme.Current()

	title := lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1).Render("qgov top")
	if !m.loaded {
		return title + "\n\n  loading..."
	}

	middle := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.NewStyle().Width(m.governorPanel.Width()).Render(m.governorPanel.View()),
		m.eventsPanel.View(),
	)
	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		m.keysPanel.View(),
		middle,
		m.help(t),
		m.ticker.View(),
	)
}

func (m *Model) help(t theme.Theme) string {
	bindings := []key.Binding{keys.Quit, keys.Refresh, keys.Next}
	for _, kb := range m.focusables()[m.focus].Keybindings() {
		bindings = append(bindings, kb.Key)
	}
	var parts []string
	for _, b := range bindings {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return lipgloss.NewStyle().Foreground(t.Subtext).Padding(0, 1).Render(strings.Join(parts, " • "))
}

// Run starts the dashboard on the terminal and blocks until the user quits
// or ctx is cancelled.
func Run(ctx context.Context, m *Model) error {
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err == tea.ErrProgramKilled && ctx.Err() != nil {
		return nil
	}
	return err
}

package panels

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Dicklesworthstone/qgov/internal/governor"
	"github.com/Dicklesworthstone/qgov/internal/keystore"
	"github.com/Dicklesworthstone/qgov/internal/trajectory"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func poolState() *keystore.RotationState {
	st := keystore.NewRotationState()
	st.Keys["aaaaaaaa11111111"] = &keystore.KeyRecord{
		ID:     "aaaaaaaa11111111",
		Status: keystore.StatusActive,
		LastUsage: &keystore.Usage{
			FiveHour:  20,
			SevenDay:  40,
			CheckedAt: now.Add(-3 * time.Minute).UnixMilli(),
		},
		AddedAt: 1,
	}
	st.Keys["bbbbbbbb22222222"] = &keystore.KeyRecord{
		ID:           "bbbbbbbb22222222",
		Status:       keystore.StatusExhausted,
		AccountEmail: "ops@example.com",
		AddedAt:      2,
	}
	st.ActiveKeyID = "bbbbbbbb22222222"
	return st
}

func TestKeyRowsActiveFirst(t *testing.T) {
	rows := KeyRows(poolState())
	if len(rows) != 2 {
		t.Fatalf("KeyRows() = %d rows, want 2", len(rows))
	}
	if !rows[0].Active || rows[0].ShortID != "bbbbbbbb" {
		t.Errorf("first row = %+v, want active bbbbbbbb", rows[0])
	}
	if rows[1].FiveHour != 20 || rows[1].Checked.IsZero() {
		t.Errorf("second row = %+v", rows[1])
	}
	if KeyRows(nil) != nil {
		t.Error("KeyRows(nil) should be nil")
	}
}

func TestKeysPanel_View(t *testing.T) {
	panel := NewKeysPanel()
	if panel.View() != "" {
		t.Error("View() with zero width should be empty")
	}

	panel.SetSize(100, 10)
	if !strings.Contains(panel.View(), "No keys tracked") {
		t.Errorf("empty panel view = %q", panel.View())
	}

	panel.SetData(KeyRows(poolState()), now)
	view := panel.View()
	for _, want := range []string{"Key Pool", "● bbbbbbbb", "exhausted", "5h  20.0%", "3m ago", "ops@example.com"} {
		if !strings.Contains(view, want) {
			t.Errorf("missing %q in\n%s", want, view)
		}
	}
}

func TestKeysPanel_FocusBlur(t *testing.T) {
	panel := NewKeysPanel()
	if panel.IsFocused() {
		t.Error("Panel should not be focused initially")
	}
	panel.Focus()
	if !panel.IsFocused() {
		t.Error("Panel should be focused after Focus()")
	}
	panel.Blur()
	if panel.IsFocused() {
		t.Error("Panel should not be focused after Blur()")
	}
	if panel.Config().ID != "keys" {
		t.Errorf("ID = %q", panel.Config().ID)
	}
}

func TestEventsPanel_HealthToggle(t *testing.T) {
	valid := false
	panel := NewEventsPanel()
	panel.SetData([]keystore.Event{
		{Type: keystore.EventKeyAdded, KeyID: "aaaaaaaa11111111", Timestamp: now.UnixMilli()},
		{Type: keystore.EventHealthCheck, KeyID: "aaaaaaaa11111111", Valid: &valid, Timestamp: now.UnixMilli()},
		{Type: keystore.EventKeySwitched, KeyID: "bbbbbbbb22222222", PreviousKeyID: "aaaaaaaa11111111", Reason: "quota_death", Timestamp: now.UnixMilli()},
	})

	visible := panel.Visible()
	if len(visible) != 2 || visible[0].Type != keystore.EventKeySwitched {
		t.Fatalf("Visible() = %+v, want newest-first without health checks", visible)
	}

	panel.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("h")})
	if !panel.ShowHealth() || len(panel.Visible()) != 3 {
		t.Errorf("health toggle not applied: %d visible", len(panel.Visible()))
	}

	panel.SetSize(80, 10)
	view := panel.View()
	for _, want := range []string{"switched aaaaaaaa → bbbbbbbb (quota_death)", "aaaaaaaa health check failed", "aaaaaaaa added"} {
		if !strings.Contains(view, want) {
			t.Errorf("missing %q in\n%s", want, view)
		}
	}
	if len(panel.Keybindings()) != 1 {
		t.Errorf("Keybindings() = %d, want 1", len(panel.Keybindings()))
	}
}

func TestGovernorPanel_View(t *testing.T) {
	cfg := governor.NewConfig()
	cfg.Defaults = map[string]int{"code-review": 60, "production-health-check": 30}
	cfg.Effective = map[string]int{"code-review": 75}
	cfg.Modes = map[string]governor.AutomationMode{"production-health-check": {Mode: governor.ModeStatic}}
	cfg.Adjustment = governor.Adjustment{
		Factor:             0.8,
		Direction:          governor.DirectionDown,
		ConstrainingMetric: governor.MetricFiveHour,
		ProjectedAtReset:   1.05,
		HoursUntilReset:    2.5,
	}

	panel := NewGovernorPanel()
	panel.SetSize(80, 12)
	if !strings.Contains(panel.View(), "No governor state yet") {
		t.Errorf("empty view = %q", panel.View())
	}

	panel.SetData(cfg, trajectory.Result{FiveHourRate: 0.04, SevenDayRate: 0.01}, now)
	view := panel.View()
	for _, want := range []string{"0.80 ↓", "down", "105%", "reset in 2.5h", "5h 4.00%/h", "code-review", "75m", "/ 60m", "static"} {
		if !strings.Contains(view, want) {
			t.Errorf("missing %q in\n%s", want, view)
		}
	}
}

func TestGovernorPanel_Overdrive(t *testing.T) {
	cfg := governor.NewConfig()
	cfg.Overdrive = governor.Overdrive{Active: true, Factor: 2, ExpiresAt: now.Add(90 * time.Minute).UnixMilli()}

	panel := NewGovernorPanel()
	panel.SetSize(80, 12)
	panel.SetData(cfg, trajectory.Result{}, now)
	if view := panel.View(); !strings.Contains(view, "overdrive  2.00 for 1h30m0s") || !strings.Contains(view, "2.00") {
		t.Errorf("overdrive missing in\n%s", view)
	}
}

func TestTickerPanel_View(t *testing.T) {
	panel := NewTickerPanel()
	if panel.View() != "" {
		t.Error("View() with zero width should be empty")
	}

	panel.SetSize(120, 1)
	panel.SetData(TickerData{
		TotalKeys:    3,
		LiveKeys:     2,
		ActiveKey:    "aaaaaaaa",
		Factor:       1.1,
		Direction:    governor.DirectionUp,
		Constraint:   governor.MetricSevenDay,
		LastSnapshot: now.Add(-2 * time.Minute),
		Now:          now,
	})
	view := panel.View()
	for _, want := range []string{"Keys: 2/3 live", "active aaaaaaaa", "Factor: 1.10 ↑", "(seven_day)", "Poll: 2m ago"} {
		if !strings.Contains(view, want) {
			t.Errorf("missing %q in %q", want, view)
		}
	}
	if panel.GetHeight() != 1 {
		t.Errorf("GetHeight() = %d", panel.GetHeight())
	}
}

func TestTickerPanel_TruncatesToWidth(t *testing.T) {
	panel := NewTickerPanel()
	panel.SetSize(30, 1)
	panel.SetData(TickerData{TotalKeys: 1, Err: "rotation_state.json: permission denied"})
	if w := lipgloss.Width(panel.View()); w != 30 {
		t.Errorf("ticker width = %d, want 30", w)
	}
	if !strings.Contains(panel.View(), "never") && !strings.Contains(panel.View(), "…") {
		t.Errorf("expected truncation marker in %q", panel.View())
	}
}

func TestDirectionArrow(t *testing.T) {
	tests := map[governor.Direction]string{
		governor.DirectionUp:        "↑",
		governor.DirectionDown:      "↓",
		governor.DirectionRecovery:  "↓",
		governor.DirectionOverdrive: "⇈",
		governor.DirectionHold:      "→",
		"":                          "→",
	}
	for d, want := range tests {
		if got := DirectionArrow(d); got != want {
			t.Errorf("DirectionArrow(%q) = %q, want %q", d, got, want)
		}
	}
}

func TestAgo(t *testing.T) {
	tests := []struct {
		ts   time.Time
		want string
	}{
		{time.Time{}, ""},
		{now.Add(time.Second), "just now"},
		{now.Add(-30 * time.Second), "30s ago"},
		{now.Add(-5 * time.Hour), "5h ago"},
		{now.Add(-72 * time.Hour), "3d ago"},
	}
	for _, tt := range tests {
		if got := ago(now, tt.ts); got != tt.want {
			t.Errorf("ago(%v) = %q, want %q", tt.ts, got, tt.want)
		}
	}
}

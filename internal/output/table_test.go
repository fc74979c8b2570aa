package output

import (
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func TestNewStyledTable(t *testing.T) {
	t.Parallel()

	tbl := NewStyledTable("Key", "Status", "5h")
	if tbl.RowCount() != 0 {
		t.Errorf("RowCount = %d, want 0", tbl.RowCount())
	}
	tbl.AddRow("aaaa1111", "active", "12%")
	tbl.AddRow("bbbb2222")
	if tbl.RowCount() != 2 {
		t.Errorf("RowCount = %d, want 2", tbl.RowCount())
	}
}

func TestStyledTable_Builders(t *testing.T) {
	t.Parallel()

	tbl := NewStyledTable("Col").WithTitle("Keys").WithFooter("2 keys").WithStyle(TableStyleMinimal)
	if tbl.title != "Keys" || tbl.footer != "2 keys" || tbl.style != TableStyleMinimal {
		t.Errorf("builders not applied: %+v", tbl)
	}
}

func TestStyledTable_Render_Empty(t *testing.T) {
	t.Parallel()

	tbl := &StyledTable{}
	if got := tbl.Render(); got != "" {
		t.Errorf("Render() with no headers = %q, want empty", got)
	}
}

func TestStyledTable_RenderRounded(t *testing.T) {
	t.Parallel()

	tbl := NewStyledTable("Key", "Status").WithTitle("Keys").WithFooter("1 key")
	tbl.AddRow("aaaa1111", "exhausted")
	got := tbl.Render()

	for _, want := range []string{"Keys\n", "╭", "│ Key      │ Status    │", "│ aaaa1111 │ exhausted │", "╰", "1 key"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in\n%s", want, got)
		}
	}
}

func TestStyledTable_RenderMinimal(t *testing.T) {
	t.Parallel()

	tbl := NewStyledTable("Key", "Status").WithStyle(TableStyleMinimal)
	tbl.AddRow("aaaa1111", "active")
	want := "Key       Status\naaaa1111  active\n"
	if got := tbl.Render(); got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

// Styled cells must not shift columns.
func TestStyledTable_ColumnAlignment(t *testing.T) {
	t.Parallel()

	styles := New(WithWriter(io.Discard), WithColor(true)).Styles()
	tbl := NewStyledTable("Name", "Value").WithStyles(styles)
	tbl.AddRow(styles.Good.Render("active"), "plain")
	tbl.AddRow("plain", styles.Bad.Render("invalid"))
	tbl.AddRow("日本語", "🎉")

	var widths []int
	for _, line := range strings.Split(tbl.Render(), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		widths = append(widths, lipgloss.Width(line))
	}
	for i := 1; i < len(widths); i++ {
		if widths[i] != widths[0] {
			t.Errorf("line %d width %d != first line width %d", i, widths[i], widths[0])
		}
	}
}

func TestRuneWidth(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
		want  int
	}{
		{"plain", "hello", 5},
		{"raw ANSI", "\x1b[31mred\x1b[0m", 3},
		{"emoji", "🎉", 2},
		{"CJK", "日本語", 6},
	}
	for _, tc := range cases {
		if got := runeWidth(tc.input); got != tc.want {
			t.Errorf("%s: runeWidth(%q) = %d, want %d", tc.name, tc.input, got, tc.want)
		}
	}
}

func TestPadRightWithStyledContent(t *testing.T) {
	t.Parallel()

	styled := lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Render("Hi")
	if w := lipgloss.Width(padRight(styled, 10)); w != 10 {
		t.Errorf("padRight visual width = %d, want 10", w)
	}
}

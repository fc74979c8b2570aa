package output

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"
)

// TableStyle selects table borders.
type TableStyle int

const (
	TableStyleRounded TableStyle = iota
	TableStyleMinimal
)

// StyledTable is a column-aligned table that tolerates styled cells.
type StyledTable struct {
	headers []string
	rows    [][]string
	title   string
	footer  string
	style   TableStyle
	styles  *Styles
}

// NewStyledTable creates a table with headers.
func NewStyledTable(headers ...string) *StyledTable {
	return &StyledTable{headers: headers}
}

// WithTitle sets a title line above the table.
func (t *StyledTable) WithTitle(title string) *StyledTable {
	t.title = title
	return t
}

// WithFooter sets a line below the table.
func (t *StyledTable) WithFooter(footer string) *StyledTable {
	t.footer = footer
	return t
}

// WithStyle sets the border style.
func (t *StyledTable) WithStyle(style TableStyle) *StyledTable {
	t.style = style
	return t
}

// WithStyles colors the title, headers and borders.
func (t *StyledTable) WithStyles(s Styles) *StyledTable {
	t.styles = &s
	return t
}

// AddRow appends a row. Missing cells render empty, extra cells are dropped.
func (t *StyledTable) AddRow(cells ...string) {
	row := make([]string, len(t.headers))
	copy(row, cells)
	t.rows = append(t.rows, row)
}

// RowCount returns the number of rows.
func (t *StyledTable) RowCount() int { return len(t.rows) }

// Render returns the table as a string.
func (t *StyledTable) Render() string {
	if len(t.headers) == 0 {
		return ""
	}
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = runeWidth(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if w := runeWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	if t.title != "" {
		b.WriteString(t.paint(t.title, func(s Styles) string { return s.Title.Render(t.title) }))
		b.WriteString("\n")
	}

	header := make([]string, len(t.headers))
	for i, h := range t.headers {
		header[i] = t.paint(h, func(s Styles) string { return s.Header.Render(h) })
	}

	switch t.style {
	case TableStyleMinimal:
		b.WriteString(t.line(header, widths, "", "  ", ""))
		for _, row := range t.rows {
			b.WriteString(t.line(row, widths, "", "  ", ""))
		}
	default:
		v := t.border("│")
		b.WriteString(t.rule("╭", "┬", "╮", widths))
		b.WriteString(t.line(header, widths, v+" ", " "+v+" ", " "+v))
		b.WriteString(t.rule("├", "┼", "┤", widths))
		for _, row := range t.rows {
			b.WriteString(t.line(row, widths, v+" ", " "+v+" ", " "+v))
		}
		b.WriteString(t.rule("╰", "┴", "╯", widths))
	}

	if t.footer != "" {
		b.WriteString(t.paint(t.footer, func(s Styles) string { return s.Muted.Render(t.footer) }))
		b.WriteString("\n")
	}
	return b.String()
}

func (t *StyledTable) line(cells []string, widths []int, left, sep, right string) string {
	parts := make([]string, len(widths))
	for i := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		parts[i] = padRight(cell, widths[i])
	}
	return strings.TrimRight(left+strings.Join(parts, sep)+right, " ") + "\n"
}

func (t *StyledTable) rule(left, mid, right string, widths []int) string {
	segs := make([]string, len(widths))
	for i, w := range widths {
		segs[i] = strings.Repeat("─", w+2)
	}
	return t.border(left+strings.Join(segs, mid)+right) + "\n"
}

func (t *StyledTable) border(s string) string {
	return t.paint(s, func(st Styles) string { return st.Border.Render(s) })
}

func (t *StyledTable) paint(plain string, styled func(Styles) string) string {
	if t.styles == nil {
		return plain
	}
	return styled(*t.styles)
}

// runeWidth returns the display width of s, ignoring ANSI sequences.
func runeWidth(s string) int {
	return runewidth.StringWidth(ansi.Strip(s))
}

// padRight pads s with spaces to width display columns.
func padRight(s string, width int) string {
	if w := runeWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

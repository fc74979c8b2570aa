// Package output renders command results as text, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/termenv"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Format selects the rendering.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat maps a flag value to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
}

// DefaultWidth is used when the terminal width is unknown.
const DefaultWidth = 100

// Result is anything a command can print.
type Result interface {
	Text(w io.Writer) error
	JSON() interface{}
}

// Formatter writes results in the selected format.
type Formatter struct {
	w        io.Writer
	errW     io.Writer
	format   Format
	color    *bool
	renderer *lipgloss.Renderer
	styles   Styles
}

// Option configures a Formatter.
type Option func(*Formatter)

// WithJSON selects JSON output.
func WithJSON(on bool) Option {
	return func(f *Formatter) {
		if on {
			f.format = FormatJSON
		}
	}
}

// WithFormat selects the output format.
func WithFormat(format Format) Option {
	return func(f *Formatter) { f.format = format }
}

// WithWriter sets the output writer.
func WithWriter(w io.Writer) Option {
	return func(f *Formatter) { f.w = w }
}

// WithErrWriter sets where text-mode errors go.
func WithErrWriter(w io.Writer) Option {
	return func(f *Formatter) { f.errW = w }
}

// WithColor forces color on or off.
func WithColor(on bool) Option {
	return func(f *Formatter) { f.color = &on }
}

// New creates a Formatter writing to stdout unless configured otherwise.
// Color is enabled only when the writer is a terminal.
func New(opts ...Option) *Formatter {
	f := &Formatter{w: os.Stdout, errW: os.Stderr, format: FormatText}
	for _, opt := range opts {
		opt(f)
	}
	color := IsTerminal(f.w)
	if f.color != nil {
		color = *f.color
	}
	f.renderer = lipgloss.NewRenderer(f.w)
	if color {
		f.renderer.SetColorProfile(termenv.ANSI256)
	} else {
		f.renderer.SetColorProfile(termenv.Ascii)
	}
	f.styles = NewStyles(f.renderer)
	return f
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Width returns the terminal width of w, or DefaultWidth.
func Width(w io.Writer) int {
	if file, ok := w.(*os.File); ok && IsTerminal(w) {
		if width, _, err := term.GetSize(int(file.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return DefaultWidth
}

// Writer returns the output writer.
func (f *Formatter) Writer() io.Writer { return f.w }

// Format returns the selected format.
func (f *Formatter) Format() Format { return f.format }

// IsJSON reports whether output is JSON.
func (f *Formatter) IsJSON() bool { return f.format == FormatJSON }

// IsStructured reports whether output is JSON or YAML.
func (f *Formatter) IsStructured() bool { return f.format == FormatJSON || f.format == FormatYAML }

// Styles returns the formatter's styles.
func (f *Formatter) Styles() Styles { return f.styles }

// Width returns the usable output width.
func (f *Formatter) Width() int { return Width(f.w) }

// Output renders r in the selected format.
func (f *Formatter) Output(r Result) error {
	switch f.format {
	case FormatJSON:
		return f.JSON(r.JSON())
	case FormatYAML:
		return f.YAML(r.JSON())
	default:
		return r.Text(f.w)
	}
}

// JSON writes v as indented JSON.
func (f *Formatter) JSON(v interface{}) error {
	return WriteJSON(f.w, v, true)
}

// YAML writes v as YAML. v is passed through JSON first so struct json
// tags name the keys.
func (f *Formatter) YAML(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(f.w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

// Print writes its operands as fmt.Print does.
func (f *Formatter) Print(a ...interface{}) {
	fmt.Fprint(f.w, a...)
}

// Println writes its operands followed by a newline.
func (f *Formatter) Println(a ...interface{}) {
	fmt.Fprintln(f.w, a...)
}

// Data writes v in the structured format, or as JSON in text mode.
func (f *Formatter) Data(v interface{}) error {
	if f.format == FormatYAML {
		return f.YAML(v)
	}
	return f.JSON(v)
}

// Printf writes a formatted line.
func (f *Formatter) Printf(format string, a ...interface{}) {
	fmt.Fprintf(f.w, format, a...)
}

// WriteJSON encodes v to w.
func WriteJSON(w io.Writer, v interface{}, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// Truncate shortens s to at most width terminal columns, ending in "...".
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if width <= 3 {
		return truncate.String(s, uint(width))
	}
	return truncate.StringWithTail(s, uint(width), "...")
}

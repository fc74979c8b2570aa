package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// mockResult implements the Result interface for testing Formatter.Output.
type mockResult struct {
	textOut string
	textErr error
	jsonOut interface{}
}

func (m *mockResult) Text(w io.Writer) error {
	if m.textErr != nil {
		return m.textErr
	}
	_, err := fmt.Fprint(w, m.textOut)
	return err
}
func (m *mockResult) JSON() interface{} { return m.jsonOut }

func TestParseFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"json", FormatJSON, false},
		{"yaml", FormatYAML, false},
		{"yml", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatterOutput_JSONMode(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	f := New(WithJSON(true), WithWriter(&buf))

	r := &mockResult{jsonOut: map[string]string{"status": "ok"}}
	if err := f.Output(r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]string
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if decoded["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", decoded["status"])
	}
}

func TestFormatterOutput_YAMLUsesJSONTags(t *testing.T) {
	t.Parallel()

	type payload struct {
		ActiveKey string  `json:"active_key"`
		Factor    float64 `json:"factor"`
	}
	var buf bytes.Buffer
	f := New(WithFormat(FormatYAML), WithWriter(&buf))
	if err := f.Output(&mockResult{jsonOut: payload{ActiveKey: "abcd1234", Factor: 1.1}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid YAML output: %v", err)
	}
	if decoded["active_key"] != "abcd1234" {
		t.Errorf("active_key = %v, output %q", decoded["active_key"], buf.String())
	}
	if decoded["factor"] != 1.1 {
		t.Errorf("factor = %v", decoded["factor"])
	}
}

func TestFormatterOutput_TextMode(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	f := New(WithWriter(&buf))

	if err := f.Output(&mockResult{textOut: "hello world"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.String() != "hello world" {
		t.Errorf("expected 'hello world', got %q", buf.String())
	}
}

func TestFormatterOutput_TextError(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	f := New(WithWriter(&buf))

	err := f.Output(&mockResult{textErr: fmt.Errorf("render failed")})
	if err == nil || err.Error() != "render failed" {
		t.Errorf("expected 'render failed' error, got %v", err)
	}
}

func TestFormatterErrorWithHint_JSONMode(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	f := New(WithJSON(true), WithWriter(&buf))

	if err := f.ErrorWithHint("no selectable key", "add a key with 'qgov keys add'"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded["error"] != "no selectable key" {
		t.Errorf("error = %v", decoded["error"])
	}
	if decoded["hint"] != "add a key with 'qgov keys add'" {
		t.Errorf("hint = %v", decoded["hint"])
	}
}

func TestFormatterErrorWithHint_TextMode(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer
	f := New(WithWriter(&out), WithErrWriter(&errOut))

	err := f.ErrorWithHint("no selectable key", "add a key")
	if err == nil || err.Error() != "no selectable key" {
		t.Fatalf("expected returned error, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("stdout should stay empty, got %q", out.String())
	}
	if !strings.Contains(errOut.String(), "Hint: add a key") {
		t.Errorf("hint missing from %q", errOut.String())
	}
}

func TestFormatterError_CLIErrorStructured(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	f := New(WithJSON(true), WithWriter(&buf))
	wrapped := fmt.Errorf("governor: %w", NewCLIError("bad factor").WithCode("E_RANGE").WithHint("use 0.05-20"))

	if err := f.Error(wrapped); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded ErrorResponse
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded.Code != "E_RANGE" || decoded.Hint != "use 0.05-20" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestFormatterError_TextReturnsError(t *testing.T) {
	t.Parallel()

	f := New(WithWriter(io.Discard))
	want := errors.New("boom")
	if got := f.Error(want); got != want {
		t.Errorf("Error() = %v, want %v", got, want)
	}
	if got := f.ErrorWithCode("E1", "bad"); got == nil || got.Error() != "[E1] bad" {
		t.Errorf("ErrorWithCode() = %v", got)
	}
}

func TestFormatterPrint(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	f := New(WithWriter(&buf))

	f.Print("alpha", " ", "beta")
	f.Printf(" %d", 3)

	if buf.String() != "alpha beta 3" {
		t.Errorf("expected 'alpha beta 3', got %q", buf.String())
	}
}

func TestFormatCLIError(t *testing.T) {
	t.Parallel()

	plain := FormatCLIError(NewCLIError("connection refused"))
	if !strings.Contains(plain, "Error: connection refused") {
		t.Errorf("expected error message, got %q", plain)
	}
	if strings.Contains(plain, "Cause:") || strings.Contains(plain, "Hint:") {
		t.Errorf("unexpected detail lines in %q", plain)
	}

	full := FormatCLIError(NewCLIError("refresh failed").
		WithCode("E401").
		WithCause("invalid_grant").
		WithHint("re-login and run 'qgov keys add'"))
	for _, want := range []string{"Error: refresh failed", "[E401]", "Cause: invalid_grant", "Hint: re-login"} {
		if !strings.Contains(full, want) {
			t.Errorf("missing %q in %q", want, full)
		}
	}
}

func TestNoColorWhenNotTerminal(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	f := New(WithWriter(&buf))
	if got := f.Styles().Bad.Render("invalid"); got != "invalid" {
		t.Errorf("expected plain text for non-terminal, got %q", got)
	}
	if IsTerminal(&buf) {
		t.Error("buffer reported as terminal")
	}
	if Width(&buf) != DefaultWidth {
		t.Errorf("Width = %d, want %d", Width(&buf), DefaultWidth)
	}
}

func TestForcedColor(t *testing.T) {
	t.Parallel()

	f := New(WithWriter(io.Discard), WithColor(true))
	if got := f.Styles().Bad.Render("invalid"); !strings.Contains(got, "\x1b[") {
		t.Errorf("expected ANSI sequence, got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    string
		width int
		want  string
	}{
		{"zero", "hello", 0, ""},
		{"negative", "hello", -5, ""},
		{"fits", "abc", 5, "abc"},
		{"tail", "abcdef", 5, "ab..."},
		{"narrow", "abcdef", 3, "abc"},
		{"wide runes", "日本語", 5, "日..."},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("%s: Truncate(%q, %d) = %q, want %q", tt.name, tt.in, tt.width, got, tt.want)
		}
	}
}

func TestBar(t *testing.T) {
	t.Parallel()

	s := New(WithWriter(io.Discard)).Styles()
	tests := []struct {
		pct  float64
		want string
	}{
		{0, "░░░░░░░░░░   0.0%"},
		{45, "████░░░░░░  45.0%"},
		{100, "██████████ 100.0%"},
		{140, "██████████ 140.0%"},
	}
	for _, tt := range tests {
		if got := s.Bar(tt.pct, 10); got != tt.want {
			t.Errorf("Bar(%v) = %q, want %q", tt.pct, got, tt.want)
		}
	}
}

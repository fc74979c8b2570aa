package output

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Error outputs an error in the appropriate format
func (f *Formatter) Error(err error) error {
	var cliErr *CLIError
	if errors.As(err, &cliErr) && f.IsStructured() {
		return f.structured(cliErr.Response())
	}
	if f.IsStructured() {
		return f.structured(NewError(err.Error()))
	}
	return err
}

// ErrorMsg outputs an error message in the appropriate format
func (f *Formatter) ErrorMsg(msg string) error {
	if f.IsStructured() {
		return f.structured(NewError(msg))
	}
	return fmt.Errorf("%s", msg)
}

// ErrorWithCode outputs an error with a code in the appropriate format
func (f *Formatter) ErrorWithCode(code, msg string) error {
	if f.IsStructured() {
		return f.structured(NewErrorWithCode(code, msg))
	}
	return fmt.Errorf("[%s] %s", code, msg)
}

// ErrorWithHint outputs an error with a remediation hint. In text mode the
// hint goes to the error writer and the error is returned.
func (f *Formatter) ErrorWithHint(msg, hint string) error {
	if f.IsStructured() {
		return f.structured(ErrorResponse{Error: msg, Hint: hint})
	}
	fmt.Fprintln(f.errW, FormatCLIError(NewCLIError(msg).WithHint(hint)))
	return errors.New(msg)
}

func (f *Formatter) structured(v interface{}) error {
	return f.Data(v)
}

// PrintError writes an error to stderr and returns an error for JSON mode
func PrintError(err error, jsonMode bool) error {
	if jsonMode {
		var cliErr *CLIError
		if errors.As(err, &cliErr) {
			return WriteJSON(os.Stdout, cliErr.Response(), true)
		}
		return WriteJSON(os.Stdout, NewError(err.Error()), true)
	}
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		fmt.Fprintln(os.Stderr, FormatCLIError(cliErr))
		return err
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return err
}

// CLIError is a user-facing error with an optional code, cause and hint.
type CLIError struct {
	Message string
	Code    string
	Cause   string
	Hint    string
}

// NewCLIError creates a CLIError.
func NewCLIError(msg string) *CLIError {
	return &CLIError{Message: msg}
}

// WithCode sets the error code.
func (e *CLIError) WithCode(code string) *CLIError {
	e.Code = code
	return e
}

// WithCause sets the cause line.
func (e *CLIError) WithCause(cause string) *CLIError {
	e.Cause = cause
	return e
}

// WithHint sets the remediation hint.
func (e *CLIError) WithHint(hint string) *CLIError {
	e.Hint = hint
	return e
}

func (e *CLIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return e.Message
}

// Response converts the error for structured output.
func (e *CLIError) Response() ErrorResponse {
	return ErrorResponse{Error: e.Message, Code: e.Code, Details: e.Cause, Hint: e.Hint}
}

// FormatCLIError renders e for a terminal.
func FormatCLIError(e *CLIError) string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.Message)
	if e.Code != "" {
		b.WriteString(" [" + e.Code + "]")
	}
	if e.Cause != "" {
		b.WriteString("\n  Cause: " + e.Cause)
	}
	if e.Hint != "" {
		b.WriteString("\n  Hint: " + e.Hint)
	}
	return b.String()
}

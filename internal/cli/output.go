package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/lofi/internal/chat"
	"github.com/roach88/lofi/internal/mutation"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Rejected write, failed scenario, schema error
	ExitCommandError = 2 // Command error (bad flags, unreadable config, store will not open)
)

// Error codes reported in JSON output.
const (
	CodeCommand    = "E_COMMAND"
	CodeValidation = "E_VALIDATION"
	CodeNotFound   = "E_NOT_FOUND"
	CodeStorage    = "E_STORAGE"
	CodeSchema     = "E_SCHEMA"
	CodeTestFailed = "E_TEST_FAILED"
)

// ExitError carries the process exit code for an error returned from a
// command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError with no underlying error.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors that are not
// ExitErrors map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// TextWriter is implemented by results that lay out their own text form.
type TextWriter interface {
	WriteText(w io.Writer) error
}

// OutputFormatter renders command results as text or JSON.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the JSON envelope of every command result.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error part of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success writes a result.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	if tw, ok := data.(TextWriter); ok {
		return tw.WriteText(f.Writer)
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error writes an error result.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	_, err := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	return err
}

// fail reports err in JSON mode and returns it as an ExitError. In text
// mode the caller of Execute prints the returned error.
func (f *OutputFormatter) fail(exitCode int, message string, err error) error {
	if f.Format == "json" {
		_ = f.Error(errorCode(err), fmt.Sprintf("%s: %v", message, err), nil)
	}
	return WrapExitError(exitCode, message, err)
}

// errorCode maps engine errors to JSON error codes.
func errorCode(err error) string {
	switch {
	case mutation.IsValidation(err), errors.Is(err, chat.ErrEmptyMessage):
		return CodeValidation
	case mutation.IsNotFound(err):
		return CodeNotFound
	case mutation.IsStorage(err), mutation.IsHalted(err):
		return CodeStorage
	default:
		return CodeCommand
	}
}

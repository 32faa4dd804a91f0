package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran and reported failure
	ExitCommandError = 2 // bad flags, unreadable config, unreachable dependencies
)

// ExitError carries the process exit code out of a command.
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

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to a process exit code. Errors that are not ExitErrors map to
// ExitFailure.
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

// OutputFormatter renders command results as indented JSON or plain text.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

type cliResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Print writes data as JSON, or calls text when the format is text.
func (f *OutputFormatter) Print(data interface{}, text func(w io.Writer)) error {
	if f.Format == "json" {
		return f.writeJSON(cliResponse{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

// Fail writes data alongside the failure and returns an ExitError with ExitFailure.
func (f *OutputFormatter) Fail(data interface{}, text func(w io.Writer), err error) error {
	if f.Format == "json" {
		if werr := f.writeJSON(cliResponse{Status: "error", Data: data, Error: err.Error()}); werr != nil {
			return werr
		}
	} else {
		text(f.Writer)
	}
	return WrapExitError(ExitFailure, "command failed", err)
}

func (f *OutputFormatter) writeJSON(v interface{}) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

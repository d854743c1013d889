package cli

import (
	"errors"
	"fmt"
	"io"
)

// Exit codes for syncctl commands.
const (
	ExitSuccess = 0
	ExitBlocked = 1 // parity decision is block
	ExitError   = 2 // usage, I/O or remote errors
)

// ExitCodeError carries the process exit code for a command failure.
type ExitCodeError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitCodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitCodeError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitCodeError without a cause.
func NewExitError(code int, message string) *ExitCodeError {
	return &ExitCodeError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitCodeError {
	return &ExitCodeError{Code: code, Message: message, Err: err}
}

// exitCode maps a command error to a process exit code. Errors without an
// explicit code are usage or I/O errors.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitCodeError
	if errors.As(err, &ee) {
		if ee.Code != ExitBlocked {
			fmt.Fprintln(stderr, "Error:", ee.Error())
		}
		return ee.Code
	}
	fmt.Fprintln(stderr, "Error:", err.Error())
	return ExitError
}

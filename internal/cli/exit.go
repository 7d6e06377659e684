// Package cli holds the pieces shared by the keyrelay command line tools.
package cli

import (
	"errors"
	"fmt"
)

// Exit codes.
const (
	ExitOK             = 0
	ExitFailure        = 1 // runtime failure
	ExitUsage          = 2 // bad flags or configuration
	ExitNotRunning     = 3 // daemon unreachable
	ExitConsumerBusy   = 4 // another consumer owns the output
	ExitAlreadyRunning = 5 // pidfile held by another daemon
)

// ExitError carries the process exit code for an error.
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

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches code and message to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode returns the code for err: 0 for nil, the ExitError code when
// there is one, ExitFailure otherwise.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

package cli

import (
	"errors"
	"fmt"
)

// Exit codes for the CLI.
const (
	exitSuccess = 0
	exitConfig  = 1
	exitRuntime = 2
	exitServer  = 3
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// ExitCode maps err to a process exit code. Errors that are not an
// ExitError exit with 1.
func ExitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

package sandbox

import "errors"

var (
	// ErrInvalidTimeout is returned when the timeout is invalid
	ErrInvalidTimeout = errors.New("invalid timeout (must be >= 0)")

	// ErrInvalidOutputLimit is returned when the output cap is invalid
	ErrInvalidOutputLimit = errors.New("invalid output limit (must be >= 0)")

	// ErrExecutionTimeout is returned when execution times out
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrCommandNotAllowed is returned when the command is outside the allowlist
	ErrCommandNotAllowed = errors.New("command not allowed")

	// ErrFilesystemAccessDenied is returned when the working directory is off limits
	ErrFilesystemAccessDenied = errors.New("filesystem access denied")
)

package toolexecutor

import (
	"context"
	"errors"
	"fmt"
)

// Tool error codes
const (
	CodeToolNotFound     = "TOOL_NOT_FOUND"
	CodeValidationError  = "VALIDATION_ERROR"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeTimeout          = "TIMEOUT"
	CodeRuntimeError     = "RUNTIME_ERROR"
	CodeConfigError      = "CONFIG_ERROR"
)

// ToolError is the typed failure a tool or pipeline stage may return.
type ToolError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewToolError creates a typed tool error.
func NewToolError(code, message string, details interface{}) *ToolError {
	return &ToolError{Code: code, Message: message, Details: details}
}

// Errorf creates a typed tool error with a formatted message.
func Errorf(code, format string, args ...interface{}) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsToolError converts any error into a ToolError. Deadline errors map to
// TIMEOUT and untyped errors to RUNTIME_ERROR.
func AsToolError(err error) *ToolError {
	if err == nil {
		return nil
	}

	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ToolError{Code: CodeTimeout, Message: err.Error()}
	}
	return &ToolError{Code: CodeRuntimeError, Message: err.Error()}
}

package toolexecutor

import (
	"context"
	"time"

	"github.com/harun/ranya-runtime/pkg/permission"
)

// Meta is the request metadata that flows into every tool invocation.
type Meta struct {
	TraceID         string           `json:"trace_id"`
	SessionID       string           `json:"session_id"`
	StepIndex       int              `json:"step_index"`
	CallID          string           `json:"call_id"`
	PermissionLevel permission.Level `json:"permission_level,omitempty"`
	WorkspaceRoot   string           `json:"workspace_root,omitempty"`
	Provider        string           `json:"provider,omitempty"`
}

// Limits bounds a single tool invocation.
type Limits struct {
	Timeout        time.Duration `json:"timeout"`
	MaxOutputBytes int           `json:"max_output_bytes"`
}

// ExecutionContext is handed to a tool's Run function.
type ExecutionContext struct {
	WorkspaceRoot string
	Limits        Limits
	Meta          Meta

	// Publish emits an event on the runtime bus. Never nil.
	Publish func(topic string, payload interface{})
}

// PermissionLevel returns the caller's level, defaulting to low.
func (ec *ExecutionContext) PermissionLevel() permission.Level {
	if ec == nil || !ec.Meta.PermissionLevel.Valid() {
		return permission.Low
	}
	return ec.Meta.PermissionLevel
}

type execContextKey struct{}

// ContextWithExecContext attaches the execution context to a context.Context for tool handlers.
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext extracts the execution context from a context.Context.
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	if ctx == nil {
		return nil
	}
	if v := ctx.Value(execContextKey{}); v != nil {
		if execCtx, ok := v.(*ExecutionContext); ok {
			return execCtx
		}
	}
	return nil
}

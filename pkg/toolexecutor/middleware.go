package toolexecutor

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// Call is the mutable state threaded through the pipeline for one invocation.
type Call struct {
	Request Request
	Tool    *Tool
	Output  string
	Metrics Metrics
}

// Next continues the pipeline.
type Next func(ctx context.Context) error

// Middleware is one pipeline stage. Returning an error short-circuits every later stage.
type Middleware func(ctx context.Context, call *Call, next Next) error

// auditLog wraps the rest of the pipeline and always records latency and an audit entry.
func (e *Executor) auditLog(ctx context.Context, call *Call, next Next) (err error) {
	meta := call.Request.Meta
	ctx, span := tracing.StartSpan(ctx, "ranya.toolexecutor", "tool.execute",
		attribute.String("tool", call.Request.Name),
		attribute.String("call_id", meta.CallID),
		attribute.Int("step_index", meta.StepIndex),
	)
	start := time.Now()

	defer func() {
		elapsed := time.Since(start)
		call.Metrics.LatencyMs = elapsed.Milliseconds()

		status := "success"
		code := ""
		if err != nil {
			te := AsToolError(err)
			status = "error"
			code = te.Code
			tracing.FailSpan(span, err)
		}
		span.End()

		observability.RecordToolExecution(call.Request.Name, elapsed, err == nil, code)
		e.audit.RecordTool(ctx, call.Request.Name, meta.SessionID, meta.TraceID, status, map[string]interface{}{
			"call_id":          meta.CallID,
			"step_index":       meta.StepIndex,
			"permission_level": string(meta.PermissionLevel),
			"provider":         meta.Provider,
			"code":             code,
			"latency_ms":       call.Metrics.LatencyMs,
		})
	}()

	return next(ctx)
}

// resolveTool looks the requested tool up in the registry.
func (e *Executor) resolveTool(ctx context.Context, call *Call, next Next) error {
	tool, ok := e.registry.Get(call.Request.Name)
	if !ok || tool == nil {
		e.schemas.invalidate(call.Request.Name)
		return Errorf(CodeToolNotFound, "tool not found: %s", call.Request.Name)
	}
	call.Tool = tool
	return next(ctx)
}

// validateSchema checks the arguments against the tool's cached input schema.
func (e *Executor) validateSchema(ctx context.Context, call *Call, next Next) error {
	schema, err := e.schemas.get(call.Tool)
	if err != nil {
		return NewToolError(CodeConfigError, err.Error(), nil)
	}

	args := call.Request.Args
	if args == nil {
		args = map[string]interface{}{}
		call.Request.Args = args
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return NewToolError(CodeValidationError, fmt.Sprintf("arguments for %s could not be validated: %v", call.Tool.Name, err), nil)
	}
	if !result.Valid() {
		return NewToolError(CodeValidationError, fmt.Sprintf("invalid arguments for %s", call.Tool.Name), validationIssues(result))
	}

	return next(ctx)
}

// enforcePolicy applies the global policy merged with the provider override.
func (e *Executor) enforcePolicy(ctx context.Context, call *Call, next Next) error {
	result := e.evaluator.Evaluate(call.Tool.Name, e.Policy(), call.Request.Meta.Provider)
	if !result.Allowed {
		return NewToolError(CodePermissionDenied, result.Reason, result.Metadata)
	}
	return next(ctx)
}

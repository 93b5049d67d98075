package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/bus"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds a tool run when Limits.Timeout is unset.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxOutputBytes caps the stringified result.
	DefaultMaxOutputBytes = 64 * 1024

	truncationMarker = "\n... [output truncated]"
)

// Request is a single tool call.
type Request struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
	Meta Meta                   `json:"meta"`
}

// Metrics is the bookkeeping recorded by the audit stage.
type Metrics struct {
	LatencyMs int64 `json:"latency_ms"`
}

// Result is the uniform outcome of Execute.
type Result struct {
	OK      bool        `json:"ok"`
	Result  string      `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Details interface{} `json:"details,omitempty"`
	Metrics Metrics     `json:"metrics"`
}

// Config configures an Executor.
type Config struct {
	Registry      Registry
	Policy        PolicyConfig
	Bus           bus.Publisher
	WorkspaceRoot string
	Limits        Limits
	Logger        zerolog.Logger
	// Audit receives one entry per call. Defaults to Logger.
	Audit *observability.AuditLogger
}

// Executor runs tool calls through the middleware pipeline.
type Executor struct {
	registry      Registry
	bus           bus.Publisher
	workspaceRoot string
	limits        Limits
	logger        zerolog.Logger
	audit         *observability.AuditLogger

	policy    atomic.Pointer[PolicyConfig]
	evaluator *PolicyEvaluator
	schemas   *schemaCache
	pipeline  []Middleware
}

// New creates an executor.
func New(cfg Config) *Executor {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Limits.Timeout <= 0 {
		cfg.Limits.Timeout = DefaultTimeout
	}
	if cfg.Limits.MaxOutputBytes <= 0 {
		cfg.Limits.MaxOutputBytes = DefaultMaxOutputBytes
	}

	logger := cfg.Logger.With().Str("component", "toolexecutor").Logger()
	if cfg.Audit == nil {
		cfg.Audit = observability.NewAuditLoggerFrom(cfg.Logger)
	}
	e := &Executor{
		registry:      cfg.Registry,
		bus:           cfg.Bus,
		workspaceRoot: cfg.WorkspaceRoot,
		limits:        cfg.Limits,
		logger:        logger,
		audit:         cfg.Audit,
		evaluator:     NewPolicyEvaluator(logger),
		schemas:       newSchemaCache(),
	}
	e.SetPolicy(cfg.Policy)
	e.pipeline = []Middleware{e.auditLog, e.resolveTool, e.validateSchema, e.enforcePolicy}

	return e
}

// SetPolicy swaps the live policy. Safe to call while calls are in flight.
func (e *Executor) SetPolicy(p PolicyConfig) {
	e.policy.Store(&p)
	e.logger.Info().
		Int("allow", len(p.Allow)).
		Int("deny", len(p.Deny)).
		Int("provider_overrides", len(p.ByProvider)).
		Msg("Tool policy updated")
}

// Policy returns the live policy.
func (e *Executor) Policy() PolicyConfig {
	return *e.policy.Load()
}

// Registry returns the registry the executor resolves against.
func (e *Executor) Registry() Registry {
	return e.registry
}

// AllowedTools lists registered tools the policy permits for provider.
func (e *Executor) AllowedTools(provider string) []*Tool {
	policy := e.Policy().Effective(provider)
	tools := e.registry.List()
	allowed := make([]*Tool, 0, len(tools))
	for _, tool := range tools {
		if policy.IsToolAllowed(tool.Name) {
			allowed = append(allowed, tool)
		}
	}
	return allowed
}

// Execute runs one tool call. It never fails: every error becomes a Result
// with OK=false.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	if ctx == nil {
		ctx = context.Background()
	}

	call := &Call{Request: req}
	e.emitDebug("executor.start", map[string]interface{}{
		"trace_id":   req.Meta.TraceID,
		"call_id":    req.Meta.CallID,
		"step_index": req.Meta.StepIndex,
		"tool":       req.Name,
	})

	err := e.dispatch(ctx, call, 0)
	result := Result{Metrics: call.Metrics}
	if err != nil {
		te := AsToolError(err)
		result.Error = te.Message
		result.Code = te.Code
		result.Details = te.Details

		logger := tracing.LoggerFromContext(ctx, e.logger)
		logger.Warn().
			Str("tool", req.Name).
			Str("call_id", req.Meta.CallID).
			Str("code", te.Code).
			Str("error", te.Message).
			Msg("Tool execution failed")
	} else {
		result.OK = true
		result.Result = call.Output

		logger := tracing.LoggerFromContext(ctx, e.logger)
		logger.Debug().
			Str("tool", req.Name).
			Str("call_id", req.Meta.CallID).
			Int64("latency_ms", call.Metrics.LatencyMs).
			Msg("Tool execution completed")
	}

	e.emitDebug("executor.completed", map[string]interface{}{
		"trace_id":   req.Meta.TraceID,
		"call_id":    req.Meta.CallID,
		"step_index": req.Meta.StepIndex,
		"tool":       req.Name,
		"ok":         result.OK,
		"code":       result.Code,
		"latency_ms": result.Metrics.LatencyMs,
	})

	return result
}

func (e *Executor) dispatch(ctx context.Context, call *Call, i int) error {
	if i == len(e.pipeline) {
		return e.run(ctx, call)
	}
	return e.pipeline[i](ctx, call, func(ctx context.Context) error {
		return e.dispatch(ctx, call, i+1)
	})
}

type runOutcome struct {
	value interface{}
	err   error
}

// run is the terminal stage. It invokes the resolved tool under the configured limits.
func (e *Executor) run(ctx context.Context, call *Call) error {
	meta := call.Request.Meta
	if meta.WorkspaceRoot == "" {
		meta.WorkspaceRoot = e.workspaceRoot
	}

	execCtx := &ExecutionContext{
		WorkspaceRoot: meta.WorkspaceRoot,
		Limits:        e.limits,
		Meta:          meta,
		Publish:       e.publish,
	}

	runCtx, cancel := context.WithTimeout(ContextWithExecContext(ctx, execCtx), e.limits.Timeout)
	defer cancel()

	done := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runOutcome{err: Errorf(CodeRuntimeError, "tool %s panicked: %v", call.Tool.Name, r)}
			}
		}()
		value, err := call.Tool.Run(runCtx, call.Request.Args, execCtx)
		done <- runOutcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return AsToolError(out.err)
		}
		call.Output = e.truncate(Stringify(out.value))
		return nil
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return Errorf(CodeRuntimeError, "tool %s cancelled: %v", call.Tool.Name, ctx.Err())
		}
		return Errorf(CodeTimeout, "tool %s timed out after %s", call.Tool.Name, e.limits.Timeout)
	}
}

func (e *Executor) publish(topic string, payload interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, payload)
}

func (e *Executor) emitDebug(topic string, payload map[string]interface{}) {
	if e.bus == nil || !e.bus.Debug() {
		return
	}
	e.bus.Publish(topic, payload)
}

func (e *Executor) truncate(s string) string {
	limit := e.limits.MaxOutputBytes
	if len(s) <= limit {
		return s
	}

	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	e.logger.Warn().
		Int("original", len(s)).
		Int("truncated", cut).
		Msg("Output truncated")

	return s[:cut] + truncationMarker
}

// Stringify renders a tool return value as the result string. Strings pass
// through unchanged; other values are JSON encoded.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case json.RawMessage:
		return string(t)
	case fmt.Stringer:
		return t.String()
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

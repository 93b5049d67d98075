package toolexecutor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/pkg/bus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addTool(calls *int) Tool {
	return Tool{
		Name:        "add",
		Type:        "local",
		Description: "Add two numbers",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"a": map[string]interface{}{"type": "number"},
				"b": map[string]interface{}{"type": "number"},
			},
			"required": []interface{}{"a", "b"},
		},
		Run: func(ctx context.Context, args map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
			if calls != nil {
				*calls++
			}
			return args["a"].(float64) + args["b"].(float64), nil
		},
	}
}

func newTestExecutor(t *testing.T, tools ...Tool) (*Executor, *ToolRegistry) {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range tools {
		require.NoError(t, reg.Register(tool))
	}
	return New(Config{Registry: reg, Logger: zerolog.Nop()}), reg
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(addTool(nil)))

	tool, ok := reg.Get("add")
	require.True(t, ok)
	assert.Equal(t, "local", tool.Type)
	assert.Len(t, reg.List(), 1)

	reg.Unregister("add")
	reg.Unregister("add")
	_, ok = reg.Get("add")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Count())
}

func TestRegistry_Register_InvalidDefinition(t *testing.T) {
	run := func(ctx context.Context, args map[string]interface{}, ec *ExecutionContext) (interface{}, error) { return nil, nil }

	tests := []struct {
		name string
		tool Tool
	}{
		{"empty name", Tool{Description: "x", Run: run}},
		{"empty description", Tool{Name: "x", Run: run}},
		{"nil run", Tool{Name: "x", Description: "x"}},
		{"non-object schema", Tool{Name: "x", Description: "x", Run: run, InputSchema: map[string]interface{}{"type": "string"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, NewRegistry().Register(tt.tool))
		})
	}
}

func TestRegistry_ListKeepsRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"c", "a", "b"} {
		tool := addTool(nil)
		tool.Name = name
		require.NoError(t, reg.Register(tool))
	}

	var names []string
	for _, tool := range reg.List() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"c", "a", "b"}, names)
}

func TestExecutor_Execute_Success(t *testing.T) {
	exec, _ := newTestExecutor(t, addTool(nil))

	res := exec.Execute(context.Background(), Request{
		Name: "add",
		Args: map[string]interface{}{"a": 20.0, "b": 22.0},
		Meta: Meta{TraceID: "t1", CallID: "c1"},
	})

	assert.True(t, res.OK)
	assert.Equal(t, "42", res.Result)
	assert.Empty(t, res.Code)
	assert.GreaterOrEqual(t, res.Metrics.LatencyMs, int64(0))
}

func TestExecutor_Execute_ToolNotFound(t *testing.T) {
	exec, _ := newTestExecutor(t)

	res := exec.Execute(context.Background(), Request{Name: "missing"})

	assert.False(t, res.OK)
	assert.Equal(t, CodeToolNotFound, res.Code)
	assert.Contains(t, res.Error, "missing")
}

func TestExecutor_Execute_ValidationShortCircuits(t *testing.T) {
	calls := 0
	exec, _ := newTestExecutor(t, addTool(&calls))

	res := exec.Execute(context.Background(), Request{
		Name: "add",
		Args: map[string]interface{}{"a": "twenty"},
	})

	assert.False(t, res.OK)
	assert.Equal(t, CodeValidationError, res.Code)
	issues, ok := res.Details.([]ValidationIssue)
	require.True(t, ok)
	assert.NotEmpty(t, issues)
	assert.Equal(t, 0, calls, "run must not execute when validation fails")
}

func TestExecutor_Execute_PolicyDenied(t *testing.T) {
	calls := 0
	exec, _ := newTestExecutor(t, addTool(&calls))
	exec.SetPolicy(PolicyConfig{ToolPolicy: ToolPolicy{Allow: []string{"add"}, Deny: []string{"add"}}})

	res := exec.Execute(context.Background(), Request{
		Name: "add",
		Args: map[string]interface{}{"a": 1.0, "b": 2.0},
	})

	assert.False(t, res.OK)
	assert.Equal(t, CodePermissionDenied, res.Code)
	assert.Equal(t, 0, calls)
}

func TestExecutor_Execute_ProviderOverride(t *testing.T) {
	exec, _ := newTestExecutor(t, addTool(nil))
	exec.SetPolicy(PolicyConfig{
		ByProvider: map[string]ToolPolicy{
			"anthropic/*": {Deny: []string{"add"}},
		},
	})

	args := map[string]interface{}{"a": 1.0, "b": 2.0}

	res := exec.Execute(context.Background(), Request{Name: "add", Args: args, Meta: Meta{Provider: "anthropic/claude"}})
	assert.Equal(t, CodePermissionDenied, res.Code)

	res = exec.Execute(context.Background(), Request{Name: "add", Args: args, Meta: Meta{Provider: "openai/gpt-4o"}})
	assert.True(t, res.OK)
}

func TestExecutor_Execute_TypedToolError(t *testing.T) {
	exec, _ := newTestExecutor(t, Tool{
		Name:        "fail",
		Description: "Always fails",
		Run: func(ctx context.Context, args map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
			return nil, NewToolError(CodeConfigError, "missing api key", map[string]interface{}{"env": "KEY"})
		},
	})

	res := exec.Execute(context.Background(), Request{Name: "fail"})

	assert.False(t, res.OK)
	assert.Equal(t, CodeConfigError, res.Code)
	assert.Equal(t, "missing api key", res.Error)
	assert.Equal(t, map[string]interface{}{"env": "KEY"}, res.Details)
}

func TestExecutor_Execute_UntypedErrorAndPanic(t *testing.T) {
	exec, _ := newTestExecutor(t,
		Tool{
			Name:        "boom",
			Description: "Returns a plain error",
			Run: func(ctx context.Context, args map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
				return nil, errors.New("disk on fire")
			},
		},
		Tool{
			Name:        "panics",
			Description: "Panics",
			Run: func(ctx context.Context, args map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
				panic("unexpected")
			},
		},
	)

	res := exec.Execute(context.Background(), Request{Name: "boom"})
	assert.Equal(t, CodeRuntimeError, res.Code)
	assert.Equal(t, "disk on fire", res.Error)

	res = exec.Execute(context.Background(), Request{Name: "panics"})
	assert.Equal(t, CodeRuntimeError, res.Code)
	assert.Contains(t, res.Error, "panicked")
}

func TestExecutor_Execute_Timeout(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Tool{
		Name:        "slow",
		Description: "Sleeps",
		Run: func(ctx context.Context, args map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	exec := New(Config{Registry: reg, Limits: Limits{Timeout: 20 * time.Millisecond}, Logger: zerolog.Nop()})

	res := exec.Execute(context.Background(), Request{Name: "slow"})

	assert.False(t, res.OK)
	assert.Equal(t, CodeTimeout, res.Code)
}

func TestExecutor_Execute_StringifiesAndTruncates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Tool{
		Name:        "obj",
		Description: "Returns an object",
		Run: func(ctx context.Context, args map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
			return map[string]interface{}{"n": 1}, nil
		},
	}))
	require.NoError(t, reg.Register(Tool{
		Name:        "big",
		Description: "Returns a long string",
		Run: func(ctx context.Context, args map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
			return strings.Repeat("x", 100), nil
		},
	}))
	exec := New(Config{Registry: reg, Limits: Limits{MaxOutputBytes: 10}, Logger: zerolog.Nop()})

	res := exec.Execute(context.Background(), Request{Name: "obj"})
	assert.Equal(t, `{"n":1}`, res.Result)

	res = exec.Execute(context.Background(), Request{Name: "big"})
	assert.True(t, strings.HasPrefix(res.Result, "xxxxxxxxxx"))
	assert.True(t, strings.HasSuffix(res.Result, truncationMarker))
}

func TestExecutor_ExecutionContext(t *testing.T) {
	var got *ExecutionContext
	var fromCtx *ExecutionContext
	reg := NewRegistry()
	require.NoError(t, reg.Register(Tool{
		Name:        "inspect",
		Description: "Captures its context",
		Run: func(ctx context.Context, args map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
			got = ec
			fromCtx = ExecContextFromContext(ctx)
			ec.Publish("tool.progress", "half")
			return "ok", nil
		},
	}))

	b := bus.New(bus.Config{Logger: zerolog.Nop()})
	var progress []interface{}
	b.Subscribe("tool.progress", func(p interface{}) { progress = append(progress, p) })

	exec := New(Config{Registry: reg, Bus: b, WorkspaceRoot: "/ws", Logger: zerolog.Nop()})
	res := exec.Execute(context.Background(), Request{
		Name: "inspect",
		Meta: Meta{TraceID: "t", SessionID: "s", StepIndex: 2, CallID: "c", PermissionLevel: "high"},
	})

	require.True(t, res.OK)
	require.NotNil(t, got)
	assert.Same(t, got, fromCtx)
	assert.Equal(t, "/ws", got.WorkspaceRoot)
	assert.Equal(t, "/ws", got.Meta.WorkspaceRoot)
	assert.Equal(t, 2, got.Meta.StepIndex)
	assert.Equal(t, "c", got.Meta.CallID)
	assert.Equal(t, "high", string(got.PermissionLevel()))
	assert.Equal(t, DefaultTimeout, got.Limits.Timeout)
	assert.Equal(t, []interface{}{"half"}, progress)
}

func TestExecutor_DebugEvents(t *testing.T) {
	b := bus.New(bus.Config{Logger: zerolog.Nop()})
	var topics []string
	var mu sync.Mutex
	b.SubscribeAll(func(e bus.Event) {
		mu.Lock()
		topics = append(topics, e.Topic)
		mu.Unlock()
	})

	reg := NewRegistry()
	require.NoError(t, reg.Register(addTool(nil)))
	exec := New(Config{Registry: reg, Bus: b, Logger: zerolog.Nop()})
	args := map[string]interface{}{"a": 1.0, "b": 1.0}

	exec.Execute(context.Background(), Request{Name: "add", Args: args})
	assert.Empty(t, topics)

	b.SetDebug(true)
	exec.Execute(context.Background(), Request{Name: "add", Args: args})
	assert.Equal(t, []string{"executor.start", "executor.completed"}, topics)
}

func TestExecutor_SchemaCache(t *testing.T) {
	exec, reg := newTestExecutor(t, addTool(nil))
	args := map[string]interface{}{"a": 1.0, "b": 1.0}

	exec.Execute(context.Background(), Request{Name: "add", Args: args})
	exec.Execute(context.Background(), Request{Name: "add", Args: args})
	assert.Equal(t, 1, exec.schemas.size())

	// Re-registering with a stricter schema must take effect.
	strict := addTool(nil)
	strict.InputSchema["required"] = []interface{}{"a", "b", "c"}
	require.NoError(t, reg.Register(strict))

	res := exec.Execute(context.Background(), Request{Name: "add", Args: args})
	assert.Equal(t, CodeValidationError, res.Code)

	reg.Unregister("add")
	res = exec.Execute(context.Background(), Request{Name: "add", Args: args})
	assert.Equal(t, CodeToolNotFound, res.Code)
	assert.Equal(t, 0, exec.schemas.size())
}

func TestExecutor_AllowedTools(t *testing.T) {
	echo := addTool(nil)
	echo.Name = "echo"
	exec, _ := newTestExecutor(t, addTool(nil), echo)
	exec.SetPolicy(PolicyConfig{ToolPolicy: ToolPolicy{Deny: []string{"ec*"}}})

	tools := exec.AllowedTools("")
	require.Len(t, tools, 1)
	assert.Equal(t, "add", tools[0].Name)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "plain", Stringify("plain"))
	assert.Equal(t, "42", Stringify(42))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, `["a","b"]`, Stringify([]string{"a", "b"}))
	assert.Equal(t, "raw", Stringify([]byte("raw")))
}

func TestExecutor_AuditFollowsLogger(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(addTool(nil)))
	args := map[string]interface{}{"a": 1.0, "b": 2.0}

	var logs bytes.Buffer
	exec := New(Config{Registry: reg, Logger: zerolog.New(&logs)})
	res := exec.Execute(context.Background(), Request{Name: "add", Args: args, Meta: Meta{SessionID: "s-1", CallID: "c-1"}})
	require.True(t, res.OK)
	assert.Contains(t, logs.String(), `"component":"audit"`)
	assert.Contains(t, logs.String(), `"action":"execute:add"`)

	var audit bytes.Buffer
	exec = New(Config{Registry: reg, Logger: zerolog.Nop(), Audit: observability.NewAuditLogger(&audit)})
	exec.Execute(context.Background(), Request{Name: "missing"})
	assert.Contains(t, audit.String(), `"action":"execute:missing"`)
	assert.Contains(t, audit.String(), `"status":"error"`)
}

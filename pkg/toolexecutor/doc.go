// Package toolexecutor registers tools and runs single tool calls through a
// fixed middleware pipeline: audit, resolve, schema validation, policy, run.
//
// Invariants:
// - Tool names are unique within a registry.
// - Arguments are schema-validated before a tool runs.
// - Execute never returns an error; failures come back as a Result with OK=false and a Code.
// - A successful Result always carries a string.
//
// Usage:
//
//	reg := toolexecutor.NewRegistry()
//	_ = reg.Register(toolexecutor.Tool{
//		Name:        "echo",
//		Type:        "local",
//		Description: "Echo input",
//		InputSchema: map[string]interface{}{"type": "object"},
//		Run: func(ctx context.Context, args map[string]interface{}, ec *toolexecutor.ExecutionContext) (interface{}, error) {
//			return args["text"], nil
//		},
//	})
//	exec := toolexecutor.New(toolexecutor.Config{Registry: reg})
//	res := exec.Execute(ctx, toolexecutor.Request{Name: "echo", Args: map[string]interface{}{"text": "hi"}})
package toolexecutor

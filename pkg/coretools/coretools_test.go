package coretools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/ranya-runtime/pkg/memory"
	"github.com/harun/ranya-runtime/pkg/permission"
	"github.com/harun/ranya-runtime/pkg/sandbox"
	"github.com/harun/ranya-runtime/pkg/toolexecutor"
	"github.com/harun/ranya-runtime/pkg/workspace"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	root string
	opts Options
	mem  *memory.Store
	ws   *workspace.Workspace
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	sb, err := sandbox.NewHostSandbox(sandbox.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	mem, err := memory.Open(memory.Config{DBPath: filepath.Join(t.TempDir(), "memory.db"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	ws, err := workspace.New(workspace.Config{Path: root, Logger: zerolog.Nop()})
	require.NoError(t, err)

	return &fixture{
		root: root,
		mem:  mem,
		ws:   ws,
		opts: Options{
			Sandbox:     sb,
			Permissions: permission.DefaultPolicy(),
			Memory:      mem,
			Persona:     ws,
		},
	}
}

func (f *fixture) run(t *testing.T, name string, level permission.Level, sessionID string, args map[string]interface{}) (map[string]interface{}, error) {
	t.Helper()
	for _, tool := range Tools(f.opts) {
		if tool.Name != name {
			continue
		}
		ec := &toolexecutor.ExecutionContext{
			WorkspaceRoot: f.root,
			Meta:          toolexecutor.Meta{SessionID: sessionID, PermissionLevel: level},
			Publish:       func(string, interface{}) {},
		}
		out, err := tool.Run(context.Background(), args, ec)
		if err != nil {
			return nil, err
		}
		return out.(map[string]interface{}), nil
	}
	t.Fatalf("tool %s not registered", name)
	return nil, nil
}

func errCode(err error) string {
	if te := toolexecutor.AsToolError(err); te != nil {
		return te.Code
	}
	return ""
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	reg := toolexecutor.NewRegistry()
	require.NoError(t, Register(reg, f.opts))

	names := make([]string, 0, reg.Count())
	for _, tool := range reg.List() {
		names = append(names, tool.Name)
		assert.Equal(t, "object", tool.InputSchema["type"], tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"read_file", "list_dir", "write_file", "shell_exec",
		"memory_read", "memory_write", "persona_update",
	}, names)

	assert.Error(t, Register(nil, f.opts))
}

func TestToolsSkipMissingDependencies(t *testing.T) {
	tools := Tools(Options{Permissions: permission.DefaultPolicy()})
	require.Len(t, tools, 3)
	for _, tool := range tools {
		assert.Equal(t, TypeFS, tool.Type)
	}
}

func TestReadFile(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "notes.txt"), []byte("hello world"), 0o644))

	out, err := f.run(t, "read_file", permission.Low, "s1", map[string]interface{}{"path": "notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out["content"])
	assert.Equal(t, false, out["truncated"])

	out, err = f.run(t, "read_file", permission.Low, "s1", map[string]interface{}{"path": "notes.txt", "max_bytes": float64(5)})
	require.NoError(t, err)
	assert.Equal(t, "hello", out["content"])
	assert.Equal(t, true, out["truncated"])

	_, err = f.run(t, "read_file", permission.Low, "s1", map[string]interface{}{"path": "../outside.txt"})
	assert.Equal(t, toolexecutor.CodePermissionDenied, errCode(err))

	_, err = f.run(t, "read_file", permission.Low, "s1", map[string]interface{}{"path": "/etc/hostname"})
	assert.Equal(t, toolexecutor.CodePermissionDenied, errCode(err))

	_, err = f.run(t, "read_file", permission.Low, "s1", map[string]interface{}{"path": "missing.txt"})
	assert.Error(t, err)
}

func TestListDir(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "b.txt"), []byte("abc"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(f.root, "a"), 0o755))

	out, err := f.run(t, "list_dir", permission.Low, "s1", map[string]interface{}{})
	require.NoError(t, err)
	entries := out["entries"].([]map[string]interface{})
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0]["name"])
	assert.Equal(t, "dir", entries[0]["type"])
	assert.Equal(t, "b.txt", entries[1]["name"])
	assert.Equal(t, int64(3), entries[1]["size"])
}

func TestWriteFile(t *testing.T) {
	f := newFixture(t)
	args := map[string]interface{}{"path": "out/result.txt", "content": "one"}

	_, err := f.run(t, "write_file", permission.Low, "s1", args)
	assert.Equal(t, toolexecutor.CodePermissionDenied, errCode(err))
	assert.NoFileExists(t, filepath.Join(f.root, "out", "result.txt"))

	_, err = f.run(t, "write_file", permission.Medium, "s1", args)
	require.NoError(t, err)
	_, err = f.run(t, "write_file", permission.Medium, "s1", map[string]interface{}{"path": "out/result.txt", "content": "two", "append": true})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.root, "out", "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "onetwo", string(data))

	_, err = f.run(t, "write_file", permission.High, "s1", map[string]interface{}{"path": "../escape.txt", "content": "x"})
	assert.Equal(t, toolexecutor.CodePermissionDenied, errCode(err))
}

func TestShellExec(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "shell_exec", permission.Low, "s1", map[string]interface{}{
		"command": "echo",
		"args":    []interface{}{"hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out["stdout"])
	assert.Equal(t, 0, out["exit_code"])

	out, err = f.run(t, "shell_exec", permission.Low, "s1", map[string]interface{}{
		"command": "cat",
		"args":    []interface{}{"missing.txt"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, 0, out["exit_code"])
	assert.NotEmpty(t, out["stderr"])

	_, err = f.run(t, "shell_exec", permission.Low, "s1", map[string]interface{}{"command": "rm", "args": []interface{}{"-rf", "x"}})
	assert.Equal(t, toolexecutor.CodePermissionDenied, errCode(err))

	_, err = f.run(t, "shell_exec", permission.Low, "s1", map[string]interface{}{"command": "ls", "cwd": "../.."})
	assert.Equal(t, toolexecutor.CodePermissionDenied, errCode(err))

	_, err = f.run(t, "shell_exec", permission.Low, "s1", map[string]interface{}{"command": "  "})
	assert.Equal(t, toolexecutor.CodeValidationError, errCode(err))
}

func TestShellExecTimeout(t *testing.T) {
	f := newFixture(t)
	f.opts.Permissions.ShellBins.Low = []string{"sleep"}

	_, err := f.run(t, "shell_exec", permission.Low, "s1", map[string]interface{}{
		"command":         "sleep",
		"args":            []interface{}{"5"},
		"timeout_seconds": 0.05,
	})
	assert.Equal(t, toolexecutor.CodeTimeout, errCode(err))
}

func TestMemoryTools(t *testing.T) {
	f := newFixture(t)
	write := map[string]interface{}{"key": "favorite_color", "value": "teal"}

	_, err := f.run(t, "memory_write", permission.Low, "s1", write)
	assert.Equal(t, toolexecutor.CodePermissionDenied, errCode(err))

	out, err := f.run(t, "memory_write", permission.Medium, "s1", write)
	require.NoError(t, err)
	assert.Equal(t, "s1", out["scope"])

	out, err = f.run(t, "memory_read", permission.Low, "s1", map[string]interface{}{"key": "favorite_color"})
	require.NoError(t, err)
	assert.Equal(t, true, out["found"])
	assert.Equal(t, "teal", out["value"])

	out, err = f.run(t, "memory_read", permission.Low, "s2", map[string]interface{}{"key": "favorite_color"})
	require.NoError(t, err)
	assert.Equal(t, false, out["found"], "session scopes are isolated")

	_, err = f.run(t, "memory_write", permission.High, "s2", map[string]interface{}{"key": "timezone", "value": "UTC+7", "scope": "global"})
	require.NoError(t, err)

	out, err = f.run(t, "memory_read", permission.Low, "s1", map[string]interface{}{"query": "utc", "scope": "global"})
	require.NoError(t, err)
	records := out["records"].([]map[string]interface{})
	require.Len(t, records, 1)
	assert.Equal(t, "timezone", records[0]["key"])

	out, err = f.run(t, "memory_read", permission.Low, "", map[string]interface{}{"prefix": "time"})
	require.NoError(t, err)
	assert.Equal(t, memory.GlobalScope, out["scope"])
	assert.Len(t, out["records"], 1)

	_, err = f.run(t, "memory_write", permission.Medium, "s1", map[string]interface{}{"key": "big", "value": strings.Repeat("x", memory.MaxValueBytes+1)})
	assert.Equal(t, toolexecutor.CodeValidationError, errCode(err))
}

func TestPersonaUpdate(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "persona_update", permission.Low, "s1", map[string]interface{}{})
	assert.Equal(t, toolexecutor.CodeValidationError, errCode(err))

	out, err := f.run(t, "persona_update", permission.Low, "s1", map[string]interface{}{
		"nickname": "Ranya",
		"note":     "prefers short answers",
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["updated"])

	persona, err := workspace.LoadPersona(f.root)
	require.NoError(t, err)
	assert.Equal(t, "Ranya", persona.Nickname)
	assert.Equal(t, []string{"prefers short answers"}, persona.Notes)
	assert.Equal(t, "Ranya", f.ws.Persona().Nickname)
}

func TestResolvePathInWorkspace(t *testing.T) {
	root := t.TempDir()

	p, err := resolvePathInWorkspace(root, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", "b.txt"), p)

	p, err = resolvePathInWorkspace(root, filepath.Join(root, "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "c.txt"), p)

	_, err = resolvePathInWorkspace(root, "https://example.com/x")
	assert.Equal(t, toolexecutor.CodeValidationError, errCode(err))

	_, err = resolvePathInWorkspace(root, "a/../../x")
	assert.Equal(t, toolexecutor.CodePermissionDenied, errCode(err))
}

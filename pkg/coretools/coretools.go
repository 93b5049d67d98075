// Package coretools provides the built-in tools: shell execution, workspace
// file access, key/value memory and persona updates.
package coretools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/ranya-runtime/pkg/memory"
	"github.com/harun/ranya-runtime/pkg/permission"
	"github.com/harun/ranya-runtime/pkg/sandbox"
	"github.com/harun/ranya-runtime/pkg/toolexecutor"
	"github.com/harun/ranya-runtime/pkg/workspace"
)

// Tool types
const (
	TypeShell  = "shell"
	TypeFS     = "fs"
	TypeMemory = "memory"
	TypeLocal  = "local"
)

// MemoryStore is the subset of memory.Store the memory tools use.
type MemoryStore interface {
	Put(ctx context.Context, scope, key, value string) error
	Get(ctx context.Context, scope, key string) (memory.Record, error)
	List(ctx context.Context, scope, prefix string, limit int) ([]memory.Record, error)
	Search(ctx context.Context, scope, text string, limit int) ([]memory.Record, error)
}

// PersonaStore persists persona overrides.
type PersonaStore interface {
	UpdatePersona(root string, u workspace.PersonaUpdate) (workspace.Persona, error)
}

// Options configures core tool registration. Tools whose dependency is nil
// are not registered.
type Options struct {
	Sandbox      sandbox.Sandbox
	Permissions  permission.Policy
	Memory       MemoryStore
	Persona      PersonaStore
	ShellTimeout time.Duration
}

// Tools builds the core tool set for opts.
func Tools(opts Options) []toolexecutor.Tool {
	if opts.ShellTimeout <= 0 {
		opts.ShellTimeout = 30 * time.Second
	}

	tools := []toolexecutor.Tool{
		readFileTool(),
		listDirTool(),
		writeFileTool(),
	}
	if opts.Sandbox != nil {
		tools = append(tools, shellExecTool(opts))
	}
	if opts.Memory != nil {
		tools = append(tools, memoryReadTool(opts), memoryWriteTool(opts))
	}
	if opts.Persona != nil {
		tools = append(tools, personaUpdateTool(opts))
	}
	return tools
}

// Register adds the core tools to reg.
func Register(reg *toolexecutor.ToolRegistry, opts Options) error {
	if reg == nil {
		return errors.New("tool registry is required")
	}
	for _, tool := range Tools(opts) {
		if err := reg.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

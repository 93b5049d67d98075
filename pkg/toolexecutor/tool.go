package toolexecutor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// RunFunc is the executable body of a tool.
type RunFunc func(ctx context.Context, args map[string]interface{}, execCtx *ExecutionContext) (interface{}, error)

// Tool is a registry entry.
type Tool struct {
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
	Run         RunFunc                `json:"-"`
}

// Registry resolves tools by name.
type Registry interface {
	Get(name string) (*Tool, bool)
	List() []*Tool
}

// ToolRegistry is the in-memory Registry. Tools can be replaced at runtime.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*Tool),
	}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(tool Tool) error {
	if err := validateTool(tool); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; !exists {
		r.order = append(r.order, tool.Name)
	}
	t := tool
	r.tools[tool.Name] = &t

	log.Debug().Str("tool", tool.Name).Str("type", tool.Type).Msg("Tool registered")
	return nil
}

// Unregister removes a tool. Unknown names are ignored.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}

	log.Debug().Str("tool", name).Msg("Tool unregistered")
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	return tool, ok
}

// List returns tools in registration order.
func (r *ToolRegistry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func validateTool(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if tool.Run == nil {
		return fmt.Errorf("tool run function cannot be nil")
	}
	if tool.InputSchema != nil {
		if t, ok := tool.InputSchema["type"]; ok && t != "object" {
			return fmt.Errorf("input schema for %s must describe an object", tool.Name)
		}
	}
	return nil
}

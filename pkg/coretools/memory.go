package coretools

import (
	"context"
	"errors"
	"strings"

	"github.com/harun/ranya-runtime/pkg/memory"
	"github.com/harun/ranya-runtime/pkg/toolexecutor"
)

var scopeProperty = map[string]interface{}{
	"type":        "string",
	"enum":        []interface{}{"session", "global"},
	"description": "session (default) or global",
}

// memoryScope maps the scope argument to a store scope. Sessionless calls
// fall back to the global scope.
func memoryScope(args map[string]interface{}, ec *toolexecutor.ExecutionContext) string {
	if stringArg(args, "scope") == "global" || ec == nil || ec.Meta.SessionID == "" {
		return memory.GlobalScope
	}
	return ec.Meta.SessionID
}

func memoryReadTool(opts Options) toolexecutor.Tool {
	return toolexecutor.Tool{
		Name:        "memory_read",
		Type:        TypeMemory,
		Description: "Read remembered values by key, key prefix or text search.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"key":    map[string]interface{}{"type": "string"},
				"prefix": map[string]interface{}{"type": "string"},
				"query":  map[string]interface{}{"type": "string", "description": "Substring matched against keys and values"},
				"scope":  scopeProperty,
				"limit":  map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 100},
			},
		},
		Run: func(ctx context.Context, args map[string]interface{}, ec *toolexecutor.ExecutionContext) (interface{}, error) {
			level := ec.PermissionLevel()
			if !opts.Permissions.CanReadMemory(level) {
				return nil, denied("memory read is not allowed at permission level %s", level)
			}
			scope := memoryScope(args, ec)

			if key := strings.TrimSpace(stringArg(args, "key")); key != "" {
				rec, err := opts.Memory.Get(ctx, scope, key)
				if errors.Is(err, memory.ErrNotFound) {
					return map[string]interface{}{"scope": scope, "key": key, "found": false}, nil
				}
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{"scope": scope, "key": key, "found": true, "value": rec.Value}, nil
			}

			limit := intArg(args, "limit", memory.DefaultListLimit)
			var (
				records []memory.Record
				err     error
			)
			if query := strings.TrimSpace(stringArg(args, "query")); query != "" {
				records, err = opts.Memory.Search(ctx, scope, query, limit)
			} else {
				records, err = opts.Memory.List(ctx, scope, stringArg(args, "prefix"), limit)
			}
			if err != nil {
				return nil, err
			}

			items := make([]map[string]interface{}, 0, len(records))
			for _, rec := range records {
				items = append(items, map[string]interface{}{"key": rec.Key, "value": rec.Value})
			}
			return map[string]interface{}{"scope": scope, "records": items}, nil
		},
	}
}

func memoryWriteTool(opts Options) toolexecutor.Tool {
	return toolexecutor.Tool{
		Name:        "memory_write",
		Type:        TypeMemory,
		Description: "Remember a value under a key for later turns.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"key":   map[string]interface{}{"type": "string", "minLength": 1, "maxLength": memory.MaxKeyLength},
				"value": map[string]interface{}{"type": "string"},
				"scope": scopeProperty,
			},
			"required": []interface{}{"key", "value"},
		},
		Run: func(ctx context.Context, args map[string]interface{}, ec *toolexecutor.ExecutionContext) (interface{}, error) {
			level := ec.PermissionLevel()
			if !opts.Permissions.CanWriteMemory(level) {
				return nil, denied("memory write is not allowed at permission level %s", level)
			}
			key := strings.TrimSpace(stringArg(args, "key"))
			value := stringArg(args, "value")
			if len(value) > memory.MaxValueBytes {
				return nil, invalid("value exceeds %d bytes", memory.MaxValueBytes)
			}

			scope := memoryScope(args, ec)
			if err := opts.Memory.Put(ctx, scope, key, value); err != nil {
				return nil, err
			}
			return map[string]interface{}{"scope": scope, "key": key, "stored": true}, nil
		},
	}
}

package coretools

import (
	"context"
	"strings"

	"github.com/harun/ranya-runtime/pkg/toolexecutor"
	"github.com/harun/ranya-runtime/pkg/workspace"
)

func personaUpdateTool(opts Options) toolexecutor.Tool {
	return toolexecutor.Tool{
		Name:        "persona_update",
		Type:        TypeLocal,
		Description: "Update how the assistant is named, how it addresses the user, its tone, or add persona notes.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"nickname":    map[string]interface{}{"type": "string", "description": "Name the user calls the assistant"},
				"user_name":   map[string]interface{}{"type": "string", "description": "How to address the user"},
				"tone":        map[string]interface{}{"type": "string"},
				"note":        map[string]interface{}{"type": "string", "description": "A preference to remember"},
				"clear_notes": map[string]interface{}{"type": "boolean"},
			},
		},
		Run: func(ctx context.Context, args map[string]interface{}, ec *toolexecutor.ExecutionContext) (interface{}, error) {
			root, err := workspaceRoot(ec)
			if err != nil {
				return nil, err
			}

			update := workspace.PersonaUpdate{
				Nickname:   optionalString(args, "nickname"),
				UserName:   optionalString(args, "user_name"),
				Tone:       optionalString(args, "tone"),
				ClearNotes: boolArg(args, "clear_notes"),
			}
			if note := strings.TrimSpace(stringArg(args, "note")); note != "" {
				update.AddNotes = []string{note}
			}
			if update.Empty() {
				return nil, invalid("at least one persona field is required")
			}

			persona, err := opts.Persona.UpdatePersona(root, update)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"updated": true, "persona": persona}, nil
		},
	}
}

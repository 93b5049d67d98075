package coretools

import (
	"context"
	"errors"
	"strings"

	"github.com/harun/ranya-runtime/pkg/sandbox"
	"github.com/harun/ranya-runtime/pkg/toolexecutor"
)

func shellExecTool(opts Options) toolexecutor.Tool {
	return toolexecutor.Tool{
		Name:        "shell_exec",
		Type:        TypeShell,
		Description: "Run an allowlisted command in the workspace. The allowlist depends on the session permission level.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"command":         map[string]interface{}{"type": "string", "description": "Binary to run"},
				"args":            map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"cwd":             map[string]interface{}{"type": "string", "description": "Working directory relative to the workspace"},
				"stdin":           map[string]interface{}{"type": "string"},
				"timeout_seconds": map[string]interface{}{"type": "number", "minimum": 0},
			},
			"required": []interface{}{"command"},
		},
		Run: func(ctx context.Context, args map[string]interface{}, ec *toolexecutor.ExecutionContext) (interface{}, error) {
			command := strings.TrimSpace(stringArg(args, "command"))
			if command == "" {
				return nil, invalid("command is required")
			}
			root, err := workspaceRoot(ec)
			if err != nil {
				return nil, err
			}

			level := ec.PermissionLevel()
			timeout := durationSeconds(args["timeout_seconds"], opts.ShellTimeout)
			if ec.Limits.Timeout > 0 && timeout > ec.Limits.Timeout {
				timeout = ec.Limits.Timeout
			}

			req := sandbox.ExecuteRequest{
				Command:     command,
				Args:        stringSlice(args["args"]),
				WorkingDir:  stringArg(args, "cwd"),
				Root:        root,
				AllowedBins: opts.Permissions.AllowedBins(level),
				Timeout:     timeout,
			}
			if stdin := stringArg(args, "stdin"); stdin != "" {
				req.Stdin = []byte(stdin)
			}

			res, err := opts.Sandbox.Execute(ctx, req)
			switch {
			case errors.Is(err, sandbox.ErrCommandNotAllowed):
				return nil, denied("command %q is not allowed at permission level %s", command, level)
			case errors.Is(err, sandbox.ErrFilesystemAccessDenied):
				return nil, denied("%v", err)
			case errors.Is(err, sandbox.ErrExecutionTimeout):
				return nil, toolexecutor.Errorf(toolexecutor.CodeTimeout, "command %q timed out after %s", command, timeout)
			case err != nil:
				return nil, err
			}

			return map[string]interface{}{
				"stdout":      string(res.Stdout),
				"stderr":      string(res.Stderr),
				"exit_code":   res.ExitCode,
				"duration_ms": res.Duration.Milliseconds(),
				"truncated":   res.Truncated,
			}, nil
		},
	}
}

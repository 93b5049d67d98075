package coretools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harun/ranya-runtime/pkg/permission"
	"github.com/harun/ranya-runtime/pkg/toolexecutor"
)

const (
	defaultReadBytes = 200000
	maxDirEntries    = 500
)

func readFileTool() toolexecutor.Tool {
	return toolexecutor.Tool{
		Name:        "read_file",
		Type:        TypeFS,
		Description: "Read a text file from the workspace.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":      map[string]interface{}{"type": "string", "description": "File path relative to the workspace"},
				"max_bytes": map[string]interface{}{"type": "integer", "minimum": 1, "description": "Maximum bytes to read"},
			},
			"required": []interface{}{"path"},
		},
		Run: func(ctx context.Context, args map[string]interface{}, ec *toolexecutor.ExecutionContext) (interface{}, error) {
			root, err := workspaceRoot(ec)
			if err != nil {
				return nil, err
			}
			pathValue := stringArg(args, "path")
			target, err := resolvePathInWorkspace(root, pathValue)
			if err != nil {
				return nil, err
			}

			data, truncated, err := readFileWithLimit(target, int64(intArg(args, "max_bytes", defaultReadBytes)))
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"path":      pathValue,
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func listDirTool() toolexecutor.Tool {
	return toolexecutor.Tool{
		Name:        "list_dir",
		Type:        TypeFS,
		Description: "List the entries of a workspace directory.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string", "description": "Directory relative to the workspace, defaults to the root"},
			},
		},
		Run: func(ctx context.Context, args map[string]interface{}, ec *toolexecutor.ExecutionContext) (interface{}, error) {
			root, err := workspaceRoot(ec)
			if err != nil {
				return nil, err
			}
			pathValue := stringArg(args, "path")
			if strings.TrimSpace(pathValue) == "" {
				pathValue = "."
			}
			target, err := resolvePathInWorkspace(root, pathValue)
			if err != nil {
				return nil, err
			}

			dirEntries, err := os.ReadDir(target)
			if err != nil {
				return nil, err
			}
			sort.Slice(dirEntries, func(i, j int) bool { return dirEntries[i].Name() < dirEntries[j].Name() })

			entries := make([]map[string]interface{}, 0, len(dirEntries))
			for _, e := range dirEntries {
				if len(entries) == maxDirEntries {
					break
				}
				entry := map[string]interface{}{"name": e.Name(), "type": "file"}
				if e.IsDir() {
					entry["type"] = "dir"
				} else if info, err := e.Info(); err == nil {
					entry["size"] = info.Size()
				}
				entries = append(entries, entry)
			}

			return map[string]interface{}{
				"path":      pathValue,
				"entries":   entries,
				"truncated": len(dirEntries) > maxDirEntries,
			}, nil
		},
	}
}

func writeFileTool() toolexecutor.Tool {
	return toolexecutor.Tool{
		Name:        "write_file",
		Type:        TypeFS,
		Description: "Write content to a file in the workspace. Requires medium permission.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":    map[string]interface{}{"type": "string", "description": "File path relative to the workspace"},
				"content": map[string]interface{}{"type": "string", "description": "File content"},
				"append":  map[string]interface{}{"type": "boolean", "description": "Append instead of overwrite"},
			},
			"required": []interface{}{"path", "content"},
		},
		Run: func(ctx context.Context, args map[string]interface{}, ec *toolexecutor.ExecutionContext) (interface{}, error) {
			level := ec.PermissionLevel()
			if !level.AtLeast(permission.Medium) {
				return nil, denied("write_file requires medium permission, caller has %s", level)
			}

			root, err := workspaceRoot(ec)
			if err != nil {
				return nil, err
			}
			pathValue := stringArg(args, "path")
			target, err := resolvePathInWorkspace(root, pathValue)
			if err != nil {
				return nil, err
			}
			content := stringArg(args, "content")

			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, err
			}
			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if boolArg(args, "append") {
				flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			f, err := os.OpenFile(target, flags, 0o644)
			if err != nil {
				return nil, err
			}
			if _, err := f.WriteString(content); err != nil {
				f.Close()
				return nil, err
			}
			if err := f.Close(); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":  pathValue,
				"bytes": len(content),
			}, nil
		},
	}
}

func workspaceRoot(ec *toolexecutor.ExecutionContext) (string, error) {
	if ec == nil || strings.TrimSpace(ec.WorkspaceRoot) == "" {
		return "", toolexecutor.Errorf(toolexecutor.CodeConfigError, "workspace root is not configured")
	}
	return filepath.Clean(ec.WorkspaceRoot), nil
}

func resolvePathInWorkspace(root, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", invalid("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", invalid("path must be a local file")
	}

	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", denied("path %q is outside workspace root", pathValue)
	}
	return candidate, nil
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, false, err
	}
	if info.IsDir() {
		return nil, false, invalid("%s is a directory", filepath.Base(path))
	}

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	extra := make([]byte, 1)
	n, _ := file.Read(extra)
	return buf.Bytes(), n > 0, nil
}

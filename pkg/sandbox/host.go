package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HostSandbox runs commands directly on the host with a minimal
// environment, a working-directory jail and bounded output.
type HostSandbox struct {
	mu     sync.RWMutex
	config Config
	logger zerolog.Logger
}

// NewHostSandbox creates a new host-based sandbox
func NewHostSandbox(config Config, logger zerolog.Logger) (*HostSandbox, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Path == "" {
		config.Path = DefaultConfig().Path
	}

	return &HostSandbox{
		config: config,
		logger: logger.With().Str("component", "sandbox").Logger(),
	}, nil
}

// GetConfig returns the sandbox configuration
func (h *HostSandbox) GetConfig() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// SetConfig updates the sandbox configuration
func (h *HostSandbox) SetConfig(config Config) error {
	if err := ValidateConfig(config); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if config.Path == "" {
		config.Path = DefaultConfig().Path
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.config = config
	return nil
}

// Execute runs a command in the sandbox. A non-zero exit status is reported
// through ExitCode, not as an error.
func (h *HostSandbox) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	cfg := h.GetConfig()

	if err := checkCommand(req.Command, req.AllowedBins); err != nil {
		return ExecuteResult{}, err
	}

	workDir, err := resolveWorkingDir(req.Root, req.WorkingDir)
	if err != nil {
		return ExecuteResult{}, err
	}
	if err := checkDenied(workDir, cfg.DeniedPaths); err != nil {
		return ExecuteResult{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = cfg.Timeout
	}
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, req.Command, req.Args...)
	cmd.Dir = workDir
	cmd.Env = buildEnvironment(cfg.Path, req.Env)

	stdout := &cappedBuffer{limit: cfg.MaxOutputBytes}
	stderr := &cappedBuffer{limit: cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := ExecuteResult{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Duration:  duration,
		Truncated: stdout.truncated || stderr.truncated,
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		return result, fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return result, fmt.Errorf("run %s: %w", req.Command, runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	h.logger.Debug().
		Str("command", req.Command).
		Strs("args", req.Args).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("Command executed in sandbox")

	return result, nil
}

func checkCommand(command string, allowed []string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: empty command", ErrCommandNotAllowed)
	}
	if allowed == nil {
		return nil
	}
	base := filepath.Base(command)
	for _, bin := range allowed {
		if bin == base {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrCommandNotAllowed, base)
}

// resolveWorkingDir joins dir onto root and rejects escapes.
func resolveWorkingDir(root, dir string) (string, error) {
	if root == "" {
		if dir == "" {
			return "", nil
		}
		return filepath.Clean(dir), nil
	}

	root = filepath.Clean(root)
	target := root
	if dir != "" {
		if filepath.IsAbs(dir) {
			target = filepath.Clean(dir)
		} else {
			target = filepath.Join(root, dir)
		}
	}

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrFilesystemAccessDenied, dir, root)
	}
	return target, nil
}

func checkDenied(path string, denied []string) error {
	if path == "" {
		return nil
	}
	for _, d := range denied {
		d = filepath.Clean(d)
		if path == d || strings.HasPrefix(path, d+string(filepath.Separator)) {
			return fmt.Errorf("%w: %s", ErrFilesystemAccessDenied, path)
		}
	}
	return nil
}

func buildEnvironment(path string, env map[string]string) []string {
	result := []string{
		"PATH=" + path,
		"HOME=/tmp",
		"LANG=C.UTF-8",
	}
	for key, value := range env {
		result = append(result, fmt.Sprintf("%s=%s", key, value))
	}
	return result
}

// cappedBuffer keeps at most limit bytes and silently drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.limit <= 0 {
		return c.buf.Write(p)
	}
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		c.truncated = c.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) Bytes() []byte {
	return c.buf.Bytes()
}

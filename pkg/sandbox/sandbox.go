package sandbox

import (
	"context"
	"time"
)

// Config defines sandbox configuration
type Config struct {
	// Timeout bounds a command when the request sets none
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// MaxOutputBytes caps stdout and stderr separately. Zero disables the cap.
	MaxOutputBytes int `json:"max_output_bytes" mapstructure:"max_output_bytes"`

	// DeniedPaths can never be used as a working directory
	DeniedPaths []string `json:"denied_paths" mapstructure:"denied_paths"`

	// Path is the PATH handed to child processes
	Path string `json:"path" mapstructure:"path"`
}

// ExecuteRequest represents a sandbox execution request
type ExecuteRequest struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`

	// WorkingDir must lie inside Root when Root is set
	WorkingDir string `json:"working_dir"`
	Root       string `json:"root"`

	// AllowedBins restricts Command by base name. Nil allows any command.
	AllowedBins []string `json:"allowed_bins"`

	Stdin   []byte        `json:"stdin"`
	Timeout time.Duration `json:"timeout"`
}

// ExecuteResult represents a sandbox execution result
type ExecuteResult struct {
	Stdout    []byte        `json:"stdout"`
	Stderr    []byte        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated"`
}

// Sandbox runs commands on behalf of tools
type Sandbox interface {
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

// DefaultConfig returns a default sandbox configuration
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		MaxOutputBytes: 64 * 1024,
		DeniedPaths:    []string{"/etc", "/sys", "/proc", "/dev"},
		Path:           "/usr/local/bin:/usr/bin:/bin",
	}
}

// ValidateConfig validates a sandbox configuration
func ValidateConfig(cfg Config) error {
	if cfg.Timeout < 0 {
		return ErrInvalidTimeout
	}
	if cfg.MaxOutputBytes < 0 {
		return ErrInvalidOutputLimit
	}
	return nil
}

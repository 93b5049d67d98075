// Package hooks runs operator-supplied scripts around a run and the external
// audio transcriber.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Lifecycle events
const (
	EventRunStart = "run.start"
	EventRunFinal = "run.final"
)

// DefaultHookTimeout bounds a hook without its own timeout.
const DefaultHookTimeout = 10 * time.Second

const maxHookOutput = 4096

// Hook is a shell script bound to a lifecycle event. The script gets the
// event as JSON on stdin and its scalar fields as RANYA_HOOK_* variables.
type Hook struct {
	ID      string        `mapstructure:"id" json:"id"`
	Event   string        `mapstructure:"event" json:"event"`
	Script  string        `mapstructure:"script" json:"script"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// Config configures a Manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	Logger  zerolog.Logger
}

// Manager runs the scripts registered for an event.
type Manager struct {
	enabled bool
	logger  zerolog.Logger

	mu           sync.RWMutex
	hooksByEvent map[string][]Hook
}

// NewManager creates a hook manager.
func NewManager(cfg Config) (*Manager, error) {
	manager := &Manager{
		enabled:      cfg.Enabled,
		logger:       cfg.Logger.With().Str("component", "hooks").Logger(),
		hooksByEvent: make(map[string][]Hook),
	}
	if !cfg.Enabled {
		return manager, nil
	}

	for _, hook := range cfg.Hooks {
		event := strings.TrimSpace(hook.Event)
		switch event {
		case EventRunStart, EventRunFinal:
		case "":
			return nil, fmt.Errorf("hook event is required")
		default:
			return nil, fmt.Errorf("unknown hook event %q", event)
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		hook.Event = event
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	return manager, nil
}

// Count returns the number of scripts registered for event.
func (m *Manager) Count(event string) int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hooksByEvent[event])
}

// Trigger runs every script registered for event in order. Failures do not
// stop later scripts; they are joined into the returned error.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) error {
	if m == nil || !m.enabled {
		return nil
	}

	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooksByEvent[event]...)
	m.mu.RUnlock()
	if len(hooks) == 0 {
		return nil
	}

	var errs []error
	for _, hook := range hooks {
		if err := m.executeHook(ctx, hook, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) executeHook(ctx context.Context, hook Hook, data map[string]interface{}) error {
	id := strings.TrimSpace(hook.ID)
	if id == "" {
		id = hook.Event
	}
	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}

	payload, err := json.Marshal(hookPayload{Event: hook.Event, Data: data})
	if err != nil {
		return fmt.Errorf("hook %s: failed to encode payload: %w", id, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var output cappedBuffer
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = hookEnv(hook.Event, data)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	text := strings.TrimSpace(output.String())
	if err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		if text != "" {
			return fmt.Errorf("hook %s failed: %w: %s", id, err, text)
		}
		return fmt.Errorf("hook %s failed: %w", id, err)
	}

	m.logger.Debug().
		Str("event", hook.Event).
		Str("hook_id", id).
		Dur("duration", time.Since(start)).
		Str("output", text).
		Msg("Hook executed")
	return nil
}

// hookPayload is written to the script's stdin as one JSON document.
type hookPayload struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// hookEnv exposes scalar data as RANYA_HOOK_<KEY> variables on top of the
// process environment. Nil values are omitted.
func hookEnv(event string, data map[string]interface{}) []string {
	env := append(os.Environ(), "RANYA_HOOK_EVENT="+event)

	keys := make([]string, 0, len(data))
	for k, v := range data {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("RANYA_HOOK_%s=%v", normalizeEnvKey(k), data[k]))
	}
	return env
}

// normalizeEnvKey upper-cases key and maps anything outside [A-Z0-9] to '_'.
func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, strings.ToUpper(key))
}

// cappedBuffer keeps the first maxHookOutput bytes written to it.
type cappedBuffer struct {
	buf bytes.Buffer
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := maxHookOutput - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}

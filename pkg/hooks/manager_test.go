package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerTriggerExecutesHookScript(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "start.txt")

	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{
			{ID: "start", Event: EventRunStart, Script: "echo started > " + outputPath},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, manager.Count(EventRunStart))
	assert.Equal(t, 0, manager.Count(EventRunFinal))

	require.NoError(t, manager.Trigger(context.Background(), EventRunStart, nil))

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "started\n", string(content))
}

func TestManagerTriggerInjectsRunDataIntoEnvironment(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "env.txt")
	script := `echo "$RANYA_HOOK_EVENT:$RANYA_HOOK_SESSION_ID:$RANYA_HOOK_STATE" > ` + outputPath

	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks:   []Hook{{ID: "final", Event: EventRunFinal, Script: script}},
	})
	require.NoError(t, err)

	require.NoError(t, manager.Trigger(context.Background(), EventRunFinal, map[string]interface{}{
		"session_id": "sess_42",
		"state":      "DONE",
		"skipped":    nil,
	}))

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "run.final:sess_42:DONE\n", string(content))
}

func TestManagerTriggerReturnsJoinedErrors(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran.txt")
	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{
			{ID: "fail-1", Event: EventRunStart, Script: "exit 2"},
			{ID: "fail-2", Event: EventRunStart, Script: "echo oops; exit 3"},
			{ID: "ok", Event: EventRunStart, Script: "touch " + marker},
		},
	})
	require.NoError(t, err)

	err = manager.Trigger(context.Background(), EventRunStart, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook fail-1 failed")
	assert.Contains(t, err.Error(), "hook fail-2 failed")
	assert.Contains(t, err.Error(), "oops")
	assert.FileExists(t, marker, "later hooks still run")
}

func TestManagerTriggerRespectsTimeout(t *testing.T) {
	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{
			{ID: "slow", Event: EventRunFinal, Script: "sleep 1", Timeout: 30 * time.Millisecond},
		},
	})
	require.NoError(t, err)

	err = manager.Trigger(context.Background(), EventRunFinal, nil)
	require.Error(t, err)
	assert.True(t,
		strings.Contains(err.Error(), "timed out after"),
		"expected timeout-related error, got: %v",
		err,
	)
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(Config{Enabled: true, Hooks: []Hook{{Event: "", Script: "true"}}})
	assert.Error(t, err)

	_, err = NewManager(Config{Enabled: true, Hooks: []Hook{{Event: "daemon:startup", Script: "true"}}})
	assert.Error(t, err)

	_, err = NewManager(Config{Enabled: true, Hooks: []Hook{{Event: EventRunStart, Script: " "}}})
	assert.Error(t, err)

	disabled, err := NewManager(Config{Enabled: false, Hooks: []Hook{{Event: "bogus"}}})
	require.NoError(t, err)
	assert.NoError(t, disabled.Trigger(context.Background(), EventRunStart, nil))

	var nilManager *Manager
	assert.NoError(t, nilManager.Trigger(context.Background(), EventRunStart, nil))
}

func TestNormalizeEnvKey(t *testing.T) {
	assert.Equal(t, "TRACE_ID", normalizeEnvKey("trace_id"))
	assert.Equal(t, "INPUT_AUDIO_FORMAT", normalizeEnvKey("input.audio-format"))
	assert.Equal(t, "UNKNOWN", normalizeEnvKey("  "))
}

func TestManagerTriggerWritesPayloadToStdin(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "payload.json")

	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks:   []Hook{{ID: "dump", Event: EventRunStart, Script: "cat > " + outputPath}},
	})
	require.NoError(t, err)

	require.NoError(t, manager.Trigger(context.Background(), EventRunStart, map[string]interface{}{
		"session_id": "sess_1",
		"images":     2,
	}))

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"run.start","data":{"session_id":"sess_1","images":2}}`, string(content))
}

func TestManagerTriggerCapsOutput(t *testing.T) {
	manager, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks:   []Hook{{ID: "noisy", Event: EventRunFinal, Script: "head -c 10000 /dev/zero | tr '\\0' x; exit 1"}},
	})
	require.NoError(t, err)

	err = manager.Trigger(context.Background(), EventRunFinal, nil)
	require.Error(t, err)
	assert.Less(t, len(err.Error()), maxHookOutput+200)
}

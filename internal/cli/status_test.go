package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/harun/ranya-runtime/internal/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeDataDirConfig writes a config that only pins the data directory.
func writeDataDirConfig(t *testing.T) (configPath, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	configPath = filepath.Join(dir, "runtime.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"data_dir": "`+dataDir+`"}`), 0o600))
	return configPath, dataDir
}

func TestStatusCommand(t *testing.T) {
	configPath, dataDir := writeDataDirConfig(t)

	t.Run("stopped", func(t *testing.T) {
		out, err := execute(t, "status", "--config", configPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("stale pid file", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(dataDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, daemon.PIDFileName), []byte("0"), 0o644))

		out, err := execute(t, "status", "--config", configPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("running", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(dataDir, 0o755))
		pid := os.Getpid()
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, daemon.PIDFileName), []byte(strconv.Itoa(pid)), 0o644))

		out, err := execute(t, "status", "--config", configPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "PID: "+strconv.Itoa(pid))
		assert.Contains(t, out, "Uptime:")
	})
}

func TestReadRunningPID(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadRunningPID(filepath.Join(dir, "missing.pid"))
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.pid")
	require.NoError(t, os.WriteFile(invalid, []byte("invalid"), 0o644))
	_, err = ReadRunningPID(invalid)
	assert.Error(t, err)

	self := filepath.Join(dir, "self.pid")
	require.NoError(t, os.WriteFile(self, []byte(strconv.Itoa(os.Getpid())), 0o644))
	pid, err := ReadRunningPID(self)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}

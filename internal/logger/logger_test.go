package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l, err := New(Config{Level: tt.level})
			require.NoError(t, err)
			defer l.Close()
			assert.Equal(t, tt.want, l.GetZerolog().GetLevel())
		})
	}
}

func TestNew_FileAndConsole(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "runtime.log")
	var console bytes.Buffer

	l, err := New(Config{Level: "info", File: logFile, Console: true, Output: &console})
	require.NoError(t, err)

	worker := l.Component("worker")
	worker.Info().Str("session_id", "s1").Msg("Run finished")
	root := l.GetZerolog()
	root.Debug().Msg("below level")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	for _, out := range []string{string(data), console.String()} {
		assert.Contains(t, out, `"component":"worker"`)
		assert.Contains(t, out, `"session_id":"s1"`)
		assert.NotContains(t, out, "below level")
	}
}

func TestNew_Redaction(t *testing.T) {
	var buf bytes.Buffer

	l, err := New(Config{Level: "info", Console: true, Output: &buf, Redaction: true})
	require.NoError(t, err)
	defer l.Close()

	root := l.GetZerolog()
	root.Info().
		Str("api_key", "sk-test123456789abcdefghijklmnopqrstuvwxyz").
		Str("input_audio", "data:audio/wav;base64,UklGRiQAAABXQVZFZm10IBAAAAAB").
		Msg("configured")

	out := buf.String()
	assert.Contains(t, out, "configured")
	assert.Contains(t, out, `"api_key":"[REDACTED]"`)
	assert.NotContains(t, out, "UklGRiQAAAB")
}

func TestNew_Pretty(t *testing.T) {
	var buf bytes.Buffer

	l, err := New(Config{Level: "info", Console: true, Pretty: true, Output: &buf})
	require.NoError(t, err)
	defer l.Close()

	gw := l.Component("gateway")
	gw.Info().Msg("listening")
	out := buf.String()
	assert.Contains(t, out, "listening")
	assert.False(t, strings.HasPrefix(out, "{"))
}

func TestNew_InstallsGlobal(t *testing.T) {
	var buf bytes.Buffer

	l, err := New(Config{Level: "info", Console: true, Output: &buf})
	require.NoError(t, err)
	defer l.Close()

	log.Info().Msg("from global")
	assert.Contains(t, buf.String(), "from global")
}

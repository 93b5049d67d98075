package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/harun/ranya-runtime/pkg/agent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func audio() *agent.InputAudio {
	return &agent.InputAudio{AudioRef: "file:///tmp/clip.wav", Format: "wav", Lang: "en"}
}

func TestCommandTranscriber(t *testing.T) {
	tr, err := NewCommandTranscriber(CommandTranscriberConfig{
		Command: `cat > /dev/null; echo '{"text":"  what time is it  ","confidence":0.91}'`,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	out, err := tr.Transcribe(context.Background(), TranscribeRequest{SessionID: "s1", InputAudio: audio()})
	require.NoError(t, err)
	assert.Equal(t, "what time is it", out.Text)
	require.NotNil(t, out.Confidence)
	assert.InDelta(t, 0.91, *out.Confidence, 1e-9)
}

func TestCommandTranscriberReceivesRequest(t *testing.T) {
	tr, err := NewCommandTranscriber(CommandTranscriberConfig{
		Command: `input=$(cat); case "$input" in *'"session_id":"s1"'*'"audio_ref":"file:///tmp/clip.wav"'*) echo '{"text":"matched"}';; *) exit 1;; esac`,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	out, err := tr.Transcribe(context.Background(), TranscribeRequest{SessionID: "s1", InputAudio: audio()})
	require.NoError(t, err)
	assert.Equal(t, "matched", out.Text)
}

func TestCommandTranscriberFailures(t *testing.T) {
	_, err := NewCommandTranscriber(CommandTranscriberConfig{})
	assert.Error(t, err)

	cases := map[string]string{
		"exit status": "echo broken >&2; exit 1",
		"bad json":    "echo not-json",
	}
	for name, command := range cases {
		t.Run(name, func(t *testing.T) {
			tr, err := NewCommandTranscriber(CommandTranscriberConfig{Command: command, Logger: zerolog.Nop()})
			require.NoError(t, err)
			_, err = tr.Transcribe(context.Background(), TranscribeRequest{SessionID: "s1", InputAudio: audio()})
			assert.Error(t, err)
		})
	}

	tr, err := NewCommandTranscriber(CommandTranscriberConfig{Command: "true", Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = tr.Transcribe(context.Background(), TranscribeRequest{SessionID: "s1"})
	assert.Error(t, err, "missing audio")
}

func TestCommandTranscriberTimeout(t *testing.T) {
	tr, err := NewCommandTranscriber(CommandTranscriberConfig{
		Command: "sleep 2",
		Timeout: 50 * time.Millisecond,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = tr.Transcribe(context.Background(), TranscribeRequest{SessionID: "s1", InputAudio: audio()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/harun/ranya-runtime/pkg/agent"
	"github.com/rs/zerolog"
)

// DefaultTranscriberTimeout bounds a transcription when none is configured.
const DefaultTranscriberTimeout = 30 * time.Second

// TranscribeRequest is written to the transcriber's stdin.
type TranscribeRequest struct {
	SessionID      string            `json:"session_id"`
	InputAudio     *agent.InputAudio `json:"input_audio"`
	RuntimeContext agent.RunContext  `json:"runtime_context"`
}

// Transcription is read from the transcriber's stdout.
type Transcription struct {
	Text       string            `json:"text"`
	Confidence *float64          `json:"confidence,omitempty"`
	Segments   []json.RawMessage `json:"segments,omitempty"`
}

// Transcriber turns an audio reference into text.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (Transcription, error)
}

// CommandTranscriberConfig configures a CommandTranscriber.
type CommandTranscriberConfig struct {
	Command string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// CommandTranscriber runs a shell command that speaks JSON on stdin and stdout.
type CommandTranscriber struct {
	command string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewCommandTranscriber creates a transcriber for cfg.Command.
func NewCommandTranscriber(cfg CommandTranscriberConfig) (*CommandTranscriber, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("transcriber command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTranscriberTimeout
	}
	return &CommandTranscriber{
		command: cfg.Command,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With().Str("component", "transcriber").Logger(),
	}, nil
}

// Transcribe implements Transcriber.
func (t *CommandTranscriber) Transcribe(ctx context.Context, req TranscribeRequest) (Transcription, error) {
	if req.InputAudio == nil || strings.TrimSpace(req.InputAudio.AudioRef) == "" {
		return Transcription{}, errors.New("input audio reference is required")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Transcription{}, fmt.Errorf("encode transcription request: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", t.command)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Transcription{}, fmt.Errorf("transcriber timed out after %s", t.timeout)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return Transcription{}, fmt.Errorf("transcriber failed: %w: %s", err, msg)
		}
		return Transcription{}, fmt.Errorf("transcriber failed: %w", err)
	}

	var out Transcription
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil {
		return Transcription{}, fmt.Errorf("decode transcriber output: %w", err)
	}
	out.Text = strings.TrimSpace(out.Text)

	t.logger.Debug().
		Str("session_id", req.SessionID).
		Str("format", req.InputAudio.Format).
		Int("chars", len(out.Text)).
		Dur("duration", time.Since(start)).
		Msg("Audio transcribed")
	return out, nil
}

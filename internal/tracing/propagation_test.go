package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-123")
	ctx = WithSessionID(ctx, "session-abc")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"trace-123"`) {
		t.Errorf("Expected trace_id in output, got %s", out)
	}
	if !strings.Contains(out, `"session_id":"session-abc"`) {
		t.Errorf("Expected session_id in output, got %s", out)
	}
}

func TestLoggerFromContext_NoFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	logger := LoggerFromContext(context.Background(), base)
	logger.Info().Msg("plain")

	if strings.Contains(buf.String(), "trace_id") {
		t.Error("Did not expect trace_id in output")
	}
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(WithTraceID(context.Background(), "trace-9"))
	cancel()

	detached := Detach(parent)
	if detached.Err() != nil {
		t.Error("Detached context should not be cancelled")
	}
	if GetTraceID(detached) != "trace-9" {
		t.Error("Trace ID not carried over")
	}
}

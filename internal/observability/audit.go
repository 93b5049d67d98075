package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one structured audit log record
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // session id
	Action    string                 `json:"action"`          // e.g. "execute:shell_exec"
	Status    string                 `json:"status"`          // "success", "failure"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger writes audit events as JSON lines
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	closer io.Closer
}

// NewAuditLogger creates an audit logger writing JSON lines to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	a := &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
	if c, ok := w.(io.Closer); ok && w != os.Stderr && w != os.Stdout {
		a.closer = c
	}
	return a
}

// NewAuditLoggerFrom writes audit events through base.
func NewAuditLoggerFrom(base zerolog.Logger) *AuditLogger {
	return &AuditLogger{logger: base.With().Str("component", "audit").Logger()}
}

// OpenAuditLog appends audit events to the file at path.
func OpenAuditLog(path string) (*AuditLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return NewAuditLogger(file), nil
}

// Record emits an audit event and mirrors it as a span event when a span is active.
// A nil AuditLogger drops every event.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		if event.TraceID == "" {
			event.TraceID = span.SpanContext().TraceID().String()
		}
		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status).
		Str("trace_id", event.TraceID)

	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the underlying file, if any
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

// RecordTool records one tool invocation.
func (a *AuditLogger) RecordTool(ctx context.Context, toolName, actor, traceID, status string, metadata map[string]interface{}) {
	a.Record(ctx, AuditEvent{
		Type:     "tool",
		Actor:    actor,
		Action:   "execute:" + toolName,
		Status:   status,
		TraceID:  traceID,
		Metadata: metadata,
	})
}

// RecordRun records the outcome of one turn. Runs that ended DONE
// succeed, every other state is a failure.
func (a *AuditLogger) RecordRun(ctx context.Context, sessionID, traceID, state string, metadata map[string]interface{}) {
	status := "success"
	if state != "DONE" {
		status = "failure"
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["state"] = state
	a.Record(ctx, AuditEvent{
		Type:     "run",
		Actor:    sessionID,
		Action:   "runtime.run",
		Status:   status,
		TraceID:  traceID,
		Metadata: metadata,
	})
}

// RecordConfig records a configuration change such as a policy reload.
func (a *AuditLogger) RecordConfig(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	a.Record(ctx, AuditEvent{
		Type:     "config",
		Actor:    actor,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}

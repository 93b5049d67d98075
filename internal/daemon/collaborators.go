package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/pkg/agent"
	"github.com/harun/ranya-runtime/pkg/hooks"
	"github.com/harun/ranya-runtime/pkg/permission"
	"github.com/harun/ranya-runtime/pkg/session"
	"github.com/rs/zerolog"
)

// collaborators backs the worker hooks with the session store, lifecycle
// scripts and the transcriber. Every dependency is optional.
type collaborators struct {
	sessions      *session.Store
	scripts       *hooks.Manager
	transcriber   hooks.Transcriber
	provider      interface{ Provider() string }
	defaultLevel  permission.Level
	workspaceRoot string
	historyLimit  int
	audit         *observability.AuditLogger
	logger        zerolog.Logger
}

// Hooks returns the worker hook set.
func (c *collaborators) Hooks() Hooks {
	h := Hooks{
		BuildRunContext: c.buildRunContext,
		OnRunStart:      c.onRunStart,
		OnRunFinal:      c.onRunFinal,
	}
	if c.sessions != nil {
		h.BuildPromptMessages = c.buildPromptMessages
	}
	if c.transcriber != nil {
		h.TranscribeAudio = c.transcriber.Transcribe
	}
	return h
}

// buildRunContext resolves the permission level, workspace and provider.
// An invalid requested level falls back to the configured default.
func (c *collaborators) buildRunContext(ctx context.Context, req RunContextRequest) (agent.RunContext, error) {
	level := c.defaultLevel
	if req.PermissionLevel != "" {
		parsed, err := permission.Parse(req.PermissionLevel)
		if err != nil {
			c.logger.Warn().Err(err).Str("session_id", req.SessionID).Msg("Ignoring requested permission level")
		} else {
			level = parsed
		}
	}

	rc := agent.RunContext{
		PermissionLevel: string(level),
		WorkspaceRoot:   c.workspaceRoot,
	}
	if c.provider != nil {
		rc.Provider = c.provider.Provider()
	}
	return rc, nil
}

func (c *collaborators) buildPromptMessages(ctx context.Context, req PromptRequest) ([]agent.Message, error) {
	history, err := c.sessions.Recent(ctx, req.SessionID, c.historyLimit)
	if err != nil {
		return nil, err
	}

	msgs := make([]agent.Message, 0, len(history))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" || m.Metadata["placeholder"] == true {
			continue
		}
		msgs = append(msgs, agent.Message{Role: m.Role, Content: agent.Content{Text: m.Content}})
	}
	return msgs, nil
}

func (c *collaborators) onRunStart(ctx context.Context, run RunStart) error {
	var errs []error

	if c.sessions != nil {
		meta := map[string]interface{}{
			"permission_level": run.RuntimeContext.PermissionLevel,
		}
		if len(run.InputImages) > 0 {
			meta["images"] = len(run.InputImages)
		}
		if run.InputAudio != nil {
			meta["audio_ref"] = run.InputAudio.AudioRef
		}
		content := run.Input
		if strings.TrimSpace(content) == "" && len(run.InputImages) > 0 {
			content = fmt.Sprintf("[%d image(s)]", len(run.InputImages))
		}
		if err := c.sessions.Append(ctx, run.SessionID, session.Message{
			Role:      "user",
			Content:   content,
			Timestamp: time.Now().UTC(),
			Metadata:  meta,
		}); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.scripts.Trigger(ctx, hooks.EventRunStart, map[string]interface{}{
		"session_id":       run.SessionID,
		"input":            run.Input,
		"permission_level": run.RuntimeContext.PermissionLevel,
		"provider":         run.RuntimeContext.Provider,
	}); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *collaborators) onRunFinal(ctx context.Context, run RunFinal) error {
	var errs []error

	c.audit.RecordRun(ctx, run.SessionID, run.TraceID, string(run.State), map[string]interface{}{
		"output_chars": len(run.Output),
	})

	if c.sessions != nil {
		meta := map[string]interface{}{
			"trace_id": run.TraceID,
			"state":    string(run.State),
		}
		content := run.Output
		// Blank outputs keep the turn's trace and state on record but are
		// never replayed as history.
		if strings.TrimSpace(content) == "" {
			content = "[no output]"
			meta["placeholder"] = true
		}
		if err := c.sessions.Append(ctx, run.SessionID, session.Message{
			Role:      "assistant",
			Content:   content,
			Timestamp: time.Now().UTC(),
			Metadata:  meta,
		}); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.scripts.Trigger(ctx, hooks.EventRunFinal, map[string]interface{}{
		"session_id": run.SessionID,
		"trace_id":   run.TraceID,
		"state":      string(run.State),
		"output":     run.Output,
	}); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

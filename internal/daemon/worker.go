package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/agent"
	"github.com/harun/ranya-runtime/pkg/hooks"
	"github.com/harun/ranya-runtime/pkg/inputqueue"
	"github.com/harun/ranya-runtime/pkg/rpc"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// RPC methods and lifecycle notifications
const (
	MethodRun          = "runtime.run"
	NotificationStart  = "runtime.start"
	NotificationEvent  = "runtime.event"
	NotificationFinal  = "runtime.final"
	sessionIDPrefix    = "sess_"
	workerTracerName   = "ranya.daemon"
	workerProcessSpan  = "worker.process"
	defaultStopTimeout = 10 * time.Second
)

// RunContextRequest is handed to Hooks.BuildRunContext.
type RunContextRequest struct {
	SessionID       string             `json:"session_id"`
	Input           string             `json:"input"`
	InputImages     []agent.InputImage `json:"input_images"`
	InputAudio      *agent.InputAudio  `json:"input_audio"`
	PermissionLevel string             `json:"permission_level,omitempty"`
}

// PromptRequest is handed to Hooks.BuildPromptMessages.
type PromptRequest struct {
	SessionID      string             `json:"session_id"`
	Input          string             `json:"input"`
	InputImages    []agent.InputImage `json:"input_images"`
	RuntimeContext agent.RunContext   `json:"runtime_context"`
}

// RunStart is handed to Hooks.OnRunStart.
type RunStart struct {
	SessionID      string             `json:"session_id"`
	Input          string             `json:"input"`
	InputImages    []agent.InputImage `json:"input_images"`
	InputAudio     *agent.InputAudio  `json:"input_audio"`
	RuntimeContext agent.RunContext   `json:"runtime_context"`
}

// RunFinal is handed to Hooks.OnRunFinal.
type RunFinal struct {
	SessionID      string           `json:"session_id"`
	TraceID        string           `json:"trace_id"`
	Output         string           `json:"output"`
	State          agent.State      `json:"state"`
	RuntimeContext agent.RunContext `json:"runtime_context"`
}

// Hooks are the worker's best-effort collaborators. Any of them may be nil.
// Errors and panics are logged and never abort the run.
type Hooks struct {
	BuildRunContext     func(ctx context.Context, req RunContextRequest) (agent.RunContext, error)
	TranscribeAudio     func(ctx context.Context, req hooks.TranscribeRequest) (hooks.Transcription, error)
	BuildPromptMessages func(ctx context.Context, req PromptRequest) ([]agent.Message, error)
	OnRunStart          func(ctx context.Context, run RunStart) error
	OnRuntimeEvent      func(ctx context.Context, event agent.RuntimeEvent)
	OnRunFinal          func(ctx context.Context, run RunFinal) error
}

// Runner executes one turn.
type Runner interface {
	Run(ctx context.Context, params agent.RunParams) agent.RunResult
}

// Source yields accepted envelopes.
type Source interface {
	Pop(ctx context.Context) (inputqueue.Envelope, error)
}

// RunResponse is the JSON-RPC result of runtime.run.
type RunResponse struct {
	SessionID string      `json:"session_id"`
	Output    string      `json:"output"`
	TraceID   string      `json:"trace_id"`
	State     agent.State `json:"state"`
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Source Source
	Runner Runner
	Hooks  Hooks
	Logger zerolog.Logger
}

// Worker is the single consumer of the input queue. It processes one
// envelope end to end before popping the next.
type Worker struct {
	source Source
	runner Runner
	hooks  Hooks
	logger zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewWorker creates a worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Source == nil {
		return nil, errors.New("worker source is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("worker runner is required")
	}
	return &Worker{
		source: cfg.Source,
		runner: cfg.Runner,
		hooks:  cfg.Hooks,
		logger: cfg.Logger.With().Str("component", "worker").Logger(),
	}, nil
}

// Start launches the consume loop.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("worker is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.loop(ctx, w.done)
	w.logger.Info().Msg("Worker started")
	return nil
}

// Stop cancels the loop and waits for the in-flight envelope to finish.
// Calling Stop on a stopped worker is a no-op.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
		w.logger.Info().Msg("Worker stopped")
		return nil
	case <-time.After(defaultStopTimeout):
		return fmt.Errorf("worker did not stop within %s", defaultStopTimeout)
	}
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		env, err := w.source.Pop(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, inputqueue.ErrClosed) {
				w.logger.Error().Err(err).Msg("Failed to pop envelope")
			}
			return
		}
		w.Process(ctx, env)
	}
}

// Process runs the runtime.run protocol for one envelope.
func (w *Worker) Process(ctx context.Context, env inputqueue.Envelope) {
	req := env.Request
	if req == nil {
		return
	}
	reply := replier{env: env, logger: w.logger}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Str("method", req.Method).Msg("Worker recovered from panic")
			reply.error(req, rpc.NewError(rpc.InternalError, "Internal error", nil))
		}
	}()

	if req.Method != MethodRun {
		reply.error(req, rpc.NewError(rpc.MethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil))
		return
	}

	params, err := parseRunParams(req.Params)
	if err != nil {
		reply.error(req, rpc.NewError(rpc.InvalidParams, err.Error(), nil))
		return
	}

	sessionID := params.SessionID
	if sessionID == "" {
		sessionID = newSessionID()
	}

	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, workerTracerName, workerProcessSpan,
		attribute.String("session_id", sessionID),
		attribute.String("request_id", req.IDString()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, w.logger)

	runCtx := w.buildRunContext(ctx, logger, RunContextRequest{
		SessionID:       sessionID,
		Input:           params.Input,
		InputImages:     params.InputImages,
		InputAudio:      params.InputAudio,
		PermissionLevel: params.PermissionLevel,
	})

	input := params.Input
	if params.InputAudio != nil {
		audio := *params.InputAudio
		if input == "" {
			if tr, ok := w.transcribe(ctx, logger, sessionID, &audio, runCtx); ok {
				input = tr.Text
				audio.Confidence = tr.Confidence
			}
		}
		runCtx.InputAudio = &audio
	}

	if input == "" && len(params.InputImages) == 0 {
		err := errors.New("input is required")
		tracing.FailSpan(span, err)
		reply.error(req, rpc.NewError(rpc.InvalidParams, "Invalid params: input is required", nil))
		return
	}

	seeds := w.buildPromptMessages(ctx, logger, PromptRequest{
		SessionID:      sessionID,
		Input:          input,
		InputImages:    params.InputImages,
		RuntimeContext: runCtx,
	})

	w.safeHook(logger, "onRunStart", func() error {
		if w.hooks.OnRunStart == nil {
			return nil
		}
		return w.hooks.OnRunStart(ctx, RunStart{
			SessionID:      sessionID,
			Input:          input,
			InputImages:    params.InputImages,
			InputAudio:     runCtx.InputAudio,
			RuntimeContext: runCtx,
		})
	})

	reply.event(NotificationStart, map[string]interface{}{
		"session_id": sessionID,
		"input":      input,
		"images":     len(params.InputImages),
	})

	logger.Info().
		Int("input_len", len(input)).
		Int("images", len(params.InputImages)).
		Int("seed_messages", len(seeds)).
		Msg("Run started")

	result := w.runner.Run(ctx, agent.RunParams{
		SessionID:    sessionID,
		Input:        input,
		InputImages:  params.InputImages,
		SeedMessages: seeds,
		RunContext:   runCtx,
		OnEvent: func(evt agent.RuntimeEvent) {
			if w.hooks.OnRuntimeEvent != nil {
				w.safeHook(logger, "onRuntimeEvent", func() error {
					w.hooks.OnRuntimeEvent(ctx, evt)
					return nil
				})
			}
			reply.event(NotificationEvent, evt)
		},
	})

	span.SetAttributes(
		attribute.String("trace_id", result.TraceID),
		attribute.String("state", string(result.State)),
	)
	logger.Info().
		Str("trace_id", result.TraceID).
		Str("state", string(result.State)).
		Int("steps", result.Steps).
		Msg("Run finished")

	reply.event(NotificationFinal, RunResponse{
		SessionID: sessionID,
		Output:    result.Output,
		TraceID:   result.TraceID,
		State:     result.State,
	})

	// Persistence must still happen when the worker is stopping mid-run.
	finalCtx := tracing.Detach(ctx)
	w.safeHook(logger, "onRunFinal", func() error {
		if w.hooks.OnRunFinal == nil {
			return nil
		}
		return w.hooks.OnRunFinal(finalCtx, RunFinal{
			SessionID:      sessionID,
			TraceID:        result.TraceID,
			Output:         result.Output,
			State:          result.State,
			RuntimeContext: runCtx,
		})
	})

	reply.result(req, RunResponse{
		SessionID: sessionID,
		Output:    result.Output,
		TraceID:   result.TraceID,
		State:     result.State,
	})
}

func (w *Worker) buildRunContext(ctx context.Context, logger zerolog.Logger, req RunContextRequest) agent.RunContext {
	var runCtx agent.RunContext
	if w.hooks.BuildRunContext == nil {
		return runCtx
	}
	w.safeHook(logger, "buildRunContext", func() error {
		rc, err := w.hooks.BuildRunContext(ctx, req)
		if err != nil {
			return err
		}
		runCtx = rc
		return nil
	})
	return runCtx
}

func (w *Worker) transcribe(ctx context.Context, logger zerolog.Logger, sessionID string, audio *agent.InputAudio, runCtx agent.RunContext) (hooks.Transcription, bool) {
	if w.hooks.TranscribeAudio == nil {
		return hooks.Transcription{}, false
	}
	var (
		out hooks.Transcription
		ok  bool
	)
	w.safeHook(logger, "transcribeAudio", func() error {
		tr, err := w.hooks.TranscribeAudio(ctx, hooks.TranscribeRequest{
			SessionID:      sessionID,
			InputAudio:     audio,
			RuntimeContext: runCtx,
		})
		if err != nil {
			return err
		}
		tr.Text = strings.TrimSpace(tr.Text)
		out, ok = tr, true
		return nil
	})
	return out, ok
}

func (w *Worker) buildPromptMessages(ctx context.Context, logger zerolog.Logger, req PromptRequest) []agent.Message {
	seeds := []agent.Message{}
	if w.hooks.BuildPromptMessages == nil {
		return seeds
	}
	w.safeHook(logger, "buildPromptMessages", func() error {
		msgs, err := w.hooks.BuildPromptMessages(ctx, req)
		if err != nil {
			return err
		}
		if msgs != nil {
			seeds = msgs
		}
		return nil
	})
	return seeds
}

// safeHook runs fn, logging its error or panic instead of propagating it.
func (w *Worker) safeHook(logger zerolog.Logger, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn().Str("hook", name).Interface("panic", r).Msg("Hook panicked")
		}
	}()
	if err := fn(); err != nil {
		logger.Warn().Err(err).Str("hook", name).Msg("Hook failed")
	}
}

func newSessionID() string {
	id, err := gonanoid.New()
	if err != nil {
		return sessionIDPrefix + tracing.NewTraceID()
	}
	return sessionIDPrefix + id
}

// replier sends responses and notifications for one envelope. A nil
// transport and requests without an id are tolerated.
type replier struct {
	env    inputqueue.Envelope
	logger zerolog.Logger
}

func (r replier) result(req *rpc.Request, result interface{}) {
	if !req.HasID() || r.env.Replier == nil {
		return
	}
	if err := r.env.Replier.Send(rpc.NewResult(req.ID, result)); err != nil {
		r.logger.Warn().Err(err).Str("request_id", req.IDString()).Msg("Failed to send response")
	}
}

func (r replier) error(req *rpc.Request, rpcErr *rpc.Error) {
	r.logger.Debug().Int("code", rpcErr.Code).Str("method", req.Method).Msg(rpcErr.Message)
	if !req.HasID() || r.env.Replier == nil {
		return
	}
	if err := r.env.Replier.Send(rpc.NewErrorResponse(req.ID, rpcErr)); err != nil {
		r.logger.Warn().Err(err).Str("request_id", req.IDString()).Msg("Failed to send error response")
	}
}

func (r replier) event(method string, params interface{}) {
	if r.env.Replier == nil {
		return
	}
	if err := r.env.Replier.SendEvent(rpc.NewNotification(method, params)); err != nil {
		r.logger.Debug().Err(err).Str("method", method).Msg("Failed to send notification")
	}
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/bus"
	"github.com/harun/ranya-runtime/pkg/dispatcher"
	"github.com/harun/ranya-runtime/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// State is the lifecycle state of a turn.
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StateDone    State = "DONE"
	StateError   State = "ERROR"
	StateAborted State = "ABORTED"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError || s == StateAborted
}

const (
	DefaultMaxSteps          = 8
	DefaultToolResultTimeout = 10 * time.Second

	// ExhaustedMessage is the output when the step budget runs out.
	ExhaustedMessage = "I could not finish this request within the allowed number of steps. Please try again or narrow the request."
)

var errNoExecutableTool = errors.New("reasoner declared tool intent but supplied nothing executable")

// RunnerBus is the subset of the event bus the runner needs.
type RunnerBus interface {
	Publish(topic string, payload interface{})
	Subscribe(topic string, handler bus.Handler) func()
	Arm(topic string, pred bus.Predicate) *bus.Waiter
}

// ToolCatalog lists the tools advertised to the reasoner.
type ToolCatalog interface {
	AllowedTools(provider string) []*toolexecutor.Tool
}

// LoopRunnerConfig configures a LoopRunner.
type LoopRunnerConfig struct {
	Bus      RunnerBus
	Reasoner Reasoner
	Tools    ToolCatalog
	Persona  PersonaResolver
	Skills   SkillsResolver

	BasePrompt        string
	MaxSteps          int
	ToolResultTimeout time.Duration
	// DecideTimeout bounds each Decide call. Zero or less means no ceiling.
	DecideTimeout   time.Duration
	LatencyBudgetMs int
	// PassthroughTopics defaults to DefaultPassthroughTopics when nil.
	PassthroughTopics []string

	Logger zerolog.Logger
}

// RunParams are the inputs of one turn.
type RunParams struct {
	SessionID    string
	Input        string
	InputImages  []InputImage
	SeedMessages []Message
	RunContext   RunContext
	// OnEvent receives every runtime event. Passthrough events may arrive
	// from the publishing goroutine.
	OnEvent func(RuntimeEvent)
}

// RunResult is the outcome of one turn.
type RunResult struct {
	Output       string        `json:"output"`
	TraceID      string        `json:"trace_id"`
	State        State         `json:"state"`
	Exhausted    bool          `json:"exhausted,omitempty"`
	Steps        int           `json:"steps"`
	Messages     []Message     `json:"messages,omitempty"`
	Observations []Observation `json:"observations,omitempty"`
}

// LoopRunner drives the tool-calling state machine for single turns.
type LoopRunner struct {
	bus      RunnerBus
	reasoner Reasoner
	tools    ToolCatalog
	persona  PersonaResolver
	skills   SkillsResolver

	basePrompt        string
	maxSteps          int
	toolResultTimeout time.Duration
	decideTimeout     time.Duration
	latencyBudgetMs   int
	passthrough       []string

	logger zerolog.Logger
}

// NewLoopRunner creates a runner.
func NewLoopRunner(cfg LoopRunnerConfig) (*LoopRunner, error) {
	observability.EnsureRegistered()

	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if cfg.Reasoner == nil {
		return nil, fmt.Errorf("reasoner is required")
	}
	if cfg.BasePrompt == "" {
		cfg.BasePrompt = DefaultBasePrompt
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.ToolResultTimeout <= 0 {
		cfg.ToolResultTimeout = DefaultToolResultTimeout
	}
	if cfg.LatencyBudgetMs <= 0 {
		cfg.LatencyBudgetMs = DefaultLatencyBudgetMs
	}
	if cfg.PassthroughTopics == nil {
		cfg.PassthroughTopics = DefaultPassthroughTopics
	}

	return &LoopRunner{
		bus:               cfg.Bus,
		reasoner:          cfg.Reasoner,
		tools:             cfg.Tools,
		persona:           cfg.Persona,
		skills:            cfg.Skills,
		basePrompt:        cfg.BasePrompt,
		maxSteps:          cfg.MaxSteps,
		toolResultTimeout: cfg.ToolResultTimeout,
		decideTimeout:     cfg.DecideTimeout,
		latencyBudgetMs:   cfg.LatencyBudgetMs,
		passthrough:       append([]string(nil), cfg.PassthroughTopics...),
		logger:            cfg.Logger.With().Str("component", "runner").Logger(),
	}, nil
}

// turn is the per-run state. It is discarded when Run returns.
type turn struct {
	traceID      string
	sessionID    string
	stepIndex    atomic.Int64
	state        State
	messages     []Message
	observations []Observation
	onEvent      func(RuntimeEvent)
	logger       zerolog.Logger
}

func (t *turn) transition(next State) bool {
	if t.state.Terminal() {
		t.logger.Warn().
			Str("from", string(t.state)).
			Str("to", string(next)).
			Msg("Ignoring transition out of terminal state")
		return false
	}
	t.state = next
	return true
}

// Run executes one turn. It always returns a result and never panics.
func (r *LoopRunner) Run(ctx context.Context, params RunParams) (result RunResult) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	t := &turn{
		traceID:   tracing.NewTraceID(),
		sessionID: params.SessionID,
		state:     StateIdle,
		onEvent:   params.OnEvent,
	}

	ctx = tracing.WithTraceID(ctx, t.traceID)
	ctx = tracing.WithSessionID(ctx, t.sessionID)
	ctx, span := tracing.StartSpan(ctx, "ranya.agent", "runtime.turn",
		attribute.String("session_id", t.sessionID),
		attribute.String("trace_id", t.traceID),
	)
	t.logger = tracing.LoggerFromContext(ctx, r.logger)

	t.transition(StateRunning)
	teardown := r.subscribePassthrough(t)

	defer func() {
		teardown()
		if rec := recover(); rec != nil {
			t.logger.Error().Interface("panic", rec).Msg("Turn panicked")
			result = r.fail(t, fmt.Errorf("panic: %v", rec))
		}

		observability.RecordTurn(string(result.State), time.Since(start))
		if result.State == StateError {
			tracing.FailSpan(span, errors.New(result.Output))
		}
		span.SetAttributes(
			attribute.String("state", string(result.State)),
			attribute.Int("steps", result.Steps),
		)
		span.End()

		t.logger.Info().
			Str("state", string(result.State)).
			Int("steps", result.Steps).
			Bool("exhausted", result.Exhausted).
			Dur("duration", time.Since(start)).
			Msg("Turn finished")
	}()

	result, err := r.drive(ctx, t, params)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return r.abort(t, err)
		}
		return r.fail(t, err)
	}
	return result
}

func (r *LoopRunner) drive(ctx context.Context, t *turn, params RunParams) (RunResult, error) {
	seeds := FilterSeedMessages(params.SeedMessages)
	user := BuildUserMessage(params.Input, params.InputImages)

	creq := ContextRequest{
		SessionID:  params.SessionID,
		Input:      params.Input,
		RunContext: params.RunContext,
	}
	persona := r.resolveContext(ctx, "persona", func() (string, error) {
		if r.persona == nil {
			return "", nil
		}
		return r.persona.ResolvePersonaContext(ctx, creq)
	})
	skills := r.resolveContext(ctx, "skills", func() (string, error) {
		if r.skills == nil {
			return "", nil
		}
		return r.skills.ResolveSkillsContext(ctx, creq)
	})

	t.messages = ComposePrompt(r.basePrompt, persona, skills, params.Input, seeds, user)
	tools := r.toolSpecs(params.RunContext.Provider)

	for step := 0; step < r.maxSteps; step++ {
		t.stepIndex.Add(1)

		decision, err := r.decide(ctx, t, tools)
		if err != nil {
			return RunResult{}, fmt.Errorf("reasoner failed: %w", err)
		}

		switch decision.Type {
		case DecisionFinal:
			return r.finish(t, decision), nil

		case DecisionTool:
			calls := normalizeToolCalls(decision)
			if len(calls) == 0 {
				return RunResult{}, errNoExecutableTool
			}
			r.appendAssistantToolCalls(t, decision.AssistantMessage, calls)

			planText := ""
			if decision.AssistantMessage != nil {
				planText = decision.AssistantMessage.Content.String()
			}
			r.emit(t, EventPlan, map[string]interface{}{
				"message": planText,
				"tools":   calls,
			})

			for _, call := range calls {
				res, err := r.callTool(ctx, t, params.RunContext, call)
				if err != nil {
					return RunResult{}, err
				}
				if !res.OK {
					return r.toolFailed(t, call, res), nil
				}

				t.messages = append(t.messages, Message{
					Role:       RoleTool,
					ToolCallID: call.CallID,
					Name:       call.Name,
					Content:    TextContent(res.Result),
				})
				t.observations = append(t.observations, Observation{
					CallID: call.CallID,
					Name:   call.Name,
					Result: res.Result,
				})
				r.emit(t, EventToolResult, map[string]interface{}{
					"call_id": call.CallID,
					"name":    call.Name,
					"result":  res.Result,
				})
			}

		default:
			return RunResult{}, fmt.Errorf("reasoner returned unknown decision type %q", decision.Type)
		}
	}

	return r.exhausted(t), nil
}

// resolveContext runs a best-effort context provider. Errors and panics count as no context.
func (r *LoopRunner) resolveContext(ctx context.Context, kind string, fn func() (string, error)) (text string) {
	defer func() {
		if rec := recover(); rec != nil {
			logger := tracing.LoggerFromContext(ctx, r.logger)
			logger.Warn().
				Str("context", kind).
				Interface("panic", rec).
				Msg("Context provider panicked")
			text = ""
		}
	}()

	text, err := fn()
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Warn().
			Str("context", kind).
			Err(err).
			Msg("Context provider failed")
		return ""
	}
	return text
}

func (r *LoopRunner) toolSpecs(provider string) []ToolSpec {
	if r.tools == nil {
		return nil
	}
	tools := r.tools.AllowedTools(provider)
	specs := make([]ToolSpec, 0, len(tools))
	for _, tool := range tools {
		specs = append(specs, ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return specs
}

func (r *LoopRunner) decide(ctx context.Context, t *turn, tools []ToolSpec) (Decision, error) {
	if r.decideTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.decideTimeout)
		defer cancel()
	}

	start := time.Now()
	decision, err := r.reasoner.Decide(ctx, DecideRequest{
		Messages: append([]Message(nil), t.messages...),
		Tools:    tools,
	})

	t.logger.Debug().
		Int64("step_index", t.stepIndex.Load()).
		Str("provider", providerName(r.reasoner)).
		Dur("duration", time.Since(start)).
		Str("decision", decision.Type).
		Err(err).
		Msg("Reasoner decided")

	return decision, err
}

// normalizeToolCalls merges the single and list forms and assigns missing call ids.
func normalizeToolCalls(decision Decision) []ToolCall {
	var raw []ToolCall
	if decision.Tool != nil {
		raw = append(raw, *decision.Tool)
	}
	raw = append(raw, decision.Tools...)

	calls := make([]ToolCall, 0, len(raw))
	for _, call := range raw {
		if call.Name == "" {
			continue
		}
		if call.CallID == "" {
			call.CallID = tracing.NewCallID()
		}
		if call.Args == nil {
			call.Args = map[string]interface{}{}
		}
		calls = append(calls, call)
	}
	return calls
}

func (r *LoopRunner) appendAssistantToolCalls(t *turn, provided *Message, calls []ToolCall) {
	msg := Message{Role: RoleAssistant, Content: TextContent("")}
	if provided != nil {
		msg = *provided
		msg.Role = RoleAssistant
	}
	msg.ToolCalls = calls
	t.messages = append(t.messages, msg)
}

func (r *LoopRunner) callTool(ctx context.Context, t *turn, rc RunContext, call ToolCall) (dispatcher.CallResult, error) {
	step := int(t.stepIndex.Load())

	r.emit(t, EventToolCall, map[string]interface{}{
		"call_id": call.CallID,
		"name":    call.Name,
		"args":    call.Args,
	})

	traceID := t.traceID
	waiter := r.bus.Arm(dispatcher.TopicResult, func(p interface{}) bool {
		res, ok := asCallResult(p)
		return ok && res.Matches(traceID, call.CallID)
	})

	r.bus.Publish(dispatcher.TopicRequested, dispatcher.CallRequest{
		TraceID:   t.traceID,
		SessionID: t.sessionID,
		StepIndex: step,
		CallID:    call.CallID,
		Tool: dispatcher.ToolInvocation{
			Name: call.Name,
			Args: call.Args,
		},
		PermissionLevel: rc.PermissionLevel,
		WorkspaceRoot:   rc.WorkspaceRoot,
		Provider:        rc.Provider,
	})

	payload, err := waiter.Wait(ctx, r.toolResultTimeout)
	if err != nil {
		return dispatcher.CallResult{}, fmt.Errorf("waiting for %s result (call %s): %w", call.Name, call.CallID, err)
	}
	res, _ := asCallResult(payload)
	return res, nil
}

func asCallResult(payload interface{}) (dispatcher.CallResult, bool) {
	switch p := payload.(type) {
	case dispatcher.CallResult:
		return p, true
	case *dispatcher.CallResult:
		if p == nil {
			return dispatcher.CallResult{}, false
		}
		return *p, true
	default:
		return dispatcher.CallResult{}, false
	}
}

func (r *LoopRunner) finish(t *turn, decision Decision) RunResult {
	output := decision.Output
	if decision.AssistantMessage != nil {
		msg := *decision.AssistantMessage
		msg.Role = RoleAssistant
		msg.ToolCalls = nil
		if output == "" {
			output = msg.Content.String()
		}
		if msg.Content.IsEmpty() && output != "" {
			msg.Content = TextContent(output)
		}
		t.messages = append(t.messages, msg)
	}

	r.emit(t, EventLLMFinal, map[string]interface{}{"output": output})
	t.transition(StateDone)
	r.emit(t, EventDone, map[string]interface{}{
		"state":  string(StateDone),
		"output": output,
	})

	return r.result(t, output, false)
}

func (r *LoopRunner) toolFailed(t *turn, call ToolCall, res dispatcher.CallResult) RunResult {
	t.transition(StateError)
	r.emit(t, EventToolError, map[string]interface{}{
		"call_id": call.CallID,
		"name":    call.Name,
		"error":   res.Error,
		"code":    res.Code,
	})

	output := fmt.Sprintf("Tool %s failed: %s", call.Name, res.Error)
	return r.result(t, output, false)
}

func (r *LoopRunner) exhausted(t *turn) RunResult {
	t.transition(StateDone)
	r.emit(t, EventDone, map[string]interface{}{
		"state":  string(StateDone),
		"output": ExhaustedMessage,
		"reason": "max_steps",
	})
	return r.result(t, ExhaustedMessage, true)
}

func (r *LoopRunner) fail(t *turn, err error) RunResult {
	t.logger.Error().Err(err).Msg("Turn failed")
	t.transition(StateError)
	r.emit(t, EventToolError, map[string]interface{}{
		"error": err.Error(),
	})
	return r.result(t, fmt.Sprintf("Runtime error: %s", err.Error()), false)
}

func (r *LoopRunner) abort(t *turn, err error) RunResult {
	t.logger.Warn().Err(err).Msg("Turn aborted")
	t.transition(StateAborted)
	r.emit(t, EventDone, map[string]interface{}{
		"state":  string(StateAborted),
		"reason": "aborted",
	})
	return r.result(t, "Run aborted.", false)
}

func (r *LoopRunner) result(t *turn, output string, exhausted bool) RunResult {
	return RunResult{
		Output:       output,
		TraceID:      t.traceID,
		State:        t.state,
		Exhausted:    exhausted,
		Steps:        int(t.stepIndex.Load()),
		Messages:     append([]Message(nil), t.messages...),
		Observations: append([]Observation(nil), t.observations...),
	}
}

func (r *LoopRunner) emit(t *turn, event string, payload interface{}) {
	ev := RuntimeEvent{
		TraceID:         t.traceID,
		SessionID:       t.sessionID,
		TaskID:          nil,
		StepIndex:       int(t.stepIndex.Load()),
		Event:           event,
		Source:          eventSource,
		LatencyBudgetMs: r.latencyBudgetMs,
		Payload:         payload,
	}

	r.bus.Publish(TopicRuntimeEvent, ev)

	if t.onEvent == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Warn().
				Str("event", event).
				Interface("panic", rec).
				Msg("Runtime event callback panicked")
		}
	}()
	t.onEvent(ev)
}

func (r *LoopRunner) subscribePassthrough(t *turn) func() {
	unsubs := make([]func(), 0, len(r.passthrough))
	for _, topic := range r.passthrough {
		topic := topic
		unsubs = append(unsubs, r.bus.Subscribe(topic, func(payload interface{}) {
			if payloadSessionID(payload) != t.sessionID {
				return
			}
			r.emit(t, topic, payload)
		}))
	}
	return func() {
		for _, unsubscribe := range unsubs {
			unsubscribe()
		}
	}
}

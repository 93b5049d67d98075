// Package dispatcher bridges tool-call requests on the bus to the tool
// executor and publishes the results back.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/bus"
	"github.com/harun/ranya-runtime/pkg/permission"
	"github.com/harun/ranya-runtime/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// Executor runs a single tool call.
type Executor interface {
	Execute(ctx context.Context, req toolexecutor.Request) toolexecutor.Result
}

// Bus is the subset of the event bus the dispatcher uses.
type Bus interface {
	Publish(topic string, payload interface{})
	Subscribe(topic string, handler bus.Handler) func()
}

// Config configures a Dispatcher.
type Config struct {
	Bus      Bus
	Executor Executor
	Logger   zerolog.Logger
}

// Dispatcher executes each requested call on its own goroutine.
type Dispatcher struct {
	bus      Bus
	executor Executor
	logger   zerolog.Logger

	mu          sync.Mutex
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a dispatcher. It does nothing until Start.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		bus:      cfg.Bus,
		executor: cfg.Executor,
		logger:   cfg.Logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Start subscribes to TopicRequested. Calling it while running is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.unsubscribe != nil {
		return
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.unsubscribe = d.bus.Subscribe(TopicRequested, d.handle)
	d.logger.Info().Msg("Tool call dispatcher started")
}

// Stop unsubscribes, cancels in-flight executions and waits for them. Idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.unsubscribe == nil {
		d.mu.Unlock()
		return
	}
	d.unsubscribe()
	d.unsubscribe = nil
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info().Msg("Tool call dispatcher stopped")
}

// Running reports whether the dispatcher is subscribed.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unsubscribe != nil
}

func (d *Dispatcher) handle(payload interface{}) {
	var req CallRequest
	switch p := payload.(type) {
	case CallRequest:
		req = p
	case *CallRequest:
		if p == nil {
			return
		}
		req = *p
	default:
		d.logger.Warn().
			Str("type", typeName(payload)).
			Msg("Ignoring malformed tool call request")
		return
	}

	d.mu.Lock()
	if d.unsubscribe == nil {
		d.mu.Unlock()
		return
	}
	ctx := d.ctx
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.dispatch(ctx, req)
	}()
}

func (d *Dispatcher) dispatch(ctx context.Context, req CallRequest) {
	ctx = tracing.WithTraceID(ctx, req.TraceID)
	ctx = tracing.WithSessionID(ctx, req.SessionID)
	ctx = tracing.WithCallID(ctx, req.CallID)

	d.bus.Publish(TopicDispatched, CallDispatched{
		TraceID:   req.TraceID,
		SessionID: req.SessionID,
		StepIndex: req.StepIndex,
		CallID:    req.CallID,
		Tool:      req.Tool.Name,
	})

	res := d.executor.Execute(ctx, toolexecutor.Request{
		Name: req.Tool.Name,
		Args: req.Tool.Args,
		Meta: toolexecutor.Meta{
			TraceID:         req.TraceID,
			SessionID:       req.SessionID,
			StepIndex:       req.StepIndex,
			CallID:          req.CallID,
			PermissionLevel: permission.ParseOr(req.PermissionLevel, permission.Low),
			WorkspaceRoot:   req.WorkspaceRoot,
			Provider:        req.Provider,
		},
	})

	out := CallResult{
		TraceID:   req.TraceID,
		SessionID: req.SessionID,
		StepIndex: req.StepIndex,
		CallID:    req.CallID,
		Tool:      req.Tool.Name,
		OK:        res.OK,
	}
	if res.OK {
		out.Result = res.Result
	} else {
		out.Error = res.Error
		out.Code = res.Code
		out.Details = res.Details
	}

	logger := tracing.LoggerFromContext(ctx, d.logger)
	logger.Debug().
		Str("tool", req.Tool.Name).
		Bool("ok", res.OK).
		Str("code", res.Code).
		Msg("Tool call result published")

	d.bus.Publish(TopicResult, out)
}

func typeName(v interface{}) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}

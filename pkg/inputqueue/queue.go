package inputqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/pkg/rpc"
	"github.com/rs/zerolog"
)

// DefaultMaxSize is the admission cap used when Config.MaxSize is unset.
const DefaultMaxSize = 2000

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("inputqueue: closed")

// Replier carries a request's transport back-channel.
type Replier interface {
	Send(resp *rpc.Response) error
	SendEvent(notification *rpc.Notification) error
}

// Envelope is one accepted request together with its reply channel.
type Envelope struct {
	Request    *rpc.Request
	Replier    Replier
	AcceptedAt time.Time
}

// SubmitResult reports whether a payload was admitted. Response is set when it was not.
type SubmitResult struct {
	Accepted bool
	Response *rpc.Response
}

// Config configures a Queue.
type Config struct {
	MaxSize int
	Logger  zerolog.Logger
}

type waiter struct {
	ch chan Envelope
}

// Queue buffers validated requests for a single consumer loop.
type Queue struct {
	maxSize int
	logger  zerolog.Logger

	mu      sync.Mutex
	items   []Envelope
	waiters []*waiter
	closed  bool
	done    chan struct{}
}

// New creates a queue.
func New(cfg Config) *Queue {
	observability.EnsureRegistered()

	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}

	return &Queue{
		maxSize: cfg.MaxSize,
		logger:  cfg.Logger.With().Str("component", "inputqueue").Logger(),
		done:    make(chan struct{}),
	}
}

// Submit validates raw and admits it. Rejected payloads are never enqueued.
func (q *Queue) Submit(raw []byte, replier Replier) SubmitResult {
	req, errResp := rpc.Validate(raw)
	if errResp != nil {
		q.logger.Debug().
			Int("code", errResp.Error.Code).
			Msg("Rejected invalid request")
		observability.RecordQueueSubmit("invalid", q.Size())
		return SubmitResult{Accepted: false, Response: errResp}
	}
	return q.SubmitRequest(req, replier)
}

// SubmitRequest admits an already validated request.
func (q *Queue) SubmitRequest(req *rpc.Request, replier Replier) SubmitResult {
	env := Envelope{
		Request:    req,
		Replier:    replier,
		AcceptedAt: time.Now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return SubmitResult{
			Accepted: false,
			Response: rpc.NewErrorResponse(req.ID, rpc.NewError(rpc.InternalError, "Input queue is closed", nil)),
		}
	}

	if len(q.items) >= q.maxSize {
		size := len(q.items)
		q.mu.Unlock()
		q.logger.Warn().
			Str("method", req.Method).
			Int("size", size).
			Msg("Input queue is full")
		observability.RecordQueueSubmit("full", size)
		return SubmitResult{
			Accepted: false,
			Response: rpc.NewErrorResponse(req.ID, rpc.NewError(rpc.QueueFull, "Input queue is full", nil)),
		}
	}

	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w.ch <- env
		size := len(q.items)
		q.mu.Unlock()

		q.logger.Debug().
			Str("method", req.Method).
			Str("id", req.IDString()).
			Msg("Request handed to waiting consumer")
		observability.RecordQueueSubmit("handoff", size)
		return SubmitResult{Accepted: true}
	}

	q.items = append(q.items, env)
	size := len(q.items)
	q.mu.Unlock()

	q.logger.Debug().
		Str("method", req.Method).
		Str("id", req.IDString()).
		Int("size", size).
		Msg("Request enqueued")
	observability.RecordQueueSubmit("enqueued", size)
	return SubmitResult{Accepted: true}
}

// Pop returns the oldest buffered envelope, or blocks until one is submitted.
// If ctx ends after an envelope was already handed over, that envelope is
// still returned so it is never lost.
func (q *Queue) Pop(ctx context.Context) (Envelope, error) {
	q.mu.Lock()
	if len(q.items) > 0 {
		env := q.items[0]
		q.items[0] = Envelope{}
		q.items = q.items[1:]
		size := len(q.items)
		q.mu.Unlock()
		observability.SetQueueSize(size)
		return env, nil
	}
	if q.closed {
		q.mu.Unlock()
		return Envelope{}, ErrClosed
	}

	w := &waiter{ch: make(chan Envelope, 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case env := <-w.ch:
		return env, nil
	case <-ctx.Done():
		if env, ok := q.abandon(w); ok {
			return env, nil
		}
		return Envelope{}, ctx.Err()
	case <-q.done:
		if env, ok := q.abandon(w); ok {
			return env, nil
		}
		return Envelope{}, ErrClosed
	}
}

// abandon removes w from the waiter list. If w was already served it returns
// the envelope it received.
func (q *Queue) abandon(w *waiter) (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, candidate := range q.waiters {
		if candidate == w {
			q.waiters = append(q.waiters[:i:i], q.waiters[i+1:]...)
			return Envelope{}, false
		}
	}

	select {
	case env := <-w.ch:
		return env, true
	default:
		return Envelope{}, false
	}
}

// Size returns the number of buffered envelopes. Envelopes handed directly to
// a waiting consumer are not counted.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Waiting returns the number of consumers blocked in Pop.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Close stops admission and wakes blocked consumers. Buffered envelopes can
// still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

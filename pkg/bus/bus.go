package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrWaitTimeout is returned when no matching payload arrives in time
	ErrWaitTimeout = errors.New("bus: wait timed out")

	// ErrWaitCancelled is returned when a waiter is cancelled before a match
	ErrWaitCancelled = errors.New("bus: wait cancelled")

	// ErrPredicatePanic wraps a panic raised inside a wait predicate
	ErrPredicatePanic = errors.New("bus: wait predicate panicked")
)

// Handler receives the payload published on a topic.
type Handler func(payload interface{})

// Event is what subscribe-all listeners receive.
type Event struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

// AllHandler receives every event published on every topic.
type AllHandler func(event Event)

// Predicate selects the payload a waiter resolves with.
type Predicate func(payload interface{}) bool

// Publisher is the publishing half of the bus.
type Publisher interface {
	Publish(topic string, payload interface{})
	Debug() bool
}

// Config configures a Bus.
type Config struct {
	Debug  bool
	Logger zerolog.Logger
}

type subscription struct {
	id      uint64
	handler Handler
}

type allSubscription struct {
	id      uint64
	handler AllHandler
}

// Bus is an in-process topic bus with a subscribe-all channel.
type Bus struct {
	logger zerolog.Logger
	debug  atomic.Bool
	nextID atomic.Uint64

	mu     sync.RWMutex
	topics map[string][]subscription
	all    []allSubscription
}

// New creates a bus.
func New(cfg Config) *Bus {
	b := &Bus{
		logger: cfg.Logger.With().Str("component", "bus").Logger(),
		topics: make(map[string][]subscription),
	}
	b.debug.Store(cfg.Debug)
	return b
}

// SetDebug toggles debug mode. Components emit diagnostic events only when it is on.
func (b *Bus) SetDebug(enabled bool) {
	b.debug.Store(enabled)
}

// Debug reports whether debug mode is on.
func (b *Bus) Debug() bool {
	return b.debug.Load()
}

// Publish delivers payload to every handler of topic, then to every subscribe-all handler.
// A panicking handler is logged and does not stop delivery to the others.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.topics[topic]...)
	all := append([]allSubscription(nil), b.all...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(topic, func() { sub.handler(payload) })
	}

	if len(all) == 0 {
		return
	}
	event := Event{Topic: topic, Payload: payload}
	for _, sub := range all {
		b.invoke(topic, func() { sub.handler(event) })
	}
}

func (b *Bus) invoke(topic string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("topic", topic).
				Interface("panic", r).
				Msg("Bus handler panicked")
		}
	}()
	fn()
}

// Subscribe registers handler for topic and returns its unsubscribe function.
func (b *Bus) Subscribe(topic string, handler Handler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

// SubscribeAll registers handler for every topic and returns its unsubscribe function.
func (b *Bus) SubscribeAll(handler AllHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.all = append(b.all, allSubscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, sub := range b.all {
				if sub.id == id {
					b.all = append(b.all[:i:i], b.all[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	for i, sub := range subs {
		if sub.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.topics, topic)
		return
	}
	b.topics[topic] = subs
}

// ListenerCount returns the number of handlers attached to topic.
func (b *Bus) ListenerCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// WaitFor blocks until a payload on topic satisfies pred, the timeout elapses or ctx ends.
// A timeout of zero or less waits for ctx only.
func (b *Bus) WaitFor(ctx context.Context, topic string, pred Predicate, timeout time.Duration) (interface{}, error) {
	return b.Arm(topic, pred).Wait(ctx, timeout)
}

type waitResult struct {
	payload interface{}
	err     error
}

// Waiter is an armed rendezvous on one topic. Arm it before publishing the
// request whose reply it expects so a synchronous reply cannot be missed.
type Waiter struct {
	topic       string
	result      chan waitResult
	once        sync.Once
	unsubscribe func()
}

// Arm registers a listener on topic that captures the first payload satisfying pred.
func (b *Bus) Arm(topic string, pred Predicate) *Waiter {
	w := &Waiter{
		topic:  topic,
		result: make(chan waitResult, 1),
	}

	w.unsubscribe = b.Subscribe(topic, func(payload interface{}) {
		matched, err := evaluate(pred, payload)
		if err == nil && !matched {
			return
		}
		w.once.Do(func() {
			w.result <- waitResult{payload: payload, err: err}
		})
	})

	return w
}

func evaluate(pred Predicate, payload interface{}) (matched bool, err error) {
	if pred == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPredicatePanic, r)
		}
	}()
	return pred(payload), nil
}

// Wait blocks for the armed result. The listener is always released on return.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration) (interface{}, error) {
	defer w.Cancel()

	if ctx == nil {
		ctx = context.Background()
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-w.result:
		return res.payload, res.err
	case <-timeoutCh:
		return nil, fmt.Errorf("%w: %s after %s", ErrWaitTimeout, w.topic, timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrWaitCancelled, w.topic, ctx.Err())
	}
}

// Cancel releases the listener without waiting. Safe to call more than once.
func (w *Waiter) Cancel() {
	w.unsubscribe()
}

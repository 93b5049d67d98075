package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestBus() *Bus {
	return New(Config{Logger: zerolog.Nop()})
}

func TestBus_PublishDeliversInOrder(t *testing.T) {
	b := newTestBus()

	var got []string
	b.Subscribe("topic", func(p interface{}) { got = append(got, "first:"+p.(string)) })
	b.Subscribe("topic", func(p interface{}) { got = append(got, "second:"+p.(string)) })

	b.Publish("topic", "x")

	assert.Equal(t, []string{"first:x", "second:x"}, got)
}

func TestBus_PublishWithoutListenersIsDropped(t *testing.T) {
	b := newTestBus()
	assert.NotPanics(t, func() { b.Publish("nobody", 1) })
	assert.Equal(t, 0, b.ListenerCount("nobody"))
}

func TestBus_UnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	b := newTestBus()

	var a, c int
	unsubA := b.Subscribe("t", func(interface{}) { a++ })
	b.Subscribe("t", func(interface{}) { c++ })

	b.Publish("t", nil)
	unsubA()
	unsubA()
	b.Publish("t", nil)

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, c)
	assert.Equal(t, 1, b.ListenerCount("t"))
}

func TestBus_SubscribeAll(t *testing.T) {
	b := newTestBus()

	var events []Event
	unsub := b.SubscribeAll(func(e Event) { events = append(events, e) })

	b.Publish("a", 1)
	b.Publish("b", 2)
	unsub()
	b.Publish("c", 3)

	require.Len(t, events, 2)
	assert.Equal(t, Event{Topic: "a", Payload: 1}, events[0])
	assert.Equal(t, Event{Topic: "b", Payload: 2}, events[1])
}

func TestBus_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	b := newTestBus()

	called := false
	b.Subscribe("t", func(interface{}) { panic("boom") })
	b.Subscribe("t", func(interface{}) { called = true })

	assert.NotPanics(t, func() { b.Publish("t", nil) })
	assert.True(t, called)
}

func TestBus_Debug(t *testing.T) {
	b := New(Config{Debug: true, Logger: zerolog.Nop()})
	assert.True(t, b.Debug())
	b.SetDebug(false)
	assert.False(t, b.Debug())
}

func TestBus_WaitForMatches(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus()

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Publish("result", "other")
		b.Publish("result", "wanted")
	}()

	got, err := b.WaitFor(context.Background(), "result", func(p interface{}) bool {
		return p == "wanted"
	}, time.Second)

	require.NoError(t, err)
	assert.Equal(t, "wanted", got)
	assert.Equal(t, 0, b.ListenerCount("result"))
}

func TestBus_WaitForTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus()

	_, err := b.WaitFor(context.Background(), "never", nil, 20*time.Millisecond)

	assert.True(t, errors.Is(err, ErrWaitTimeout))
	assert.Equal(t, 0, b.ListenerCount("never"))
}

func TestBus_WaitForContextCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.WaitFor(ctx, "never", nil, time.Second)
	assert.True(t, errors.Is(err, ErrWaitCancelled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, b.ListenerCount("never"))
}

func TestBus_WaitForPredicatePanic(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus()

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Publish("t", nil)
	}()

	_, err := b.WaitFor(context.Background(), "t", func(interface{}) bool {
		panic("bad predicate")
	}, time.Second)

	assert.True(t, errors.Is(err, ErrPredicatePanic))
	assert.Equal(t, 0, b.ListenerCount("t"))
}

func TestBus_ArmCatchesSynchronousReply(t *testing.T) {
	b := newTestBus()

	b.Subscribe("request", func(p interface{}) {
		b.Publish("reply", p)
	})

	w := b.Arm("reply", func(p interface{}) bool { return p == 7 })
	b.Publish("request", 7)

	got, err := w.Wait(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}

func TestBus_ArmCancel(t *testing.T) {
	b := newTestBus()

	w := b.Arm("t", nil)
	assert.Equal(t, 1, b.ListenerCount("t"))
	w.Cancel()
	w.Cancel()
	assert.Equal(t, 0, b.ListenerCount("t"))
}

func TestBus_ConcurrentPublishSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus()

	var mu sync.Mutex
	count := 0
	b.Subscribe("t", func(interface{}) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := b.Subscribe("t", func(interface{}) {})
			b.Publish("t", nil)
			unsub()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, count)
	assert.Equal(t, 1, b.ListenerCount("t"))
}

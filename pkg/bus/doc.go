// Package bus provides the in-process publish/subscribe event bus used for
// cross-component signaling inside the runtime.
//
// Invariants:
// - Publish is synchronous: handlers run on the publisher's goroutine, in registration order.
// - Events published with no listener attached are dropped.
// - Every unsubscribe function removes exactly the handler it was returned for and is idempotent.
// - A Waiter always releases its listener and timer on match, timeout, cancellation or predicate panic.
//
// Usage:
//
//	b := bus.New(bus.Config{Logger: logger})
//	w := b.Arm("tool.call.result", func(p interface{}) bool { return matches(p) })
//	b.Publish("tool.call.requested", req)
//	payload, err := w.Wait(ctx, 10*time.Second)
package bus

// Package session persists conversation history as one JSONL file per session.
//
// Invariants:
// - Session ids are validated and path-safe.
// - Writes for the same session are serialized.
// - Append and load are observable via tracing and metrics.
//
// Usage:
//
//	store, _ := session.New(session.Config{Dir: "/tmp/ranya/sessions"})
//	_ = store.Append(ctx, "sess_1", session.Message{Role: "user", Content: "hello"})
//	recent, _ := store.Recent(ctx, "sess_1", 20)
package session

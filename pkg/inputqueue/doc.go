// Package inputqueue implements the admission-controlled FIFO of JSON-RPC
// requests drained by the runtime worker.
//
// Invariants:
// - Only requests that pass rpc.Validate are enqueued.
// - The buffered item count never exceeds MaxSize.
// - When a consumer is blocked in Pop, Submit hands the envelope straight to it.
// - Blocked consumers are served in the order they called Pop.
// - Every accepted envelope is delivered to exactly one Pop.
package inputqueue

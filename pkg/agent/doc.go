// Package agent drives one conversational turn: it composes the prompt,
// asks a Reasoner for decisions, dispatches tool calls over the event bus
// and waits for their results until the reasoner produces a final answer.
//
// Invariants:
// - A turn moves IDLE -> RUNNING -> one of DONE, ERROR, ABORTED and never leaves a terminal state.
// - Tool calls within a step run sequentially in reasoner order and stop at the first failure.
// - The runner never calls the executor directly; requests and results travel over the bus, correlated by trace and call id.
// - Run never returns an error and never panics.
//
// Usage:
//
//	runner := agent.NewLoopRunner(agent.LoopRunnerConfig{
//		Bus:      b,
//		Reasoner: reasoner,
//		Tools:    executor,
//	})
//	result := runner.Run(ctx, agent.RunParams{SessionID: "sess_1", Input: "hello"})
//	_ = result
package agent

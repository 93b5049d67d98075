package agent

import (
	"reflect"
)

// TopicRuntimeEvent is the bus topic every runtime event is published on.
const TopicRuntimeEvent = "runtime.event"

// Runtime event names
const (
	EventPlan       = "plan"
	EventLLMFinal   = "llm.final"
	EventToolCall   = "tool.call"
	EventToolResult = "tool.result"
	EventToolError  = "tool.error"
	EventDone       = "done"
)

const (
	eventSource = "runtime"

	// DefaultLatencyBudgetMs is stamped on every event envelope.
	DefaultLatencyBudgetMs = 1200
)

// DefaultPassthroughTopics are forwarded as runtime events while a turn runs.
var DefaultPassthroughTopics = []string{
	"voice.playback.started",
	"voice.playback.stopped",
	"voice.playback.error",
}

// RuntimeEvent is the uniform envelope for turn events.
type RuntimeEvent struct {
	TraceID         string      `json:"trace_id"`
	SessionID       string      `json:"session_id"`
	TaskID          *string     `json:"task_id"`
	StepIndex       int         `json:"step_index"`
	Event           string      `json:"event"`
	Source          string      `json:"source"`
	LatencyBudgetMs int         `json:"latency_budget_ms"`
	Payload         interface{} `json:"payload"`
}

// payloadSessionID extracts a session id from a passthrough payload: a map
// with "session_id" or "sessionId", or a struct with a SessionID field.
func payloadSessionID(payload interface{}) string {
	switch p := payload.(type) {
	case map[string]interface{}:
		for _, key := range []string{"session_id", "sessionId"} {
			if s, ok := p[key].(string); ok {
				return s
			}
		}
		return ""
	case map[string]string:
		if s, ok := p["session_id"]; ok {
			return s
		}
		return p["sessionId"]
	}

	v := reflect.ValueOf(payload)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return ""
	}
	field := v.FieldByName("SessionID")
	if field.IsValid() && field.Kind() == reflect.String {
		return field.String()
	}
	return ""
}

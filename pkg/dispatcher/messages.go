package dispatcher

// Bus topics owned by the tool-call protocol.
const (
	TopicRequested  = "tool.call.requested"
	TopicDispatched = "tool.call.dispatched"
	TopicResult     = "tool.call.result"
)

// ToolInvocation names the tool and its arguments.
type ToolInvocation struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// CallRequest is published on TopicRequested.
type CallRequest struct {
	TraceID         string         `json:"trace_id"`
	SessionID       string         `json:"session_id"`
	StepIndex       int            `json:"step_index"`
	CallID          string         `json:"call_id"`
	Tool            ToolInvocation `json:"tool"`
	PermissionLevel string         `json:"permission_level,omitempty"`
	WorkspaceRoot   string         `json:"workspace_root,omitempty"`
	Provider        string         `json:"provider,omitempty"`
}

// CallDispatched is published on TopicDispatched before execution.
type CallDispatched struct {
	TraceID   string `json:"trace_id"`
	SessionID string `json:"session_id"`
	StepIndex int    `json:"step_index"`
	CallID    string `json:"call_id"`
	Tool      string `json:"tool"`
}

// CallResult is published on TopicResult. TraceID and CallID always echo the request.
type CallResult struct {
	TraceID   string      `json:"trace_id"`
	SessionID string      `json:"session_id"`
	StepIndex int         `json:"step_index"`
	CallID    string      `json:"call_id"`
	Tool      string      `json:"tool"`
	OK        bool        `json:"ok"`
	Result    string      `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      string      `json:"code,omitempty"`
	Details   interface{} `json:"details,omitempty"`
}

// Matches reports whether r answers the call identified by traceID and callID.
func (r CallResult) Matches(traceID, callID string) bool {
	return r.TraceID == traceID && r.CallID == callID
}

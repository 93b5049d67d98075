package agent

import (
	"context"
	"fmt"
)

// Decision types
const (
	DecisionFinal = "final"
	DecisionTool  = "tool"
)

// ToolSpec is a tool advertised to the reasoner.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// DecideRequest is the input of a single reasoning step.
type DecideRequest struct {
	Messages []Message  `json:"messages"`
	Tools    []ToolSpec `json:"tools"`
}

// Decision is the reasoner's answer for one step. Type "final" carries
// Output; type "tool" carries Tool, Tools or both.
type Decision struct {
	Type             string     `json:"type"`
	AssistantMessage *Message   `json:"assistantMessage,omitempty"`
	Output           string     `json:"output,omitempty"`
	Tool             *ToolCall  `json:"tool,omitempty"`
	Tools            []ToolCall `json:"tools,omitempty"`
}

// Reasoner decides the next step of a turn.
type Reasoner interface {
	Decide(ctx context.Context, req DecideRequest) (Decision, error)
}

// NamedReasoner is implemented by reasoners bound to a provider.
type NamedReasoner interface {
	Reasoner
	Provider() string
}

// ReasonerFunc adapts a function to Reasoner.
type ReasonerFunc func(ctx context.Context, req DecideRequest) (Decision, error)

// Decide calls f.
func (f ReasonerFunc) Decide(ctx context.Context, req DecideRequest) (Decision, error) {
	return f(ctx, req)
}

// GenerationConfig holds sampling settings shared by provider reasoners.
type GenerationConfig struct {
	Temperature float64
	MaxTokens   int
}

// ReasonerFactory creates provider reasoners from auth profiles.
type ReasonerFactory interface {
	NewReasoner(profile AuthProfile) (NamedReasoner, error)
}

// ProviderFactory is the default ReasonerFactory.
type ProviderFactory struct {
	Generation GenerationConfig
}

// NewReasoner creates a reasoner for profile.
func (f *ProviderFactory) NewReasoner(profile AuthProfile) (NamedReasoner, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicReasoner(profile, f.Generation), nil
	case "openai":
		return NewOpenAIReasoner(profile, f.Generation), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

func decisionFromResponse(content string, calls []ToolCall) Decision {
	assistant := &Message{
		Role:      RoleAssistant,
		Content:   TextContent(content),
		ToolCalls: calls,
	}
	if len(calls) > 0 {
		return Decision{Type: DecisionTool, AssistantMessage: assistant, Tools: calls}
	}
	return Decision{Type: DecisionFinal, AssistantMessage: assistant, Output: content}
}

func providerName(r Reasoner) string {
	if named, ok := r.(NamedReasoner); ok {
		return named.Provider()
	}
	return "custom"
}

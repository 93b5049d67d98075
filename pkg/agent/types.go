package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ImageURL is the payload of an image content part.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart is one element of a multi-part message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// TextPart creates a text part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImagePart creates an image_url part.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}}
}

// Content is either plain text or a list of parts. It encodes as a JSON
// string or array accordingly.
type Content struct {
	Text  string
	Parts []ContentPart
}

// TextContent wraps plain text.
func TextContent(text string) Content {
	return Content{Text: text}
}

// PartsContent wraps a part list.
func PartsContent(parts ...ContentPart) Content {
	return Content{Parts: parts}
}

// IsMultipart reports whether the content is a part list.
func (c Content) IsMultipart() bool {
	return c.Parts != nil
}

// IsEmpty reports whether the content carries no text and no populated image.
func (c Content) IsEmpty() bool {
	if !c.IsMultipart() {
		return strings.TrimSpace(c.Text) == ""
	}
	for _, part := range c.Parts {
		switch part.Type {
		case "text":
			if strings.TrimSpace(part.Text) != "" {
				return false
			}
		case "image_url":
			if part.ImageURL != nil && strings.TrimSpace(part.ImageURL.URL) != "" {
				return false
			}
		}
	}
	return true
}

// String returns the text of the content; text parts are joined with newlines.
func (c Content) String() string {
	if !c.IsMultipart() {
		return c.Text
	}
	texts := make([]string, 0, len(c.Parts))
	for _, part := range c.Parts {
		if part.Type == "text" && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Images returns the image URLs of a multi-part content.
func (c Content) Images() []string {
	var urls []string
	for _, part := range c.Parts {
		if part.Type == "image_url" && part.ImageURL != nil && part.ImageURL.URL != "" {
			urls = append(urls, part.ImageURL.URL)
		}
	}
	return urls
}

// MarshalJSON encodes the content as a string or an array of parts.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsMultipart() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts a string, an array of parts or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null":
		*c = Content{}
		return nil
	case strings.HasPrefix(trimmed, "["):
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("decode content parts: %w", err)
		}
		if parts == nil {
			parts = []ContentPart{}
		}
		*c = Content{Parts: parts}
		return nil
	default:
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("content must be a string or an array of parts: %w", err)
		}
		*c = Content{Text: text}
		return nil
	}
}

// ToolCall is one tool invocation requested by the reasoner.
type ToolCall struct {
	CallID string                 `json:"call_id,omitempty"`
	Name   string                 `json:"name"`
	Args   map[string]interface{} `json:"args"`
}

// Message is one transcript entry.
type Message struct {
	Role       string     `json:"role"`
	Content    Content    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// InputImage is an image attached to the user input.
type InputImage struct {
	Name      string `json:"name,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	DataURL   string `json:"data_url"`
}

// InputAudio describes an audio clip attached to a request.
type InputAudio struct {
	AudioRef   string   `json:"audio_ref"`
	Format     string   `json:"format"`
	Lang       string   `json:"lang"`
	Hints      []string `json:"hints"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// RunContext is the per-turn runtime context resolved by the worker.
type RunContext struct {
	PermissionLevel string                 `json:"permission_level,omitempty"`
	WorkspaceRoot   string                 `json:"workspace_root,omitempty"`
	Provider        string                 `json:"provider,omitempty"`
	InputAudio      *InputAudio            `json:"input_audio,omitempty"`
	Extra           map[string]interface{} `json:"extra,omitempty"`
}

// Observation records a successful tool result.
type Observation struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Result string `json:"result"`
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // "anthropic" or "openai"
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Model    string `json:"model" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// Name returns "<provider>/<model>", the key used for per-provider tool policy.
func (p AuthProfile) Name() string {
	if p.Model == "" {
		return p.Provider
	}
	return p.Provider + "/" + p.Model
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset", "timeout",
		"429", "rate limit",
		"500", "502", "503", "504", "overloaded",
	} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}
	return false
}

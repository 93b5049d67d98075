package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicReasoner implements Reasoner on the messages API
type AnthropicReasoner struct {
	client     anthropic.Client
	profile    AuthProfile
	generation GenerationConfig
}

// NewAnthropicReasoner creates a new Anthropic reasoner
func NewAnthropicReasoner(profile AuthProfile, generation GenerationConfig) *AnthropicReasoner {
	opts := []option.RequestOption{option.WithAPIKey(profile.APIKey)}
	if profile.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(profile.BaseURL))
	}
	return &AnthropicReasoner{
		client:     anthropic.NewClient(opts...),
		profile:    profile,
		generation: generation,
	}
}

// Provider returns "anthropic/<model>"
func (p *AnthropicReasoner) Provider() string {
	return p.profile.Name()
}

// Decide makes one messages call
func (p *AnthropicReasoner) Decide(ctx context.Context, req DecideRequest) (Decision, error) {
	system, messages := anthropicMessages(req.Messages)

	maxTokens := p.generation.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	reqParams := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.profile.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		reqParams.System = system
	}
	if p.generation.Temperature > 0 {
		reqParams.Temperature = anthropic.Float(p.generation.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.InputSchema["properties"],
					Required:   requiredFields(tool.InputSchema),
				},
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		reqParams.Tools = tools
	}

	response, err := p.client.Messages.New(ctx, reqParams)
	if err != nil {
		return Decision{}, err
	}

	content := ""
	calls := []ToolCall{}
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ToolUseBlock:
			args := map[string]interface{}{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					return Decision{}, fmt.Errorf("failed to parse tool input for %s: %w", b.Name, err)
				}
			}
			calls = append(calls, ToolCall{
				CallID: b.ID,
				Name:   b.Name,
				Args:   args,
			})
		}
	}

	return decisionFromResponse(content, calls), nil
}

// anthropicMessages splits system prompts out of the transcript and merges
// consecutive tool results into a single user turn.
func anthropicMessages(transcript []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	messages := []anthropic.MessageParam{}
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			messages = append(messages, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range transcript {
		if msg.Role == RoleTool {
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content.String(), false))
			continue
		}
		flushResults()

		switch msg.Role {
		case RoleSystem:
			if text := msg.Content.String(); text != "" {
				system = append(system, anthropic.TextBlockParam{Text: text})
			}
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropicUserBlocks(msg.Content)...))
		case RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if text := msg.Content.String(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.CallID, args, tc.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	flushResults()

	return system, messages
}

func anthropicUserBlocks(content Content) []anthropic.ContentBlockParamUnion {
	if !content.IsMultipart() {
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(content.Text)}
	}

	blocks := []anthropic.ContentBlockParamUnion{}
	for _, part := range content.Parts {
		switch {
		case part.Type == "text" && part.Text != "":
			blocks = append(blocks, anthropic.NewTextBlock(part.Text))
		case part.Type == "image_url" && part.ImageURL != nil && part.ImageURL.URL != "":
			if mediaType, data, ok := splitDataURL(part.ImageURL.URL); ok {
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
			} else {
				blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: part.ImageURL.URL}))
			}
		}
	}
	return blocks
}

// splitDataURL parses "data:<media>;base64,<data>".
func splitDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	header, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, encoding, _ := strings.Cut(header, ";")
	if encoding != "base64" || mediaType == "" {
		return "", "", false
	}
	return mediaType, payload, true
}

func requiredFields(schema map[string]interface{}) []string {
	switch required := schema["required"].(type) {
	case []string:
		return required
	case []interface{}:
		fields := make([]string, 0, len(required))
		for _, v := range required {
			if s, ok := v.(string); ok {
				fields = append(fields, s)
			}
		}
		return fields
	default:
		return nil
	}
}

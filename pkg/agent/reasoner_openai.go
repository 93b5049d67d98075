package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIReasoner implements Reasoner on the chat completions API
type OpenAIReasoner struct {
	client     openai.Client
	profile    AuthProfile
	generation GenerationConfig
}

// NewOpenAIReasoner creates a new OpenAI reasoner
func NewOpenAIReasoner(profile AuthProfile, generation GenerationConfig) *OpenAIReasoner {
	opts := []option.RequestOption{option.WithAPIKey(profile.APIKey)}
	if profile.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(profile.BaseURL))
	}
	return &OpenAIReasoner{
		client:     openai.NewClient(opts...),
		profile:    profile,
		generation: generation,
	}
}

// Provider returns "openai/<model>"
func (p *OpenAIReasoner) Provider() string {
	return p.profile.Name()
}

// Decide makes one chat completion call
func (p *OpenAIReasoner) Decide(ctx context.Context, req DecideRequest) (Decision, error) {
	messages, err := openAIMessages(req.Messages)
	if err != nil {
		return Decision{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.profile.Model),
		Messages: messages,
	}
	if p.generation.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.generation.MaxTokens))
	}
	if p.generation.Temperature > 0 {
		params.Temperature = openai.Float(p.generation.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			schema := tool.InputSchema
			if schema == nil {
				schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Decision{}, err
	}
	if len(response.Choices) == 0 {
		return Decision{}, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]
	calls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]interface{}{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return Decision{}, fmt.Errorf("failed to parse tool arguments for %s: %w", tc.Function.Name, err)
			}
		}
		calls = append(calls, ToolCall{
			CallID: tc.ID,
			Name:   tc.Function.Name,
			Args:   args,
		})
	}

	return decisionFromResponse(choice.Message.Content, calls), nil
}

func openAIMessages(transcript []Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(transcript))

	for _, msg := range transcript {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content.String()))
		case RoleUser:
			if !msg.Content.IsMultipart() {
				messages = append(messages, openai.UserMessage(msg.Content.Text))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Content.Parts))
			for _, part := range msg.Content.Parts {
				switch {
				case part.Type == "text" && part.Text != "":
					parts = append(parts, openai.TextContentPart(part.Text))
				case part.Type == "image_url" && part.ImageURL != nil && part.ImageURL.URL != "":
					parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
						URL:    part.ImageURL.URL,
						Detail: part.ImageURL.Detail,
					}))
				}
			}
			messages = append(messages, openai.UserMessage(parts))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content.String()))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				argsJSON, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.CallID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content.String(),
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content.String(), msg.ToolCallID))
		}
	}

	return messages, nil
}

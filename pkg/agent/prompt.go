package agent

import (
	"context"
	"strings"
)

// DefaultBasePrompt is the planner instruction block that opens every transcript.
const DefaultBasePrompt = `You are Ranya, a conversational assistant that can act through tools.
Work in steps. When a listed tool can answer the request or perform the action, call it with arguments that match its input schema. Otherwise answer directly.
Use tool results as facts and never invent them. Stop calling tools as soon as you can give the final answer.`

const personaToolHint = `The user may be asking to change how you address them or how you present yourself. ` +
	`If so, call the persona_update tool to save the change before you answer.`

var personaHintKeywords = []string{
	"nickname", "call me", "call you", "your name", "rename you",
	"persona", "personality", "your tone", "speak like",
	"昵称", "称呼", "叫我", "叫你", "人设", "语气",
}

// ContextRequest is passed to the persona and skills resolvers.
type ContextRequest struct {
	SessionID  string
	Input      string
	RunContext RunContext
}

// PersonaResolver produces the persona prompt for a turn.
type PersonaResolver interface {
	ResolvePersonaContext(ctx context.Context, req ContextRequest) (string, error)
}

// SkillsResolver produces the skills prompt for a turn.
type SkillsResolver interface {
	ResolveSkillsContext(ctx context.Context, req ContextRequest) (string, error)
}

// NeedsPersonaHint reports whether input mentions changing names or persona.
func NeedsPersonaHint(input string) bool {
	lowered := strings.ToLower(input)
	for _, keyword := range personaHintKeywords {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

// FilterSeedMessages keeps system, user and assistant entries with text or
// at least one populated image. Tool linkage is stripped because the
// matching tool messages are not replayed.
func FilterSeedMessages(seeds []Message) []Message {
	filtered := make([]Message, 0, len(seeds))
	for _, msg := range seeds {
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			continue
		}
		if msg.Content.IsEmpty() {
			continue
		}
		filtered = append(filtered, Message{
			Role:    msg.Role,
			Content: msg.Content,
			Name:    msg.Name,
		})
	}
	return filtered
}

// BuildUserMessage creates the current-turn user message. Without images the
// content is plain text; with images it is a part list whose text part is
// omitted when input is empty.
func BuildUserMessage(input string, images []InputImage) Message {
	var parts []ContentPart
	for _, img := range images {
		if strings.TrimSpace(img.DataURL) == "" {
			continue
		}
		parts = append(parts, ImagePart(img.DataURL))
	}

	if len(parts) == 0 {
		return Message{Role: RoleUser, Content: TextContent(input)}
	}

	if strings.TrimSpace(input) != "" {
		parts = append([]ContentPart{TextPart(input)}, parts...)
	}
	return Message{Role: RoleUser, Content: PartsContent(parts...)}
}

// ComposePrompt orders the transcript: base instructions, persona, skills,
// persona tool hint, seeds, then the user message.
func ComposePrompt(base, persona, skills, input string, seeds []Message, user Message) []Message {
	messages := make([]Message, 0, len(seeds)+5)

	if strings.TrimSpace(base) != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: TextContent(base)})
	}
	if strings.TrimSpace(persona) != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: TextContent(persona)})
	}
	if strings.TrimSpace(skills) != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: TextContent(skills)})
	}
	if NeedsPersonaHint(input) {
		messages = append(messages, Message{Role: RoleSystem, Content: TextContent(personaToolHint)})
	}

	messages = append(messages, seeds...)
	messages = append(messages, user)
	return messages
}

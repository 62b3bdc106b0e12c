// Package model is the boundary between workflows and LLM chat providers.
//
// Executors that call a model depend on ChatModel only. Provider adapters
// live in the anthropic, openai and google subpackages; MockChatModel serves
// tests.
//
//	m := openai.NewChatModel(apiKey, "gpt-4o")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleSystem, Content: "Answer in one word."},
//	    {Role: model.RoleUser, Content: "Capital of France?"},
//	}, nil)
package model

import "context"

// ChatModel sends a conversation to an LLM and returns its reply.
//
// Implementations convert Message and ToolSpec values to the provider's
// format, respect ctx cancellation and return provider failures as errors.
type ChatModel interface {
	// Chat returns the model's reply to messages. tools may be nil.
	//
	// A reply may carry text, tool calls or both.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is one turn of a conversation.
type Message struct {
	// Role is one of the Role* constants.
	Role string `json:"role"`

	// Content is the turn's text. It may be empty for assistant turns that
	// only call tools.
	Content string `json:"content"`

	// ToolCalls are the calls an assistant turn requested.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a RoleTool turn to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	// RoleTool carries a tool result back to the model.
	RoleTool = "tool"
)

// ToolSpec describes a tool the model may call.
//
// Schema is a JSON Schema object describing the tool's input:
//
//	model.ToolSpec{
//	    Name:        "get_weather",
//	    Description: "Current weather for a city",
//	    Schema: map[string]any{
//	        "type": "object",
//	        "properties": map[string]any{
//	            "city": map[string]any{"type": "string"},
//	        },
//	        "required": []string{"city"},
//	    },
//	}
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// ChatOut is a model reply.
type ChatOut struct {
	// Text may be empty when the model only calls tools.
	Text string `json:"text"`

	// ToolCalls are the tools the model wants invoked, in the order given.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Usage is zero when the provider does not report it.
	Usage Usage `json:"usage,omitzero"`
}

// Usage is the token accounting of one call.
type Usage struct {
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// ToolCall is a model's request to run a tool.
type ToolCall struct {
	// ID is the provider's call id, echoed back in the RoleTool message that
	// answers it. Providers without call ids leave it empty.
	ID string `json:"id,omitempty"`

	// Name matches a ToolSpec.Name.
	Name string `json:"name"`

	// Input follows the tool's Schema.
	Input map[string]any `json:"input,omitempty"`
}

// LastUserMessage returns the content of the last RoleUser message, or "".
func LastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// Package google adapts the Gemini API to model.ChatModel.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/stepflow/workflow/model"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "gemini-2.5-flash"

// ChatModel implements model.ChatModel for Gemini.
//
// Responses blocked by Gemini's safety filters fail with *SafetyFilterError:
//
//	out, err := m.Chat(ctx, messages, nil)
//	var blocked *google.SafetyFilterError
//	if errors.As(err, &blocked) {
//	    log.Printf("blocked: %s", blocked.Category())
//	}
type ChatModel struct {
	modelName string
	client    googleClient
}

// googleClient is the part of the SDK ChatModel uses. Tests replace it.
type googleClient interface {
	generateContent(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error)
}

// NewChatModel returns a ChatModel for modelName, or DefaultModel when empty.
// The SDK client is created per request so that the model holds no open
// connection between calls.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{
		modelName: modelName,
		client:    &sdkClient{apiKey: apiKey, modelName: modelName},
	}
}

// ModelName returns the model requests are sent to.
func (m *ChatModel) ModelName() string { return m.modelName }

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	out, err := m.client.generateContent(ctx, messages, tools)
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return model.ChatOut{}, safetyError(blocked)
		}
		return model.ChatOut{}, err
	}
	return out, nil
}

type sdkClient struct {
	apiKey    string
	modelName string
}

func (c *sdkClient) generateContent(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if c.apiKey == "" {
		return model.ChatOut{}, errors.New("google API key is required")
	}
	system, history, last := splitConversation(messages)
	if last == nil {
		return model.ChatOut{}, errors.New("google: conversation has no user turn to send")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("create google client: %w", err)
	}
	defer func() { _ = client.Close() }()

	gm := client.GenerativeModel(c.modelName)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if len(tools) > 0 {
		gm.Tools = convertTools(tools)
	}

	session := gm.StartChat()
	session.History = history
	resp, err := session.SendMessage(ctx, last.Parts...)
	if err != nil {
		return model.ChatOut{}, err
	}
	out := convertResponse(resp)
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			Model:        c.modelName,
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// splitConversation joins system messages into one instruction, converts the
// remaining turns, and separates the final turn, which is sent while the rest
// becomes chat history.
func splitConversation(messages []model.Message) (string, []*genai.Content, *genai.Content) {
	var system []string
	var contents []*genai.Content
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		if c := convertMessage(msg); c != nil {
			contents = append(contents, c)
		}
	}
	if len(contents) == 0 || contents[len(contents)-1].Role != "user" {
		return strings.Join(system, "\n\n"), contents, nil
	}
	return strings.Join(system, "\n\n"), contents[:len(contents)-1], contents[len(contents)-1]
}

func convertMessage(msg model.Message) *genai.Content {
	switch msg.Role {
	case model.RoleAssistant:
		c := &genai.Content{Role: "model"}
		if msg.Content != "" {
			c.Parts = append(c.Parts, genai.Text(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			c.Parts = append(c.Parts, genai.FunctionCall{Name: call.Name, Args: call.Input})
		}
		if len(c.Parts) == 0 {
			return nil
		}
		return c
	case model.RoleTool:
		var result map[string]any
		if err := json.Unmarshal([]byte(msg.Content), &result); err != nil {
			result = map[string]any{"result": msg.Content}
		}
		return &genai.Content{Role: "user", Parts: []genai.Part{genai.FunctionResponse{Name: msg.ToolCallID, Response: result}}}
	default:
		if msg.Content == "" {
			return nil
		}
		return &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(msg.Content)}}
	}
}

func convertTools(tools []model.ToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, spec := range tools {
		decls[i] = &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  convertSchema(spec.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// convertSchema converts a JSON Schema map to a genai.Schema, recursing into
// object properties and array items.
func convertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{Type: convertType(schema["type"])}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				out.Properties[name] = convertSchema(pm)
			}
		}
		if out.Type == genai.TypeUnspecified {
			out.Type = genai.TypeObject
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = convertSchema(items)
	}
	switch req := schema["required"].(type) {
	case []string:
		out.Required = req
	case []any:
		for _, v := range req {
			if s, ok := v.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, v := range enum {
			if s, ok := v.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	return out
}

func convertType(v any) genai.Type {
	s, _ := v.(string)
	switch s {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	}
	return genai.TypeUnspecified
}

// convertResponse reads the first candidate. Gemini has no tool call ids, so
// a call's ID is its function name; the RoleTool reply echoes it back as the
// FunctionResponse name.
func convertResponse(resp *genai.GenerateContentResponse) model.ChatOut {
	var out model.ChatOut
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(p)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{ID: p.Name, Name: p.Name, Input: p.Args})
		}
	}
	return out
}

// SafetyFilterError reports a prompt or response blocked by Gemini's safety
// filters.
type SafetyFilterError struct {
	reason   string
	category string
}

func (e *SafetyFilterError) Error() string {
	if e.category == "" {
		return "google: content blocked: " + e.reason
	}
	return "google: content blocked by safety filter: " + e.category
}

// Category is the harm category that triggered the block, if known.
func (e *SafetyFilterError) Category() string { return e.category }

// Reason is the block or finish reason reported by the API.
func (e *SafetyFilterError) Reason() string { return e.reason }

func safetyError(b *genai.BlockedError) *SafetyFilterError {
	out := &SafetyFilterError{reason: "SAFETY"}
	if b.PromptFeedback != nil {
		out.reason = b.PromptFeedback.BlockReason.String()
		for _, r := range b.PromptFeedback.SafetyRatings {
			if r.Blocked {
				out.category = r.Category.String()
				break
			}
		}
	}
	if b.Candidate != nil {
		out.reason = b.Candidate.FinishReason.String()
		for _, r := range b.Candidate.SafetyRatings {
			if r.Blocked {
				out.category = r.Category.String()
				break
			}
		}
	}
	return out
}

package google

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/dshills/stepflow/workflow/model"
)

type mockClient struct {
	out       model.ChatOut
	err       error
	callCount int
}

func (m *mockClient) generateContent(context.Context, []model.Message, []model.ToolSpec) (model.ChatOut, error) {
	m.callCount++
	return m.out, m.err
}

func TestNewChatModel(t *testing.T) {
	if got := NewChatModel("key", "").ModelName(); got != DefaultModel {
		t.Errorf("ModelName() = %q, want %q", got, DefaultModel)
	}
}

func TestChat(t *testing.T) {
	t.Run("returns the client reply", func(t *testing.T) {
		m := &ChatModel{client: &mockClient{out: model.ChatOut{Text: "Paris"}}}
		out, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "?"}}, nil)
		if err != nil || out.Text != "Paris" {
			t.Fatalf("out = %+v, err = %v", out, err)
		}
	})

	t.Run("blocked responses become SafetyFilterError", func(t *testing.T) {
		blocked := &genai.BlockedError{Candidate: &genai.Candidate{
			FinishReason: genai.FinishReasonSafety,
			SafetyRatings: []*genai.SafetyRating{
				{Category: genai.HarmCategoryHarassment},
				{Category: genai.HarmCategoryDangerousContent, Blocked: true},
			},
		}}
		m := &ChatModel{client: &mockClient{err: blocked}}
		_, err := m.Chat(context.Background(), nil, nil)
		var safety *SafetyFilterError
		if !errors.As(err, &safety) {
			t.Fatalf("err = %T, want *SafetyFilterError", err)
		}
		if safety.Category() != genai.HarmCategoryDangerousContent.String() {
			t.Errorf("Category() = %q", safety.Category())
		}
		if safety.Reason() != genai.FinishReasonSafety.String() {
			t.Errorf("Reason() = %q", safety.Reason())
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		client := &mockClient{}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := (&ChatModel{client: client}).Chat(ctx, nil, nil); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if client.callCount != 0 {
			t.Errorf("client called %d times", client.callCount)
		}
	})
}

func TestMissingAPIKey(t *testing.T) {
	_, err := NewChatModel("", "").Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected an error without an API key")
	}
}

func TestSplitConversation(t *testing.T) {
	system, history, last := splitConversation([]model.Message{
		{Role: model.RoleSystem, Content: "Be brief."},
		{Role: model.RoleUser, Content: "weather in Oslo?"},
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "weather", Name: "weather", Input: map[string]any{"city": "Oslo"}}}},
		{Role: model.RoleTool, ToolCallID: "weather", Content: `{"temp":3}`},
	})
	if system != "Be brief." {
		t.Errorf("system = %q", system)
	}
	if len(history) != 2 || history[0].Role != "user" || history[1].Role != "model" {
		t.Fatalf("history = %+v", history)
	}
	if _, ok := history[1].Parts[0].(genai.FunctionCall); !ok {
		t.Errorf("assistant part = %T, want genai.FunctionCall", history[1].Parts[0])
	}
	if last == nil || len(last.Parts) != 1 {
		t.Fatalf("last = %+v", last)
	}
	resp, ok := last.Parts[0].(genai.FunctionResponse)
	if !ok || resp.Name != "weather" || resp.Response["temp"] != float64(3) {
		t.Errorf("last part = %+v", last.Parts[0])
	}

	t.Run("plain text tool result", func(t *testing.T) {
		_, _, last := splitConversation([]model.Message{{Role: model.RoleTool, ToolCallID: "echo", Content: "not json"}})
		resp := last.Parts[0].(genai.FunctionResponse)
		if resp.Response["result"] != "not json" {
			t.Errorf("Response = %v", resp.Response)
		}
	})

	t.Run("no final user turn", func(t *testing.T) {
		_, _, last := splitConversation([]model.Message{{Role: model.RoleAssistant, Content: "hello"}})
		if last != nil {
			t.Errorf("last = %+v, want nil", last)
		}
	})
}

func TestConvertSchema(t *testing.T) {
	if convertSchema(nil) != nil {
		t.Error("nil schema should convert to nil")
	}
	s := convertSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city":  map[string]any{"type": "string", "description": "City name"},
			"units": map[string]any{"type": "string", "enum": []any{"C", "F"}},
			"days":  map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
		},
		"required": []any{"city"},
	})
	if s.Type != genai.TypeObject || len(s.Properties) != 3 {
		t.Fatalf("schema = %+v", s)
	}
	if s.Properties["city"].Description != "City name" {
		t.Errorf("city = %+v", s.Properties["city"])
	}
	if len(s.Properties["units"].Enum) != 2 {
		t.Errorf("units enum = %v", s.Properties["units"].Enum)
	}
	if s.Properties["days"].Items == nil || s.Properties["days"].Items.Type != genai.TypeInteger {
		t.Errorf("days items = %+v", s.Properties["days"].Items)
	}
	if len(s.Required) != 1 || s.Required[0] != "city" {
		t.Errorf("Required = %v", s.Required)
	}
}

func TestConvertResponse(t *testing.T) {
	if out := convertResponse(nil); out.Text != "" {
		t.Errorf("nil response: %+v", out)
	}
	out := convertResponse(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{
			genai.Text("line one"),
			genai.FunctionCall{Name: "lookup", Args: map[string]any{"q": "x"}},
			genai.Text("line two"),
		}},
	}}})
	if out.Text != "line one\nline two" {
		t.Errorf("Text = %q", out.Text)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].ID != "lookup" || out.ToolCalls[0].Input["q"] != "x" {
		t.Errorf("ToolCalls = %+v", out.ToolCalls)
	}
}

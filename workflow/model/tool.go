package model

import (
	"context"
	"sync"
)

// Tool is something a model can call.
type Tool interface {
	// Spec describes the tool to the model.
	Spec() ToolSpec

	// Call runs the tool with the model-supplied input.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// MockTool is a Tool for tests. It returns Responses in order, repeating the
// last one, or Err when set. Every call is recorded.
type MockTool struct {
	ToolName  string
	Responses []map[string]any
	Err       error
	Calls     []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records one Call.
type MockToolCall struct {
	Input map[string]any
}

func (m *MockTool) Spec() ToolSpec {
	return ToolSpec{Name: m.ToolName, Description: "mock tool " + m.ToolName}
}

func (m *MockTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockToolCall{Input: input})
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]any{}, nil
	}
	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// CallCount returns how many times Call ran.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Package agent turns a model.ChatModel into a workflow executor.
//
// An Agent handles a Prompt, a conversation ([]model.Message) or another
// agent's Reply, runs the model (calling tools until the model stops asking
// for them) and sends a Reply to its outgoing edges.
//
//	writer := agent.New("writer", openai.NewChatModel(key, ""),
//	    agent.WithInstructions("Write a haiku about the topic."))
//	critic := agent.New("critic", anthropic.NewChatModel(key, ""),
//	    agent.WithInstructions("Critique the haiku."), agent.WithOutput())
//	wf, err := workflow.NewBuilder("writer").
//	    AddExecutor(writer).
//	    AddExecutor(critic).
//	    AddEdge("writer", "critic").
//	    Build()
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dshills/stepflow/workflow"
	"github.com/dshills/stepflow/workflow/model"
)

// DefaultMaxToolRounds bounds how many times one invocation may hand tool
// results back to the model.
const DefaultMaxToolRounds = 8

// historyKey holds the conversation in the agent's private state scope when
// memory is enabled.
const historyKey = "history"

// ErrToolRoundsExceeded is returned when the model keeps calling tools past
// the configured limit.
var ErrToolRoundsExceeded = errors.New("agent: tool call rounds exceeded")

// Prompt is a single user turn.
type Prompt struct {
	Text string `json:"text"`
}

// Reply is an agent's answer.
type Reply struct {
	AgentID string `json:"agent_id"`
	Text    string `json:"text"`
	// Messages is the conversation that produced the reply, ending with the
	// final assistant turn. System instructions are not included.
	Messages []model.Message `json:"messages"`
}

// ToolCallEvent is raised for every tool the agent invokes.
type ToolCallEvent struct {
	AgentID string
	Tool    string
	Input   map[string]any
	Err     string
}

func (ToolCallEvent) EventKind() string { return "agent_tool_call" }

// Agent is a workflow executor backed by a chat model. An Agent keeps no
// per-run fields, so one instance may serve concurrent runs.
type Agent struct {
	id            string
	chat          model.ChatModel
	instructions  string
	tools         map[string]model.Tool
	specs         []model.ToolSpec
	maxToolRounds int
	memory        bool
	output        bool
	costs         *model.CostTracker
}

// Option configures an Agent.
type Option func(*Agent)

// WithInstructions sets the system prompt sent before every conversation.
func WithInstructions(text string) Option {
	return func(a *Agent) { a.instructions = text }
}

// WithTools offers tools to the model. A tool named twice keeps the later one.
func WithTools(tools ...model.Tool) Option {
	return func(a *Agent) {
		for _, t := range tools {
			spec := t.Spec()
			if _, dup := a.tools[spec.Name]; !dup {
				a.specs = append(a.specs, spec)
			} else {
				for i := range a.specs {
					if a.specs[i].Name == spec.Name {
						a.specs[i] = spec
					}
				}
			}
			a.tools[spec.Name] = t
		}
	}
}

// WithMaxToolRounds overrides DefaultMaxToolRounds.
func WithMaxToolRounds(n int) Option {
	return func(a *Agent) { a.maxToolRounds = n }
}

// WithMemory keeps the conversation in the agent's private workflow state, so
// later messages in the same run continue it. The history is captured with
// checkpoints.
func WithMemory() Option {
	return func(a *Agent) { a.memory = true }
}

// WithCostTracker records the token usage each model call reports.
func WithCostTracker(ct *model.CostTracker) Option {
	return func(a *Agent) { a.costs = ct }
}

// WithOutput also yields each Reply as a workflow output.
func WithOutput() Option {
	return func(a *Agent) { a.output = true }
}

// New returns an agent executor with the given id.
func New(id string, chat model.ChatModel, opts ...Option) *Agent {
	a := &Agent{
		id:            id,
		chat:          chat,
		tools:         make(map[string]model.Tool),
		maxToolRounds: DefaultMaxToolRounds,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) ID() string { return a.id }

func (a *Agent) CrossRunShareable() bool { return true }

func (a *Agent) ConfigureRoutes(rb *workflow.RouteBuilder) {
	workflow.AddHandler(rb, func(ctx context.Context, p Prompt, wctx workflow.WorkflowContext) error {
		return a.respond(ctx, wctx, []model.Message{{Role: model.RoleUser, Content: p.Text}})
	})
	workflow.AddHandler(rb, func(ctx context.Context, msgs []model.Message, wctx workflow.WorkflowContext) error {
		return a.respond(ctx, wctx, msgs)
	})
	workflow.AddHandler(rb, func(ctx context.Context, r Reply, wctx workflow.WorkflowContext) error {
		return a.respond(ctx, wctx, []model.Message{{Role: model.RoleUser, Content: r.Text}})
	})
}

func (a *Agent) respond(ctx context.Context, wctx workflow.WorkflowContext, turns []model.Message) error {
	var conv []model.Message
	if a.memory {
		history, _, err := workflow.ReadState[[]model.Message](ctx, wctx, historyKey, "")
		if err != nil {
			return fmt.Errorf("agent %s: read history: %w", a.id, err)
		}
		conv = append(conv, history...)
	}
	conv = append(conv, turns...)

	conv, err := a.converse(ctx, wctx, conv)
	if err != nil {
		return err
	}
	if a.memory {
		if err := wctx.QueueStateUpdate(ctx, historyKey, conv, ""); err != nil {
			return err
		}
	}

	reply := Reply{AgentID: a.id, Text: conv[len(conv)-1].Content, Messages: conv}
	if a.output {
		if err := wctx.YieldOutput(ctx, reply); err != nil {
			return err
		}
	}
	return wctx.SendMessage(ctx, reply)
}

// converse runs the model, executing requested tools, until it answers
// without tool calls. It returns conv extended with every new turn.
func (a *Agent) converse(ctx context.Context, wctx workflow.WorkflowContext, conv []model.Message) ([]model.Message, error) {
	for round := 0; ; round++ {
		request := conv
		if a.instructions != "" {
			request = append([]model.Message{{Role: model.RoleSystem, Content: a.instructions}}, conv...)
		}
		out, err := a.chat.Chat(ctx, request, a.specs)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.id, err)
		}
		if a.costs != nil && out.Usage != (model.Usage{}) {
			a.costs.Record(a.id, out.Usage)
		}
		conv = append(conv, model.Message{Role: model.RoleAssistant, Content: out.Text, ToolCalls: out.ToolCalls})
		if len(out.ToolCalls) == 0 {
			return conv, nil
		}
		if round >= a.maxToolRounds {
			return nil, fmt.Errorf("%w: agent %s stopped after %d rounds", ErrToolRoundsExceeded, a.id, a.maxToolRounds)
		}
		for _, call := range out.ToolCalls {
			result, err := a.callTool(ctx, wctx, call)
			if err != nil {
				return nil, err
			}
			conv = append(conv, model.Message{Role: model.RoleTool, ToolCallID: call.ID, Content: result})
		}
	}
}

// callTool runs one tool call and renders its result for the model. Tool
// failures are reported to the model as results, not returned; only
// cancellation aborts the invocation.
func (a *Agent) callTool(ctx context.Context, wctx workflow.WorkflowContext, call model.ToolCall) (string, error) {
	evt := ToolCallEvent{AgentID: a.id, Tool: call.Name, Input: call.Input}
	var result map[string]any
	tool, ok := a.tools[call.Name]
	if !ok {
		evt.Err = fmt.Sprintf("unknown tool %q", call.Name)
	} else {
		var err error
		result, err = tool.Call(ctx, call.Input)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			evt.Err = err.Error()
		}
	}
	if err := wctx.AddEvent(ctx, evt); err != nil {
		return "", err
	}
	if evt.Err != "" {
		result = map[string]any{"error": evt.Err}
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("agent %s: encode result of %s: %w", a.id, call.Name, err)
	}
	return string(b), nil
}

package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// collect drains r's event stream until it ends.
func collect(t *testing.T, r *Run, block bool) []WorkflowEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []WorkflowEvent
	for evt, err := range r.WatchEvents(ctx, block) {
		require.NoError(t, err)
		out = append(out, evt)
	}
	return out
}

func eventsOf[T WorkflowEvent](events []WorkflowEvent) []T {
	var out []T
	for _, e := range events {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func outputs(events []WorkflowEvent) []any {
	var out []any
	for _, e := range eventsOf[WorkflowOutputEvent](events) {
		out = append(out, e.Data)
	}
	return out
}

func kinds(events []WorkflowEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventKind())
	}
	return out
}

func forward(id string, fn func(string) string) Executor {
	return NewFuncExecutor(id, func(ctx context.Context, s string, wctx WorkflowContext) error {
		return wctx.SendMessage(ctx, fn(s))
	})
}

func sink(id string) Executor {
	return NewFuncExecutor(id, func(ctx context.Context, s string, wctx WorkflowContext) error {
		return wctx.YieldOutput(ctx, s)
	})
}

// pipeline builds upper -> bang -> out.
func pipeline(t *testing.T) *Workflow {
	t.Helper()
	wf, err := NewBuilder("upper").
		AddExecutor(forward("upper", strings.ToUpper)).
		AddExecutor(forward("bang", func(s string) string { return s + "!" })).
		AddExecutor(sink("out")).
		AddEdge("upper", "bang").
		AddEdge("bang", "out").
		Build()
	require.NoError(t, err)
	return wf
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

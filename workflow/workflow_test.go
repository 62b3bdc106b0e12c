package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder(t *testing.T) {
	t.Run("builds a graph", func(t *testing.T) {
		wf := pipeline(t)
		assert.Equal(t, "upper", wf.StartExecutorID())
		assert.Equal(t, []string{"bang", "out", "upper"}, wf.ExecutorIDs())
		require.Len(t, wf.Edges(), 2)
		assert.Equal(t, "upper->bang", wf.Edges()[0].ID())
		assert.Equal(t, EdgeDirect, wf.Edges()[0].Kind())
		assert.NotEmpty(t, wf.Fingerprint())
	})

	t.Run("edge ids", func(t *testing.T) {
		wf, err := NewBuilder("a").WithName("ids").
			AddExecutor(sink("a")).AddExecutor(sink("b")).AddExecutor(sink("c")).AddExecutor(sink("d")).
			AddFanOutEdge("a", []string{"b", "c"}, nil).
			AddFanOutEdge("a", []string{"b", "c"}, nil).
			AddFanInEdge([]string{"b", "c"}, "d").
			Build()
		require.NoError(t, err)
		assert.Equal(t, "ids", wf.Name())
		var ids []string
		for _, e := range wf.Edges() {
			ids = append(ids, e.ID()+"/"+e.Kind().String())
		}
		assert.Equal(t, []string{"a->[b,c]/fan-out", "a->[b,c]#1/fan-out", "[b,c]->d/fan-in"}, ids)
	})

	t.Run("reports every defect", func(t *testing.T) {
		_, err := NewBuilder("missing").
			AddExecutor(sink("a")).
			AddExecutor(sink("a")).
			AddExecutor(nil).
			AddExecutorFactory("", func(context.Context, string) (Executor, error) { return nil, nil }).
			AddEdge("a", "ghost").
			AddEdge("a", "ghost").
			AddFanOutEdge("a", nil, nil).
			AddFanInEdge([]string{"a", "a"}, "a").
			Build()
		require.Error(t, err)
		for _, code := range []string{"DUPLICATE_EXECUTOR", "INVALID_EXECUTOR", "INVALID_EXECUTOR_ID", "DUPLICATE_EDGE", "INVALID_EDGE", "EXECUTOR_NOT_FOUND"} {
			assert.Contains(t, err.Error(), code)
		}
		assert.True(t, errors.Is(err, ErrExecutorNotFound))
	})

	t.Run("overlong ids are rejected", func(t *testing.T) {
		_, err := NewBuilder("a").AddExecutor(sink(strings.Repeat("x", 200))).Build()
		assert.ErrorContains(t, err, "INVALID_EXECUTOR_ID")
	})

	t.Run("fingerprint follows the graph shape", func(t *testing.T) {
		a := pipeline(t)
		b := pipeline(t)
		assert.Equal(t, a.Fingerprint(), b.Fingerprint())

		c, err := NewBuilder("upper").
			AddExecutor(forward("upper", strings.ToUpper)).
			AddExecutor(forward("bang", strings.ToLower)).
			AddExecutor(sink("out")).
			AddEdge("upper", "bang").
			AddConditionalEdge("bang", "out", func(any) bool { return true }).
			Build()
		require.NoError(t, err)
		assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	})
}

type resettableCounter struct {
	id     string
	count  int
	resets int
}

func (c *resettableCounter) ID() string { return c.id }
func (c *resettableCounter) ConfigureRoutes(rb *RouteBuilder) {
	AddHandler(rb, func(ctx context.Context, s string, wctx WorkflowContext) error {
		c.count++
		return wctx.YieldOutput(ctx, c.count)
	})
}
func (c *resettableCounter) Reset(context.Context) error {
	c.count = 0
	c.resets++
	return nil
}

func TestOwnership(t *testing.T) {
	ctx := testContext(t)
	counter := &resettableCounter{id: "count"}
	wf, err := NewBuilder("count").AddExecutor(counter).Build()
	require.NoError(t, err)

	r, err := Start(ctx, wf, "x")
	require.NoError(t, err)
	_, err = Start(ctx, wf, "y")
	assert.ErrorIs(t, err, ErrWorkflowOwned)

	events := collect(t, r, false)
	assert.Equal(t, []any{1}, outputs(events))
	require.NoError(t, r.Close())
	assert.Equal(t, 0, counter.count)
	assert.Equal(t, 1, counter.resets)

	again, err := Start(ctx, wf, "z")
	require.NoError(t, err)
	assert.Equal(t, []any{1}, outputs(collect(t, again, false)))
	require.NoError(t, again.Close())
}

// plainCounter counts across runs; it has no Reset.
type plainCounter struct {
	id    string
	count int
}

func (c *plainCounter) ID() string { return c.id }
func (c *plainCounter) ConfigureRoutes(rb *RouteBuilder) {
	AddHandler(rb, func(ctx context.Context, s string, wctx WorkflowContext) error {
		c.count++
		return wctx.YieldOutput(ctx, c.count)
	})
}

func TestInstanceStateCarriesAcrossRuns(t *testing.T) {
	ctx := testContext(t)
	counter := &plainCounter{id: "count"}
	wf, err := NewBuilder("count").AddExecutor(counter).Build()
	require.NoError(t, err)

	for want := 1; want <= 2; want++ {
		events, err := RunToCompletion(ctx, wf, "x")
		require.NoError(t, err)
		assert.Equal(t, []any{want}, outputs(events))
	}
}

func TestExecutorFactories(t *testing.T) {
	ctx := testContext(t)
	created := 0
	wf, err := NewBuilder("start").
		AddExecutor(forward("start", strings.ToUpper)).
		AddExecutorFactory("fresh", func(_ context.Context, runID string) (Executor, error) {
			created++
			return sink("fresh"), nil
		}).
		AddEdge("start", "fresh").
		Build()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		events, err := RunToCompletion(ctx, wf, "x")
		require.NoError(t, err)
		assert.Equal(t, []any{"X"}, outputs(events))

		var instantiated []string
		for _, c := range eventsOf[SuperStepCompletedEvent](events) {
			instantiated = append(instantiated, c.InstantiatedExecutors...)
		}
		assert.Contains(t, instantiated, "fresh")
	}
	assert.Equal(t, 2, created)
}

func TestExecutorFactoryFailures(t *testing.T) {
	ctx := testContext(t)

	t.Run("factory error", func(t *testing.T) {
		wf, err := NewBuilder("s").
			AddExecutorFactory("s", func(context.Context, string) (Executor, error) {
				return nil, errors.New("no capacity")
			}).Build()
		require.NoError(t, err)
		_, err = Start(ctx, wf, "x")
		assert.ErrorContains(t, err, "EXECUTOR_CREATE_FAILED")
	})

	t.Run("id mismatch", func(t *testing.T) {
		wf, err := NewBuilder("s").
			AddExecutorFactory("s", func(context.Context, string) (Executor, error) {
				return sink("other"), nil
			}).Build()
		require.NoError(t, err)
		_, err = Start(ctx, wf, "x")
		assert.ErrorContains(t, err, "EXECUTOR_ID_MISMATCH")

		// A failed start releases the workflow.
		_, err = Start(ctx, wf, "x")
		assert.NotErrorIs(t, err, ErrWorkflowOwned)
	})
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/stepflow/workflow/emit"
)

func TestRunToCompletion(t *testing.T) {
	ctx := testContext(t)
	buf := emit.NewBufferedEmitter()
	events, err := RunToCompletion(ctx, pipeline(t), "hello", WithRunID("run-basic"), WithEmitter(buf))
	require.NoError(t, err)

	assert.Equal(t, []any{"HELLO!"}, outputs(events))
	started := eventsOf[WorkflowStartedEvent](events)
	require.Len(t, started, 1)
	assert.Equal(t, "run-basic", started[0].RunID)
	assert.Equal(t, emit.KindWorkflowStarted, kinds(events)[0])

	steps := eventsOf[SuperStepStartedEvent](events)
	require.Len(t, steps, 3)
	assert.True(t, steps[0].HasExternalMessages)
	assert.Equal(t, []string{ExternalSourceID}, steps[0].SendingExecutors)
	assert.Equal(t, []string{"upper"}, steps[1].SendingExecutors)

	history := buf.GetHistory("run-basic")
	assert.Len(t, history, len(events))
	assert.Equal(t, kinds(events), buf.Kinds("run-basic"))
}

func TestMessagesLandInTheNextSuperstep(t *testing.T) {
	ctx := testContext(t)
	events, err := RunToCompletion(ctx, pipeline(t), "x")
	require.NoError(t, err)

	stepOf := map[string]int{}
	for _, inv := range eventsOf[ExecutorInvokedEvent](events) {
		stepOf[inv.ExecutorID] = inv.StepNumber
	}
	assert.Equal(t, map[string]int{"upper": 1, "bang": 2, "out": 3}, stepOf)

	completed := eventsOf[SuperStepCompletedEvent](events)
	require.Len(t, completed, 3)
	assert.True(t, completed[0].HasPendingMessages)
	assert.False(t, completed[2].HasPendingMessages)
	assert.Equal(t, []string{"bang"}, completed[1].ActivatedExecutors)
}

func fanWorkflow(t *testing.T, joins *int) *Workflow {
	t.Helper()
	var mu sync.Mutex
	join := &routedExecutor{id: "join", config: func(rb *RouteBuilder) {
		AddBatchHandler(rb, func(ctx context.Context, items []string, wctx WorkflowContext) error {
			mu.Lock()
			*joins++
			mu.Unlock()
			return wctx.YieldOutput(ctx, strings.Join(items, "+"))
		})
	}}
	wf, err := NewBuilder("split").
		AddExecutor(forward("split", func(s string) string { return s })).
		AddExecutor(forward("left", func(s string) string { return "L:" + s })).
		AddExecutor(forward("right", func(s string) string { return "R:" + s })).
		AddExecutor(join).
		AddFanOutEdge("split", []string{"left", "right"}, nil).
		AddFanInEdge([]string{"left", "right"}, "join").
		Build()
	require.NoError(t, err)
	return wf
}

func TestFanOutFanIn(t *testing.T) {
	ctx := testContext(t)
	joins := 0
	events, err := RunToCompletion(ctx, fanWorkflow(t, &joins), "x")
	require.NoError(t, err)

	assert.Equal(t, 1, joins)
	assert.Equal(t, []any{"L:x+R:x"}, outputs(events))

	completed := eventsOf[SuperStepCompletedEvent](events)
	require.Len(t, completed, 3)
	assert.ElementsMatch(t, []string{"left", "right"}, completed[1].ActivatedExecutors)
	assert.Equal(t, []string{"join"}, completed[2].ActivatedExecutors)
}

func TestTargetsRunConcurrently(t *testing.T) {
	ctx := testContext(t)
	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()
	meet := func(id string) Executor {
		return NewFuncExecutor(id, func(ctx context.Context, s string, wctx WorkflowContext) error {
			arrived.Done()
			select {
			case <-both:
				return wctx.YieldOutput(ctx, id)
			case <-time.After(2 * time.Second):
				return fmt.Errorf("%s waited alone", id)
			}
		})
	}
	wf, err := NewBuilder("split").
		AddExecutor(forward("split", func(s string) string { return s })).
		AddExecutor(meet("b")).
		AddExecutor(meet("c")).
		AddFanOutEdge("split", []string{"b", "c"}, nil).
		Build()
	require.NoError(t, err)

	events, err := RunToCompletion(ctx, wf, "go")
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"b", "c"}, outputs(events))
}

func TestWatchEventsAcrossIdlePeriods(t *testing.T) {
	ctx := testContext(t)
	r, err := Start(ctx, pipeline(t), "first")
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []any{"FIRST!"}, outputs(collect(t, r, false)))
	assert.Equal(t, StatusIdle, r.Status())

	// A second watch on an idle run ends at the next halt.
	assert.Empty(t, outputs(collect(t, r, false)))

	require.NoError(t, r.SendMessage(ctx, "second"))
	assert.Equal(t, []any{"SECOND!"}, outputs(collect(t, r, false)))
}

func TestWatchSkipsHaltsFromEarlierWatches(t *testing.T) {
	ctx := testContext(t)
	r, err := Start(ctx, pipeline(t), "first")
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, []any{"FIRST!"}, outputs(collect(t, r, false)))

	// A halt left behind by an earlier watch must not end the next one.
	r.queue.push(streamItem{halt: &haltSignal{epoch: r.epoch.Load(), status: StatusIdle}})

	require.NoError(t, r.SendMessage(ctx, "second"))
	assert.Equal(t, []any{"SECOND!"}, outputs(collect(t, r, false)))
}

func TestConcurrentWatchIsRejected(t *testing.T) {
	ctx := testContext(t)
	r, err := Start(ctx, pipeline(t), "x")
	require.NoError(t, err)
	defer r.Close()

	attached := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		first := true
		for range r.WatchEvents(ctx, false) {
			if first {
				first = false
				close(attached)
				<-release
			}
		}
	}()
	<-attached

	var got error
	for _, err := range r.WatchEvents(ctx, false) {
		got = err
		break
	}
	assert.ErrorIs(t, got, ErrConcurrentWatch)
	close(release)
	<-done

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	var last error
	for _, err := range r.WatchEvents(cancelled, false) {
		if err != nil {
			last = err
		}
	}
	assert.ErrorIs(t, last, context.Canceled)
}

func TestCancelIdleRun(t *testing.T) {
	ctx := testContext(t)
	r, err := Start(ctx, pipeline(t), "x", WithPollInterval(time.Hour))
	require.NoError(t, err)
	collect(t, r, false)

	r.Cancel()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelled run did not end")
	}
	assert.Equal(t, StatusEnded, r.Status())
	assert.NoError(t, r.Err())
	assert.ErrorIs(t, r.SendMessage(ctx, "late"), ErrRunEnded)

	for _, evt := range collect(t, r, false) {
		assert.NotEqual(t, emit.KindWorkflowError, evt.EventKind())
	}
}

func TestCancelEndsBlockedWatch(t *testing.T) {
	ctx := testContext(t)
	r, err := Start(ctx, approvalWorkflow(t), "x", WithPollInterval(time.Hour))
	require.NoError(t, err)
	defer r.Close()

	watchEnded := make(chan []WorkflowEvent)
	go func() {
		var seen []WorkflowEvent
		for evt, err := range r.WatchEvents(ctx, true) {
			if err == nil {
				seen = append(seen, evt)
			}
		}
		watchEnded <- seen
	}()
	require.Eventually(t, func() bool { return r.Status() == StatusPendingRequests }, time.Second, time.Millisecond)

	r.Cancel()
	select {
	case seen := <-watchEnded:
		assert.Len(t, eventsOf[RequestInfoEvent](seen), 1)
	case <-time.After(time.Second):
		t.Fatal("blocked watch outlived the cancelled run")
	}
	assert.Equal(t, StatusEnded, r.Status())
}

func TestParentContextEndsRun(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	r, err := Start(parent, pipeline(t), nil)
	require.NoError(t, err)
	cancel()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("run outlived its context")
	}
}

func TestHandlerErrorEndsRun(t *testing.T) {
	ctx := testContext(t)
	boom := errors.New("boom")
	wf, err := NewBuilder("upper").
		AddExecutor(forward("upper", strings.ToUpper)).
		AddExecutor(NewFuncExecutor("fail", func(context.Context, string, WorkflowContext) error { return boom })).
		AddExecutor(sink("out")).
		AddEdge("upper", "fail").
		AddEdge("upper", "out").
		Build()
	require.NoError(t, err)

	events, err := RunToCompletion(ctx, wf, "x")
	require.Error(t, err)
	var execErr *ExecutorError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "fail", execErr.ExecutorID)
	assert.ErrorIs(t, err, boom)

	errorsSeen := eventsOf[WorkflowErrorEvent](events)
	require.Len(t, errorsSeen, 1)
	assert.Len(t, eventsOf[ExecutorFailedEvent](events), 1)

	failedAt := -1
	for i, e := range events {
		if _, ok := e.(ExecutorFailedEvent); ok {
			failedAt = i
		}
	}
	require.GreaterOrEqual(t, failedAt, 0)
	for _, e := range events[failedAt:] {
		_, started := e.(SuperStepStartedEvent)
		_, completed := e.(SuperStepCompletedEvent)
		assert.False(t, started || completed, "no superstep boundary after a failure")
	}
}

func TestHandlerErrorCancelsSiblings(t *testing.T) {
	ctx := testContext(t)
	boom := errors.New("boom")
	slowStarted := make(chan struct{})
	slowCancelled := make(chan struct{})
	wf, err := NewBuilder("split").
		AddExecutor(forward("split", func(s string) string { return s })).
		AddExecutor(NewFuncExecutor("slow", func(ctx context.Context, _ string, _ WorkflowContext) error {
			close(slowStarted)
			select {
			case <-ctx.Done():
				close(slowCancelled)
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		})).
		AddExecutor(NewFuncExecutor("fail", func(context.Context, string, WorkflowContext) error {
			<-slowStarted
			return boom
		})).
		AddFanOutEdge("split", []string{"slow", "fail"}, nil).
		Build()
	require.NoError(t, err)

	started := time.Now()
	events, err := RunToCompletion(ctx, wf, "x")
	assert.Less(t, time.Since(started), 2*time.Second)

	var execErr *ExecutorError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "fail", execErr.ExecutorID)
	assert.ErrorIs(t, err, boom)

	select {
	case <-slowCancelled:
	default:
		t.Fatal("slow sibling was not cancelled")
	}
	failed := eventsOf[ExecutorFailedEvent](events)
	require.Len(t, failed, 1)
	assert.Equal(t, "fail", failed[0].ExecutorID)
}

func TestHandlerPanicIsCaptured(t *testing.T) {
	ctx := testContext(t)
	wf, err := NewBuilder("p").
		AddExecutor(NewFuncExecutor("p", func(context.Context, string, WorkflowContext) error { panic("kaboom") })).
		Build()
	require.NoError(t, err)

	_, err = RunToCompletion(ctx, wf, "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, errHandlerPanic)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestExecutorTimeout(t *testing.T) {
	ctx := testContext(t)
	wf, err := NewBuilder("slow").
		AddExecutor(NewFuncExecutor("slow", func(ctx context.Context, _ string, _ WorkflowContext) error {
			<-ctx.Done()
			return ctx.Err()
		})).
		Build()
	require.NoError(t, err)

	_, err = RunToCompletion(ctx, wf, "x", WithExecutorTimeout(20*time.Millisecond))
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "EXECUTOR_TIMEOUT", ee.Code)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMaxSupersteps(t *testing.T) {
	ctx := testContext(t)
	wf, err := NewBuilder("ping").
		AddExecutor(forward("ping", func(s string) string { return s })).
		AddExecutor(forward("pong", func(s string) string { return s })).
		AddEdge("ping", "pong").
		AddEdge("pong", "ping").
		Build()
	require.NoError(t, err)

	events, err := RunToCompletion(ctx, wf, "ball", WithMaxSupersteps(4))
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "MAX_SUPERSTEPS_EXCEEDED", ee.Code)
	assert.Len(t, eventsOf[SuperStepCompletedEvent](events), 4)
}

func TestRequestHalt(t *testing.T) {
	ctx := testContext(t)
	wf, err := NewBuilder("stop").
		AddExecutor(NewFuncExecutor("stop", func(ctx context.Context, s string, wctx WorkflowContext) error {
			if err := wctx.SendMessage(ctx, s); err != nil {
				return err
			}
			return wctx.RequestHalt(ctx)
		})).
		AddExecutor(sink("out")).
		AddEdge("stop", "out").
		Build()
	require.NoError(t, err)

	r, err := Start(ctx, wf, "x")
	require.NoError(t, err)
	events := collect(t, r, true)
	<-r.Done()

	assert.NoError(t, r.Err())
	assert.Len(t, eventsOf[RequestHaltEvent](events), 1)
	assert.Empty(t, outputs(events), "queued messages are not delivered after a halt")
}

func TestStartRejectsUnhandledInput(t *testing.T) {
	ctx := testContext(t)
	wf := pipeline(t)
	_, err := Start(ctx, wf, 42)
	assert.ErrorContains(t, err, "INPUT_TYPE_NOT_SUPPORTED")

	r, err := Start(ctx, wf, nil)
	require.NoError(t, err, "a failed start releases the workflow")
	defer r.Close()
	assert.ErrorContains(t, r.SendMessage(ctx, 42), "INPUT_TYPE_NOT_SUPPORTED")
}

func TestTargetedSends(t *testing.T) {
	ctx := testContext(t)
	router := NewFuncExecutor("router", func(ctx context.Context, s string, wctx WorkflowContext) error {
		return wctx.SendMessageTo(ctx, s, "right")
	})
	wf, err := NewBuilder("router").
		AddExecutor(router).AddExecutor(sink("left")).AddExecutor(sink("right")).
		AddFanOutEdge("router", []string{"left", "right"}, nil).
		Build()
	require.NoError(t, err)

	events, err := RunToCompletion(ctx, wf, "x")
	require.NoError(t, err)
	outs := eventsOf[WorkflowOutputEvent](events)
	require.Len(t, outs, 1)
	assert.Equal(t, "right", outs[0].SourceExecutorID)

	stray := NewFuncExecutor("stray", func(ctx context.Context, s string, wctx WorkflowContext) error {
		return wctx.SendMessageTo(ctx, s, "nowhere")
	})
	wf, err = NewBuilder("stray").AddExecutor(stray).AddExecutor(sink("left")).AddEdge("stray", "left").Build()
	require.NoError(t, err)
	_, err = RunToCompletion(ctx, wf, "x")
	assert.ErrorContains(t, err, "TARGET_NOT_CONNECTED")
}

func TestConditionalRouting(t *testing.T) {
	ctx := testContext(t)
	wf, err := NewBuilder("in").
		AddExecutor(forward("in", func(s string) string { return s })).
		AddExecutor(sink("short")).
		AddExecutor(sink("long")).
		AddConditionalEdge("in", "short", Condition(func(s string) bool { return len(s) < 4 })).
		AddConditionalEdge("in", "long", Condition(func(s string) bool { return len(s) >= 4 })).
		Build()
	require.NoError(t, err)

	r, err := Start(ctx, wf, "abc")
	require.NoError(t, err)
	defer r.Close()
	first := eventsOf[WorkflowOutputEvent](collect(t, r, false))
	require.Len(t, first, 1)
	assert.Equal(t, "short", first[0].SourceExecutorID)

	require.NoError(t, r.SendMessage(ctx, "abcdef"))
	second := eventsOf[WorkflowOutputEvent](collect(t, r, false))
	require.Len(t, second, 1)
	assert.Equal(t, "long", second[0].SourceExecutorID)
}

func TestSharedStateAcrossSupersteps(t *testing.T) {
	ctx := testContext(t)
	writer := NewFuncExecutor("writer", func(ctx context.Context, s string, wctx WorkflowContext) error {
		if err := wctx.QueueStateUpdate(ctx, "last", s, "memo"); err != nil {
			return err
		}
		v, ok, err := ReadState[string](ctx, wctx, "last", "memo")
		if err != nil || !ok || v != s {
			return fmt.Errorf("own write not visible: %v %v %v", v, ok, err)
		}
		return wctx.SendMessage(ctx, s)
	})
	reader := NewFuncExecutor("reader", func(ctx context.Context, _ string, wctx WorkflowContext) error {
		v, _, err := ReadState[string](ctx, wctx, "last", "memo")
		if err != nil {
			return err
		}
		keys, err := wctx.ReadStateKeys(ctx, "memo")
		if err != nil {
			return err
		}
		return wctx.YieldOutput(ctx, fmt.Sprintf("%s %v", v, keys))
	})
	wf, err := NewBuilder("writer").AddExecutor(writer).AddExecutor(reader).AddEdge("writer", "reader").Build()
	require.NoError(t, err)

	events, err := RunToCompletion(ctx, wf, "v1")
	require.NoError(t, err)
	assert.Equal(t, []any{"v1 [last]"}, outputs(events))
}

func TestStateConflictEndsRun(t *testing.T) {
	ctx := testContext(t)
	write := func(id string) Executor {
		return NewFuncExecutor(id, func(ctx context.Context, s string, wctx WorkflowContext) error {
			return wctx.QueueStateUpdate(ctx, "k", id, "shared")
		})
	}
	wf, err := NewBuilder("split").
		AddExecutor(forward("split", func(s string) string { return s })).
		AddExecutor(write("a")).
		AddExecutor(write("b")).
		AddFanOutEdge("split", []string{"a", "b"}, nil).
		Build()
	require.NoError(t, err)

	_, err = RunToCompletion(ctx, wf, "x")
	assert.ErrorIs(t, err, ErrStateConflict)
}

type customEvent struct{ Note string }

func (customEvent) EventKind() string { return "custom" }

func TestCustomEvents(t *testing.T) {
	ctx := testContext(t)
	wf, err := NewBuilder("e").
		AddExecutor(NewFuncExecutor("e", func(ctx context.Context, s string, wctx WorkflowContext) error {
			return wctx.AddEvent(ctx, customEvent{Note: s + "@" + wctx.RunID()})
		})).
		Build()
	require.NoError(t, err)

	events, err := RunToCompletion(ctx, wf, "n", WithRunID("r1"))
	require.NoError(t, err)
	got := eventsOf[customEvent](events)
	require.Len(t, got, 1)
	assert.Equal(t, "n@r1", got[0].Note)
}

package workflow

import (
	"context"
	"fmt"
	"sort"
)

// Executor is a named node in the workflow graph.
//
// An executor declares the message types it handles by registering routes on a
// RouteBuilder. The route table is built once, when the executor is first
// instantiated within a run, and is never rebuilt for that instance.
//
// Optional behaviour is declared by implementing further interfaces:
//   - CheckpointingExecutor: save and restore private state with checkpoints
//   - CrossRunShareable: the same instance may serve independent runs
//   - ResettableExecutor: the instance can be returned to its initial state
type Executor interface {
	// ID returns the executor's unique, stable identifier.
	ID() string

	// ConfigureRoutes registers the executor's handlers.
	ConfigureRoutes(rb *RouteBuilder)
}

// CheckpointingExecutor is implemented by executors that keep state outside
// the state manager and need to persist it with checkpoints.
//
// OnCheckpointing runs at a superstep boundary before the checkpoint is
// captured; writes made through wctx are published into the checkpoint.
// OnCheckpointRestored runs after a checkpoint is restored, with the restored
// state already readable through wctx.
type CheckpointingExecutor interface {
	Executor
	OnCheckpointing(ctx context.Context, wctx WorkflowContext) error
	OnCheckpointRestored(ctx context.Context, wctx WorkflowContext) error
}

// CrossRunShareable is implemented by executors whose single instance can be
// used by several independent runs.
type CrossRunShareable interface {
	CrossRunShareable() bool
}

// ResettableExecutor is implemented by executors that can be returned to
// their initial state without reallocation.
type ResettableExecutor interface {
	Reset(ctx context.Context) error
}

// ExecutorFactory creates a fresh executor instance for a run.
type ExecutorFactory func(ctx context.Context, runID string) (Executor, error)

// WorkflowContext is the executor's view of the running workflow. It is bound
// to one executor for the duration of one handler invocation.
type WorkflowContext interface {
	// RunID identifies the run.
	RunID() string

	// ExecutorID identifies the executor this context is bound to.
	ExecutorID() string

	// SendMessage queues msg for delivery along this executor's outgoing
	// edges in the next superstep.
	SendMessage(ctx context.Context, msg any) error

	// SendMessageTo is SendMessage restricted to a single target executor.
	SendMessageTo(ctx context.Context, msg any, targetID string) error

	// YieldOutput emits a WorkflowOutputEvent with data.
	YieldOutput(ctx context.Context, data any) error

	// AddEvent emits a custom event on the run's event stream.
	AddEvent(ctx context.Context, evt WorkflowEvent) error

	// ReadState reads key from a scope. An empty scopeName selects the
	// executor's private scope. Queued writes made by this executor in the
	// current superstep are visible.
	ReadState(ctx context.Context, key string, scopeName string) (any, bool, error)

	// ReadStateKeys lists the keys visible in a scope.
	ReadStateKeys(ctx context.Context, scopeName string) ([]string, error)

	// QueueStateUpdate queues a write that is published at the end of the
	// superstep.
	QueueStateUpdate(ctx context.Context, key string, value any, scopeName string) error

	// QueueStateDelete queues a delete that is published at the end of the
	// superstep.
	QueueStateDelete(ctx context.Context, key string, scopeName string) error

	// QueueClearScope tombstones every key in a scope.
	QueueClearScope(ctx context.Context, scopeName string) error

	// RequestHalt ends the run after the current superstep.
	RequestHalt(ctx context.Context) error
}

// ReadState reads a typed value from workflow state. The zero value and false
// are returned when the key is absent or deleted.
func ReadState[T any](ctx context.Context, wctx WorkflowContext, key, scopeName string) (T, bool, error) {
	var zero T
	v, ok, err := wctx.ReadState(ctx, key, scopeName)
	if err != nil || !ok {
		return zero, false, err
	}
	out, err := As[T](v)
	if err != nil {
		return zero, false, err
	}
	return out, true, nil
}

// handlerFunc is the untyped form every route is reduced to.
type handlerFunc func(ctx context.Context, env Envelope, wctx WorkflowContext) error

// RouteBuilder collects an executor's handlers.
type RouteBuilder struct {
	routes   map[TypeID]handlerFunc
	catchAll handlerFunc
	err      error
}

func newRouteBuilder() *RouteBuilder {
	return &RouteBuilder{routes: make(map[TypeID]handlerFunc)}
}

func (rb *RouteBuilder) add(id TypeID, h handlerFunc) {
	if _, dup := rb.routes[id]; dup && rb.err == nil {
		rb.err = fmt.Errorf("duplicate handler for type %s", id)
		return
	}
	rb.routes[id] = h
}

// AddHandler registers h for messages declared as T.
func AddHandler[T any](rb *RouteBuilder, h func(ctx context.Context, msg T, wctx WorkflowContext) error) *RouteBuilder {
	rb.add(TypeOf[T](), func(ctx context.Context, env Envelope, wctx WorkflowContext) error {
		msg, err := As[T](env.Payload)
		if err != nil {
			return err
		}
		return h(ctx, msg, wctx)
	})
	return rb
}

// AddHandlerWithResult registers h for messages declared as T. The handler's
// result is sent as a message along the executor's outgoing edges.
func AddHandlerWithResult[T, R any](rb *RouteBuilder, h func(ctx context.Context, msg T, wctx WorkflowContext) (R, error)) *RouteBuilder {
	rb.add(TypeOf[T](), func(ctx context.Context, env Envelope, wctx WorkflowContext) error {
		msg, err := As[T](env.Payload)
		if err != nil {
			return err
		}
		result, err := h(ctx, msg, wctx)
		if err != nil {
			return err
		}
		return wctx.SendMessage(ctx, result)
	})
	return rb
}

// AddBatchHandler registers h for fan-in batches whose items are all of type T.
func AddBatchHandler[T any](rb *RouteBuilder, h func(ctx context.Context, items []T, wctx WorkflowContext) error) *RouteBuilder {
	rb.add(TypeOf[Batch](), func(ctx context.Context, env Envelope, wctx WorkflowContext) error {
		batch, err := As[Batch](env.Payload)
		if err != nil {
			return err
		}
		items := make([]T, 0, len(batch.Items))
		for _, item := range batch.Items {
			v, err := As[T](item.Payload)
			if err != nil {
				return fmt.Errorf("batch item from %s: %w", item.SourceID, err)
			}
			items = append(items, v)
		}
		return h(ctx, items, wctx)
	})
	return rb
}

// AddCatchAll registers a handler for any message type without a route.
func (rb *RouteBuilder) AddCatchAll(h func(ctx context.Context, env Envelope, wctx WorkflowContext) error) *RouteBuilder {
	rb.catchAll = h
	return rb
}

// RouteTable is an executor's immutable dispatch table.
type RouteTable struct {
	routes   map[TypeID]handlerFunc
	catchAll handlerFunc
}

// CanHandle reports whether a message declared as t has a route.
func (rt *RouteTable) CanHandle(t TypeID) bool {
	if rt.catchAll != nil {
		return true
	}
	_, ok := rt.routes[t]
	return ok
}

// InputTypes returns the declared types with explicit routes, sorted.
func (rt *RouteTable) InputTypes() []TypeID {
	out := make([]TypeID, 0, len(rt.routes))
	for t := range rt.routes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// dispatch invokes the route for env. It reports false when no route matches.
func (rt *RouteTable) dispatch(ctx context.Context, env Envelope, wctx WorkflowContext) (bool, error) {
	if h, ok := rt.routes[env.Type]; ok {
		return true, h(ctx, env, wctx)
	}
	if rt.catchAll != nil {
		return true, rt.catchAll(ctx, env, wctx)
	}
	return false, nil
}

// executorInstance pairs an executor with its built route table.
type executorInstance struct {
	impl   Executor
	routes *RouteTable
}

func buildRoutes(e Executor) (*RouteTable, error) {
	rb := newRouteBuilder()
	e.ConfigureRoutes(rb)
	if rb.err != nil {
		return nil, rb.err
	}
	return &RouteTable{routes: rb.routes, catchAll: rb.catchAll}, nil
}

// funcExecutor adapts a single typed function into an Executor.
type funcExecutor[T any] struct {
	id string
	fn func(ctx context.Context, msg T, wctx WorkflowContext) error
}

// NewFuncExecutor returns an executor with a single route for T.
//
// Example:
//
//	upper := workflow.NewFuncExecutor("upper", func(ctx context.Context, s string, wctx workflow.WorkflowContext) error {
//	    return wctx.SendMessage(ctx, strings.ToUpper(s))
//	})
func NewFuncExecutor[T any](id string, fn func(ctx context.Context, msg T, wctx WorkflowContext) error) Executor {
	return &funcExecutor[T]{id: id, fn: fn}
}

func (f *funcExecutor[T]) ID() string { return f.id }

func (f *funcExecutor[T]) ConfigureRoutes(rb *RouteBuilder) {
	AddHandler(rb, f.fn)
}

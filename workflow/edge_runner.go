package workflow

import (
	"context"
	"fmt"
	"slices"
)

// delivery is one resolved (target, message) pair for the current superstep.
type delivery struct {
	targetID string
	env      Envelope
}

// routeResult is what an edge runner decides for one message.
type routeResult struct {
	deliveries []delivery
	warnings   []string
}

// handlerResolver answers whether an executor accepts a type, instantiating
// the executor if needed.
type handlerResolver interface {
	canHandle(ctx context.Context, executorID string, t TypeID) (bool, error)
}

// edgeRunner applies an edge's routing strategy to messages from its sources.
// Runners are only driven from the scheduler goroutine.
type edgeRunner interface {
	edge() Edge
	route(ctx context.Context, env Envelope, r handlerResolver) (routeResult, error)
}

// statefulEdgeRunner is an edge runner with state that must survive a
// checkpoint.
type statefulEdgeRunner interface {
	edgeRunner
	exportState() (FanInState, error)
	importState(FanInState) error
	reset()
}

func newEdgeRunner(e Edge) edgeRunner {
	switch e := e.(type) {
	case *DirectEdge:
		return &directRunner{e: e}
	case *FanOutEdge:
		return &fanOutRunner{e: e}
	case *FanInEdge:
		r := &fanInRunner{e: e}
		r.reset()
		return r
	}
	panic(fmt.Sprintf("workflow: unsupported edge type %T", e))
}

type directRunner struct {
	e *DirectEdge
}

func (r *directRunner) edge() Edge { return r.e }

func (r *directRunner) route(ctx context.Context, env Envelope, res handlerResolver) (routeResult, error) {
	if env.TargetID != "" && env.TargetID != r.e.Sink {
		return routeResult{}, nil
	}
	if r.e.Predicate != nil && !r.e.Predicate(env.Payload) {
		return routeResult{}, nil
	}
	ok, err := res.canHandle(ctx, r.e.Sink, env.Type)
	if err != nil || !ok {
		return routeResult{}, err
	}
	return routeResult{deliveries: []delivery{{targetID: r.e.Sink, env: env}}}, nil
}

type fanOutRunner struct {
	e *FanOutEdge
}

func (r *fanOutRunner) edge() Edge { return r.e }

func (r *fanOutRunner) targets(env Envelope) []string {
	if r.e.Assigner == nil {
		return r.e.Sinks
	}
	var out []string
	for _, i := range r.e.Assigner(env.Payload, len(r.e.Sinks)) {
		if i < 0 || i >= len(r.e.Sinks) {
			continue
		}
		if sink := r.e.Sinks[i]; !slices.Contains(out, sink) {
			out = append(out, sink)
		}
	}
	return out
}

func (r *fanOutRunner) route(ctx context.Context, env Envelope, res handlerResolver) (routeResult, error) {
	var result routeResult
	for _, sink := range r.targets(env) {
		if env.TargetID != "" && env.TargetID != sink {
			continue
		}
		ok, err := res.canHandle(ctx, sink, env.Type)
		if err != nil {
			return routeResult{}, err
		}
		if ok {
			result.deliveries = append(result.deliveries, delivery{targetID: sink, env: env})
		}
	}
	return result, nil
}

// FanInState is the checkpointed barrier of a fan-in edge.
type FanInState struct {
	Unseen  []string           `json:"unseen"`
	Pending []PortableEnvelope `json:"pending"`
}

// fanInRunner buffers one message per source. A source that sends again
// before the barrier completes replaces its buffered message.
type fanInRunner struct {
	e       *FanInEdge
	unseen  map[string]struct{}
	pending map[string]Envelope
}

func (r *fanInRunner) edge() Edge { return r.e }

func (r *fanInRunner) reset() {
	r.unseen = make(map[string]struct{}, len(r.e.Sources))
	for _, src := range r.e.Sources {
		r.unseen[src] = struct{}{}
	}
	r.pending = make(map[string]Envelope, len(r.e.Sources))
}

func (r *fanInRunner) route(ctx context.Context, env Envelope, res handlerResolver) (routeResult, error) {
	if env.TargetID != "" && env.TargetID != r.e.Sink {
		return routeResult{}, nil
	}
	if !slices.Contains(r.e.Sources, env.SourceID) {
		return routeResult{}, nil
	}

	var result routeResult
	if _, buffered := r.pending[env.SourceID]; buffered {
		result.warnings = append(result.warnings, fmt.Sprintf(
			"fan-in edge %s: %s sent again before the barrier completed; earlier message replaced",
			r.e.id, env.SourceID))
	}
	r.pending[env.SourceID] = env
	delete(r.unseen, env.SourceID)
	if len(r.unseen) > 0 {
		return result, nil
	}

	batch := Batch{Items: make([]BatchItem, 0, len(r.e.Sources))}
	for _, src := range r.e.Sources {
		msg := r.pending[src]
		batch.Items = append(batch.Items, BatchItem{SourceID: src, Type: msg.Type, Payload: msg.Payload})
	}
	r.reset()

	ok, err := res.canHandle(ctx, r.e.Sink, TypeOf[Batch]())
	if err != nil {
		return routeResult{}, err
	}
	if !ok {
		result.warnings = append(result.warnings, fmt.Sprintf(
			"fan-in edge %s: %s has no handler for batches; batch dropped", r.e.id, r.e.Sink))
		return result, nil
	}
	result.deliveries = append(result.deliveries, delivery{
		targetID: r.e.Sink,
		env:      Envelope{Payload: batch, Type: TypeOf[Batch](), SourceID: r.e.id, TargetID: r.e.Sink},
	})
	return result, nil
}

func (r *fanInRunner) exportState() (FanInState, error) {
	st := FanInState{Unseen: []string{}, Pending: []PortableEnvelope{}}
	for _, src := range r.e.Sources {
		if _, ok := r.unseen[src]; ok {
			st.Unseen = append(st.Unseen, src)
			continue
		}
		pe, err := toPortableEnvelope(r.pending[src])
		if err != nil {
			return FanInState{}, fmt.Errorf("fan-in edge %s: %w", r.e.id, err)
		}
		st.Pending = append(st.Pending, pe)
	}
	return st, nil
}

func (r *fanInRunner) importState(st FanInState) error {
	r.reset()
	for _, pe := range st.Pending {
		if !slices.Contains(r.e.Sources, pe.SourceID) {
			return fmt.Errorf("fan-in edge %s: buffered message from unknown source %s", r.e.id, pe.SourceID)
		}
		r.pending[pe.SourceID] = pe.Envelope()
		delete(r.unseen, pe.SourceID)
	}
	return nil
}

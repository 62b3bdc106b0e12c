package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// registration is how a workflow obtains an executor for a run.
type registration struct {
	id       string
	instance Executor
	factory  ExecutorFactory
	port     *RequestPort
}

func (r registration) create(ctx context.Context, runID string) (Executor, error) {
	switch {
	case r.port != nil:
		return r.port, nil
	case r.instance != nil:
		return r.instance, nil
	}
	e, err := r.factory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("factory for %s returned nil", r.id)
	}
	return e, nil
}

func (r registration) kind() string {
	switch {
	case r.port != nil:
		return fmt.Sprintf("port(%s->%s)", r.port.requestType, r.port.responseType)
	case r.instance != nil:
		return "instance"
	}
	return "factory"
}

// Workflow is an immutable executor graph built by a Builder.
//
// A Workflow may be run many times but by one run at a time: Start and
// Resume claim it, and the claim is released when the run ends.
type Workflow struct {
	name          string
	startID       string
	registrations map[string]registration
	edges         []Edge
	bySource      map[string][]Edge
	fingerprint   string

	ownerMu sync.Mutex
	owner   string
}

// Name returns the workflow's name.
func (w *Workflow) Name() string { return w.name }

// StartExecutorID returns the executor that receives run input.
func (w *Workflow) StartExecutorID() string { return w.startID }

// Fingerprint identifies the graph's shape. Checkpoints record it and refuse
// to restore into a workflow with a different fingerprint.
func (w *Workflow) Fingerprint() string { return w.fingerprint }

// ExecutorIDs returns the registered executor ids, sorted.
func (w *Workflow) ExecutorIDs() []string {
	ids := make([]string, 0, len(w.registrations))
	for id := range w.registrations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Edges returns the workflow's edges in the order they were added.
func (w *Workflow) Edges() []Edge {
	return append([]Edge(nil), w.edges...)
}

// connected reports whether an edge leads from source to target.
func (w *Workflow) connected(source, target string) bool {
	for _, e := range w.bySource[source] {
		for _, sink := range e.SinkIDs() {
			if sink == target {
				return true
			}
		}
	}
	return false
}

func (w *Workflow) port(id string) (*RequestPort, bool) {
	reg, ok := w.registrations[id]
	if !ok || reg.port == nil {
		return nil, false
	}
	return reg.port, true
}

func (w *Workflow) claim(runID string) error {
	w.ownerMu.Lock()
	defer w.ownerMu.Unlock()
	if w.owner != "" {
		return fmt.Errorf("%w: %s", ErrWorkflowOwned, w.owner)
	}
	w.owner = runID
	return nil
}

// release drops runID's claim and resets resettable executor instances so the
// next run starts from their initial state.
func (w *Workflow) release(ctx context.Context, runID string) error {
	w.ownerMu.Lock()
	defer w.ownerMu.Unlock()
	if w.owner != runID {
		return nil
	}
	w.owner = ""

	var errs []error
	for _, id := range w.ExecutorIDs() {
		reg := w.registrations[id]
		if reg.instance == nil {
			continue
		}
		if s, ok := reg.instance.(CrossRunShareable); ok && s.CrossRunShareable() {
			continue
		}
		if r, ok := reg.instance.(ResettableExecutor); ok {
			if err := r.Reset(ctx); err != nil {
				errs = append(errs, fmt.Errorf("reset %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Builder assembles a Workflow. Errors are collected and reported by Build.
//
//	wf, err := workflow.NewBuilder("split").
//	    AddExecutor(split).AddExecutor(left).AddExecutor(right).AddExecutor(join).
//	    AddFanOutEdge("split", []string{"left", "right"}, nil).
//	    AddFanInEdge([]string{"left", "right"}, "join").
//	    Build()
type Builder struct {
	name          string
	startID       string
	registrations map[string]registration
	edges         []Edge
	edgeIDs       map[string]int
	errs          []error
}

// NewBuilder starts a workflow whose input is delivered to startID.
func NewBuilder(startID string) *Builder {
	return &Builder{
		startID:       startID,
		registrations: make(map[string]registration),
		edgeIDs:       make(map[string]int),
	}
}

// WithName names the workflow.
func (b *Builder) WithName(name string) *Builder {
	b.name = name
	return b
}

func (b *Builder) fail(code, format string, args ...any) {
	b.errs = append(b.errs, &EngineError{Message: fmt.Sprintf(format, args...), Code: code})
}

func (b *Builder) register(reg registration) *Builder {
	if err := validate.Var(reg.id, "required,max=128"); err != nil {
		b.fail("INVALID_EXECUTOR_ID", "executor id %q: %v", reg.id, formatValidation(err))
		return b
	}
	if _, dup := b.registrations[reg.id]; dup {
		b.fail("DUPLICATE_EXECUTOR", "executor %s registered twice", reg.id)
		return b
	}
	b.registrations[reg.id] = reg
	return b
}

// AddExecutor registers an executor instance. The same instance serves every
// run of the workflow, so any in-memory state it holds carries into the next
// run unless it implements ResettableExecutor. Use AddExecutorFactory when
// each run needs a fresh executor.
func (b *Builder) AddExecutor(e Executor) *Builder {
	if e == nil {
		b.fail("INVALID_EXECUTOR", "nil executor")
		return b
	}
	return b.register(registration{id: e.ID(), instance: e})
}

// AddExecutorFactory registers a factory that creates a fresh executor for
// each run that references id.
func (b *Builder) AddExecutorFactory(id string, f ExecutorFactory) *Builder {
	if f == nil {
		b.fail("INVALID_EXECUTOR", "nil factory for %s", id)
		return b
	}
	return b.register(registration{id: id, factory: f})
}

// AddRequestPort registers an external request port.
func (b *Builder) AddRequestPort(p *RequestPort) *Builder {
	if p == nil {
		b.fail("INVALID_EXECUTOR", "nil request port")
		return b
	}
	return b.register(registration{id: p.id, port: p})
}

func (b *Builder) edgeID(base string) string {
	n := b.edgeIDs[base]
	b.edgeIDs[base] = n + 1
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s#%d", base, n)
}

// AddEdge connects source to sink unconditionally.
func (b *Builder) AddEdge(source, sink string) *Builder {
	return b.AddConditionalEdge(source, sink, nil)
}

// AddConditionalEdge connects source to sink for messages accepted by pred.
func (b *Builder) AddConditionalEdge(source, sink string, pred Predicate) *Builder {
	for _, e := range b.edges {
		if d, ok := e.(*DirectEdge); ok && d.Source == source && d.Sink == sink {
			b.fail("DUPLICATE_EDGE", "edge %s->%s added twice", source, sink)
			return b
		}
	}
	b.edges = append(b.edges, &DirectEdge{
		id:        b.edgeID(source + "->" + sink),
		Source:    source,
		Sink:      sink,
		Predicate: pred,
	})
	return b
}

// AddFanOutEdge connects source to sinks. A nil assigner delivers to every
// sink.
func (b *Builder) AddFanOutEdge(source string, sinks []string, assigner Assigner) *Builder {
	if len(sinks) == 0 {
		b.fail("INVALID_EDGE", "fan-out edge from %s has no sinks", source)
		return b
	}
	if dup := firstDuplicate(sinks); dup != "" {
		b.fail("INVALID_EDGE", "fan-out edge from %s lists %s twice", source, dup)
		return b
	}
	b.edges = append(b.edges, &FanOutEdge{
		id:       b.edgeID(source + "->[" + strings.Join(sinks, ",") + "]"),
		Source:   source,
		Sinks:    append([]string(nil), sinks...),
		Assigner: assigner,
	})
	return b
}

// AddFanInEdge connects sources to sink through a barrier.
func (b *Builder) AddFanInEdge(sources []string, sink string) *Builder {
	if len(sources) == 0 {
		b.fail("INVALID_EDGE", "fan-in edge to %s has no sources", sink)
		return b
	}
	if dup := firstDuplicate(sources); dup != "" {
		b.fail("INVALID_EDGE", "fan-in edge to %s lists %s twice", sink, dup)
		return b
	}
	b.edges = append(b.edges, &FanInEdge{
		id:      b.edgeID("[" + strings.Join(sources, ",") + "]->" + sink),
		Sources: append([]string(nil), sources...),
		Sink:    sink,
	})
	return b
}

func firstDuplicate(ids []string) string {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return id
		}
		seen[id] = true
	}
	return ""
}

// Build validates the graph and returns the Workflow. Every id referenced by
// an edge, and the start id, must be registered.
func (b *Builder) Build() (*Workflow, error) {
	errs := append([]error(nil), b.errs...)
	missing := func(id, where string) {
		if _, ok := b.registrations[id]; !ok {
			errs = append(errs, &EngineError{
				Message: fmt.Sprintf("%s references unregistered executor %s", where, id),
				Code:    "EXECUTOR_NOT_FOUND",
				Cause:   ErrExecutorNotFound,
			})
		}
	}
	missing(b.startID, "start")
	for _, e := range b.edges {
		for _, id := range e.SourceIDs() {
			missing(id, "edge "+e.ID())
		}
		for _, id := range e.SinkIDs() {
			missing(id, "edge "+e.ID())
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	w := &Workflow{
		name:          b.name,
		startID:       b.startID,
		registrations: make(map[string]registration, len(b.registrations)),
		edges:         append([]Edge(nil), b.edges...),
		bySource:      make(map[string][]Edge),
	}
	for id, reg := range b.registrations {
		w.registrations[id] = reg
	}
	for _, e := range w.edges {
		for _, src := range e.SourceIDs() {
			w.bySource[src] = append(w.bySource[src], e)
		}
	}
	w.fingerprint = computeFingerprint(w)
	return w, nil
}

// computeFingerprint hashes the graph's shape: executor ids and their
// registration kind, the start id, and each edge's id, kind and endpoints.
// Predicates and assigners are code and are only recorded as present.
func computeFingerprint(w *Workflow) string {
	h := sha256.New()
	fmt.Fprintf(h, "start=%s\n", w.startID)
	for _, id := range w.ExecutorIDs() {
		fmt.Fprintf(h, "executor=%s kind=%s\n", id, w.registrations[id].kind())
	}
	for _, e := range w.edges {
		fmt.Fprintf(h, "edge=%s kind=%s sources=%s sinks=%s",
			e.ID(), e.Kind(), strings.Join(e.SourceIDs(), ","), strings.Join(e.SinkIDs(), ","))
		switch e := e.(type) {
		case *DirectEdge:
			fmt.Fprintf(h, " predicate=%t", e.Predicate != nil)
		case *FanOutEdge:
			fmt.Fprintf(h, " assigner=%t", e.Assigner != nil)
		}
		fmt.Fprintln(h)
	}
	return hex.EncodeToString(h.Sum(nil))
}

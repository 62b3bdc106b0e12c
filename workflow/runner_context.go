package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ExternalSourceID is the source of messages delivered from outside the graph
// with Run.SendMessage. They go straight to their target executor.
const ExternalSourceID = "__external__"

// StepContext is the queue of messages for one superstep, keyed by the
// executor that sent them.
type StepContext struct {
	queues map[string][]Envelope
	order  []string
}

func newStepContext() *StepContext {
	return &StepContext{queues: make(map[string][]Envelope)}
}

func (s *StepContext) add(env Envelope) {
	if _, ok := s.queues[env.SourceID]; !ok {
		s.order = append(s.order, env.SourceID)
	}
	s.queues[env.SourceID] = append(s.queues[env.SourceID], env)
}

// Sources returns the sending executors in the order they first queued a
// message.
func (s *StepContext) Sources() []string { return append([]string(nil), s.order...) }

// Messages returns source's queued messages in send order.
func (s *StepContext) Messages(source string) []Envelope { return s.queues[source] }

// Len returns the number of queued messages.
func (s *StepContext) Len() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// IsEmpty reports whether no messages are queued.
func (s *StepContext) IsEmpty() bool { return len(s.order) == 0 }

// RunnerState is the checkpointed scheduling state of a run.
type RunnerState struct {
	InstantiatedExecutors []string           `json:"instantiated_executors"`
	QueuedMessages        []PortableEnvelope `json:"queued_messages"`
	OutstandingRequests   []PortableRequest  `json:"outstanding_requests"`
}

// runnerContext owns one run's scheduling state: the next step's queue,
// pending external deliveries, instantiated executors, edge runner state,
// outstanding requests and the state manager.
type runnerContext struct {
	wf      *Workflow
	runID   string
	publish func(WorkflowEvent)

	nextMu sync.Mutex
	next   *StepContext

	extMu    sync.Mutex
	external []Envelope

	instMu       sync.Mutex
	instances    map[string]*executorInstance
	instOrder    []string
	instantiated []string // since the last takeInstantiated

	runners  map[string][]edgeRunner
	stateful map[string]statefulEdgeRunner

	reqMu       sync.Mutex
	outstanding map[string]ExternalRequest
	reqOrder    []string

	state         *StateManager
	haltRequested atomic.Bool
}

func newRunnerContext(wf *Workflow, runID string, publish func(WorkflowEvent)) *runnerContext {
	rc := &runnerContext{
		wf:          wf,
		runID:       runID,
		publish:     publish,
		next:        newStepContext(),
		instances:   make(map[string]*executorInstance),
		runners:     make(map[string][]edgeRunner),
		stateful:    make(map[string]statefulEdgeRunner),
		outstanding: make(map[string]ExternalRequest),
		state:       NewStateManager(),
	}
	for _, e := range wf.edges {
		r := newEdgeRunner(e)
		for _, src := range e.SourceIDs() {
			rc.runners[src] = append(rc.runners[src], r)
		}
		if s, ok := r.(statefulEdgeRunner); ok {
			rc.stateful[e.ID()] = s
		}
	}
	return rc
}

// advance moves pending external deliveries into the next step, then swaps
// the next step for an empty one and returns it.
func (rc *runnerContext) advance() (step *StepContext, hadExternal bool) {
	rc.extMu.Lock()
	ext := rc.external
	rc.external = nil
	rc.extMu.Unlock()

	rc.nextMu.Lock()
	defer rc.nextMu.Unlock()
	for _, env := range ext {
		rc.next.add(env)
	}
	step = rc.next
	rc.next = newStepContext()
	return step, len(ext) > 0
}

// discardNext drops every message queued for the next superstep.
func (rc *runnerContext) discardNext() {
	rc.nextMu.Lock()
	defer rc.nextMu.Unlock()
	rc.next = newStepContext()
}

// sendMessage queues msg from sourceID for the next superstep. Messages from
// an executor without outgoing edges are dropped.
func (rc *runnerContext) sendMessage(sourceID string, msg any, targetID string) error {
	if len(rc.wf.bySource[sourceID]) == 0 {
		return nil
	}
	if targetID != "" && !rc.wf.connected(sourceID, targetID) {
		return &EngineError{
			Message: fmt.Sprintf("%s has no edge to %s", sourceID, targetID),
			Code:    "TARGET_NOT_CONNECTED",
			Cause:   ErrExecutorNotFound,
		}
	}
	env := NewEnvelope(msg, sourceID, targetID)
	if e, ok := msg.(Envelope); ok {
		env = Envelope{Payload: e.Payload, Type: e.Type, SourceID: sourceID, TargetID: targetID}
	}

	rc.nextMu.Lock()
	defer rc.nextMu.Unlock()
	rc.next.add(env)
	return nil
}

// enqueueExternal adds a delivery from outside the superstep.
func (rc *runnerContext) enqueueExternal(env Envelope) {
	rc.extMu.Lock()
	defer rc.extMu.Unlock()
	rc.external = append(rc.external, env)
}

func (rc *runnerContext) hasPendingMessages() bool {
	rc.nextMu.Lock()
	empty := rc.next.IsEmpty()
	rc.nextMu.Unlock()
	if !empty {
		return true
	}
	rc.extMu.Lock()
	defer rc.extMu.Unlock()
	return len(rc.external) > 0
}

func (rc *runnerContext) hasOutstandingRequests() bool {
	rc.reqMu.Lock()
	defer rc.reqMu.Unlock()
	return len(rc.outstanding) > 0
}

// ensureExecutor returns the run's instance of id, creating it on first use.
func (rc *runnerContext) ensureExecutor(ctx context.Context, id string) (*executorInstance, error) {
	rc.instMu.Lock()
	defer rc.instMu.Unlock()
	if inst, ok := rc.instances[id]; ok {
		return inst, nil
	}
	reg, ok := rc.wf.registrations[id]
	if !ok {
		return nil, &EngineError{
			Message: fmt.Sprintf("executor %s is not registered", id),
			Code:    "EXECUTOR_NOT_FOUND",
			Cause:   ErrExecutorNotFound,
		}
	}
	e, err := reg.create(ctx, rc.runID)
	if err != nil {
		return nil, &EngineError{Message: fmt.Sprintf("create executor %s", id), Code: "EXECUTOR_CREATE_FAILED", Cause: err}
	}
	if e.ID() != id {
		return nil, &EngineError{
			Message: fmt.Sprintf("executor registered as %s reports id %s", id, e.ID()),
			Code:    "EXECUTOR_ID_MISMATCH",
		}
	}
	routes, err := buildRoutes(e)
	if err != nil {
		return nil, &EngineError{Message: fmt.Sprintf("configure routes for %s", id), Code: "INVALID_ROUTES", Cause: err}
	}
	inst := &executorInstance{impl: e, routes: routes}
	rc.instances[id] = inst
	rc.instOrder = append(rc.instOrder, id)
	rc.instantiated = append(rc.instantiated, id)
	return inst, nil
}

func (rc *runnerContext) instance(id string) (*executorInstance, bool) {
	rc.instMu.Lock()
	defer rc.instMu.Unlock()
	inst, ok := rc.instances[id]
	return inst, ok
}

// instantiatedIDs returns every instantiated executor in creation order.
func (rc *runnerContext) instantiatedIDs() []string {
	rc.instMu.Lock()
	defer rc.instMu.Unlock()
	return append([]string(nil), rc.instOrder...)
}

// takeInstantiated returns executors created since the previous call.
func (rc *runnerContext) takeInstantiated() []string {
	rc.instMu.Lock()
	defer rc.instMu.Unlock()
	out := rc.instantiated
	rc.instantiated = nil
	return out
}

func (rc *runnerContext) canHandle(ctx context.Context, executorID string, t TypeID) (bool, error) {
	inst, err := rc.ensureExecutor(ctx, executorID)
	if err != nil {
		return false, err
	}
	return inst.routes.CanHandle(t), nil
}

func (rc *runnerContext) postRequest(req ExternalRequest) {
	rc.reqMu.Lock()
	rc.outstanding[req.RequestID] = req
	rc.reqOrder = append(rc.reqOrder, req.RequestID)
	rc.reqMu.Unlock()
	rc.publish(RequestInfoEvent{Request: req})
}

// pendingRequests returns outstanding requests in the order they were posted.
func (rc *runnerContext) pendingRequests() []ExternalRequest {
	rc.reqMu.Lock()
	defer rc.reqMu.Unlock()
	out := make([]ExternalRequest, 0, len(rc.outstanding))
	for _, id := range rc.reqOrder {
		if req, ok := rc.outstanding[id]; ok {
			out = append(out, req)
		}
	}
	return out
}

// deliverResponse consumes the request resp answers and queues its data as a
// message sent by the request's port.
func (rc *runnerContext) deliverResponse(resp ExternalResponse) error {
	rc.reqMu.Lock()
	defer rc.reqMu.Unlock()
	req, ok := rc.outstanding[resp.RequestID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, resp.RequestID)
	}
	port, ok := rc.wf.port(req.PortID)
	if !ok {
		return &EngineError{Message: fmt.Sprintf("request port %s is not registered", req.PortID), Code: "EXECUTOR_NOT_FOUND", Cause: ErrExecutorNotFound}
	}
	if resp.PortID != "" && resp.PortID != req.PortID {
		return &EngineError{Message: fmt.Sprintf("response for %s addressed to port %s", req.PortID, resp.PortID), Code: "PORT_MISMATCH"}
	}
	if err := port.checkResponse(resp); err != nil {
		return err
	}
	delete(rc.outstanding, resp.RequestID)
	rc.reqOrder = removeString(rc.reqOrder, resp.RequestID)
	rc.enqueueExternal(NewEnvelope(resp.Data, port.id, ""))
	return nil
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// exportRunner captures scheduling state. Pending external deliveries are
// included with the queued messages.
func (rc *runnerContext) exportRunner() (RunnerState, error) {
	st := RunnerState{
		InstantiatedExecutors: rc.instantiatedIDs(),
		QueuedMessages:        []PortableEnvelope{},
		OutstandingRequests:   []PortableRequest{},
	}

	rc.nextMu.Lock()
	var queued []Envelope
	for _, src := range rc.next.order {
		queued = append(queued, rc.next.queues[src]...)
	}
	rc.nextMu.Unlock()
	rc.extMu.Lock()
	queued = append(queued, rc.external...)
	rc.extMu.Unlock()

	for _, env := range queued {
		pe, err := toPortableEnvelope(env)
		if err != nil {
			return RunnerState{}, err
		}
		st.QueuedMessages = append(st.QueuedMessages, pe)
	}
	for _, req := range rc.pendingRequests() {
		pr, err := toPortableRequest(req)
		if err != nil {
			return RunnerState{}, err
		}
		st.OutstandingRequests = append(st.OutstandingRequests, pr)
	}
	return st, nil
}

func (rc *runnerContext) exportEdges() (map[string]FanInState, error) {
	out := make(map[string]FanInState, len(rc.stateful))
	ids := make([]string, 0, len(rc.stateful))
	for id := range rc.stateful {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st, err := rc.stateful[id].exportState()
		if err != nil {
			return nil, err
		}
		out[id] = st
	}
	return out, nil
}

// importCheckpoint replaces all scheduling state with cp's. Executors that
// were instantiated at the cut are re-created from their registrations.
func (rc *runnerContext) importCheckpoint(ctx context.Context, cp *Checkpoint) error {
	rc.instMu.Lock()
	rc.instances = make(map[string]*executorInstance)
	rc.instOrder = nil
	rc.instantiated = nil
	rc.instMu.Unlock()
	for _, id := range cp.Runner.InstantiatedExecutors {
		if _, err := rc.ensureExecutor(ctx, id); err != nil {
			return err
		}
	}
	rc.takeInstantiated()

	next := newStepContext()
	for _, pe := range cp.Runner.QueuedMessages {
		next.add(pe.Envelope())
	}
	rc.nextMu.Lock()
	rc.next = next
	rc.nextMu.Unlock()
	rc.extMu.Lock()
	rc.external = nil
	rc.extMu.Unlock()

	rc.reqMu.Lock()
	rc.outstanding = make(map[string]ExternalRequest, len(cp.Runner.OutstandingRequests))
	rc.reqOrder = nil
	for _, pr := range cp.Runner.OutstandingRequests {
		rc.outstanding[pr.RequestID] = pr.Request()
		rc.reqOrder = append(rc.reqOrder, pr.RequestID)
	}
	rc.reqMu.Unlock()

	for id, r := range rc.stateful {
		st, ok := cp.Edges[id]
		if !ok {
			r.reset()
			continue
		}
		if err := r.importState(st); err != nil {
			return err
		}
	}

	rc.state.Import(cp.State)
	rc.haltRequested.Store(false)
	return nil
}

// bind returns the WorkflowContext for one executor.
func (rc *runnerContext) bind(executorID string) *executorContext {
	return &executorContext{rc: rc, executorID: executorID}
}

// executorContext is the WorkflowContext handed to handlers and hooks.
type executorContext struct {
	rc         *runnerContext
	executorID string
}

var _ WorkflowContext = (*executorContext)(nil)

func (c *executorContext) RunID() string      { return c.rc.runID }
func (c *executorContext) ExecutorID() string { return c.executorID }

func (c *executorContext) scope(name string) ScopeID {
	if name == "" {
		return PrivateScope(c.executorID)
	}
	return SharedScope(name)
}

func (c *executorContext) SendMessage(ctx context.Context, msg any) error {
	return c.SendMessageTo(ctx, msg, "")
}

func (c *executorContext) SendMessageTo(ctx context.Context, msg any, targetID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.rc.sendMessage(c.executorID, msg, targetID)
}

func (c *executorContext) YieldOutput(ctx context.Context, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.rc.publish(WorkflowOutputEvent{Data: data, SourceExecutorID: c.executorID})
	return nil
}

func (c *executorContext) AddEvent(ctx context.Context, evt WorkflowEvent) error {
	if evt == nil {
		return fmt.Errorf("nil event")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.rc.publish(evt)
	return nil
}

func (c *executorContext) ReadState(_ context.Context, key, scopeName string) (any, bool, error) {
	v, ok := c.rc.state.Read(c.executorID, c.scope(scopeName), key)
	return v, ok, nil
}

func (c *executorContext) ReadStateKeys(_ context.Context, scopeName string) ([]string, error) {
	return c.rc.state.Keys(c.executorID, c.scope(scopeName)), nil
}

func (c *executorContext) QueueStateUpdate(_ context.Context, key string, value any, scopeName string) error {
	if key == "" {
		return fmt.Errorf("state key must not be empty")
	}
	c.rc.state.Write(c.executorID, c.scope(scopeName), key, value)
	return nil
}

func (c *executorContext) QueueStateDelete(_ context.Context, key, scopeName string) error {
	c.rc.state.Delete(c.executorID, c.scope(scopeName), key)
	return nil
}

func (c *executorContext) QueueClearScope(_ context.Context, scopeName string) error {
	c.rc.state.ClearScope(c.executorID, c.scope(scopeName))
	return nil
}

func (c *executorContext) RequestHalt(context.Context) error {
	c.rc.haltRequested.Store(true)
	c.rc.publish(RequestHaltEvent{ExecutorID: c.executorID})
	return nil
}

func (c *executorContext) postRequest(_ context.Context, req ExternalRequest) error {
	c.rc.postRequest(req)
	return nil
}

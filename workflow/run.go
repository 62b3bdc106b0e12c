package workflow

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/stepflow/workflow/emit"
)

// Run is a handle to one execution of a Workflow.
//
// The run's loop executes on its own goroutine. Callers feed it with
// SendMessage and SendResponse and observe it with WatchEvents. All
// checkpoint operations wait for the loop to reach a superstep boundary.
type Run struct {
	id      string
	wf      *Workflow
	opts    Options
	rc      *runnerContext
	emitter emit.Emitter
	metrics *PrometheusMetrics

	ctx    context.Context
	cancel context.CancelCauseFunc

	// stepMu is held for the whole of every superstep.
	stepMu         sync.Mutex
	stepNumber     atomic.Int64
	sequence       int64
	lastCheckpoint string

	status   atomic.Int32
	epoch    atomic.Int64
	queue    *eventQueue
	gate     *inputGate
	watching atomic.Bool

	errMu  sync.Mutex
	runErr error

	done chan struct{}
}

// Start begins a run of wf. When input is non-nil it is delivered to the start
// executor in the first superstep.
//
// The run lives until ctx is cancelled, Cancel or Close is called, an
// executor fails or requests a halt. Graph resolution errors and an input the
// start executor cannot handle fail Start itself.
func Start(ctx context.Context, wf *Workflow, input any, opts ...Option) (*Run, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	runID := o.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	if err := wf.claim(runID); err != nil {
		return nil, err
	}

	r := newRun(ctx, wf, runID, o)
	if input != nil {
		if err := r.enqueueInput(ctx, input); err != nil {
			r.abandon()
			return nil, err
		}
	}
	go r.loop(WorkflowStartedEvent{RunID: runID})
	return r, nil
}

// Resume starts a run of wf from a checkpoint found through the
// CheckpointManager option. The checkpoint must have been captured from a
// workflow with the same fingerprint.
func Resume(ctx context.Context, wf *Workflow, info CheckpointInfo, opts ...Option) (*Run, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	if o.CheckpointManager == nil {
		return nil, ErrCheckpointingDisabled
	}
	cp, err := o.CheckpointManager.Lookup(ctx, info.RunID, info.CheckpointID)
	if err != nil {
		return nil, err
	}
	if cp.WorkflowFingerprint != wf.fingerprint {
		return nil, &EngineError{
			Message: fmt.Sprintf("checkpoint %s was captured from a different workflow", cp.CheckpointID),
			Code:    "WORKFLOW_MISMATCH",
			Cause:   ErrWorkflowMismatch,
		}
	}
	runID := o.RunID
	if runID == "" {
		runID = cp.RunID
	}
	if err := wf.claim(runID); err != nil {
		return nil, err
	}

	r := newRun(ctx, wf, runID, o)
	existing, err := o.CheckpointManager.List(ctx, runID)
	if err != nil {
		r.abandon()
		return nil, err
	}
	for _, ci := range existing {
		r.sequence = max(r.sequence, ci.Sequence)
	}
	if err := r.restore(ctx, cp); err != nil {
		r.abandon()
		return nil, err
	}
	go r.loop(WorkflowStartedEvent{RunID: runID, Resumed: true})
	return r, nil
}

// RunToCompletion starts a run, collects its events until the stream ends and
// closes the run. The returned error is the failure that ended the run, if
// any.
func RunToCompletion(ctx context.Context, wf *Workflow, input any, opts ...Option) ([]WorkflowEvent, error) {
	r, err := Start(ctx, wf, input, opts...)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var events []WorkflowEvent
	for evt, err := range r.WatchEvents(ctx, false) {
		if err != nil {
			return events, err
		}
		events = append(events, evt)
	}
	return events, r.Err()
}

func newRun(ctx context.Context, wf *Workflow, runID string, o Options) *Run {
	runCtx, cancel := context.WithCancelCause(ctx)
	r := &Run{
		id:      runID,
		wf:      wf,
		opts:    o,
		emitter: o.Emitter,
		metrics: o.Metrics,
		ctx:     runCtx,
		cancel:  cancel,
		queue:   newEventQueue(),
		gate:    newInputGate(),
		done:    make(chan struct{}),
	}
	r.rc = newRunnerContext(wf, runID, r.publish)
	return r
}

// abandon releases a run that never started its loop.
func (r *Run) abandon() {
	r.cancel(ErrRunEnded)
	_ = r.wf.release(context.Background(), r.id)
	r.status.Store(int32(StatusEnded))
	close(r.done)
}

// ID returns the run id.
func (r *Run) ID() string { return r.id }

// Status returns the run's current phase.
func (r *Run) Status() RunStatus { return RunStatus(r.status.Load()) }

// Done is closed when the run has ended.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err returns the error that ended the run, or nil when it ended without a
// failure or is still running.
func (r *Run) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.runErr
}

// PendingRequests returns the outstanding external requests.
func (r *Run) PendingRequests() []ExternalRequest {
	return r.rc.pendingRequests()
}

// Cancel stops the run. It does not wait for the loop to exit.
func (r *Run) Cancel() {
	r.cancel(context.Canceled)
}

// Close cancels the run and waits for its loop to exit.
func (r *Run) Close() error {
	r.Cancel()
	<-r.done
	return nil
}

func (r *Run) ended() bool {
	select {
	case <-r.done:
		return true
	default:
		return r.ctx.Err() != nil
	}
}

// SendMessage delivers msg to the start executor in the next superstep.
func (r *Run) SendMessage(ctx context.Context, msg any) error {
	if r.ended() {
		return ErrRunEnded
	}
	if err := r.enqueueInput(ctx, msg); err != nil {
		return err
	}
	r.gate.signal()
	return nil
}

func (r *Run) enqueueInput(ctx context.Context, msg any) error {
	if msg == nil {
		return fmt.Errorf("message must not be nil")
	}
	env := NewEnvelope(msg, ExternalSourceID, r.wf.startID)
	ok, err := r.rc.canHandle(ctx, r.wf.startID, env.Type)
	if err != nil {
		return err
	}
	if !ok {
		return &EngineError{
			Message: fmt.Sprintf("start executor %s has no handler for %s", r.wf.startID, env.Type),
			Code:    "INPUT_TYPE_NOT_SUPPORTED",
		}
	}
	r.rc.enqueueExternal(env)
	return nil
}

// SendResponse answers an outstanding external request. The response's data
// must match the port's declared response type; otherwise a
// *PortMismatchError is returned and the request stays outstanding.
func (r *Run) SendResponse(ctx context.Context, resp ExternalResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.ended() {
		return ErrRunEnded
	}
	if err := r.rc.deliverResponse(resp); err != nil {
		return err
	}
	r.metrics.UpdatePendingRequests(len(r.rc.pendingRequests()))
	r.gate.signal()
	return nil
}

// publish queues evt on the stream and hands its flattened form to the
// emitter.
func (r *Run) publish(evt WorkflowEvent) {
	r.queue.push(streamItem{evt: evt})
	r.emitter.Emit(flatten(r.id, int(r.stepNumber.Load()), evt))
}

// WatchEvents streams the run's events.
//
// The sequence ends without an error when the run halts Idle or Ended, or
// halts with PendingRequests and blockOnPendingRequests is false. Halts that
// happened before WatchEvents was called are ignored; the loop is asked to
// report its current status instead. Breaking out of the loop detaches the
// consumer; a later call resumes with events not yet consumed.
//
// Only one consumer may be attached at a time; a second receives
// ErrConcurrentWatch. Cancelling ctx ends the sequence with ctx.Err().
func (r *Run) WatchEvents(ctx context.Context, blockOnPendingRequests bool) iter.Seq2[WorkflowEvent, error] {
	return func(yield func(WorkflowEvent, error) bool) {
		if !r.watching.CompareAndSwap(false, true) {
			yield(nil, ErrConcurrentWatch)
			return
		}
		defer r.watching.Store(false)

		myEpoch := r.epoch.Load() + 1
		r.gate.signal()

		for {
			item, err := r.queue.pop(ctx, r.done)
			if errors.Is(err, errStreamClosed) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if item.halt == nil {
				if !yield(item.evt, nil) {
					return
				}
				continue
			}

			h := item.halt
			if h.status != StatusEnded && h.epoch < myEpoch {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if r.ctx.Err() != nil {
				return
			}
			switch h.status {
			case StatusIdle, StatusEnded:
				return
			case StatusPendingRequests:
				if !blockOnPendingRequests {
					return
				}
			}
		}
	}
}

// loop is the run's scheduler. It runs supersteps while work is queued and
// otherwise waits on the input gate.
func (r *Run) loop(started WorkflowStartedEvent) {
	defer r.finish()
	r.publish(started)

	halted := false
	for {
		if r.ctx.Err() != nil {
			return
		}

		r.stepMu.Lock()
		if r.rc.hasPendingMessages() {
			halted = false
			r.status.Store(int32(StatusRunning))
			err := r.runSuperstep(r.ctx)
			stop := r.rc.haltRequested.Load()
			r.stepMu.Unlock()
			if err != nil {
				r.fail(err)
				return
			}
			if stop {
				return
			}
			continue
		}
		if !halted {
			r.halt()
			halted = true
		}
		r.stepMu.Unlock()

		if r.gate.wait(r.ctx, r.opts.PollInterval) {
			// Re-report status for a consumer that just attached or a restore.
			halted = false
		}
	}
}

// halt records the resting status and pushes a new halt signal.
func (r *Run) halt() {
	status := StatusIdle
	if r.rc.hasOutstandingRequests() {
		status = StatusPendingRequests
	}
	r.status.Store(int32(status))
	r.queue.push(streamItem{halt: &haltSignal{epoch: r.epoch.Add(1), status: status}})
}

// fail ends the run because of err. Cancellation of the run is not a failure
// and raises no event.
func (r *Run) fail(err error) {
	if r.ctx.Err() != nil {
		return
	}
	r.errMu.Lock()
	r.runErr = err
	r.errMu.Unlock()
	r.publish(WorkflowErrorEvent{Err: err})
	r.cancel(err)
}

func (r *Run) finish() {
	if err := r.wf.release(context.Background(), r.id); err != nil {
		r.publish(WorkflowWarningEvent{Message: err.Error()})
	}
	r.status.Store(int32(StatusEnded))
	r.queue.push(streamItem{halt: &haltSignal{epoch: r.epoch.Add(1), status: StatusEnded}})
	r.cancel(ErrRunEnded)
	close(r.done)
}

// Checkpoint captures a checkpoint at the next superstep boundary. It must
// not be called from a handler. A run that failed or ended has no
// consistent cut left to capture and returns ErrRunEnded.
func (r *Run) Checkpoint(ctx context.Context) (CheckpointInfo, error) {
	if r.ended() || r.Err() != nil {
		return CheckpointInfo{}, ErrRunEnded
	}
	r.stepMu.Lock()
	defer r.stepMu.Unlock()
	return r.capture(ctx)
}

// Checkpoints lists the run's checkpoints in sequence order.
func (r *Run) Checkpoints(ctx context.Context) ([]CheckpointInfo, error) {
	if r.opts.CheckpointManager == nil {
		return nil, ErrCheckpointingDisabled
	}
	return r.opts.CheckpointManager.List(ctx, r.id)
}

// RestoreCheckpoint rewinds the run to a checkpoint at the next superstep
// boundary. Work queued after the checkpoint's cut is discarded, as are the
// events not yet consumed. Checkpoints captured afterwards record info as
// their parent. It must not be called from a handler.
func (r *Run) RestoreCheckpoint(ctx context.Context, info CheckpointInfo) error {
	if r.opts.CheckpointManager == nil {
		return ErrCheckpointingDisabled
	}
	r.stepMu.Lock()
	defer r.stepMu.Unlock()
	if r.ended() {
		return ErrRunEnded
	}
	cp, err := r.opts.CheckpointManager.Lookup(ctx, info.RunID, info.CheckpointID)
	if err != nil {
		return err
	}
	if cp.WorkflowFingerprint != r.wf.fingerprint {
		return &EngineError{
			Message: fmt.Sprintf("checkpoint %s was captured from a different workflow", cp.CheckpointID),
			Code:    "WORKFLOW_MISMATCH",
			Cause:   ErrWorkflowMismatch,
		}
	}
	r.queue.drain()
	if err := r.restore(ctx, cp); err != nil {
		return err
	}
	r.publish(CheckpointRestoredEvent{Checkpoint: cp.Info()})
	r.gate.signal()
	return nil
}

// capture takes a checkpoint. The caller must hold stepMu.
func (r *Run) capture(ctx context.Context) (CheckpointInfo, error) {
	mgr := r.opts.CheckpointManager
	if mgr == nil {
		return CheckpointInfo{}, ErrCheckpointingDisabled
	}
	for _, id := range r.rc.instantiatedIDs() {
		inst, _ := r.rc.instance(id)
		if ce, ok := inst.impl.(CheckpointingExecutor); ok {
			if err := ce.OnCheckpointing(ctx, r.rc.bind(id)); err != nil {
				return CheckpointInfo{}, &ExecutorError{ExecutorID: id, Cause: fmt.Errorf("on checkpointing: %w", err)}
			}
		}
	}
	if _, err := r.rc.state.Publish(); err != nil {
		r.metrics.IncrementStateConflicts(r.id)
		return CheckpointInfo{}, err
	}

	cp, err := r.rc.exportCheckpoint()
	if err != nil {
		return CheckpointInfo{}, err
	}
	cp.CheckpointID = uuid.NewString()
	cp.Sequence = r.sequence + 1
	cp.ParentID = r.lastCheckpoint
	cp.StepNumber = int(r.stepNumber.Load())
	cp.CreatedAt = time.Now().UTC()
	if err := mgr.Commit(ctx, cp); err != nil {
		return CheckpointInfo{}, fmt.Errorf("commit checkpoint: %w", err)
	}
	r.sequence = cp.Sequence
	r.lastCheckpoint = cp.CheckpointID
	r.metrics.IncrementCheckpoints(r.id, "capture")
	return cp.Info(), nil
}

// restore imports cp and runs restore hooks. The caller must hold stepMu or
// own the run exclusively.
func (r *Run) restore(ctx context.Context, cp *Checkpoint) error {
	if err := r.rc.importCheckpoint(ctx, cp); err != nil {
		return err
	}
	r.stepNumber.Store(int64(cp.StepNumber))
	r.lastCheckpoint = cp.CheckpointID
	for _, id := range r.rc.instantiatedIDs() {
		inst, _ := r.rc.instance(id)
		if ce, ok := inst.impl.(CheckpointingExecutor); ok {
			if err := ce.OnCheckpointRestored(ctx, r.rc.bind(id)); err != nil {
				return &ExecutorError{ExecutorID: id, Cause: fmt.Errorf("on checkpoint restored: %w", err)}
			}
		}
	}
	if _, err := r.rc.state.Publish(); err != nil {
		return err
	}
	r.metrics.IncrementCheckpoints(r.id, "restore")
	r.metrics.UpdatePendingRequests(len(r.rc.pendingRequests()))
	return nil
}

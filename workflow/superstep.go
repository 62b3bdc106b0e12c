package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// targetWork is the ordered list of messages one executor handles in a
// superstep.
type targetWork struct {
	id   string
	inst *executorInstance
	envs []Envelope
}

// runSuperstep drains the current step: it routes every queued message
// through its source's edges, invokes the resolved targets, publishes state
// and, when enabled, captures a checkpoint. Messages sent by handlers land in
// the next step. The caller holds stepMu.
func (r *Run) runSuperstep(ctx context.Context) error {
	if limit := r.opts.MaxSupersteps; limit > 0 && int(r.stepNumber.Load()) >= limit {
		return &EngineError{
			Message: fmt.Sprintf("run exceeded %d supersteps", limit),
			Code:    "MAX_SUPERSTEPS_EXCEEDED",
		}
	}

	step, hadExternal := r.rc.advance()
	n := int(r.stepNumber.Add(1))
	started := time.Now()
	r.metrics.UpdateQueueDepth(step.Len())
	r.publish(SuperStepStartedEvent{
		StepNumber:          n,
		SendingExecutors:    step.Sources(),
		HasExternalMessages: hadExternal,
	})

	// A failed step leaves neither its messages nor its state updates behind.
	abort := func(err error) error {
		r.rc.state.Discard()
		r.rc.discardNext()
		r.metrics.RecordSuperstep(r.id, time.Since(started), "error")
		return err
	}

	work, err := r.route(ctx, step)
	if err != nil {
		return abort(err)
	}
	activated, err := r.invoke(ctx, n, work)
	if err != nil {
		return abort(err)
	}
	if _, err := r.rc.state.Publish(); err != nil {
		if errors.Is(err, ErrStateConflict) {
			r.metrics.IncrementStateConflicts(r.id)
		}
		return abort(err)
	}

	var cp *CheckpointInfo
	if r.opts.CheckpointManager != nil {
		info, err := r.capture(ctx)
		if err != nil {
			r.metrics.RecordSuperstep(r.id, time.Since(started), "error")
			return err
		}
		cp = &info
	}

	r.metrics.RecordSuperstep(r.id, time.Since(started), "ok")
	r.metrics.UpdatePendingRequests(len(r.rc.pendingRequests()))
	r.publish(SuperStepCompletedEvent{
		StepNumber:            n,
		ActivatedExecutors:    activated,
		InstantiatedExecutors: r.rc.takeInstantiated(),
		HasPendingMessages:    r.rc.hasPendingMessages(),
		HasPendingRequests:    r.rc.hasOutstandingRequests(),
		Checkpoint:            cp,
	})
	return nil
}

// route resolves the step's messages into per-target work, in the order
// targets are first reached. Edge runners run here, on the loop goroutine.
func (r *Run) route(ctx context.Context, step *StepContext) ([]*targetWork, error) {
	byTarget := make(map[string]*targetWork)
	var order []*targetWork
	add := func(d delivery) error {
		w, ok := byTarget[d.targetID]
		if !ok {
			inst, err := r.rc.ensureExecutor(ctx, d.targetID)
			if err != nil {
				return err
			}
			w = &targetWork{id: d.targetID, inst: inst}
			byTarget[d.targetID] = w
			order = append(order, w)
		}
		w.envs = append(w.envs, d.env)
		return nil
	}

	for _, src := range step.Sources() {
		for _, env := range step.Messages(src) {
			if src == ExternalSourceID {
				ok, err := r.rc.canHandle(ctx, env.TargetID, env.Type)
				if err != nil {
					return nil, err
				}
				if !ok {
					r.publish(WorkflowWarningEvent{Message: fmt.Sprintf("%s has no handler for %s; input dropped", env.TargetID, env.Type)})
					continue
				}
				if err := add(delivery{targetID: env.TargetID, env: env}); err != nil {
					return nil, err
				}
				continue
			}
			for _, runner := range r.rc.runners[src] {
				res, err := runner.route(ctx, env, r.rc)
				if err != nil {
					return nil, err
				}
				for _, w := range res.warnings {
					r.publish(WorkflowWarningEvent{Message: w})
				}
				for _, d := range res.deliveries {
					if err := add(d); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	return order, nil
}

// invoke runs each target's messages in order. Distinct targets run
// concurrently, bounded by MaxConcurrency. The first failure cancels the
// step's context, so siblings still running see ctx.Done and targets not yet
// started are skipped. That first failure is returned.
func (r *Run) invoke(ctx context.Context, stepNumber int, work []*targetWork) ([]string, error) {
	stepCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		failOnce sync.Once
		failure  error
	)
	var g errgroup.Group
	if r.opts.MaxConcurrency > 0 {
		g.SetLimit(r.opts.MaxConcurrency)
	}
	for _, w := range work {
		g.Go(func() error {
			for _, env := range w.envs {
				if stepCtx.Err() != nil {
					return nil
				}
				if err := r.invokeHandler(stepCtx, stepNumber, w.inst, env); err != nil {
					failOnce.Do(func() {
						failure = err
						cancel(err)
					})
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	activated := make([]string, 0, len(work))
	for _, w := range work {
		activated = append(activated, w.id)
	}
	return activated, failure
}

// invokeHandler dispatches one message and reports its outcome as events.
// Handler errors and panics come back as *ExecutorError.
func (r *Run) invokeHandler(ctx context.Context, stepNumber int, inst *executorInstance, env Envelope) error {
	id := inst.impl.ID()
	wctx := r.rc.bind(id)
	r.publish(ExecutorInvokedEvent{ExecutorID: id, StepNumber: stepNumber, MessageType: env.Type})

	r.metrics.AddInflight(1)
	started := time.Now()
	err := invokeWithTimeout(ctx, r.opts.ExecutorTimeout, id, func(ctx context.Context) error {
		handled, err := inst.routes.dispatch(ctx, env, wctx)
		if err == nil && !handled {
			err = fmt.Errorf("no route for %s", env.Type)
		}
		return err
	})
	elapsed := time.Since(started)
	r.metrics.AddInflight(-1)

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Cancelled because a sibling failed or the run was cancelled.
		r.metrics.RecordExecutorLatency(r.id, id, elapsed, "cancelled")
		return &ExecutorError{ExecutorID: id, Type: env.Type, Cause: err}
	}
	if err != nil {
		status := "error"
		var ee *EngineError
		if errors.As(err, &ee) && ee.Code == "EXECUTOR_TIMEOUT" {
			status = "timeout"
		}
		r.metrics.RecordExecutorLatency(r.id, id, elapsed, status)
		execErr := &ExecutorError{ExecutorID: id, Type: env.Type, Cause: err}
		r.publish(ExecutorFailedEvent{ExecutorID: id, StepNumber: stepNumber, Err: execErr})
		return execErr
	}
	r.metrics.RecordExecutorLatency(r.id, id, elapsed, "success")
	r.publish(ExecutorCompletedEvent{ExecutorID: id, StepNumber: stepNumber, Duration: elapsed})
	return nil
}

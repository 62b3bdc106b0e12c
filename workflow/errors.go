// Package workflow provides the superstep execution engine for stepflow.
package workflow

import (
	"errors"
	"fmt"
)

// ErrWorkflowOwned is returned when a run is started on a Workflow that is
// already owned by another active run.
var ErrWorkflowOwned = errors.New("workflow is owned by another run")

// ErrRunEnded is returned when input is delivered to a run that has ended.
var ErrRunEnded = errors.New("run has ended")

// ErrExecutorNotFound indicates that an executor id referenced by the graph or
// by a message target has no registration.
var ErrExecutorNotFound = errors.New("executor not found")

// ErrUnknownRequest is returned when a response does not match any outstanding
// external request.
var ErrUnknownRequest = errors.New("no outstanding request with this id")

// ErrUnpublishedState is returned when state is exported while queued updates
// have not been published. Export is only valid at a superstep boundary.
var ErrUnpublishedState = errors.New("state has unpublished updates")

// ErrStateConflict indicates that more than one update to the same key was
// queued in a single superstep.
var ErrStateConflict = errors.New("conflicting state updates in one superstep")

// ErrCheckpointNotFound is returned when a checkpoint cannot be located.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ErrCheckpointingDisabled is returned by checkpoint operations on a run that
// was started without a CheckpointManager.
var ErrCheckpointingDisabled = errors.New("checkpointing is not enabled for this run")

// ErrWorkflowMismatch is returned when a checkpoint was captured from a graph
// whose shape differs from the workflow it is being restored into.
var ErrWorkflowMismatch = errors.New("checkpoint does not match workflow")

// ErrConcurrentWatch is returned when a second consumer tries to watch a run
// while another consumer is attached.
var ErrConcurrentWatch = errors.New("run already has an attached event consumer")

// EngineError represents a graph resolution or configuration defect.
//
// These are fatal: they fail Start/Resume immediately, or end a run with a
// WorkflowErrorEvent when discovered during a superstep.
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// ExecutorError captures a failure raised by an executor handler during
// dispatch. It is surfaced as a WorkflowErrorEvent rather than returned from
// the loop.
type ExecutorError struct {
	ExecutorID string
	Type       TypeID
	Cause      error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor %s failed handling %s: %v", e.ExecutorID, e.Type, e.Cause)
}

// Unwrap returns the handler's error.
func (e *ExecutorError) Unwrap() error {
	return e.Cause
}

// PortMismatchError is returned when a response is delivered to a request
// port whose declared response type differs from the response's type.
type PortMismatchError struct {
	PortID   string
	Expected TypeID
	Actual   TypeID
}

func (e *PortMismatchError) Error() string {
	return fmt.Sprintf("request port %q expects response type %q, got %q", e.PortID, e.Expected, e.Actual)
}

package workflow

import (
	"time"

	"github.com/dshills/stepflow/workflow/emit"
)

// WorkflowEvent is an event observed on a run's event stream.
//
// Executors may raise their own events through WorkflowContext.AddEvent by
// implementing this interface.
type WorkflowEvent interface {
	// EventKind returns the event's stable name.
	EventKind() string
}

// WorkflowStartedEvent is the first event of a run.
type WorkflowStartedEvent struct {
	RunID string
	// Resumed is set when the run was started from a checkpoint.
	Resumed bool
}

// SuperStepStartedEvent opens a superstep.
type SuperStepStartedEvent struct {
	StepNumber int
	// SendingExecutors are the executors whose messages are delivered in this
	// superstep, in the order they were queued.
	SendingExecutors    []string
	HasExternalMessages bool
}

// SuperStepCompletedEvent closes a superstep.
type SuperStepCompletedEvent struct {
	StepNumber            int
	ActivatedExecutors    []string
	InstantiatedExecutors []string
	HasPendingMessages    bool
	HasPendingRequests    bool
	// Checkpoint is set when a checkpoint was captured at the end of the step.
	Checkpoint *CheckpointInfo
}

// ExecutorInvokedEvent is raised before a handler runs.
type ExecutorInvokedEvent struct {
	ExecutorID  string
	StepNumber  int
	MessageType TypeID
}

// ExecutorCompletedEvent is raised after a handler returns without error.
type ExecutorCompletedEvent struct {
	ExecutorID string
	StepNumber int
	Duration   time.Duration
}

// ExecutorFailedEvent is raised when a handler returns an error or panics.
type ExecutorFailedEvent struct {
	ExecutorID string
	StepNumber int
	Err        error
}

// RequestInfoEvent announces an external request the run is waiting on.
type RequestInfoEvent struct {
	Request ExternalRequest
}

// WorkflowOutputEvent carries data an executor yielded as workflow output.
type WorkflowOutputEvent struct {
	Data             any
	SourceExecutorID string
}

// WorkflowErrorEvent reports the failure that ended the run.
type WorkflowErrorEvent struct {
	Err error
}

// WorkflowWarningEvent reports a condition that did not stop the run.
type WorkflowWarningEvent struct {
	Message string
}

// RequestHaltEvent is raised when an executor asks the run to stop.
type RequestHaltEvent struct {
	ExecutorID string
}

// CheckpointRestoredEvent is raised after a run rewinds to a checkpoint.
type CheckpointRestoredEvent struct {
	Checkpoint CheckpointInfo
}

func (WorkflowStartedEvent) EventKind() string    { return emit.KindWorkflowStarted }
func (SuperStepStartedEvent) EventKind() string   { return emit.KindSuperStepStarted }
func (SuperStepCompletedEvent) EventKind() string { return emit.KindSuperStepCompleted }
func (ExecutorInvokedEvent) EventKind() string    { return emit.KindExecutorInvoked }
func (ExecutorCompletedEvent) EventKind() string  { return emit.KindExecutorCompleted }
func (ExecutorFailedEvent) EventKind() string     { return emit.KindExecutorFailed }
func (RequestInfoEvent) EventKind() string        { return emit.KindRequestInfo }
func (WorkflowOutputEvent) EventKind() string     { return emit.KindWorkflowOutput }
func (WorkflowErrorEvent) EventKind() string      { return emit.KindWorkflowError }
func (WorkflowWarningEvent) EventKind() string    { return emit.KindWorkflowWarning }
func (RequestHaltEvent) EventKind() string        { return emit.KindRequestHalt }
func (CheckpointRestoredEvent) EventKind() string { return emit.KindCheckpointRestored }

// flatten converts evt into the record handed to emitters.
func flatten(runID string, step int, evt WorkflowEvent) emit.Event {
	out := emit.Event{RunID: runID, Step: step, Kind: evt.EventKind()}
	switch e := evt.(type) {
	case WorkflowStartedEvent:
		out.Meta = map[string]any{"resumed": e.Resumed}
	case SuperStepStartedEvent:
		out.Step = e.StepNumber
		out.Meta = map[string]any{
			"sending_executors":     e.SendingExecutors,
			"has_external_messages": e.HasExternalMessages,
		}
	case SuperStepCompletedEvent:
		out.Step = e.StepNumber
		out.Meta = map[string]any{
			"activated_executors":    e.ActivatedExecutors,
			"instantiated_executors": e.InstantiatedExecutors,
			"has_pending_messages":   e.HasPendingMessages,
			"has_pending_requests":   e.HasPendingRequests,
		}
		if e.Checkpoint != nil {
			out.Meta["checkpoint_id"] = e.Checkpoint.CheckpointID
		}
	case ExecutorInvokedEvent:
		out.Step = e.StepNumber
		out.ExecutorID = e.ExecutorID
		out.Meta = map[string]any{"message_type": string(e.MessageType)}
	case ExecutorCompletedEvent:
		out.Step = e.StepNumber
		out.ExecutorID = e.ExecutorID
		out.Meta = map[string]any{"duration_ms": e.Duration.Milliseconds()}
	case ExecutorFailedEvent:
		out.Step = e.StepNumber
		out.ExecutorID = e.ExecutorID
		out.Meta = map[string]any{"error": errorText(e.Err)}
	case RequestInfoEvent:
		out.ExecutorID = e.Request.PortID
		out.Meta = map[string]any{
			"request_id":    e.Request.RequestID,
			"port_id":       e.Request.PortID,
			"response_type": string(e.Request.ResponseType),
		}
	case WorkflowOutputEvent:
		out.ExecutorID = e.SourceExecutorID
		out.Meta = map[string]any{"data": e.Data}
	case WorkflowErrorEvent:
		out.Meta = map[string]any{"error": errorText(e.Err)}
	case WorkflowWarningEvent:
		out.Meta = map[string]any{"message": e.Message}
	case RequestHaltEvent:
		out.ExecutorID = e.ExecutorID
	case CheckpointRestoredEvent:
		out.Meta = map[string]any{"checkpoint_id": e.Checkpoint.CheckpointID}
	}
	return out
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

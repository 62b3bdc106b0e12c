// Package emit delivers a flattened record of workflow events to
// observability sinks.
package emit

// Event is the sink-facing form of a workflow event.
//
// Every event raised by a run is flattened into an Event before it reaches an
// Emitter, so sinks need no knowledge of the workflow package's event types.
type Event struct {
	// RunID identifies the run that raised the event.
	RunID string

	// Step is the superstep number. Zero for run-level events.
	Step int

	// ExecutorID names the executor the event concerns. Empty for run-level
	// and superstep events.
	ExecutorID string

	// Kind is the event's stable name, e.g. "superstep_started",
	// "executor_failed", "workflow_output".
	Kind string

	// Meta holds event-specific fields. Common keys:
	//   - "error": error text for failures
	//   - "duration_ms": handler or superstep duration
	//   - "checkpoint_id": checkpoint captured at the end of a superstep
	//   - "request_id", "port_id": external request correlation
	Meta map[string]any
}

// Well-known event kinds.
const (
	KindWorkflowStarted    = "workflow_started"
	KindSuperStepStarted   = "superstep_started"
	KindSuperStepCompleted = "superstep_completed"
	KindExecutorInvoked    = "executor_invoked"
	KindExecutorCompleted  = "executor_completed"
	KindExecutorFailed     = "executor_failed"
	KindRequestInfo        = "request_info"
	KindWorkflowOutput     = "workflow_output"
	KindWorkflowError      = "workflow_error"
	KindWorkflowWarning    = "workflow_warning"
	KindRequestHalt        = "request_halt"
	KindCheckpointRestored = "checkpoint_restored"
)

// IsError reports whether the event carries an error.
func (e Event) IsError() bool {
	_, ok := e.Meta["error"]
	return ok
}

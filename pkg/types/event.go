package types

import "time"

// RunEventType defines the type of event a task run records in events.jsonl.
type RunEventType string

const (
	EventTypeRunStart       RunEventType = "run_start"       // EventTypeRunStart indicates a task run has begun.
	EventTypeStateEnter     RunEventType = "state_enter"     // EventTypeStateEnter indicates the runner entered a pipeline state.
	EventTypeStateExit      RunEventType = "state_exit"      // EventTypeStateExit indicates the runner left a pipeline state.
	EventTypeIndexSkipped   RunEventType = "index_skipped"   // EventTypeIndexSkipped indicates no index builder was configured.
	EventTypeSnapshotTaken  RunEventType = "snapshot_taken"  // EventTypeSnapshotTaken indicates a pre-execution snapshot exists.
	EventTypeTestResult     RunEventType = "test_result"     // EventTypeTestResult carries the outcome of one declared test command.
	EventTypeExecutorResult RunEventType = "executor_result" // EventTypeExecutorResult carries the outcome of the executor.
	EventTypeGuardResult    RunEventType = "guard_result"    // EventTypeGuardResult carries the scope guard decision for a patch.
	EventTypePatchApplied   RunEventType = "patch_applied"   // EventTypePatchApplied indicates a patch was written to the repository.
	EventTypeSubmission     RunEventType = "submission"      // EventTypeSubmission indicates the submission was written.
	EventTypeVerifyResult   RunEventType = "verify_result"   // EventTypeVerifyResult carries the overall verdict of a verify attempt.
	EventTypeRollback       RunEventType = "rollback"        // EventTypeRollback indicates the snapshot was restored after a failed verify.
	EventTypeError          RunEventType = "error"           // EventTypeError indicates an infrastructure failure was classified.
	EventTypeRunEnd         RunEventType = "run_end"         // EventTypeRunEnd indicates the run finished.
)

// RunEvent is one line of a task's append-only event log.
type RunEvent struct {
	// Timestamp is when the event was recorded (UTC).
	Timestamp time.Time `json:"ts"`

	// TaskID identifies the run the event belongs to.
	TaskID string `json:"task_id"`

	// Type indicates the kind of event.
	Type RunEventType `json:"event"`

	// State is the pipeline state the runner was in.
	State string `json:"state,omitempty"`

	// Message is a short human-readable description.
	Message string `json:"message,omitempty"`

	// Data holds optional structured details.
	Data map[string]interface{} `json:"data,omitempty"`
}

// NewRunEvent creates an event stamped with the current time.
func NewRunEvent(taskID string, eventType RunEventType, state string) *RunEvent {
	return &RunEvent{
		Timestamp: time.Now().UTC(),
		TaskID:    taskID,
		Type:      eventType,
		State:     state,
		Data:      make(map[string]interface{}),
	}
}

// WithMessage sets the message and returns the event for chaining.
func (e *RunEvent) WithMessage(msg string) *RunEvent {
	e.Message = msg
	return e
}

// With adds a data field and returns the event for chaining.
func (e *RunEvent) With(key string, value interface{}) *RunEvent {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the status of one adapter batch.
type RunStatus string

const (
	// RunStatusPending indicates the batch is compiled but not dispatched.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the adapter is executing the batch.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every task of the batch succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the adapter failed or a task failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was interrupted.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusNotRun indicates the batch was never dispatched, either
	// because of no_run or because an earlier batch stopped the run.
	RunStatusNotRun RunStatus = "not_run"
)

// IsTerminal returns true if the status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusNotRun
}

// IsActive returns true if the batch is pending or running.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusNotRun:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// String returns the string representation of the run status.
func (s RunStatus) String() string {
	return string(s)
}

// MarshalJSON implements json.Marshaler.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler and rejects unknown values.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	status := RunStatus(str)
	if err := status.Validate(); err != nil {
		return err
	}
	*s = status
	return nil
}

// LogState is the lifecycle state written to runs.log.
type LogState string

const (
	// LogStateStarted marks the start of an adapter run.
	LogStateStarted LogState = "started"

	// LogStateFinished marks the end of an adapter run.
	LogStateFinished LogState = "finished"
)

// TaskState is the outcome of one dispatched task.
type TaskState string

const (
	// TaskStateOK means the task succeeded without changes.
	TaskStateOK TaskState = "ok"

	// TaskStateChanged means the task succeeded and changed the target.
	TaskStateChanged TaskState = "changed"

	// TaskStateSkipped means the adapter skipped the task.
	TaskStateSkipped TaskState = "skipped"

	// TaskStateFailed means the task failed.
	TaskStateFailed TaskState = "failed"
)

// taskStateOf derives the state from callback flags.
func taskStateOf(success, changed, skipped bool) TaskState {
	switch {
	case !success:
		return TaskStateFailed
	case skipped:
		return TaskStateSkipped
	case changed:
		return TaskStateChanged
	default:
		return TaskStateOK
	}
}

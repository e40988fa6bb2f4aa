package models

import "time"

// TaskStatus represents the stored state of a task record. Blocked is
// deliberately absent: it is derived (Unassigned with an unmet dependency)
// and never written to the task file.
type TaskStatus string

const (
	// TaskStatusUnassigned indicates no kobold has been bound to the task.
	TaskStatusUnassigned TaskStatus = "unassigned"
	// TaskStatusNotInitialized indicates a kobold exists but has not begun work.
	TaskStatusNotInitialized TaskStatus = "not_initialized"
	// TaskStatusWorking indicates a kobold is actively executing the task.
	TaskStatusWorking TaskStatus = "working"
	// TaskStatusDone indicates the task completed successfully.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusUnassigned, TaskStatusNotInitialized, TaskStatusWorking,
		TaskStatusDone, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal task edge:
// Unassigned -> NotInitialized -> Working -> {Done|Failed}, plus the recovery
// loop's Failed -> Unassigned requeue.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusUnassigned:
		return next == TaskStatusNotInitialized
	case TaskStatusNotInitialized:
		return next == TaskStatusWorking || next == TaskStatusFailed
	case TaskStatusWorking:
		return next == TaskStatusDone || next == TaskStatusFailed
	case TaskStatusFailed:
		return next == TaskStatusUnassigned
	default:
		return false
	}
}

// TaskRecord is one unit of executable work inside an area's task file.
// A record is owned exclusively by its area's tracker and mutated only while
// the tracker's lock is held.
type TaskRecord struct {
	// ID is the opaque identifier, stable across file round-trips.
	ID string `json:"id"`
	// Task is the description text, opaque to the orchestration core.
	Task string `json:"task"`
	// Status is the stored lifecycle state.
	Status TaskStatus `json:"status"`
	// AssignedAgent is the agent type that handled (or is handling) the task.
	AssignedAgent string `json:"assigned_agent,omitempty"`
	// Provider is the LLM provider the assigned agent runs against.
	Provider string `json:"provider,omitempty"`
	// DependsOn lists task IDs that must be Done before this task is ready.
	DependsOn []string `json:"depends_on,omitempty"`
	// ErrorMessage holds the last failure, if any.
	ErrorMessage string `json:"error_message,omitempty"`
	// RetryCount is how many times the recovery loop requeued this task.
	RetryCount int `json:"retry_count,omitempty"`
	// LastRetryAttempt is when the recovery loop last requeued the task.
	LastRetryAttempt *time.Time `json:"last_retry_attempt,omitempty"`
	// NextRetryAt is the earliest time the recovery loop may requeue again.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	// CreatedAt is when the record was added to the tracker.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is bumped on every status mutation.
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal returns true if the task needs no further scheduling.
func (t *TaskRecord) Terminal() bool {
	return t.Status == TaskStatusDone
}

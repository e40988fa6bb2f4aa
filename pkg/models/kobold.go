package models

import "time"

// KoboldStatus represents the current state of a kobold.
type KoboldStatus string

const (
	// KoboldStatusAssigned indicates the kobold is bound to a task but has
	// not begun executing.
	KoboldStatusAssigned KoboldStatus = "assigned"
	// KoboldStatusWorking indicates the kobold is actively executing.
	KoboldStatusWorking KoboldStatus = "working"
	// KoboldStatusDone indicates the kobold finished its task.
	KoboldStatusDone KoboldStatus = "done"
)

// Valid returns true if the status is a known value.
func (s KoboldStatus) Valid() bool {
	switch s {
	case KoboldStatusAssigned, KoboldStatusWorking, KoboldStatusDone:
		return true
	default:
		return false
	}
}

// Kobold represents one executing unit bound to exactly one task. A kobold is
// owned by a single drake and is never shared across drakes.
type Kobold struct {
	// ID is the unique identifier for this kobold.
	ID string `json:"id"`
	// ProjectID is the project this kobold works for.
	ProjectID string `json:"project_id"`
	// TaskID is the task this kobold is bound to.
	TaskID string `json:"task_id"`
	// AgentType selects the agent capability used to execute the task.
	AgentType string `json:"agent_type"`
	// Provider is the LLM provider the kobold runs against.
	Provider string `json:"provider,omitempty"`
	// Status is the current lifecycle state.
	Status KoboldStatus `json:"status"`
	// StartedAt is when the kobold began working, used for stuck detection.
	StartedAt time.Time `json:"started_at"`
	// Stuck is set once the monitoring loop has flagged this kobold, so the
	// same kobold is never reported twice.
	Stuck bool `json:"stuck,omitempty"`
}

// WorkingFor returns how long the kobold has been working as of now.
// Returns 0 for kobolds that are not in Working status.
func (k *Kobold) WorkingFor(now time.Time) time.Duration {
	if k.Status != KoboldStatusWorking {
		return 0
	}
	return now.Sub(k.StartedAt)
}

// IsStuck reports whether the kobold has been working longer than timeout.
func (k *Kobold) IsStuck(now time.Time, timeout time.Duration) bool {
	return k.WorkingFor(now) > timeout
}

// Package models defines the core domain types shared across Wyvern.
package models

import "time"

// ProjectStatus represents where a project sits in the build pipeline.
type ProjectStatus string

const (
	// ProjectStatusPrototype indicates the project exists but has no specification yet.
	ProjectStatusPrototype ProjectStatus = "prototype"
	// ProjectStatusNew indicates the specification has been registered.
	ProjectStatusNew ProjectStatus = "new"
	// ProjectStatusWyvernAssigned indicates the analysis agent has picked up the project.
	ProjectStatusWyvernAssigned ProjectStatus = "wyvern_assigned"
	// ProjectStatusAnalyzed indicates task files have been generated for every area.
	ProjectStatusAnalyzed ProjectStatus = "analyzed"
	// ProjectStatusInProgress indicates drakes are executing tasks.
	ProjectStatusInProgress ProjectStatus = "in_progress"
	// ProjectStatusCompleted indicates every area's tasks are done.
	ProjectStatusCompleted ProjectStatus = "completed"
	// ProjectStatusFailed indicates the pipeline gave up on the project.
	ProjectStatusFailed ProjectStatus = "failed"
	// ProjectStatusSpecificationModified indicates the spec changed after analysis
	// and the project must re-enter the analysis pipeline.
	ProjectStatusSpecificationModified ProjectStatus = "specification_modified"
	// ProjectStatusAwaitingVerification indicates a completed project is waiting
	// on the external verifier.
	ProjectStatusAwaitingVerification ProjectStatus = "awaiting_verification"
	// ProjectStatusVerified indicates the verifier signed off on the output.
	ProjectStatusVerified ProjectStatus = "verified"
)

// Valid returns true if the status is a known value.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectStatusPrototype, ProjectStatusNew, ProjectStatusWyvernAssigned,
		ProjectStatusAnalyzed, ProjectStatusInProgress, ProjectStatusCompleted,
		ProjectStatusFailed, ProjectStatusSpecificationModified,
		ProjectStatusAwaitingVerification, ProjectStatusVerified:
		return true
	default:
		return false
	}
}

// Terminal returns true if no background loop will ever advance this status.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectStatusVerified || s == ProjectStatusFailed
}

// CanTransition reports whether moving from s to next is a legal edge in the
// project state machine. Failed is reachable from any non-terminal state;
// SpecificationModified re-enters the analysis pipeline from Analyzed,
// InProgress, or Completed. The explicit retry operation (Failed -> New) is
// the only backward edge besides spec re-entry.
func (s ProjectStatus) CanTransition(next ProjectStatus) bool {
	if next == ProjectStatusFailed {
		return !s.Terminal()
	}
	switch s {
	case ProjectStatusPrototype:
		return next == ProjectStatusNew
	case ProjectStatusNew:
		return next == ProjectStatusWyvernAssigned
	case ProjectStatusWyvernAssigned:
		return next == ProjectStatusAnalyzed
	case ProjectStatusAnalyzed:
		return next == ProjectStatusInProgress || next == ProjectStatusSpecificationModified
	case ProjectStatusInProgress:
		return next == ProjectStatusCompleted || next == ProjectStatusSpecificationModified
	case ProjectStatusCompleted:
		return next == ProjectStatusAwaitingVerification || next == ProjectStatusSpecificationModified
	case ProjectStatusAwaitingVerification:
		return next == ProjectStatusVerified
	case ProjectStatusSpecificationModified:
		return next == ProjectStatusWyvernAssigned
	case ProjectStatusFailed:
		return next == ProjectStatusNew || next == ProjectStatusWyvernAssigned
	default:
		return false
	}
}

// ExecutionState gates whether background loops touch a project. It is
// orthogonal to ProjectStatus: a paused project keeps its status but is
// skipped by the execution loop.
type ExecutionState string

const (
	// ExecutionStateRunning allows background loops to process the project.
	ExecutionStateRunning ExecutionState = "running"
	// ExecutionStatePaused excludes the project from background processing.
	ExecutionStatePaused ExecutionState = "paused"
)

// Project is one registered build pipeline run.
type Project struct {
	// ID is the opaque identifier assigned at creation.
	ID string `json:"id"`
	// Name is the human-facing key, unique across projects.
	Name string `json:"name"`
	// Status is the pipeline state, see ProjectStatus.
	Status ProjectStatus `json:"status"`
	// ExecutionState gates background processing.
	ExecutionState ExecutionState `json:"execution_state"`
	// SpecificationPath points at the opaque specification text blob.
	SpecificationPath string `json:"specification_path"`
	// OutputDir is where generated work lands.
	OutputDir string `json:"output_dir"`
	// TaskFiles maps area name to that area's task file path. Keys are
	// unique per project.
	TaskFiles map[string]string `json:"task_files,omitempty"`
	// PendingAreas lists areas whose task generation failed or is incomplete.
	PendingAreas []string `json:"pending_areas,omitempty"`
	// ErrorMessage holds the last pipeline-level failure, if any.
	ErrorMessage string `json:"error_message,omitempty"`
	// SpecHash is the content hash of the specification at last analysis,
	// used for change detection.
	SpecHash string `json:"spec_hash,omitempty"`
	// CreatedAt is when the project was registered.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is bumped on every mutation.
	UpdatedAt time.Time `json:"updated_at"`
	// AnalyzedAt is when analysis last completed, if it has.
	AnalyzedAt *time.Time `json:"analyzed_at,omitempty"`
}

// IsRunnable reports whether the execution loop should consider this project.
func (p *Project) IsRunnable() bool {
	if p.ExecutionState == ExecutionStatePaused {
		return false
	}
	return p.Status == ProjectStatusAnalyzed || p.Status == ProjectStatusInProgress
}

// Package taskfile implements the file-backed task tracker that underpins a
// drake. The markdown task file is the durable source of truth; the in-memory
// record set is a cache that is reconciled against disk on every execution
// cycle so the process tolerates restarts and external edits by the analysis
// stage.
package taskfile

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wyvernlabs/wyvern/pkg/models"
)

// DefaultAgentType is recommended when a task row carries no agent hint.
const DefaultAgentType = "builder"

// Tracker owns the ordered task records for one project area. It carries no
// locking of its own: the drake that owns it serializes all access under its
// own mutex, per the one-tracker-per-drake ownership rule.
type Tracker struct {
	path  string
	tasks []*models.TaskRecord
	byID  map[string]*models.TaskRecord
	// recommend maps a record to the agent type that should execute it.
	// Nil falls back to the row's assigned agent or DefaultAgentType.
	recommend func(*models.TaskRecord) string
}

// ReadyTask pairs an executable task with the agent type recommended for it.
type ReadyTask struct {
	Task      *models.TaskRecord
	AgentType string
}

// NewTracker creates a Tracker bound to the given task file path. The file
// need not exist yet; AddTask and SaveTasksToFile will create it.
func NewTracker(path string) *Tracker {
	return &Tracker{
		path: path,
		byID: make(map[string]*models.TaskRecord),
	}
}

// SetRecommender installs the agent-type recommendation function used by
// GetUnassignedTasks.
func (tr *Tracker) SetRecommender(fn func(*models.TaskRecord) string) {
	tr.recommend = fn
}

// Path returns the task file path backing this tracker.
func (tr *Tracker) Path() string {
	return tr.path
}

// AddTask creates an Unassigned record for the description, appends it to the
// ordered collection, and persists the file.
func (tr *Tracker) AddTask(description string) (*models.TaskRecord, error) {
	now := time.Now()
	rec := &models.TaskRecord{
		ID:        uuid.New().String()[:8],
		Task:      description,
		Status:    models.TaskStatusUnassigned,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tr.tasks = append(tr.tasks, rec)
	tr.byID[rec.ID] = rec

	if err := tr.SaveTasksToFile(); err != nil {
		return nil, fmt.Errorf("persist new task: %w", err)
	}
	return rec, nil
}

// UpdateTask moves a record to newStatus, validating the transition against
// the task state machine. The optional agentType records which agent handled
// the task. Persistence is the caller's responsibility so status mutations
// can be batched into one file write.
func (tr *Tracker) UpdateTask(rec *models.TaskRecord, newStatus models.TaskStatus, agentType string) error {
	if !rec.Status.CanTransition(newStatus) {
		return fmt.Errorf("invalid task transition %s -> %s for task %s", rec.Status, newStatus, rec.ID)
	}
	rec.Status = newStatus
	if agentType != "" {
		rec.AssignedAgent = agentType
	}
	rec.UpdatedAt = time.Now()
	return nil
}

// SetError marks a record Failed with the given message. Unlike UpdateTask it
// does not validate the prior status: any state may fail.
func (tr *Tracker) SetError(rec *models.TaskRecord, message string) {
	rec.Status = models.TaskStatusFailed
	rec.ErrorMessage = message
	rec.UpdatedAt = time.Now()
}

// GetAllTasks returns the ordered record collection. Callers must not retain
// the slice across tracker mutations.
func (tr *Tracker) GetAllTasks() []*models.TaskRecord {
	return tr.tasks
}

// GetTask returns the record with the given id, or nil.
func (tr *Tracker) GetTask(id string) *models.TaskRecord {
	return tr.byID[id]
}

// GetUnassignedTasks returns the ready tasks: Unassigned records whose
// declared dependencies are all Done and whose retry backoff, if any, has
// elapsed. An Unassigned record with an unmet dependency is blocked and
// excluded.
func (tr *Tracker) GetUnassignedTasks() []ReadyTask {
	now := time.Now()
	var ready []ReadyTask
	for _, rec := range tr.tasks {
		if rec.Status != models.TaskStatusUnassigned {
			continue
		}
		if rec.NextRetryAt != nil && now.Before(*rec.NextRetryAt) {
			continue
		}
		if !tr.dependenciesMet(rec) {
			continue
		}
		ready = append(ready, ReadyTask{Task: rec, AgentType: tr.recommendFor(rec)})
	}
	return ready
}

// IsBlocked reports the derived Blocked state: Unassigned with an unmet
// dependency.
func (tr *Tracker) IsBlocked(rec *models.TaskRecord) bool {
	return rec.Status == models.TaskStatusUnassigned && !tr.dependenciesMet(rec)
}

func (tr *Tracker) dependenciesMet(rec *models.TaskRecord) bool {
	for _, depID := range rec.DependsOn {
		dep, ok := tr.byID[depID]
		if !ok {
			// Unknown dependency ids block forever rather than running a
			// task whose prerequisite we cannot see.
			return false
		}
		if dep.Status != models.TaskStatusDone {
			return false
		}
	}
	return true
}

func (tr *Tracker) recommendFor(rec *models.TaskRecord) string {
	if tr.recommend != nil {
		if agent := tr.recommend(rec); agent != "" {
			return agent
		}
	}
	if rec.AssignedAgent != "" {
		return rec.AssignedAgent
	}
	return DefaultAgentType
}

// LoadFromFile replaces the in-memory collection with the rows parsed from
// path and rebinds the tracker to it. Malformed rows are skipped, not fatal:
// a file that yields zero usable rows loads as empty and callers treat that
// as "no usable tasks".
func (tr *Tracker) LoadFromFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read task file: %w", err)
	}

	tasks := parseMarkdown(string(data))
	tr.path = path
	tr.tasks = tasks
	tr.byID = make(map[string]*models.TaskRecord, len(tasks))
	for _, rec := range tasks {
		tr.byID[rec.ID] = rec
	}
	return len(tasks), nil
}

// ReloadTasksFromFile re-reads the backing file and merges it with in-memory
// state. Merge policy: in-memory records that have progressed past Unassigned
// are authoritative over the file; rows that appear only on disk (appended by
// the analysis stage) are adopted; rows that disappeared from disk are
// dropped. Returns the number of records after the merge.
func (tr *Tracker) ReloadTasksFromFile() (int, error) {
	data, err := os.ReadFile(tr.path)
	if err != nil {
		if os.IsNotExist(err) {
			return len(tr.tasks), nil
		}
		return 0, fmt.Errorf("reload task file: %w", err)
	}

	diskTasks := parseMarkdown(string(data))
	merged := make([]*models.TaskRecord, 0, len(diskTasks))
	mergedByID := make(map[string]*models.TaskRecord, len(diskTasks))

	for _, diskRec := range diskTasks {
		if mem, ok := tr.byID[diskRec.ID]; ok {
			if mem.Status != models.TaskStatusUnassigned {
				// Progress made since the last load wins over whatever
				// the file says now.
				merged = append(merged, mem)
				mergedByID[mem.ID] = mem
				continue
			}
			// A requeued task keeps its backoff gate even when the disk
			// row was written without retry bookkeeping.
			if diskRec.NextRetryAt == nil {
				diskRec.NextRetryAt = mem.NextRetryAt
			}
			if diskRec.LastRetryAttempt == nil {
				diskRec.LastRetryAttempt = mem.LastRetryAttempt
			}
			if diskRec.RetryCount < mem.RetryCount {
				diskRec.RetryCount = mem.RetryCount
			}
		}
		merged = append(merged, diskRec)
		mergedByID[diskRec.ID] = diskRec
	}

	dropped := len(tr.tasks) - countSurvivors(tr.tasks, mergedByID)
	if dropped > 0 {
		log.Printf("[taskfile] reload of %s dropped %d records removed externally", filepath.Base(tr.path), dropped)
	}

	tr.tasks = merged
	tr.byID = mergedByID
	return len(merged), nil
}

func countSurvivors(tasks []*models.TaskRecord, surviving map[string]*models.TaskRecord) int {
	n := 0
	for _, rec := range tasks {
		if _, ok := surviving[rec.ID]; ok {
			n++
		}
	}
	return n
}

// SaveTasksToFile rewrites the whole backing file from in-memory state. The
// write is atomic (temp file + rename) so a concurrent reader never observes
// a torn file.
func (tr *Tracker) SaveTasksToFile() error {
	if tr.path == "" {
		return fmt.Errorf("tracker has no backing file")
	}
	if err := os.MkdirAll(filepath.Dir(tr.path), 0755); err != nil {
		return fmt.Errorf("create task file directory: %w", err)
	}

	title := strings.TrimSuffix(filepath.Base(tr.path), filepath.Ext(tr.path))
	content := tr.GenerateMarkdown(title)

	tmp := tr.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("write task file: %w", err)
	}
	if err := os.Rename(tmp, tr.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace task file: %w", err)
	}
	return nil
}

// Statistics summarizes the tracker by status.
type Statistics struct {
	Total      int
	Unassigned int
	Working    int
	Done       int
	Failed     int
	Blocked    int
}

// Stats computes per-status counts. Blocked counts Unassigned records with
// unmet dependencies; those records are also included in Unassigned.
func (tr *Tracker) Stats() Statistics {
	var s Statistics
	s.Total = len(tr.tasks)
	for _, rec := range tr.tasks {
		switch rec.Status {
		case models.TaskStatusUnassigned:
			s.Unassigned++
			if !tr.dependenciesMet(rec) {
				s.Blocked++
			}
		case models.TaskStatusNotInitialized, models.TaskStatusWorking:
			s.Working++
		case models.TaskStatusDone:
			s.Done++
		case models.TaskStatusFailed:
			s.Failed++
		}
	}
	return s
}

// AllDone reports whether every record is Done. An empty tracker is not done:
// an area with no usable tasks must not count as complete.
func (tr *Tracker) AllDone() bool {
	if len(tr.tasks) == 0 {
		return false
	}
	for _, rec := range tr.tasks {
		if rec.Status != models.TaskStatusDone {
			return false
		}
	}
	return true
}

// HasFailed reports whether any record is Failed.
func (tr *Tracker) HasFailed() bool {
	for _, rec := range tr.tasks {
		if rec.Status == models.TaskStatusFailed {
			return true
		}
	}
	return false
}

// Package drake implements the work supervisor that owns one project area:
// its task tracker, its kobolds, and the bookkeeping that keeps both honest.
// A drake is identified by ProjectName:AreaName and is created lazily by the
// factory once an area's task file exists.
package drake

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wyvernlabs/wyvern/internal/agent"
	"github.com/wyvernlabs/wyvern/internal/breaker"
	"github.com/wyvernlabs/wyvern/internal/taskfile"
	"github.com/wyvernlabs/wyvern/pkg/models"
)

// KoboldGate is the admission interface the factory provides. TryAcquire must
// atomically check per-project and global kobold limits and claim a slot.
type KoboldGate interface {
	TryAcquire(projectID string) bool
	Release(projectID string)
}

// Config wires a new Drake.
type Config struct {
	// Name is the composite ProjectName:AreaName key.
	Name string
	// ProjectID identifies the owning project.
	ProjectID string
	// Area is this drake's partition of the project's work.
	Area string
	// TaskFilePath is the durable task file backing the tracker.
	TaskFilePath string
	// SpecificationPath locates the project specification, passed through to
	// agents for context.
	SpecificationPath string
	// Executor runs tasks against the external agent collaborator.
	Executor agent.Executor
	// Breakers gates providers during outages. Optional; nil disables gating.
	Breakers *breaker.Registry
	// Gate admits kobold creation. Required.
	Gate KoboldGate
	// Recommend maps a task record to the agent type that should run it.
	Recommend func(*models.TaskRecord) string
}

// Drake supervises one area's tasks and kobolds. All shared state (tracker
// and kobold map) is guarded by mu; the agent call itself runs outside the
// lock because it may take minutes.
type Drake struct {
	name      string
	projectID string
	area      string
	specPath  string

	executor agent.Executor
	breakers *breaker.Registry
	gate     KoboldGate

	mu      sync.Mutex
	tracker *taskfile.Tracker
	kobolds map[string]*models.Kobold
}

// New creates a Drake and loads its task file. A missing or empty task file
// is not an error: the drake simply starts with zero usable tasks.
func New(cfg Config) (*Drake, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("drake requires a name")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("drake %s requires an executor", cfg.Name)
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("drake %s requires a kobold gate", cfg.Name)
	}

	tracker := taskfile.NewTracker(cfg.TaskFilePath)
	if cfg.Recommend != nil {
		tracker.SetRecommender(cfg.Recommend)
	}
	if count, err := tracker.LoadFromFile(cfg.TaskFilePath); err != nil {
		log.Printf("[drake] %s: task file not loadable yet: %v", cfg.Name, err)
	} else {
		log.Printf("[drake] %s: loaded %d tasks", cfg.Name, count)
	}

	return &Drake{
		name:      cfg.Name,
		projectID: cfg.ProjectID,
		area:      cfg.Area,
		specPath:  cfg.SpecificationPath,
		executor:  cfg.Executor,
		breakers:  cfg.Breakers,
		gate:      cfg.Gate,
		tracker:   tracker,
		kobolds:   make(map[string]*models.Kobold),
	}, nil
}

// Name returns the composite ProjectName:AreaName key.
func (d *Drake) Name() string { return d.name }

// ProjectID returns the owning project's id.
func (d *Drake) ProjectID() string { return d.projectID }

// Area returns the drake's area name.
func (d *Drake) Area() string { return d.area }

// Statistics summarizes a drake's tasks and kobolds.
type Statistics struct {
	Tasks         taskfile.Statistics
	KoboldsTotal  int
	KoboldsActive int
	KoboldsDone   int
}

// GetStatistics returns per-status task counts and kobold counts.
func (d *Drake) GetStatistics() Statistics {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Statistics{Tasks: d.tracker.Stats(), KoboldsTotal: len(d.kobolds)}
	for _, k := range d.kobolds {
		switch k.Status {
		case models.KoboldStatusAssigned, models.KoboldStatusWorking:
			s.KoboldsActive++
		case models.KoboldStatusDone:
			s.KoboldsDone++
		}
	}
	return s
}

// GetUnassignedTasks returns ready tasks: Unassigned with all dependencies
// Done.
func (d *Drake) GetUnassignedTasks() []taskfile.ReadyTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracker.GetUnassignedTasks()
}

// AllTasksDone reports whether every task in the area is Done.
func (d *Drake) AllTasksDone() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracker.AllDone()
}

// HasFailedTask reports whether the area has a standing failure. The
// execution loop halts scheduling for the area while this is true.
func (d *Drake) HasFailedTask() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracker.HasFailed()
}

// HasExhaustedFailure reports whether any task is Failed with no retries
// left. Such a failure needs a human; the recovery loop will not requeue it.
func (d *Drake) HasExhaustedFailure(maxAttempts int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rec := range d.tracker.GetAllTasks() {
		if rec.Status == models.TaskStatusFailed && rec.RetryCount >= maxAttempts {
			return true
		}
	}
	return false
}

// HasWorkingKobold reports whether any kobold is still active. Removal
// preconditions depend on this.
func (d *Drake) HasWorkingKobold() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasWorkingKoboldLocked()
}

func (d *Drake) hasWorkingKoboldLocked() bool {
	for _, k := range d.kobolds {
		if k.Status == models.KoboldStatusWorking || k.Status == models.KoboldStatusAssigned {
			return true
		}
	}
	return false
}

// SaveTasksToFile persists the tracker to its backing file.
func (d *Drake) SaveTasksToFile() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracker.SaveTasksToFile()
}

// UpdateTasksFile is an alias used by the monitoring loop: persist whatever
// the in-memory state currently says. Whole-file rewrites make it idempotent.
func (d *Drake) UpdateTasksFile() error {
	return d.SaveTasksToFile()
}

// MonitorTasks reconciles in-memory state with the backing file, tolerating
// external rewrites between load and save. Last writer wins on disk; rows
// that progressed in memory stay authoritative.
func (d *Drake) MonitorTasks(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.tracker.ReloadTasksFromFile(); err != nil {
		return fmt.Errorf("reconcile %s: %w", d.name, err)
	}
	return d.tracker.SaveTasksToFile()
}

// StuckReport describes one kobold the monitoring loop gave up on.
type StuckReport struct {
	KoboldID string
	TaskID   string
	Duration time.Duration
}

// HandleStuckKobolds flags every kobold that has been Working longer than
// timeout: its task is forced to Failed with a stuck error so the recovery
// loop's backoff applies, and the kobold is removed so consecutive monitoring
// cycles cannot report it twice.
func (d *Drake) HandleStuckKobolds(timeout time.Duration) []StuckReport {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	var reports []StuckReport

	for id, k := range d.kobolds {
		if k.Stuck || !k.IsStuck(now, timeout) {
			continue
		}
		k.Stuck = true

		if rec := d.tracker.GetTask(k.TaskID); rec != nil && rec.Status == models.TaskStatusWorking {
			d.tracker.SetError(rec, fmt.Sprintf("kobold stuck: exceeded %s timeout", timeout))
		}

		reports = append(reports, StuckReport{
			KoboldID: id,
			TaskID:   k.TaskID,
			Duration: k.WorkingFor(now),
		})

		delete(d.kobolds, id)
		d.gate.Release(d.projectID)
		log.Printf("[drake] %s: kobold %s stuck on task %s after %s", d.name, id, k.TaskID, k.WorkingFor(now).Round(time.Second))
	}

	if len(reports) > 0 {
		if err := d.tracker.SaveTasksToFile(); err != nil {
			log.Printf("[drake] %s: persist after stuck handling: %v", d.name, err)
		}
	}
	return reports
}

// UnsummonCompletedKobolds removes kobolds whose work is finished, freeing
// factory capacity. Returns the number removed; zero removals is a no-op,
// not an error.
func (d *Drake) UnsummonCompletedKobolds() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, k := range d.kobolds {
		if k.Status != models.KoboldStatusDone {
			continue
		}
		delete(d.kobolds, id)
		d.gate.Release(d.projectID)
		removed++
	}
	if removed > 0 {
		log.Printf("[drake] %s: unsummoned %d completed kobolds", d.name, removed)
	}
	return removed
}

// KoboldForTask returns the kobold currently bound to a task, or nil.
func (d *Drake) KoboldForTask(taskID string) *models.Kobold {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range d.kobolds {
		if k.TaskID == taskID {
			return k
		}
	}
	return nil
}

// koboldID generates a short opaque kobold id.
func koboldID() string {
	return "kb-" + uuid.New().String()[:8]
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/wyvernlabs/wyvern/internal/drake"
	"github.com/wyvernlabs/wyvern/internal/factory"
	"github.com/wyvernlabs/wyvern/internal/taskfile"
	"github.com/wyvernlabs/wyvern/pkg/models"
)

// executionCycle advances every runnable project: drakes get created for
// areas with task files, ready tasks get dispatched, finished drakes get
// removed, and projects whose areas are all done get marked Completed.
// Projects are processed concurrently, bounded by MaxConcurrentProjects.
func (s *Scheduler) executionCycle(ctx context.Context) {
	projects, err := s.projects.ListRunnable()
	if err != nil {
		log.Printf("[execution] list runnable projects: %v", err)
		return
	}
	if len(projects) == 0 {
		return
	}

	// Blocking Acquire so every eligible project is processed each cycle;
	// the semaphore only bounds how many run at once. TryAcquire-and-skip
	// would hand the same head-of-list projects the slots every cycle and
	// starve the rest.
	sem := semaphore.NewWeighted(int64(s.cfg.Limits.MaxConcurrentProjects))
	var wg sync.WaitGroup
	for _, p := range projects {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(p *models.Project) {
			defer wg.Done()
			defer sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[execution] project %s panicked: %v", p.Name, r)
				}
			}()
			if err := s.processProject(ctx, p); err != nil {
				log.Printf("[execution] project %s: %v", p.Name, err)
			}
		}(p)
	}
	wg.Wait()

	if s.verifier != nil {
		s.verifyCompletedProjects(ctx)
	}
}

func (s *Scheduler) processProject(ctx context.Context, p *models.Project) error {
	allDone := len(p.TaskFiles) > 0
	created := false
	for area, taskFile := range p.TaskFiles {
		done, madeDrake, err := s.processArea(ctx, p, area, taskFile)
		if err != nil {
			log.Printf("[execution] %s/%s: %v", p.Name, area, err)
			allDone = false
			continue
		}
		created = created || madeDrake
		if !done {
			allDone = false
		}
	}

	// Analyzed becomes InProgress only once a supervisor actually exists;
	// a project whose every drake was deferred at capacity stays Analyzed.
	// Areas already finished on disk count as supervision having happened.
	if p.Status == models.ProjectStatusAnalyzed && (created || allDone) {
		if err := s.projects.Transition(p, models.ProjectStatusInProgress); err != nil {
			return err
		}
	}

	if allDone && p.Status == models.ProjectStatusInProgress {
		if err := s.projects.Transition(p, models.ProjectStatusCompleted); err != nil {
			return err
		}
		log.Printf("[execution] project %s completed", p.Name)
	}
	return nil
}

// processArea drives one area of a project for one cycle. Returns whether
// the area is fully done and whether a drake was created this cycle.
func (s *Scheduler) processArea(ctx context.Context, p *models.Project, area, taskFile string) (bool, bool, error) {
	name := factory.DrakeName(p.Name, area)
	d := s.factory.GetDrake(name)
	created := false

	if d == nil {
		// Areas already finished on disk never get a drake again.
		if done, err := areaDoneOnDisk(taskFile); err == nil && done {
			return true, false, nil
		}
		var err error
		d, err = s.factory.CreateDrake(factory.CreateRequest{
			ProjectID:         p.ID,
			ProjectName:       p.Name,
			Area:              area,
			TaskFilePath:      taskFile,
			SpecificationPath: p.SpecificationPath,
		})
		if errors.Is(err, factory.ErrAtCapacity) {
			return false, false, nil
		}
		if err != nil {
			return false, false, err
		}
		created = true
	}

	if d.AllTasksDone() {
		// Give the slot back once the area is finished.
		if s.factory.RemoveDrake(name) {
			log.Printf("[execution] %s: area done, drake removed", name)
		}
		return true, created, nil
	}

	if d.HasExhaustedFailure(s.cfg.Retry.MaxAttempts) {
		if err := s.projects.MarkFailed(p, fmt.Sprintf("area %s has a task that exhausted its retries", area)); err != nil {
			return false, created, err
		}
		return false, created, nil
	}
	if d.HasFailedTask() {
		// Scheduling halts for the area until recovery requeues or a human
		// intervenes. Other areas keep going.
		return false, created, nil
	}

	s.dispatchReadyTasks(ctx, d)
	return false, created, nil
}

// dispatchReadyTasks starts a kobold per ready task. Backoff gating lives in
// GetUnassignedTasks, under the drake lock. Each execution runs in its own
// goroutine; the claim inside ExecuteTask keeps overlapping cycles from
// double-dispatching, a lost race simply defers.
func (s *Scheduler) dispatchReadyTasks(ctx context.Context, d *drake.Drake) {
	for _, ready := range d.GetUnassignedTasks() {
		spec := s.catalog.ForArea(d.Area())
		taskID, agentType := ready.Task.ID, ready.AgentType
		onMessage := func(msg string) {
			log.Printf("[execution] %s: task %s: %s", d.Name(), taskID, firstLine(msg))
		}
		go func() {
			res := d.ExecuteTask(ctx, taskID, agentType, spec.Provider, spec.MaxIterations, onMessage)
			switch res.Outcome {
			case drake.OutcomeFailed:
				log.Printf("[execution] %s: task %s failed: %s", d.Name(), res.TaskID, res.ErrorMessage)
			case drake.OutcomeCompleted:
				log.Printf("[execution] %s: task %s completed", d.Name(), res.TaskID)
			}
		}()
	}
}

// firstLine trims progress text down to one log-friendly line.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

// areaDoneOnDisk loads a task file without registering a drake and reports
// whether every row is Done.
func areaDoneOnDisk(path string) (bool, error) {
	tr := taskfile.NewTracker(path)
	if _, err := tr.LoadFromFile(path); err != nil {
		return false, err
	}
	return tr.AllDone(), nil
}

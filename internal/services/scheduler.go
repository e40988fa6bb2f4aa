package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/wyvernlabs/wyvern/internal/classify"
	"github.com/wyvernlabs/wyvern/internal/config"
	"github.com/wyvernlabs/wyvern/internal/drake"
	"github.com/wyvernlabs/wyvern/internal/factory"
	"github.com/wyvernlabs/wyvern/internal/project"
	"github.com/wyvernlabs/wyvern/pkg/models"
)

// timeNow is replaceable for tests.
var timeNow = time.Now

// Scheduler wires the project registry, the drake factory, and the analysis
// engine into the four background loops.
type Scheduler struct {
	cfg      *config.Config
	catalog  *config.AgentCatalog
	projects *project.Service
	factory  *factory.DrakeFactory
	analyzer Analyzer
	verifier Verifier
}

// NewScheduler builds a scheduler. All dependencies are required.
func NewScheduler(cfg *config.Config, catalog *config.AgentCatalog, projects *project.Service, f *factory.DrakeFactory, analyzer Analyzer) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		catalog:  catalog,
		projects: projects,
		factory:  f,
		analyzer: analyzer,
	}
}

// Start launches the background loops and blocks until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	loops := []*loop{
		{name: "analysis", interval: s.cfg.Loops.AnalysisInterval, fn: s.analysisCycle},
		{name: "execution", interval: s.cfg.Loops.ExecutionInterval, fn: s.executionCycle},
		{name: "monitoring", interval: s.cfg.Loops.MonitoringInterval, fn: s.monitoringCycle},
		{name: "recovery", interval: s.cfg.Loops.RecoveryInterval, initialDelay: s.cfg.Loops.RecoveryInitialDelay, fn: s.recoveryCycle},
	}

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l *loop) {
			defer wg.Done()
			l.run(ctx)
		}(l)
	}
	log.Printf("[scheduler] started %d loops", len(loops))
	wg.Wait()
	log.Printf("[scheduler] stopped")
}

// monitoringCycle reconciles every drake's task file, removes stuck kobolds,
// and unsummons finished ones. One drake's failure never blocks the rest.
func (s *Scheduler) monitoringCycle(ctx context.Context) {
	for _, d := range s.factory.GetAllDrakes() {
		if ctx.Err() != nil {
			return
		}
		if err := d.MonitorTasks(ctx); err != nil {
			log.Printf("[monitoring] %s: %v", d.Name(), err)
		}
		for _, report := range d.HandleStuckKobolds(s.cfg.Loops.StuckTimeout) {
			log.Printf("[monitoring] %s: gave up on kobold %s (task %s, working %s)", d.Name(), report.KoboldID, report.TaskID, report.Duration.Round(time.Second))
		}
		d.UnsummonCompletedKobolds()
	}
	s.detectSpecChanges()
}

// detectSpecChanges rehashes specifications for post-analysis projects so
// edits made without the file watcher still re-enter the pipeline.
func (s *Scheduler) detectSpecChanges() {
	projects, err := s.projects.List()
	if err != nil {
		log.Printf("[monitoring] list projects: %v", err)
		return
	}
	for _, p := range projects {
		if p.Status.Terminal() || p.ExecutionState != models.ExecutionStateRunning {
			continue
		}
		if changed, err := s.projects.DetectSpecChange(p); err != nil {
			log.Printf("[monitoring] %s: spec change check: %v", p.Name, err)
		} else if changed {
			log.Printf("[monitoring] %s: specification changed, re-entering analysis", p.Name)
		}
	}
}

// recoveryCycle requeues retryable failed tasks using the configured backoff
// schedule. Only drakes belonging to InProgress, running projects are
// scanned; paused or failed projects keep their failures untouched.
func (s *Scheduler) recoveryCycle(ctx context.Context) {
	projects, err := s.projects.ListByStatus(models.ProjectStatusInProgress)
	if err != nil {
		log.Printf("[recovery] list projects: %v", err)
		return
	}
	eligible := make(map[string]bool, len(projects))
	for _, p := range projects {
		if p.ExecutionState == models.ExecutionStateRunning {
			eligible[p.ID] = true
		}
	}

	policy := drake.RecoveryPolicy{
		MaxAttempts: s.cfg.Retry.MaxAttempts,
		Backoff:     s.cfg.Retry.Backoff,
		IsPermanent: classify.IsPermanent,
	}
	total := 0
	for _, d := range s.factory.GetAllDrakes() {
		if ctx.Err() != nil {
			return
		}
		if !eligible[d.ProjectID()] {
			continue
		}
		total += d.RecoverFailedTasks(timeNow(), policy)
	}
	if total > 0 {
		log.Printf("[recovery] requeued %d tasks", total)
	}
}

package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wyvernlabs/wyvern/internal/agent"
	"github.com/wyvernlabs/wyvern/internal/breaker"
	"github.com/wyvernlabs/wyvern/internal/config"
	"github.com/wyvernlabs/wyvern/internal/factory"
	"github.com/wyvernlabs/wyvern/internal/project"
	"github.com/wyvernlabs/wyvern/internal/taskfile"
	"github.com/wyvernlabs/wyvern/pkg/models"
)

type scriptedExecutor struct {
	fn func(ctx context.Context, req agent.ExecuteRequest) (*agent.ExecuteResult, error)
}

func (s *scriptedExecutor) ExecuteTask(ctx context.Context, req agent.ExecuteRequest) (*agent.ExecuteResult, error) {
	if s.fn == nil {
		return &agent.ExecuteResult{Success: true}, nil
	}
	return s.fn(ctx, req)
}

type fakeAnalyzer struct {
	taskFiles map[string]string
	pending   []string
	err       error
}

func (f *fakeAnalyzer) AnalyzeProject(ctx context.Context, p *models.Project) (map[string]string, []string, error) {
	return f.taskFiles, f.pending, f.err
}

type fixture struct {
	scheduler *Scheduler
	projects  *project.Service
	factory   *factory.DrakeFactory
}

func newFixture(t *testing.T, exec agent.Executor, analyzer Analyzer) *fixture {
	t.Helper()
	cfg := config.Default()

	db, err := project.Open(filepath.Join(t.TempDir(), "wyvern.db"))
	if err != nil {
		t.Fatalf("open project db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	projects := project.NewService(db)

	f, err := factory.New(factory.Limits{
		MaxDrakesPerProject:  cfg.Limits.MaxParallelDrakesPerProject,
		MaxDrakesGlobal:      cfg.Limits.MaxParallelDrakesGlobal,
		MaxKoboldsPerProject: cfg.Limits.MaxParallelKoboldsPerProject,
		MaxKoboldsGlobal:     cfg.Limits.MaxParallelKoboldsGlobal,
	}, exec, breaker.NewRegistry(), nil)
	if err != nil {
		t.Fatalf("create factory: %v", err)
	}

	return &fixture{
		scheduler: NewScheduler(cfg, config.DefaultAgentCatalog(), projects, f, analyzer),
		projects:  projects,
		factory:   f,
	}
}

func registerProject(t *testing.T, fx *fixture, name string) *models.Project {
	t.Helper()
	specPath := filepath.Join(t.TempDir(), "spec.md")
	if err := os.WriteFile(specPath, []byte("# spec for "+name), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := fx.projects.Register(name, specPath, t.TempDir())
	if err != nil {
		t.Fatalf("register project: %v", err)
	}
	return p
}

// writeTaskFile creates a task file with the given statuses and returns its
// path along with the task ids.
func writeTaskFile(t *testing.T, statuses []models.TaskStatus) (string, []string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks_core.md")
	tr := taskfile.NewTracker(path)
	var ids []string
	for i, status := range statuses {
		rec, err := tr.AddTask(fmt.Sprintf("task number %d", i+1))
		if err != nil {
			t.Fatalf("add task: %v", err)
		}
		rec.Status = status
		ids = append(ids, rec.ID)
	}
	if err := tr.SaveTasksToFile(); err != nil {
		t.Fatalf("save task file: %v", err)
	}
	return path, ids
}

func advanceToInProgress(t *testing.T, fx *fixture, p *models.Project, taskFiles map[string]string) {
	t.Helper()
	if err := fx.projects.Transition(p, models.ProjectStatusWyvernAssigned); err != nil {
		t.Fatal(err)
	}
	if err := fx.projects.SetAnalyzed(p, taskFiles, nil); err != nil {
		t.Fatal(err)
	}
}

func TestAnalysisCycleAdvancesNewProject(t *testing.T) {
	path, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusUnassigned})
	fx := newFixture(t, &scriptedExecutor{}, &fakeAnalyzer{taskFiles: map[string]string{"core": path}})
	p := registerProject(t, fx, "demo")

	fx.scheduler.analysisCycle(context.Background())

	got, err := fx.projects.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ProjectStatusAnalyzed {
		t.Errorf("status = %v, want %v", got.Status, models.ProjectStatusAnalyzed)
	}
	if got.TaskFiles["core"] != path {
		t.Errorf("TaskFiles = %v", got.TaskFiles)
	}
	if got.AnalyzedAt == nil {
		t.Error("AnalyzedAt not set")
	}
}

func TestAnalysisCycleMarksFailedOnEmptyResult(t *testing.T) {
	fx := newFixture(t, &scriptedExecutor{}, &fakeAnalyzer{taskFiles: map[string]string{}})
	p := registerProject(t, fx, "demo")

	fx.scheduler.analysisCycle(context.Background())

	got, err := fx.projects.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ProjectStatusFailed {
		t.Errorf("status = %v, want %v", got.Status, models.ProjectStatusFailed)
	}
	if got.ErrorMessage == "" {
		t.Error("ErrorMessage is empty")
	}
}

func TestAnalysisCycleSkipsPausedProjects(t *testing.T) {
	path, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusUnassigned})
	fx := newFixture(t, &scriptedExecutor{}, &fakeAnalyzer{taskFiles: map[string]string{"core": path}})
	p := registerProject(t, fx, "demo")
	if err := fx.projects.Pause(p); err != nil {
		t.Fatal(err)
	}

	fx.scheduler.analysisCycle(context.Background())

	got, err := fx.projects.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ProjectStatusNew {
		t.Errorf("status = %v, want %v", got.Status, models.ProjectStatusNew)
	}
}

func TestExecutionCycleCompletesProject(t *testing.T) {
	fx := newFixture(t, &scriptedExecutor{}, &fakeAnalyzer{})
	p := registerProject(t, fx, "demo")
	path, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusDone, models.TaskStatusDone})
	advanceToInProgress(t, fx, p, map[string]string{"core": path})

	fx.scheduler.executionCycle(context.Background())

	got, err := fx.projects.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ProjectStatusCompleted {
		t.Errorf("status = %v, want %v", got.Status, models.ProjectStatusCompleted)
	}
}

func TestExecutionCycleWaitsForEveryArea(t *testing.T) {
	fx := newFixture(t, &scriptedExecutor{}, &fakeAnalyzer{})
	p := registerProject(t, fx, "demo")
	donePath, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusDone})
	pendingPath, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusUnassigned})
	advanceToInProgress(t, fx, p, map[string]string{"core": donePath, "api": pendingPath})

	fx.scheduler.executionCycle(context.Background())

	got, err := fx.projects.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status == models.ProjectStatusCompleted {
		t.Fatal("project completed with an area still pending")
	}

	// Finish the pending area out of band; the next cycle completes the
	// project.
	d := fx.factory.GetDrake(factory.DrakeName("demo", "api"))
	if d == nil {
		t.Fatal("drake for pending area not created")
	}
	deadline := time.Now().Add(3 * time.Second)
	for !d.AllTasksDone() {
		if time.Now().After(deadline) {
			t.Fatal("pending area task never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	d.UnsummonCompletedKobolds()

	fx.scheduler.executionCycle(context.Background())
	got, err = fx.projects.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ProjectStatusCompleted {
		t.Errorf("status = %v, want %v", got.Status, models.ProjectStatusCompleted)
	}
}

func TestExecutionCycleRunsReadyTasks(t *testing.T) {
	fx := newFixture(t, &scriptedExecutor{}, &fakeAnalyzer{})
	p := registerProject(t, fx, "demo")
	path, ids := writeTaskFile(t, []models.TaskStatus{models.TaskStatusUnassigned})
	advanceToInProgress(t, fx, p, map[string]string{"core": path})

	fx.scheduler.executionCycle(context.Background())

	// Dispatch is asynchronous; wait for the kobold to finish.
	d := fx.factory.GetDrake(factory.DrakeName("demo", "core"))
	if d == nil {
		t.Fatal("drake not created")
	}
	deadline := time.Now().Add(3 * time.Second)
	for !d.AllTasksDone() {
		if time.Now().After(deadline) {
			t.Fatalf("task %s never completed", ids[0])
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The next cycle removes the finished drake and completes the project.
	d.UnsummonCompletedKobolds()
	fx.scheduler.executionCycle(context.Background())
	got, err := fx.projects.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ProjectStatusCompleted {
		t.Errorf("status = %v, want %v", got.Status, models.ProjectStatusCompleted)
	}
	if fx.factory.GetDrake(factory.DrakeName("demo", "core")) != nil {
		t.Error("finished drake still registered")
	}
}

func TestExecutionCycleHaltsAreaOnFailure(t *testing.T) {
	fx := newFixture(t, &scriptedExecutor{fn: func(ctx context.Context, req agent.ExecuteRequest) (*agent.ExecuteResult, error) {
		return &agent.ExecuteResult{Success: false, ErrorMessage: "build broke"}, nil
	}}, &fakeAnalyzer{})
	p := registerProject(t, fx, "demo")
	path, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusUnassigned, models.TaskStatusUnassigned})
	advanceToInProgress(t, fx, p, map[string]string{"core": path})

	fx.scheduler.executionCycle(context.Background())

	d := fx.factory.GetDrake(factory.DrakeName("demo", "core"))
	if d == nil {
		t.Fatal("drake not created")
	}
	deadline := time.Now().Add(3 * time.Second)
	for !d.HasFailedTask() {
		if time.Now().After(deadline) {
			t.Fatal("no task failed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// With a standing failure the area schedules nothing new; the project
	// stays InProgress for recovery to act on.
	fx.scheduler.executionCycle(context.Background())
	got, err := fx.projects.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ProjectStatusInProgress {
		t.Errorf("status = %v, want %v", got.Status, models.ProjectStatusInProgress)
	}
}

func TestExecutionCycleFailsProjectOnExhaustedRetries(t *testing.T) {
	fx := newFixture(t, &scriptedExecutor{}, &fakeAnalyzer{})
	p := registerProject(t, fx, "demo")
	path, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusUnassigned})
	advanceToInProgress(t, fx, p, map[string]string{"core": path})
	if err := fx.projects.Transition(p, models.ProjectStatusInProgress); err != nil {
		t.Fatal(err)
	}

	d, err := fx.factory.CreateDrake(factory.CreateRequest{
		ProjectID:    p.ID,
		ProjectName:  p.Name,
		Area:         "core",
		TaskFilePath: path,
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := d.GetUnassignedTasks()[0].Task
	rec.Status = models.TaskStatusFailed
	rec.ErrorMessage = "overloaded"
	rec.RetryCount = fx.scheduler.cfg.Retry.MaxAttempts

	fx.scheduler.executionCycle(context.Background())

	got, err := fx.projects.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ProjectStatusFailed {
		t.Errorf("status = %v, want %v", got.Status, models.ProjectStatusFailed)
	}
}

func TestRecoveryCycleRequeuesTransientFailures(t *testing.T) {
	fx := newFixture(t, &scriptedExecutor{}, &fakeAnalyzer{})
	p := registerProject(t, fx, "demo")
	path, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusUnassigned})
	advanceToInProgress(t, fx, p, map[string]string{"core": path})
	if err := fx.projects.Transition(p, models.ProjectStatusInProgress); err != nil {
		t.Fatal(err)
	}

	d, err := fx.factory.CreateDrake(factory.CreateRequest{
		ProjectID:    p.ID,
		ProjectName:  p.Name,
		Area:         "core",
		TaskFilePath: path,
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := d.GetUnassignedTasks()[0].Task
	rec.Status = models.TaskStatusFailed
	rec.ErrorMessage = "connection timeout"

	fx.scheduler.recoveryCycle(context.Background())

	if rec.Status != models.TaskStatusUnassigned {
		t.Errorf("status = %v, want %v", rec.Status, models.TaskStatusUnassigned)
	}
	if rec.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", rec.RetryCount)
	}
	if rec.NextRetryAt == nil {
		t.Fatal("NextRetryAt not set")
	}
	// First retry waits the first rung of the schedule.
	wait := time.Until(*rec.NextRetryAt)
	if wait < 50*time.Second || wait > 70*time.Second {
		t.Errorf("backoff = %v, want about 1m", wait)
	}
}

func TestRecoveryCycleLeavesPermanentFailures(t *testing.T) {
	fx := newFixture(t, &scriptedExecutor{}, &fakeAnalyzer{})
	p := registerProject(t, fx, "demo")
	path, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusUnassigned})
	advanceToInProgress(t, fx, p, map[string]string{"core": path})
	if err := fx.projects.Transition(p, models.ProjectStatusInProgress); err != nil {
		t.Fatal(err)
	}

	d, err := fx.factory.CreateDrake(factory.CreateRequest{
		ProjectID:    p.ID,
		ProjectName:  p.Name,
		Area:         "core",
		TaskFilePath: path,
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := d.GetUnassignedTasks()[0].Task
	rec.Status = models.TaskStatusFailed
	rec.ErrorMessage = "401 unauthorized: invalid api key"

	fx.scheduler.recoveryCycle(context.Background())

	if rec.Status != models.TaskStatusFailed {
		t.Errorf("status = %v, want %v", rec.Status, models.TaskStatusFailed)
	}
	if rec.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", rec.RetryCount)
	}
}

func TestMonitoringCycleDetectsSpecChanges(t *testing.T) {
	path, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusUnassigned})
	fx := newFixture(t, &scriptedExecutor{}, &fakeAnalyzer{taskFiles: map[string]string{"core": path}})
	p := registerProject(t, fx, "demo")
	advanceToInProgress(t, fx, p, map[string]string{"core": path})

	if err := os.WriteFile(p.SpecificationPath, []byte("changed"), 0644); err != nil {
		t.Fatal(err)
	}

	fx.scheduler.monitoringCycle(context.Background())

	got, err := fx.projects.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ProjectStatusSpecificationModified {
		t.Errorf("status = %v, want %v", got.Status, models.ProjectStatusSpecificationModified)
	}
}

func TestLoopSkipsTickWhileBusy(t *testing.T) {
	started := make(chan struct{}, 8)
	block := make(chan struct{})
	l := &loop{
		name:     "test",
		interval: 10 * time.Millisecond,
		fn: func(ctx context.Context) {
			started <- struct{}{}
			<-block
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.run(ctx)

	<-started
	// Several intervals pass while the first cycle is blocked; none may
	// start a second cycle.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-started:
		t.Fatal("overlapping cycle started")
	default:
	}

	close(block)
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("no cycle after the blocked one finished")
	}
}

func TestExecutionCycleProcessesEveryRunnableProject(t *testing.T) {
	fx := newFixture(t, &scriptedExecutor{}, &fakeAnalyzer{})
	fx.scheduler.cfg.Limits.MaxConcurrentProjects = 1

	// alpha halts on a standing failure but stays runnable; with a
	// concurrency bound of one it must not hog the slot every cycle.
	alphaPath, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusFailed})
	alpha := registerProject(t, fx, "alpha")
	advanceToInProgress(t, fx, alpha, map[string]string{"core": alphaPath})

	betaPath, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusUnassigned})
	beta := registerProject(t, fx, "beta")
	advanceToInProgress(t, fx, beta, map[string]string{"core": betaPath})

	fx.scheduler.executionCycle(context.Background())

	if fx.factory.GetDrake(factory.DrakeName("beta", "core")) == nil {
		t.Error("beta never processed while alpha stays runnable")
	}
}

func TestRecoveryCycleSkipsPausedProjects(t *testing.T) {
	fx := newFixture(t, &scriptedExecutor{}, &fakeAnalyzer{})
	p := registerProject(t, fx, "demo")
	path, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusUnassigned})
	advanceToInProgress(t, fx, p, map[string]string{"core": path})
	if err := fx.projects.Transition(p, models.ProjectStatusInProgress); err != nil {
		t.Fatal(err)
	}

	d, err := fx.factory.CreateDrake(factory.CreateRequest{
		ProjectID:    p.ID,
		ProjectName:  p.Name,
		Area:         "core",
		TaskFilePath: path,
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := d.GetUnassignedTasks()[0].Task
	rec.Status = models.TaskStatusFailed
	rec.ErrorMessage = "connection timeout"

	if err := fx.projects.Pause(p); err != nil {
		t.Fatal(err)
	}

	fx.scheduler.recoveryCycle(context.Background())

	if rec.Status != models.TaskStatusFailed {
		t.Errorf("status = %v, want %v", rec.Status, models.TaskStatusFailed)
	}
	if rec.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", rec.RetryCount)
	}
}

func TestExecutionCycleLeavesAnalyzedWhenDrakeDeferred(t *testing.T) {
	cfg := config.Default()
	db, err := project.Open(filepath.Join(t.TempDir(), "wyvern.db"))
	if err != nil {
		t.Fatalf("open project db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	projects := project.NewService(db)

	f, err := factory.New(factory.Limits{MaxDrakesGlobal: 1}, &scriptedExecutor{}, breaker.NewRegistry(), nil)
	if err != nil {
		t.Fatal(err)
	}
	fx := &fixture{
		scheduler: NewScheduler(cfg, config.DefaultAgentCatalog(), projects, f, &fakeAnalyzer{}),
		projects:  projects,
		factory:   f,
	}

	// Another project's drake holds the only slot.
	blockerPath, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusUnassigned})
	if _, err := f.CreateDrake(factory.CreateRequest{
		ProjectID:    "other",
		ProjectName:  "other",
		Area:         "core",
		TaskFilePath: blockerPath,
	}); err != nil {
		t.Fatal(err)
	}

	p := registerProject(t, fx, "demo")
	path, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusUnassigned})
	advanceToInProgress(t, fx, p, map[string]string{"core": path})

	fx.scheduler.executionCycle(context.Background())

	got, err := fx.projects.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ProjectStatusAnalyzed {
		t.Errorf("status = %v, want %v (no supervisor was created)", got.Status, models.ProjectStatusAnalyzed)
	}
	if fx.factory.GetDrake(factory.DrakeName("demo", "core")) != nil {
		t.Error("drake created past the global limit")
	}
}

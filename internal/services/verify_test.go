package services

import (
	"context"
	"errors"
	"testing"

	"github.com/wyvernlabs/wyvern/pkg/models"
)

type fakeVerifier struct {
	err   error
	calls int
}

func (f *fakeVerifier) VerifyProject(ctx context.Context, p *models.Project) error {
	f.calls++
	return f.err
}

func TestExecutionCycleVerifiesCompletedProject(t *testing.T) {
	path, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusDone})
	fx := newFixture(t, &scriptedExecutor{}, &fakeAnalyzer{})
	verifier := &fakeVerifier{}
	fx.scheduler.SetVerifier(verifier)

	p := registerProject(t, fx, "demo")
	advanceToInProgress(t, fx, p, map[string]string{"core": path})

	// The verification pass runs after project processing, so a single
	// cycle can complete and verify; a second cycle must be a no-op.
	fx.scheduler.executionCycle(context.Background())
	fx.scheduler.executionCycle(context.Background())

	got, err := fx.projects.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ProjectStatusVerified {
		t.Errorf("status = %v, want %v", got.Status, models.ProjectStatusVerified)
	}
	if verifier.calls == 0 {
		t.Error("verifier was never called")
	}
}

func TestExecutionCycleFailsProjectOnRejectedVerification(t *testing.T) {
	path, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusDone})
	fx := newFixture(t, &scriptedExecutor{}, &fakeAnalyzer{})
	fx.scheduler.SetVerifier(&fakeVerifier{err: errors.New("build does not compile")})

	p := registerProject(t, fx, "demo")
	advanceToInProgress(t, fx, p, map[string]string{"core": path})

	fx.scheduler.executionCycle(context.Background())
	fx.scheduler.executionCycle(context.Background())

	got, err := fx.projects.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ProjectStatusFailed {
		t.Errorf("status = %v, want %v", got.Status, models.ProjectStatusFailed)
	}
	if got.ErrorMessage == "" {
		t.Error("expected ErrorMessage to carry the rejection reason")
	}
}

func TestVerificationSkippedWithoutVerifier(t *testing.T) {
	path, _ := writeTaskFile(t, []models.TaskStatus{models.TaskStatusDone})
	fx := newFixture(t, &scriptedExecutor{}, &fakeAnalyzer{})

	p := registerProject(t, fx, "demo")
	advanceToInProgress(t, fx, p, map[string]string{"core": path})

	fx.scheduler.executionCycle(context.Background())
	fx.scheduler.executionCycle(context.Background())

	got, err := fx.projects.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ProjectStatusCompleted {
		t.Errorf("status = %v, want %v", got.Status, models.ProjectStatusCompleted)
	}
}

package factory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/wyvernlabs/wyvern/internal/agent"
)

type nopExecutor struct{}

func (nopExecutor) ExecuteTask(ctx context.Context, req agent.ExecuteRequest) (*agent.ExecuteResult, error) {
	return &agent.ExecuteResult{Success: true}, nil
}

func newTestFactory(t *testing.T, limits Limits) *DrakeFactory {
	t.Helper()
	f, err := New(limits, nopExecutor{}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

func createReq(t *testing.T, project, area string) CreateRequest {
	t.Helper()
	return CreateRequest{
		ProjectID:    project,
		ProjectName:  project,
		Area:         area,
		TaskFilePath: filepath.Join(t.TempDir(), "tasks_"+area+".md"),
	}
}

func TestCreateDrakeIdempotent(t *testing.T) {
	f := newTestFactory(t, Limits{MaxDrakesPerProject: 3, MaxDrakesGlobal: 10})

	first, err := f.CreateDrake(createReq(t, "alpha", "core"))
	if err != nil {
		t.Fatalf("CreateDrake() error = %v", err)
	}
	second, err := f.CreateDrake(createReq(t, "alpha", "core"))
	if err != nil {
		t.Fatalf("second CreateDrake() error = %v", err)
	}
	if first != second {
		t.Error("second create returned a different drake")
	}
	if got := f.GetActiveDrakeCountForProject("alpha"); got != 1 {
		t.Errorf("GetActiveDrakeCountForProject() = %d, want 1", got)
	}
}

func TestCreateDrakePerProjectLimit(t *testing.T) {
	f := newTestFactory(t, Limits{MaxDrakesPerProject: 2, MaxDrakesGlobal: 10})

	for _, area := range []string{"core", "api"} {
		if _, err := f.CreateDrake(createReq(t, "alpha", area)); err != nil {
			t.Fatalf("CreateDrake(%s) error = %v", area, err)
		}
	}
	if f.CanCreateDrakeForProject("alpha") {
		t.Error("CanCreateDrakeForProject() = true at limit")
	}
	_, err := f.CreateDrake(createReq(t, "alpha", "docs"))
	if !errors.Is(err, ErrAtCapacity) {
		t.Errorf("CreateDrake() error = %v, want ErrAtCapacity", err)
	}

	// Other projects are unaffected by alpha's limit.
	if _, err := f.CreateDrake(createReq(t, "beta", "core")); err != nil {
		t.Errorf("CreateDrake(beta) error = %v", err)
	}
}

func TestCreateDrakeGlobalLimit(t *testing.T) {
	f := newTestFactory(t, Limits{MaxDrakesPerProject: 5, MaxDrakesGlobal: 2})

	if _, err := f.CreateDrake(createReq(t, "alpha", "core")); err != nil {
		t.Fatalf("CreateDrake() error = %v", err)
	}
	if _, err := f.CreateDrake(createReq(t, "beta", "core")); err != nil {
		t.Fatalf("CreateDrake() error = %v", err)
	}
	_, err := f.CreateDrake(createReq(t, "gamma", "core"))
	if !errors.Is(err, ErrAtCapacity) {
		t.Errorf("CreateDrake() error = %v, want ErrAtCapacity", err)
	}
}

func TestRemoveDrakeFreesCapacity(t *testing.T) {
	f := newTestFactory(t, Limits{MaxDrakesPerProject: 1, MaxDrakesGlobal: 10})

	if _, err := f.CreateDrake(createReq(t, "alpha", "core")); err != nil {
		t.Fatalf("CreateDrake() error = %v", err)
	}
	if !f.RemoveDrake(DrakeName("alpha", "core")) {
		t.Fatal("RemoveDrake() = false, want true")
	}
	if f.GetDrake(DrakeName("alpha", "core")) != nil {
		t.Error("removed drake still registered")
	}
	if !f.CanCreateDrakeForProject("alpha") {
		t.Error("CanCreateDrakeForProject() = false after removal")
	}
	if f.RemoveDrake(DrakeName("alpha", "core")) {
		t.Error("RemoveDrake() on absent name = true, want false")
	}
}

func TestKoboldGateLimits(t *testing.T) {
	f := newTestFactory(t, Limits{MaxKoboldsPerProject: 2, MaxKoboldsGlobal: 3})

	if !f.TryAcquire("alpha") || !f.TryAcquire("alpha") {
		t.Fatal("first two per-project acquisitions failed")
	}
	if f.TryAcquire("alpha") {
		t.Error("TryAcquire() = true past per-project limit")
	}
	if !f.TryAcquire("beta") {
		t.Error("TryAcquire(beta) = false under global limit")
	}
	if f.TryAcquire("beta") {
		t.Error("TryAcquire() = true past global limit")
	}

	f.Release("alpha")
	if !f.TryAcquire("alpha") {
		t.Error("TryAcquire() = false after release")
	}
	if got := f.ActiveKobolds(); got != 3 {
		t.Errorf("ActiveKobolds() = %d, want 3", got)
	}
}

func TestReleaseWithoutAcquireIsClamped(t *testing.T) {
	f := newTestFactory(t, Limits{MaxKoboldsPerProject: 1, MaxKoboldsGlobal: 1})
	f.Release("alpha")
	if got := f.ActiveKobolds(); got != 0 {
		t.Errorf("ActiveKobolds() = %d, want 0", got)
	}
	if !f.TryAcquire("alpha") {
		t.Error("TryAcquire() = false after clamped release")
	}
}

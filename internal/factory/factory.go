// Package factory creates and registers drakes under concurrency limits. It
// is the single authority on how many drakes exist per project and how many
// kobolds are in flight, per project and globally.
package factory

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/wyvernlabs/wyvern/internal/agent"
	"github.com/wyvernlabs/wyvern/internal/breaker"
	"github.com/wyvernlabs/wyvern/internal/drake"
	"github.com/wyvernlabs/wyvern/pkg/models"
)

// ErrAtCapacity is returned when a project's drake limit or the global drake
// limit would be exceeded.
var ErrAtCapacity = errors.New("drake capacity exhausted")

// Limits bounds the factory's concurrency.
type Limits struct {
	MaxDrakesPerProject  int
	MaxDrakesGlobal      int
	MaxKoboldsPerProject int
	MaxKoboldsGlobal     int
}

// DrakeFactory owns the drake registry and the kobold admission counters.
// It implements drake.KoboldGate so drakes can claim kobold slots without
// importing this package.
type DrakeFactory struct {
	limits   Limits
	executor agent.Executor
	breakers *breaker.Registry

	// Recommend is handed to every drake's tracker; nil falls back to the
	// tracker's default.
	recommend func(*models.TaskRecord) string

	mu            sync.Mutex
	drakes        map[string]*drake.Drake
	byProject     map[string]map[string]*drake.Drake
	koboldsByProj map[string]int
	koboldsGlobal int
}

// New creates a factory. Executor is required; breakers and recommend are
// optional.
func New(limits Limits, executor agent.Executor, breakers *breaker.Registry, recommend func(*models.TaskRecord) string) (*DrakeFactory, error) {
	if executor == nil {
		return nil, fmt.Errorf("factory requires an executor")
	}
	return &DrakeFactory{
		limits:        limits,
		executor:      executor,
		breakers:      breakers,
		recommend:     recommend,
		drakes:        make(map[string]*drake.Drake),
		byProject:     make(map[string]map[string]*drake.Drake),
		koboldsByProj: make(map[string]int),
	}, nil
}

// DrakeName builds the registry key for a project area.
func DrakeName(projectName, area string) string {
	return projectName + ":" + area
}

// CanCreateDrakeForProject reports whether a new drake would fit under both
// the per-project and global limits.
func (f *DrakeFactory) CanCreateDrakeForProject(projectID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canCreateLocked(projectID)
}

func (f *DrakeFactory) canCreateLocked(projectID string) bool {
	if f.limits.MaxDrakesGlobal > 0 && len(f.drakes) >= f.limits.MaxDrakesGlobal {
		return false
	}
	if f.limits.MaxDrakesPerProject > 0 && len(f.byProject[projectID]) >= f.limits.MaxDrakesPerProject {
		return false
	}
	return true
}

// CreateRequest names the drake to create.
type CreateRequest struct {
	ProjectID         string
	ProjectName       string
	Area              string
	TaskFilePath      string
	SpecificationPath string
}

// CreateDrake returns the drake for the given project area, creating it if
// absent. Creation is idempotent by name: a second call for the same area
// returns the existing drake without consuming capacity. The capacity check
// and the registration happen under one lock, so concurrent creates cannot
// overshoot the limits.
func (f *DrakeFactory) CreateDrake(req CreateRequest) (*drake.Drake, error) {
	name := DrakeName(req.ProjectName, req.Area)

	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.drakes[name]; ok {
		return existing, nil
	}
	if !f.canCreateLocked(req.ProjectID) {
		return nil, fmt.Errorf("create drake %s: %w", name, ErrAtCapacity)
	}

	d, err := drake.New(drake.Config{
		Name:              name,
		ProjectID:         req.ProjectID,
		Area:              req.Area,
		TaskFilePath:      req.TaskFilePath,
		SpecificationPath: req.SpecificationPath,
		Executor:          f.executor,
		Breakers:          f.breakers,
		Gate:              f,
		Recommend:         f.recommend,
	})
	if err != nil {
		return nil, fmt.Errorf("create drake %s: %w", name, err)
	}

	f.drakes[name] = d
	if f.byProject[req.ProjectID] == nil {
		f.byProject[req.ProjectID] = make(map[string]*drake.Drake)
	}
	f.byProject[req.ProjectID][name] = d
	log.Printf("[factory] created drake %s (%d/%d for project, %d global)", name, len(f.byProject[req.ProjectID]), f.limits.MaxDrakesPerProject, len(f.drakes))
	return d, nil
}

// GetDrake returns the drake registered under name, or nil.
func (f *DrakeFactory) GetDrake(name string) *drake.Drake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drakes[name]
}

// GetAllDrakes returns a snapshot of every registered drake.
func (f *DrakeFactory) GetAllDrakes() []*drake.Drake {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*drake.Drake, 0, len(f.drakes))
	for _, d := range f.drakes {
		out = append(out, d)
	}
	return out
}

// GetDrakesByProject returns a snapshot of a project's drakes.
func (f *DrakeFactory) GetDrakesByProject(projectID string) []*drake.Drake {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*drake.Drake, 0, len(f.byProject[projectID]))
	for _, d := range f.byProject[projectID] {
		out = append(out, d)
	}
	return out
}

// GetActiveDrakeCountForProject returns how many drakes a project holds.
func (f *DrakeFactory) GetActiveDrakeCountForProject(projectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byProject[projectID])
}

// RemoveDrake unregisters a drake, freeing its capacity slot. Removal is
// refused while the drake still has an active kobold. Returns whether the
// drake was removed.
func (f *DrakeFactory) RemoveDrake(name string) bool {
	f.mu.Lock()
	d, ok := f.drakes[name]
	f.mu.Unlock()
	if !ok {
		return false
	}
	// Checked outside f.mu: HasWorkingKobold takes the drake lock, and
	// holding both here invites ordering mistakes elsewhere.
	if d.HasWorkingKobold() {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, still := f.drakes[name]; !still {
		return false
	}
	delete(f.drakes, name)
	projectID := d.ProjectID()
	delete(f.byProject[projectID], name)
	if len(f.byProject[projectID]) == 0 {
		delete(f.byProject, projectID)
	}
	log.Printf("[factory] removed drake %s", name)
	return true
}

// TryAcquire claims a kobold slot for a project, honoring both the
// per-project and global ceilings. The check and the increment are atomic.
func (f *DrakeFactory) TryAcquire(projectID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limits.MaxKoboldsGlobal > 0 && f.koboldsGlobal >= f.limits.MaxKoboldsGlobal {
		return false
	}
	if f.limits.MaxKoboldsPerProject > 0 && f.koboldsByProj[projectID] >= f.limits.MaxKoboldsPerProject {
		return false
	}
	f.koboldsGlobal++
	f.koboldsByProj[projectID]++
	return true
}

// Release returns a kobold slot. Releasing below zero is clamped and logged
// rather than panicking; it indicates a double release upstream.
func (f *DrakeFactory) Release(projectID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.koboldsGlobal <= 0 || f.koboldsByProj[projectID] <= 0 {
		log.Printf("[factory] release without acquire for project %s", projectID)
		return
	}
	f.koboldsGlobal--
	f.koboldsByProj[projectID]--
	if f.koboldsByProj[projectID] == 0 {
		delete(f.koboldsByProj, projectID)
	}
}

// ActiveKobolds returns the global in-flight kobold count.
func (f *DrakeFactory) ActiveKobolds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.koboldsGlobal
}

var _ drake.KoboldGate = (*DrakeFactory)(nil)

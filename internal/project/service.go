package project

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/wyvernlabs/wyvern/pkg/models"
)

// Service enforces the project state machine over the registry. Every status
// mutation goes through Transition so illegal edges cannot reach the
// database.
type Service struct {
	db *DB
}

// NewService wraps an open registry.
func NewService(db *DB) *Service {
	return &Service{db: db}
}

// Register creates a project in New status from a specification file. The
// specification is hashed at registration for later change detection.
func (s *Service) Register(name, specPath, outputDir string) (*models.Project, error) {
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	existing, err := s.db.GetProjectByName(name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("project %s already exists", name)
	}

	hash, err := HashSpecification(specPath)
	if err != nil {
		return nil, fmt.Errorf("read specification: %w", err)
	}

	now := time.Now()
	p := &models.Project{
		ID:                "prj-" + uuid.New().String()[:8],
		Name:              name,
		Status:            models.ProjectStatusNew,
		ExecutionState:    models.ExecutionStateRunning,
		SpecificationPath: specPath,
		OutputDir:         outputDir,
		SpecHash:          hash,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.db.CreateProject(p); err != nil {
		return nil, err
	}
	log.Printf("[project] registered %s (%s)", p.Name, p.ID)
	return p, nil
}

// Get retrieves a project by id.
func (s *Service) Get(id string) (*models.Project, error) {
	return s.db.GetProject(id)
}

// GetByName retrieves a project by name.
func (s *Service) GetByName(name string) (*models.Project, error) {
	return s.db.GetProjectByName(name)
}

// List returns all projects.
func (s *Service) List() ([]*models.Project, error) {
	return s.db.ListProjects(nil)
}

// ListByStatus returns projects in one status.
func (s *Service) ListByStatus(status models.ProjectStatus) ([]*models.Project, error) {
	return s.db.ListProjects(&status)
}

// ListRunnable returns projects the execution loop should consider.
func (s *Service) ListRunnable() ([]*models.Project, error) {
	all, err := s.db.ListProjects(nil)
	if err != nil {
		return nil, err
	}
	var out []*models.Project
	for _, p := range all {
		if p.IsRunnable() {
			out = append(out, p)
		}
	}
	return out, nil
}

// Transition moves a project to next after validating the edge, then
// persists. The mutation is applied to the caller's copy as well.
func (s *Service) Transition(p *models.Project, next models.ProjectStatus) error {
	if !p.Status.CanTransition(next) {
		return fmt.Errorf("project %s: illegal transition %s -> %s", p.Name, p.Status, next)
	}
	prev := p.Status
	p.Status = next
	p.UpdatedAt = time.Now()
	if next == models.ProjectStatusAnalyzed {
		now := time.Now()
		p.AnalyzedAt = &now
	}
	if err := s.db.UpdateProject(p); err != nil {
		p.Status = prev
		return err
	}
	log.Printf("[project] %s: %s -> %s", p.Name, prev, next)
	return nil
}

// MarkFailed forces a project to Failed with a reason. Terminal projects are
// left alone.
func (s *Service) MarkFailed(p *models.Project, reason string) error {
	if p.Status.Terminal() {
		return fmt.Errorf("project %s is terminal (%s)", p.Name, p.Status)
	}
	p.ErrorMessage = reason
	return s.Transition(p, models.ProjectStatusFailed)
}

// Retry sends a Failed project back through the pipeline and clears its
// error.
func (s *Service) Retry(p *models.Project) error {
	if p.Status != models.ProjectStatusFailed {
		return fmt.Errorf("project %s is not failed (%s)", p.Name, p.Status)
	}
	p.ErrorMessage = ""
	return s.Transition(p, models.ProjectStatusNew)
}

// Pause excludes a project from background processing without touching its
// status.
func (s *Service) Pause(p *models.Project) error {
	if p.ExecutionState == models.ExecutionStatePaused {
		return nil
	}
	p.ExecutionState = models.ExecutionStatePaused
	p.UpdatedAt = time.Now()
	return s.db.UpdateProject(p)
}

// Resume re-enables background processing.
func (s *Service) Resume(p *models.Project) error {
	if p.ExecutionState == models.ExecutionStateRunning {
		return nil
	}
	p.ExecutionState = models.ExecutionStateRunning
	p.UpdatedAt = time.Now()
	return s.db.UpdateProject(p)
}

// SetAnalyzed records generated task files and advances the project to
// Analyzed. Areas whose generation failed stay listed in PendingAreas.
func (s *Service) SetAnalyzed(p *models.Project, taskFiles map[string]string, pendingAreas []string) error {
	p.TaskFiles = taskFiles
	p.PendingAreas = pendingAreas
	return s.Transition(p, models.ProjectStatusAnalyzed)
}

// Update persists an already-mutated project without a status transition.
func (s *Service) Update(p *models.Project) error {
	p.UpdatedAt = time.Now()
	return s.db.UpdateProject(p)
}

// DetectSpecChange rehashes the specification and, when it differs from the
// recorded hash and the project is past analysis, moves the project to
// SpecificationModified so it re-enters the pipeline. Returns whether a
// change was detected and acted on.
func (s *Service) DetectSpecChange(p *models.Project) (bool, error) {
	hash, err := HashSpecification(p.SpecificationPath)
	if err != nil {
		return false, fmt.Errorf("rehash specification for %s: %w", p.Name, err)
	}
	if hash == p.SpecHash {
		return false, nil
	}
	p.SpecHash = hash
	if !p.Status.CanTransition(models.ProjectStatusSpecificationModified) {
		// Pre-analysis statuses pick up the new content on their normal
		// path; just record the hash.
		return false, s.Update(p)
	}
	if err := s.Transition(p, models.ProjectStatusSpecificationModified); err != nil {
		return false, err
	}
	return true, nil
}

// HashSpecification returns the hex SHA-256 of the specification file.
func HashSpecification(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

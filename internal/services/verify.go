package services

import (
	"context"
	"fmt"
	"log"

	"github.com/wyvernlabs/wyvern/pkg/models"
)

// Verifier signs off on a completed project's output before it counts as
// final. Implementations may run builds, test suites, or another agent pass.
type Verifier interface {
	VerifyProject(ctx context.Context, p *models.Project) error
}

// SetVerifier enables the post-completion verification branch. Without a
// verifier, projects rest at Completed and the branch is never entered.
func (s *Scheduler) SetVerifier(v Verifier) {
	s.verifier = v
}

// verifyCompletedProjects walks Completed and AwaitingVerification projects
// through the verifier. A rejection fails the project so the operator sees
// the reason instead of a silently looping branch.
func (s *Scheduler) verifyCompletedProjects(ctx context.Context) {
	for _, status := range []models.ProjectStatus{models.ProjectStatusCompleted, models.ProjectStatusAwaitingVerification} {
		projects, err := s.projects.ListByStatus(status)
		if err != nil {
			log.Printf("[verify] list %s projects: %v", status, err)
			continue
		}
		for _, p := range projects {
			if ctx.Err() != nil {
				return
			}
			if p.ExecutionState != models.ExecutionStateRunning {
				continue
			}
			if err := s.verifyProject(ctx, p); err != nil {
				log.Printf("[verify] project %s: %v", p.Name, err)
			}
		}
	}
}

func (s *Scheduler) verifyProject(ctx context.Context, p *models.Project) error {
	if p.Status == models.ProjectStatusCompleted {
		if err := s.projects.Transition(p, models.ProjectStatusAwaitingVerification); err != nil {
			return err
		}
	}
	if err := s.verifier.VerifyProject(ctx, p); err != nil {
		return s.projects.MarkFailed(p, fmt.Sprintf("verification rejected: %v", err))
	}
	if err := s.projects.Transition(p, models.ProjectStatusVerified); err != nil {
		return err
	}
	log.Printf("[verify] project %s verified", p.Name)
	return nil
}

package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/wyvernlabs/wyvern/internal/agent"
	"github.com/wyvernlabs/wyvern/internal/config"
	"github.com/wyvernlabs/wyvern/internal/taskfile"
	"github.com/wyvernlabs/wyvern/pkg/models"
)

// Analyzer turns a registered specification into per-area task files. On
// partial success the failed areas are returned as pending; the project can
// still advance with the areas that worked.
type Analyzer interface {
	AnalyzeProject(ctx context.Context, p *models.Project) (taskFiles map[string]string, pendingAreas []string, err error)
}

// analysisCycle walks projects waiting on analysis. New projects get claimed
// (New -> WyvernAssigned) before the analyzer runs so a concurrent cycle
// cannot pick them up twice; SpecificationModified projects re-enter the
// same path.
func (s *Scheduler) analysisCycle(ctx context.Context) {
	for _, status := range []models.ProjectStatus{models.ProjectStatusNew, models.ProjectStatusSpecificationModified} {
		projects, err := s.projects.ListByStatus(status)
		if err != nil {
			log.Printf("[analysis] list %s projects: %v", status, err)
			continue
		}
		for _, p := range projects {
			if ctx.Err() != nil {
				return
			}
			if p.ExecutionState == models.ExecutionStatePaused {
				continue
			}
			if err := s.analyzeProject(ctx, p); err != nil {
				log.Printf("[analysis] project %s: %v", p.Name, err)
			}
		}
	}
}

func (s *Scheduler) analyzeProject(ctx context.Context, p *models.Project) error {
	if p.Status == models.ProjectStatusSpecificationModified {
		// Stale drakes would keep executing tasks generated from the old
		// specification text.
		for _, d := range s.factory.GetDrakesByProject(p.ID) {
			s.factory.RemoveDrake(d.Name())
		}
	}
	if err := s.projects.Transition(p, models.ProjectStatusWyvernAssigned); err != nil {
		return err
	}

	taskFiles, pending, err := s.analyzer.AnalyzeProject(ctx, p)
	if err != nil {
		if markErr := s.projects.MarkFailed(p, fmt.Sprintf("analysis failed: %v", err)); markErr != nil {
			return markErr
		}
		return err
	}
	if len(taskFiles) == 0 {
		return s.projects.MarkFailed(p, "analysis produced no task files")
	}

	if err := s.projects.SetAnalyzed(p, taskFiles, pending); err != nil {
		return err
	}
	log.Printf("[analysis] project %s analyzed: %d areas, %d pending", p.Name, len(taskFiles), len(pending))
	return nil
}

// AgentAnalyzer asks the agent to decompose a specification into tasks, one
// call per catalog area, and writes each area's task file.
type AgentAnalyzer struct {
	executor agent.Executor
	catalog  *config.AgentCatalog
}

// NewAgentAnalyzer builds an analyzer over the shared executor.
func NewAgentAnalyzer(executor agent.Executor, catalog *config.AgentCatalog) *AgentAnalyzer {
	return &AgentAnalyzer{executor: executor, catalog: catalog}
}

// AnalyzeProject discovers the project's areas from the specification, then
// generates one task file per area. An area whose generation fails lands in
// pendingAreas rather than failing the whole project; the project only fails
// when no area succeeds.
func (a *AgentAnalyzer) AnalyzeProject(ctx context.Context, p *models.Project) (map[string]string, []string, error) {
	spec, err := os.ReadFile(p.SpecificationPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read specification: %w", err)
	}
	if err := os.MkdirAll(p.OutputDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create output dir: %w", err)
	}

	areas, err := a.discoverAreas(ctx, string(spec))
	if err != nil {
		return nil, nil, fmt.Errorf("discover areas: %w", err)
	}

	taskFiles := make(map[string]string)
	var pending []string
	for _, area := range areas {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		path := filepath.Join(p.OutputDir, fmt.Sprintf("tasks_%s.md", area))
		if err := a.generateAreaTasks(ctx, area, string(spec), path); err != nil {
			log.Printf("[analysis] %s/%s: %v", p.Name, area, err)
			pending = append(pending, area)
			continue
		}
		taskFiles[area] = path
	}
	return taskFiles, pending, nil
}

// discoverAreas asks the architect agent to partition the specification into
// named areas, one per line.
func (a *AgentAnalyzer) discoverAreas(ctx context.Context, spec string) ([]string, error) {
	agentSpec := a.catalog.ForArea("architecture")
	res, err := a.executor.ExecuteTask(ctx, agent.ExecuteRequest{
		TaskDescription: fmt.Sprintf("Partition the following specification into independent build areas.\nOutput one short lowercase area name per line, nothing else.\n\n%s", spec),
		AgentType:       agentSpec.Type,
		Provider:        agentSpec.Provider,
		MaxIterations:   agentSpec.MaxIterations,
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("area discovery failed: %s", res.ErrorMessage)
	}

	var areas []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(res.Output, "\n") {
		area := sanitizeAreaName(line)
		if area == "" || seen[area] {
			continue
		}
		seen[area] = true
		areas = append(areas, area)
	}
	if len(areas) == 0 {
		return nil, fmt.Errorf("agent produced no areas")
	}
	return areas, nil
}

// sanitizeAreaName normalizes one output line into a filesystem-safe area
// name. Lines that do not look like names are dropped.
func sanitizeAreaName(line string) string {
	line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
	line = strings.ToLower(line)
	if line == "" || strings.Contains(line, " ") || len(line) > 40 {
		return ""
	}
	for _, r := range line {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return ""
		}
	}
	return line
}

func (a *AgentAnalyzer) generateAreaTasks(ctx context.Context, area, spec, path string) error {
	agentSpec := a.catalog.ForArea(area)
	res, err := a.executor.ExecuteTask(ctx, agent.ExecuteRequest{
		TaskDescription: fmt.Sprintf("Decompose the following specification into discrete %s tasks.\nOutput one task per line, nothing else.\n\n%s", area, spec),
		AgentType:       agentSpec.Type,
		Provider:        agentSpec.Provider,
		MaxIterations:   agentSpec.MaxIterations,
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("analysis agent failed: %s", res.ErrorMessage)
	}

	// The agent writes task descriptions one per line; the tracker assigns
	// ids and renders the durable table.
	tr := taskfile.NewTracker(path)
	added := 0
	for _, line := range strings.Split(res.Output, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line == "" || isMarkerLine(line) {
			continue
		}
		if _, err := tr.AddTask(line); err != nil {
			return err
		}
		added++
	}
	if added == 0 {
		return fmt.Errorf("no tasks generated for area %s", area)
	}
	return tr.SaveTasksToFile()
}

// isMarkerLine filters the completion markers out of task output.
func isMarkerLine(line string) bool {
	return strings.Contains(line, "TASK COMPLETE") || strings.Contains(line, "TASK FAILED")
}

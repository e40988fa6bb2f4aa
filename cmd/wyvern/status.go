package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/wyvernlabs/wyvern/internal/project"
	"github.com/wyvernlabs/wyvern/internal/taskfile"
	"github.com/wyvernlabs/wyvern/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [project]",
	Short: "Show pipeline status",
	Long: `Display every registered project with its pipeline status, or one
project in detail with per-area task counts.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	projects := project.NewService(db)

	if len(args) == 1 {
		return showProject(projects, args[0])
	}
	return showAllProjects(projects)
}

func showAllProjects(projects *project.Service) error {
	all, err := projects.List()
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Println("No projects registered. Run 'wyvern projects register <name> <spec>' to start.")
		return nil
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Name", "Status", "State", "Areas", "Updated"})
	for _, p := range all {
		tw.AppendRow(table.Row{
			p.Name,
			colorStatus(p.Status),
			string(p.ExecutionState),
			len(p.TaskFiles),
			p.UpdatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	tw.Render()
	return nil
}

func showProject(projects *project.Service, name string) error {
	p, err := projects.GetByName(name)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("project %s not found", name)
	}

	fmt.Printf("%s  %s (%s)\n", color.New(color.Bold).Sprint(p.Name), colorStatus(p.Status), p.ExecutionState)
	fmt.Printf("  Specification: %s\n", p.SpecificationPath)
	fmt.Printf("  Output:        %s\n", p.OutputDir)
	if p.AnalyzedAt != nil {
		fmt.Printf("  Analyzed:      %s\n", p.AnalyzedAt.Local().Format(time.RFC822))
	}
	if p.ErrorMessage != "" {
		fmt.Printf("  Error:         %s\n", color.RedString(p.ErrorMessage))
	}
	if len(p.PendingAreas) > 0 {
		fmt.Printf("  Pending areas: %v\n", p.PendingAreas)
	}
	if len(p.TaskFiles) == 0 {
		return nil
	}

	fmt.Println()
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Area", "Total", "Unassigned", "Working", "Done", "Failed", "Blocked"})
	for area, path := range p.TaskFiles {
		tr := taskfile.NewTracker(path)
		if _, err := tr.LoadFromFile(path); err != nil {
			tw.AppendRow(table.Row{area, "-", "-", "-", "-", "-", "-"})
			continue
		}
		s := tr.Stats()
		tw.AppendRow(table.Row{area, s.Total, s.Unassigned, s.Working, s.Done, s.Failed, s.Blocked})
	}
	tw.Render()
	return nil
}

func colorStatus(s models.ProjectStatus) string {
	switch s {
	case models.ProjectStatusCompleted, models.ProjectStatusVerified:
		return color.GreenString(string(s))
	case models.ProjectStatusFailed:
		return color.RedString(string(s))
	case models.ProjectStatusInProgress, models.ProjectStatusWyvernAssigned:
		return color.CyanString(string(s))
	case models.ProjectStatusSpecificationModified, models.ProjectStatusAwaitingVerification:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

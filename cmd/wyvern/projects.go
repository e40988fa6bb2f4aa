package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wyvernlabs/wyvern/internal/project"
	"github.com/wyvernlabs/wyvern/pkg/models"
)

var registerOutputDir string

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage registered projects",
}

var projectsRegisterCmd = &cobra.Command{
	Use:   "register <name> <spec-file>",
	Short: "Register a project from a specification file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProjects(func(projects *project.Service) error {
			name, specPath := args[0], args[1]
			abs, err := filepath.Abs(specPath)
			if err != nil {
				return err
			}
			if _, err := os.Stat(abs); err != nil {
				return fmt.Errorf("specification file: %w", err)
			}

			outputDir := registerOutputDir
			if outputDir == "" {
				outputDir = filepath.Join(filepath.Dir(abs), name+"-build")
			}

			p, err := projects.Register(name, abs, outputDir)
			if err != nil {
				return err
			}
			fmt.Printf("Registered %s (%s)\n", color.New(color.Bold).Sprint(p.Name), p.ID)
			return nil
		})
	},
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProjects(func(projects *project.Service) error {
			return showAllProjects(projects)
		})
	},
}

var projectsRetryCmd = &cobra.Command{
	Use:   "retry <name>",
	Short: "Send a failed project back through the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNamedProject(args[0], func(projects *project.Service, p *models.Project) error {
			if err := projects.Retry(p); err != nil {
				return err
			}
			fmt.Printf("Project %s requeued for analysis\n", p.Name)
			return nil
		})
	},
}

var projectsPauseCmd = &cobra.Command{
	Use:   "pause <name>",
	Short: "Exclude a project from background processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNamedProject(args[0], func(projects *project.Service, p *models.Project) error {
			if err := projects.Pause(p); err != nil {
				return err
			}
			fmt.Printf("Project %s paused\n", p.Name)
			return nil
		})
	},
}

var projectsResumeCmd = &cobra.Command{
	Use:   "resume <name>",
	Short: "Resume background processing for a paused project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNamedProject(args[0], func(projects *project.Service, p *models.Project) error {
			if err := projects.Resume(p); err != nil {
				return err
			}
			fmt.Printf("Project %s resumed\n", p.Name)
			return nil
		})
	},
}

func init() {
	projectsRegisterCmd.Flags().StringVarP(&registerOutputDir, "output", "o", "", "output directory for generated work (default: <spec dir>/<name>-build)")

	projectsCmd.AddCommand(projectsRegisterCmd)
	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsRetryCmd)
	projectsCmd.AddCommand(projectsPauseCmd)
	projectsCmd.AddCommand(projectsResumeCmd)
}

// withProjects opens the registry for one command invocation.
func withProjects(fn func(*project.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(project.NewService(db))
}

func withNamedProject(name string, fn func(*project.Service, *models.Project) error) error {
	return withProjects(func(projects *project.Service) error {
		p, err := projects.GetByName(name)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("project %s not found", name)
		}
		return fn(projects, p)
	})
}

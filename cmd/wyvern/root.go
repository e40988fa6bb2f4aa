package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wyvernlabs/wyvern/internal/config"
	"github.com/wyvernlabs/wyvern/internal/project"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "wyvern",
	Short: "Autonomous multi-stage build pipeline",
	Long: `Wyvern drives projects from specification to finished output through
a pipeline of autonomous agents.

Register a project with a specification file, then start the daemon:
the analysis loop decomposes the specification into per-area task files,
drakes supervise each area, and kobolds execute individual tasks. Failed
tasks are retried with escalating backoff; provider outages trip a
circuit breaker instead of burning retries.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: search .wyvern.yaml, then XDG config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the effective configuration for a command.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// openRegistry opens the project registry named by the config.
func openRegistry(cfg *config.Config) (*project.DB, error) {
	path := cfg.Storage.DatabasePath
	if path == "" {
		path = project.DefaultDBPath()
	}
	db, err := project.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open project registry: %w", err)
	}
	return db, nil
}

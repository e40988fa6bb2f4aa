package main

import (
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wyvernlabs/wyvern/internal/agent"
	"github.com/wyvernlabs/wyvern/internal/breaker"
	"github.com/wyvernlabs/wyvern/internal/config"
	"github.com/wyvernlabs/wyvern/internal/factory"
	"github.com/wyvernlabs/wyvern/internal/project"
	"github.com/wyvernlabs/wyvern/internal/services"
	"github.com/wyvernlabs/wyvern/internal/specwatch"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the pipeline daemon",
	Long: `Start the background loops and process registered projects until
interrupted. All registered, unpaused projects are picked up; register new
ones from another terminal while the daemon runs.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	catalog, err := config.LoadAgentCatalog(cfg.Storage.AgentCatalogPath)
	if err != nil {
		return err
	}

	db, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	projects := project.NewService(db)

	client, err := agent.NewClient(agent.ClientConfig{
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Bedrock.Enabled,
		AWSRegion:     cfg.Bedrock.Region,
		AWSProfile:    cfg.Bedrock.Profile,
	})
	if err != nil {
		return fmt.Errorf("create agent client: %w", err)
	}
	providerName := "anthropic"
	if cfg.Bedrock.Enabled {
		providerName = "bedrock"
	}
	executor := agent.NewAPIExecutor(client, providerName)
	// Breaker state is keyed by provider; the catalog must agree with the
	// executor actually in use.
	catalog.OverrideProvider(providerName)

	breakers := breaker.NewRegistryWithOptions(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown)
	f, err := factory.New(factory.Limits{
		MaxDrakesPerProject:  cfg.Limits.MaxParallelDrakesPerProject,
		MaxDrakesGlobal:      cfg.Limits.MaxParallelDrakesGlobal,
		MaxKoboldsPerProject: cfg.Limits.MaxParallelKoboldsPerProject,
		MaxKoboldsGlobal:     cfg.Limits.MaxParallelKoboldsGlobal,
	}, executor, breakers, nil)
	if err != nil {
		return err
	}

	analyzer := services.NewAgentAnalyzer(executor, catalog)
	scheduler := services.NewScheduler(cfg, catalog, projects, f, analyzer)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher, err := specwatch.New(projects)
	if err != nil {
		log.Printf("[run] spec watcher unavailable, relying on periodic rehash: %v", err)
	} else {
		all, err := projects.List()
		if err != nil {
			return err
		}
		for _, p := range all {
			if p.Status.Terminal() {
				continue
			}
			if err := watcher.Watch(p.ID, p.SpecificationPath); err != nil {
				log.Printf("[run] watch %s: %v", p.Name, err)
			}
		}
		go watcher.Run(ctx)
	}

	log.Printf("[run] wyvern daemon starting (registry %s)", db.Path())
	scheduler.Start(ctx)
	log.Printf("[run] wyvern daemon stopped")
	return nil
}

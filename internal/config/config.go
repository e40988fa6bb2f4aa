// Package config handles configuration loading and management for Wyvern.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for Wyvern.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Bedrock   BedrockConfig   `mapstructure:"bedrock"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Loops     LoopsConfig     `mapstructure:"loops"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// BedrockConfig holds AWS Bedrock settings for the alternate provider path.
type BedrockConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Region  string `mapstructure:"region"`
	Profile string `mapstructure:"profile"`
}

// LimitsConfig bounds concurrent drake and kobold creation.
type LimitsConfig struct {
	// MaxParallelDrakesPerProject caps active drakes per project.
	MaxParallelDrakesPerProject int `mapstructure:"max_parallel_drakes_per_project"`
	// MaxParallelDrakesGlobal caps active drakes across all projects.
	MaxParallelDrakesGlobal int `mapstructure:"max_parallel_drakes_global"`
	// MaxParallelKoboldsPerProject caps concurrent kobolds per project.
	MaxParallelKoboldsPerProject int `mapstructure:"max_parallel_kobolds_per_project"`
	// MaxParallelKoboldsGlobal caps concurrent kobolds across the process.
	MaxParallelKoboldsGlobal int `mapstructure:"max_parallel_kobolds_global"`
	// MaxConcurrentProjects bounds per-cycle project fan-out in the loops.
	MaxConcurrentProjects int `mapstructure:"max_concurrent_projects"`
}

// LoopsConfig holds polling intervals and timeouts for the background loops.
type LoopsConfig struct {
	ExecutionInterval    time.Duration `mapstructure:"execution_interval"`
	MonitoringInterval   time.Duration `mapstructure:"monitoring_interval"`
	RecoveryInterval     time.Duration `mapstructure:"recovery_interval"`
	RecoveryInitialDelay time.Duration `mapstructure:"recovery_initial_delay"`
	AnalysisInterval     time.Duration `mapstructure:"analysis_interval"`
	StuckTimeout         time.Duration `mapstructure:"stuck_timeout"`
}

// RetryConfig tunes the failure-recovery loop.
type RetryConfig struct {
	// MaxAttempts is the retry ceiling per task.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BackoffMinutes is the escalating wait schedule, clamped at its last
	// entry for attempts beyond its length.
	BackoffMinutes []int `mapstructure:"backoff_minutes"`
}

// Backoff returns the wait before retry attempt n (1-indexed), clamped to the
// last schedule entry.
func (r RetryConfig) Backoff(attempt int) time.Duration {
	if len(r.BackoffMinutes) == 0 {
		return time.Minute
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(r.BackoffMinutes) {
		idx = len(r.BackoffMinutes) - 1
	}
	return time.Duration(r.BackoffMinutes[idx]) * time.Minute
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// StorageConfig locates durable state.
type StorageConfig struct {
	// DatabasePath overrides the default project database location.
	DatabasePath string `mapstructure:"database_path"`
	// AgentCatalogPath points to the yaml agent-type catalog.
	AgentCatalogPath string `mapstructure:"agent_catalog_path"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.wyvern.yaml in current directory or parent)
// 3. User config (~/.config/wyvern/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("bedrock.region", "AWS_REGION")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")

	v.SetDefault("bedrock.enabled", false)
	v.SetDefault("bedrock.region", "")
	v.SetDefault("bedrock.profile", "")

	v.SetDefault("limits.max_parallel_drakes_per_project", 3)
	v.SetDefault("limits.max_parallel_drakes_global", 10)
	v.SetDefault("limits.max_parallel_kobolds_per_project", 3)
	v.SetDefault("limits.max_parallel_kobolds_global", 12)
	v.SetDefault("limits.max_concurrent_projects", 4)

	v.SetDefault("loops.execution_interval", "30s")
	v.SetDefault("loops.monitoring_interval", "60s")
	v.SetDefault("loops.recovery_interval", "5m")
	v.SetDefault("loops.recovery_initial_delay", "1m")
	v.SetDefault("loops.analysis_interval", "30s")
	v.SetDefault("loops.stuck_timeout", "30m")

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.backoff_minutes", []int{1, 2, 5, 15, 30})

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", "2m")

	v.SetDefault("storage.database_path", "")
	v.SetDefault("storage.agent_catalog_path", "")
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// getUserConfigDir returns the XDG config directory for Wyvern.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "wyvern")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "wyvern")
	}
	return filepath.Join(home, ".config", "wyvern")
}

// findProjectConfig searches for .wyvern.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".wyvern.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Limits: LimitsConfig{
			MaxParallelDrakesPerProject:  3,
			MaxParallelDrakesGlobal:      10,
			MaxParallelKoboldsPerProject: 3,
			MaxParallelKoboldsGlobal:     12,
			MaxConcurrentProjects:        4,
		},
		Loops: LoopsConfig{
			ExecutionInterval:    30 * time.Second,
			MonitoringInterval:   60 * time.Second,
			RecoveryInterval:     5 * time.Minute,
			RecoveryInitialDelay: time.Minute,
			AnalysisInterval:     30 * time.Second,
			StuckTimeout:         30 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			BackoffMinutes: []int{1, 2, 5, 15, 30},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         2 * time.Minute,
		},
	}
}

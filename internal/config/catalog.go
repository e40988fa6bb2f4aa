package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentSpec describes one agent capability available to kobolds.
type AgentSpec struct {
	// Type is the agent type name referenced by task rows and the catalog.
	Type string `yaml:"type"`
	// Provider is the LLM provider this agent runs against.
	Provider string `yaml:"provider"`
	// MaxIterations bounds the agent's internal work loop.
	MaxIterations int `yaml:"max_iterations"`
}

// AgentCatalog maps project area names to the agent that should execute
// tasks in that area, plus a fallback for areas without an entry.
type AgentCatalog struct {
	// Default is used for areas with no explicit mapping.
	Default AgentSpec `yaml:"default"`
	// Areas maps area name to agent spec.
	Areas map[string]AgentSpec `yaml:"areas"`
}

// ForArea returns the agent spec for an area, falling back to the default.
func (c *AgentCatalog) ForArea(area string) AgentSpec {
	if spec, ok := c.Areas[area]; ok {
		return spec
	}
	return c.Default
}

// OverrideProvider rewrites every entry's provider. The daemon runs a single
// executor, so circuit-breaker state must accrue under that executor's
// provider name even when the catalog file says otherwise.
func (c *AgentCatalog) OverrideProvider(provider string) {
	if provider == "" {
		return
	}
	c.Default.Provider = provider
	for area, spec := range c.Areas {
		spec.Provider = provider
		c.Areas[area] = spec
	}
}

// DefaultAgentCatalog returns the built-in catalog used when no yaml file is
// configured.
func DefaultAgentCatalog() *AgentCatalog {
	return &AgentCatalog{
		Default: AgentSpec{Type: "builder", Provider: "anthropic", MaxIterations: 10},
		Areas: map[string]AgentSpec{
			"architecture": {Type: "architect", Provider: "anthropic", MaxIterations: 15},
			"docs":         {Type: "scout", Provider: "anthropic", MaxIterations: 5},
		},
	}
}

// LoadAgentCatalog reads an agent catalog from a yaml file. An empty path
// returns the built-in defaults.
func LoadAgentCatalog(path string) (*AgentCatalog, error) {
	if path == "" {
		return DefaultAgentCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent catalog: %w", err)
	}

	catalog := &AgentCatalog{}
	if err := yaml.Unmarshal(data, catalog); err != nil {
		return nil, fmt.Errorf("parse agent catalog: %w", err)
	}

	if catalog.Default.Type == "" {
		catalog.Default = DefaultAgentCatalog().Default
	}
	return catalog, nil
}

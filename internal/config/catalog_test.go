package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAgentCatalog_EmptyPathUsesDefaults(t *testing.T) {
	catalog, err := LoadAgentCatalog("")
	if err != nil {
		t.Fatalf("LoadAgentCatalog: %v", err)
	}
	if catalog.Default.Type != "builder" {
		t.Errorf("default agent type = %q, want builder", catalog.Default.Type)
	}
	if catalog.Default.Provider != "anthropic" {
		t.Errorf("default provider = %q, want anthropic", catalog.Default.Provider)
	}
}

func TestLoadAgentCatalog_FromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	content := `
default:
  type: builder
  provider: anthropic
  max_iterations: 8
areas:
  backend:
    type: architect
    provider: bedrock
    max_iterations: 20
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	catalog, err := LoadAgentCatalog(path)
	if err != nil {
		t.Fatalf("LoadAgentCatalog: %v", err)
	}

	backend := catalog.ForArea("backend")
	if backend.Type != "architect" || backend.Provider != "bedrock" {
		t.Errorf("backend spec = %+v, want architect/bedrock", backend)
	}
	if backend.MaxIterations != 20 {
		t.Errorf("backend max iterations = %d, want 20", backend.MaxIterations)
	}

	other := catalog.ForArea("unmapped")
	if other.Type != "builder" {
		t.Errorf("unmapped area should fall back to default, got %q", other.Type)
	}
}

func TestLoadAgentCatalog_MissingFile(t *testing.T) {
	if _, err := LoadAgentCatalog(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing catalog file")
	}
}

func TestAgentCatalog_OverrideProvider(t *testing.T) {
	catalog := DefaultAgentCatalog()
	catalog.Areas["backend"] = AgentSpec{Type: "architect", Provider: "anthropic", MaxIterations: 20}

	catalog.OverrideProvider("bedrock")

	if catalog.Default.Provider != "bedrock" {
		t.Errorf("default provider = %q, want bedrock", catalog.Default.Provider)
	}
	for area, spec := range catalog.Areas {
		if spec.Provider != "bedrock" {
			t.Errorf("area %s provider = %q, want bedrock", area, spec.Provider)
		}
	}
	if backend := catalog.ForArea("backend"); backend.Type != "architect" || backend.MaxIterations != 20 {
		t.Errorf("override must only touch the provider, got %+v", backend)
	}

	catalog.OverrideProvider("")
	if catalog.Default.Provider != "bedrock" {
		t.Error("empty override must be a no-op")
	}
}

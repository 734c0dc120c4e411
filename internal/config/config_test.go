package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default("film-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "film-1" {
		t.Fatalf("project id %q", cfg.Project.ID)
	}
	if cfg.Budget.Total != 100000 {
		t.Fatalf("budget total %v", cfg.Budget.Total)
	}
	if len(cfg.Phases) != 5 {
		t.Fatalf("expected templates for every phase, got %d", len(cfg.Phases))
	}
	if cfg.ReviewThreshold() != 7 || cfg.MaxRevisions() != 2 {
		t.Fatalf("review defaults %d/%d", cfg.ReviewThreshold(), cfg.MaxRevisions())
	}
}

func TestFromYAMLRejectsOverAllocatedSplit(t *testing.T) {
	data := `project:
  id: p
  kind: creative-production
budget:
  total: 1000
  split:
    writing: 800
    audio: 300
`
	_, err := FromYAML([]byte(data))
	if err == nil || !strings.Contains(err.Error(), "exceeds budget") {
		t.Fatalf("expected split error, got %v", err)
	}
}

func TestFromYAMLRejectsBadProvider(t *testing.T) {
	cases := map[string]string{
		"unknown tier": `
providers:
  - id: a
    tier: gold
    capabilities: [{action: plan}]`,
		"http without endpoint": `
providers:
  - id: a
    kind: http
    capabilities: [{action: plan}]`,
		"duplicate": `
providers:
  - id: a
    capabilities: [{action: plan}]
  - id: a
    capabilities: [{action: plan}]`,
		"no capabilities": `
providers:
  - id: a`,
	}
	for name, body := range cases {
		data := "project:\n  id: p\n  kind: creative-production\n" + body + "\n"
		if _, err := FromYAML([]byte(data)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestFromYAMLRejectsWrongKind(t *testing.T) {
	if _, err := FromYAML([]byte("project:\n  id: p\n  kind: software-project\n")); err == nil {
		t.Fatalf("expected kind error")
	}
}

func TestLoadOptionalMissing(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil || cfg != nil {
		t.Fatalf("expected nil,nil got %v,%v", cfg, err)
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "studioline.yml"), []byte(GenerateDefault("ws")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.ID != "ws" {
		t.Fatalf("project id %q", cfg.Project.ID)
	}
}

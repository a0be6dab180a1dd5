package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aicallyu/olympus/internal/pipeline"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.ID != "proj-1" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
	if cfg.Gates.Build.Timeout != 5*time.Minute {
		t.Fatalf("build timeout = %v", cfg.Gates.Build.Timeout)
	}
	if !cfg.AutoAdvance() || !cfg.HumanCheckpointDefault() {
		t.Fatalf("expected auto advance and human checkpoint defaults")
	}
	if len(cfg.Agents) == 0 {
		t.Fatalf("expected seeded agents")
	}
}

func TestResponsibleRolesFallback(t *testing.T) {
	cfg := Default("p")
	cfg.Gates.Responsible = nil
	roles := cfg.ResponsibleRoles(pipeline.GateDeploy)
	if len(roles) != 1 || roles[0] != "devops" {
		t.Fatalf("roles = %v", roles)
	}
}

func TestValidateRejectsDuplicateAgents(t *testing.T) {
	data := []byte(`project:
  id: p
agents:
  - name: ATLAS
    role: backend
    endpoint_kind: openai
  - name: atlas
    role: backend
    endpoint_kind: openai
`)
	if _, err := FromYAML(data); err == nil {
		t.Fatalf("expected duplicate agent error")
	}
}

func TestValidateRejectsUnknownGate(t *testing.T) {
	data := []byte(`project:
  id: p
gates:
  responsible:
    lint_check: [backend]
`)
	if _, err := FromYAML(data); err == nil {
		t.Fatalf("expected unknown gate error")
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir, "fallback")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.ID != "fallback" {
		t.Fatalf("expected default config, got %q", cfg.Project.ID)
	}
	if err := os.WriteFile(filepath.Join(dir, "olympus.yml"), []byte("project:\n  id: fromfile\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOrDefault(dir, "fallback")
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.Project.ID != "fromfile" || cfg.Routing.ContextMessages != 20 {
		t.Fatalf("unexpected config %+v", cfg.Project)
	}
}

func TestLoadSecretsFromEnv(t *testing.T) {
	t.Setenv("OLYMPUS_LLM_API_KEY", "sk-test")
	t.Setenv("OLYMPUS_SLACK_TOKEN", "xoxb-test")
	s, err := LoadSecrets()
	if err != nil {
		t.Fatalf("secrets: %v", err)
	}
	if s.LLMAPIKey != "sk-test" || s.SlackToken != "xoxb-test" {
		t.Fatalf("unexpected secrets %+v", s)
	}
}

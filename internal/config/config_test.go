package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.LoopInterval() != 30*time.Second {
		t.Fatalf("unexpected loop interval: %s", cfg.LoopInterval())
	}
	if cfg.Retention() != 24*time.Hour {
		t.Fatalf("unexpected retention: %s", cfg.Retention())
	}
	if cfg.RetryBackoff() != 500*time.Millisecond {
		t.Fatalf("unexpected backoff: %s", cfg.RetryBackoff())
	}
}

func TestFromYAMLOverridesAndKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
orchestrator:
  loop_interval_seconds: 5
  usage_limit_percent: 50
executor:
  command: ["run-stage"]
  models:
    model_plan: planner-large
decomposer:
  command: ["decompose"]
`))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Orchestrator.LoopIntervalSeconds != 5 || cfg.Orchestrator.UsageLimitPercent != 50 {
		t.Fatalf("overrides not applied: %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.RetentionHours != 24 {
		t.Fatalf("unset fields must keep defaults, got %d", cfg.Orchestrator.RetentionHours)
	}
	if cfg.Executor.Models.ModelPlan != "planner-large" {
		t.Fatalf("model override lost: %+v", cfg.Executor.Models)
	}
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := []string{
		"orchestrator:\n  loop_interval_seconds: 0\n",
		"orchestrator:\n  usage_limit_percent: 150\n",
		"orchestrator:\n  retry_attempts: 0\n",
		"orchestrator:\n  context_limit: -1\n",
	}
	for _, c := range cases {
		if _, err := FromYAML([]byte(c)); err == nil {
			t.Fatalf("expected validation error for %q", c)
		}
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Orchestrator.LoopIntervalSeconds != 30 {
		t.Fatalf("expected defaults, got %+v", cfg.Orchestrator)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	content := "orchestrator:\n  loop_interval_seconds: 7\n"
	if err := os.WriteFile(filepath.Join(dir, "goalline.yml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Orchestrator.LoopIntervalSeconds != 7 {
		t.Fatalf("expected 7, got %d", cfg.Orchestrator.LoopIntervalSeconds)
	}
}

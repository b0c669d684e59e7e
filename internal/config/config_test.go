package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Workers.ResumeInterval != time.Minute {
		t.Fatalf("unexpected resume interval %s", cfg.Workers.ResumeInterval)
	}
	if cfg.Poll.Interval != 3*time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.Poll.Interval)
	}
	if cfg.AI.ValidationTemp >= cfg.AI.QuestionTemp {
		t.Fatalf("validation temperature should be below question temperature")
	}
}

func TestFromYAMLOverridesKeepDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("workers:\n  requirements: 8\nretry:\n  max_attempts: 5\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Workers.Requirements != 8 || cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Workers, cfg.Retry)
	}
	if cfg.Workers.Sessions != 2 {
		t.Fatalf("expected default sessions pool, got %d", cfg.Workers.Sessions)
	}
	if cfg.Retry.MaxDelay != 8*time.Second {
		t.Fatalf("expected default max delay, got %s", cfg.Retry.MaxDelay)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"provider":    "ai:\n  provider: openai\n",
		"temperature": "ai:\n  validation_temperature: 1.5\n",
		"attempts":    "retry:\n  max_attempts: 0\n",
		"delays":      "retry:\n  base_delay: 10s\n  max_delay: 1s\n",
		"workers":     "workers:\n  requirements: 0\n",
		"resume":      "workers:\n  resume_interval: 0s\n",
		"poll":        "poll:\n  max_attempts: 0\n",
		"webhook":     "outbox:\n  webhooks:\n    - events: [session.ready]\n",
		"yaml":        "ai: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(raw)); err == nil {
				t.Fatalf("expected error for %q", raw)
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.AI.Provider != "anthropic" {
		t.Fatalf("expected default provider, got %s", cfg.AI.Provider)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected missing config error")
	}
	if err := os.WriteFile(filepath.Join(dir, "assessline.yml"), []byte("ai:\n  provider: none\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AI.Provider != "none" {
		t.Fatalf("expected provider none, got %s", cfg.AI.Provider)
	}
}

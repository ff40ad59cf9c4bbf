package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Workers != 4 || cfg.MaxPerStepAttempts != 3 || cfg.MaxTotalAttempts != 8 {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.OnBudgetExceeded != BudgetEscalate {
		t.Fatalf("on_budget_exceeded default: got %q", cfg.OnBudgetExceeded)
	}
	if cfg.NodeTimeout() != 2*time.Minute {
		t.Fatalf("node timeout default: got %v", cfg.NodeTimeout())
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := writeConfig(t, `
addr: "0.0.0.0:9000"
workers: 2
max_per_step_attempts: 5
on_budget_exceeded: fail
protected_paths:
  - "vendor/**"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Addr != "0.0.0.0:9000" {
		t.Fatalf("addr: got %q", cfg.Addr)
	}
	if cfg.Workers != 2 || cfg.MaxPerStepAttempts != 5 {
		t.Fatalf("overrides: %+v", cfg)
	}
	if cfg.OnBudgetExceeded != BudgetFail {
		t.Fatalf("on_budget_exceeded: got %q", cfg.OnBudgetExceeded)
	}
	if len(cfg.ProtectedPaths) != 1 || cfg.ProtectedPaths[0] != "vendor/**" {
		t.Fatalf("protected paths: got %v", cfg.ProtectedPaths)
	}
	// Untouched fields keep their defaults.
	if cfg.MaxTotalAttempts != 8 {
		t.Fatalf("max_total_attempts: got %d want 8", cfg.MaxTotalAttempts)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad budget policy", "on_budget_exceeded: explode\n"},
		{"negative per-step attempts", "max_per_step_attempts: -1\n"},
		{"negative backoff", "backoff_base_ms: -10\n"},
		{"not yaml", "{{{\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tc.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

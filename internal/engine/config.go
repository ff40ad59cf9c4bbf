package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine/server configuration file. Every field has a default;
// an empty file (or no file) is a valid configuration.
type Config struct {
	Addr       string `yaml:"addr"`
	BuildsRoot string `yaml:"builds_root"`

	// Workers bounds the executor pool; it exists to limit filesystem
	// contention, not CPU.
	Workers int `yaml:"workers"`

	MaxPerStepAttempts int `yaml:"max_per_step_attempts"`
	MaxTotalAttempts   int `yaml:"max_total_attempts"`

	BackoffBaseMS     int `yaml:"backoff_base_ms"`
	BackoffCapSeconds int `yaml:"backoff_cap_seconds"`

	NodeTimeoutMS int `yaml:"node_timeout_ms"`

	// OnBudgetExceeded is what happens when an attempt budget runs out:
	// "escalate" opens a human gate, "fail" terminates the build.
	OnBudgetExceeded string `yaml:"on_budget_exceeded"`

	RequiredApprovalRole string `yaml:"required_approval_role"`

	// ProtectedPaths are doublestar patterns no plan may write under, on top
	// of workspace containment. Nil means the built-in defaults.
	ProtectedPaths []string `yaml:"protected_paths"`
}

const (
	BudgetEscalate = "escalate"
	BudgetFail     = "fail"
)

func DefaultConfig() Config {
	return Config{
		Addr:                 "127.0.0.1:8080",
		BuildsRoot:           defaultBuildsRoot(),
		Workers:              4,
		MaxPerStepAttempts:   3,
		MaxTotalAttempts:     8,
		BackoffBaseMS:        200,
		BackoffCapSeconds:    60,
		NodeTimeoutMS:        120_000,
		OnBudgetExceeded:     BudgetEscalate,
		RequiredApprovalRole: "builder-admin",
	}
}

func defaultBuildsRoot() string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return v + "/drafthorse/builds"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "drafthorse-builds"
	}
	return home + "/.local/state/drafthorse/builds"
}

// LoadConfig reads a YAML config file and fills in defaults. path == ""
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Workers <= 0 {
		c.Workers = DefaultConfig().Workers
	}
	if c.MaxPerStepAttempts <= 0 {
		return fmt.Errorf("max_per_step_attempts must be >= 1")
	}
	if c.MaxTotalAttempts <= 0 {
		return fmt.Errorf("max_total_attempts must be >= 1")
	}
	if c.BackoffBaseMS < 0 || c.BackoffCapSeconds < 0 {
		return fmt.Errorf("backoff values must be >= 0")
	}
	switch c.OnBudgetExceeded {
	case "", BudgetEscalate, BudgetFail:
	default:
		return fmt.Errorf("on_budget_exceeded must be %q or %q", BudgetEscalate, BudgetFail)
	}
	if c.OnBudgetExceeded == "" {
		c.OnBudgetExceeded = BudgetEscalate
	}
	return nil
}

func (c Config) NodeTimeout() time.Duration {
	if c.NodeTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.NodeTimeoutMS) * time.Millisecond
}

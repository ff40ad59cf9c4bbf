package engine

import (
	"math"
	"time"
)

// BackoffConfig configures retry delays: base * 2^(attempt-1), hard-capped.
// No jitter; deterministic delays keep the attempt timeline reproducible.
type BackoffConfig struct {
	BaseMS     int
	CapSeconds int
}

func backoffConfigFrom(cfg Config) BackoffConfig {
	return BackoffConfig{BaseMS: cfg.BackoffBaseMS, CapSeconds: cfg.BackoffCapSeconds}
}

// DelayForAttempt returns the delay before retry number attempt (1-indexed:
// the first retry is attempt=1). The cap is a ceiling never exceeded.
func DelayForAttempt(attempt int, cfg BackoffConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.BaseMS <= 0 {
		return 0
	}
	ms := float64(cfg.BaseMS) * math.Pow(2, float64(attempt-1))
	if cfg.CapSeconds > 0 {
		ms = math.Min(ms, float64(cfg.CapSeconds)*1000)
	}
	return time.Duration(ms * float64(time.Millisecond))
}

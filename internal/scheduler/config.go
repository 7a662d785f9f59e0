package scheduler

import (
	"time"

	"github.com/smallbiznis/tokenvault/internal/config"
)

// Config controls the reconciliation schedule and batch sizes.
type Config struct {
	Enabled    bool
	Schedule   string
	BatchSize  int
	JobTimeout time.Duration
	LockTTL    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Schedule:   "@every 15m",
		BatchSize:  200,
		JobTimeout: 5 * time.Minute,
		LockTTL:    10 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:   cfg.Reconcile.Enabled,
		Schedule:  cfg.Reconcile.Schedule,
		BatchSize: cfg.Reconcile.BatchSize,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Schedule == "" {
		c.Schedule = defaults.Schedule
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	// the lease must outlive the job so a slow run is never overlapped
	if c.LockTTL <= c.JobTimeout {
		c.LockTTL = 2 * c.JobTimeout
	}
	return c
}

package scheduler

import (
	"time"

	"github.com/smallbiznis/songforge/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	// RelayRounds bounds the change relay batches drained per tick.
	RelayRounds int
	LeaseTTL    time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 5 * time.Second,
		BatchSize:   50,
		RelayRounds: 20,
		LeaseTTL:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RelayRounds <= 0 {
		c.RelayRounds = defaults.RelayRounds
	}
	if c.LeaseTTL < 2*c.RunInterval {
		c.LeaseTTL = 2 * c.RunInterval
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	c := DefaultConfig()
	c.EnabledJobs = cfg.EnabledJobs
	return c
}

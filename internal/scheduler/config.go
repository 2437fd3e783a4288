package scheduler

import (
	"time"

	"github.com/smallbiznis/waterstats/internal/config"
)

// lockMargin keeps the distributed pass lock alive slightly past the pass
// timeout.
const lockMargin = 30 * time.Second

// Config controls the cycle cadence and pass limits.
type Config struct {
	Interval      time.Duration
	MaxConcurrent int
	PassTimeout   time.Duration
}

func DefaultConfig() Config {
	return ConfigFromPolicy(config.DefaultPolicy())
}

func ConfigFromPolicy(p config.Policy) Config {
	return Config{
		Interval:      p.Interval,
		MaxConcurrent: p.MaxConcurrent,
		PassTimeout:   p.PassTimeout,
	}
}

func (c Config) withDefaults() Config {
	defaults := config.DefaultPolicy()
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaults.MaxConcurrent
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = defaults.PassTimeout
	}
	return c
}

func (c Config) lockTTL() time.Duration {
	return c.PassTimeout + lockMargin
}

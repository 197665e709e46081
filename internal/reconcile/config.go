package reconcile

import (
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// Config bounds how executions are polled.
type Config struct {
	// InitialInterval is the delay after the first poll.
	InitialInterval time.Duration `mapstructure:"initial_interval"`

	// MaxInterval caps the exponential backoff between polls.
	MaxInterval time.Duration `mapstructure:"max_interval"`

	// JitterPercent randomises each delay by up to +/- this percentage.
	JitterPercent uint64 `mapstructure:"jitter_percent"`

	// Timeout is the overall budget for one execution, measured from Watch.
	Timeout time.Duration `mapstructure:"timeout"`

	// MaxTransientErrors is the number of consecutive transient poll
	// failures tolerated before the execution is marked CRASHED.
	MaxTransientErrors int `mapstructure:"max_transient_errors"`

	// RequestsPerSecond limits backend polls across all executions.
	// Zero or negative means unlimited.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	// Burst is the limiter bucket size.
	Burst int `mapstructure:"burst"`
}

// DefaultConfig returns production polling defaults.
func DefaultConfig() Config {
	return Config{
		InitialInterval:    time.Second,
		MaxInterval:        30 * time.Second,
		JitterPercent:      10,
		Timeout:            24 * time.Hour,
		MaxTransientErrors: 5,
		RequestsPerSecond:  20,
		Burst:              10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.JitterPercent > 100 {
		c.JitterPercent = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxTransientErrors < 0 {
		c.MaxTransientErrors = 0
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// newBackoff builds the poll schedule: exponential from InitialInterval,
// jittered, then capped at MaxInterval.
func (c Config) newBackoff() retry.Backoff {
	b := retry.NewExponential(c.InitialInterval)
	if c.JitterPercent > 0 {
		b = retry.WithJitterPercent(c.JitterPercent, b)
	}
	return retry.WithCappedDuration(c.MaxInterval, b)
}

// NewLimiter builds the shared poll limiter for cfg.
func NewLimiter(cfg Config) *rate.Limiter {
	cfg = cfg.withDefaults()
	if cfg.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, cfg.Burst)
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
}

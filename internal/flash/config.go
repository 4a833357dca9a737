package flash

import (
	"errors"
	"fmt"
	"time"
)

// Target id range accepted by the gateway.
const (
	MinTarget = 1
	MaxTarget = 255
)

// Defaults for a transfer run.
const (
	DefaultRetries     = 2
	DefaultDesyncLimit = 50
	DefaultDrainIdle   = 2 * time.Second
	DefaultDrainMax    = 10 * time.Second
)

// Config is the immutable configuration of a transfer run.
// Build it with NewConfig; the zero value is not valid.
type Config struct {
	target         int
	retries        int
	strictTerminal bool
	desyncLimit    int
	drainIdle      time.Duration
	drainMax       time.Duration
}

// NewConfig validates target and applies opts in order.
func NewConfig(target int, opts ...ConfigOption) (Config, error) {
	if !ValidTarget(target) {
		return Config{}, fmt.Errorf("%w: %d (must be %d-%d)", ErrInvalidTarget, target, MinTarget, MaxTarget)
	}

	cfg := Config{
		target:         target,
		retries:        DefaultRetries,
		strictTerminal: true,
		desyncLimit:    DefaultDesyncLimit,
		drainIdle:      DefaultDrainIdle,
		drainMax:       DefaultDrainMax,
	}
	for _, opt := range opts {
		if err := opt.apply(&cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// ValidTarget reports whether id is an addressable target node.
func ValidTarget(id int) bool {
	return id >= MinTarget && id <= MaxTarget
}

// Target returns the target node id.
func (c Config) Target() int { return c.target }

// Retries returns the per-run retry budget for timed-out lines.
func (c Config) Retries() int { return c.retries }

// StrictTerminal reports whether images with a missing or malformed
// end-of-file record are rejected before transmission.
func (c Config) StrictTerminal() bool { return c.strictTerminal }

// DesyncLimit returns how many consecutive out-of-sync acks one line may
// collect before the run aborts. 0 means unlimited.
func (c Config) DesyncLimit() int { return c.desyncLimit }

// DrainIdle returns the silence that ends the post-transfer drain.
// 0 disables the drain.
func (c Config) DrainIdle() time.Duration { return c.drainIdle }

// DrainMax returns the upper bound of the post-transfer drain.
func (c Config) DrainMax() time.Duration { return c.drainMax }

// ConfigOption is a functional option for NewConfig.
type ConfigOption interface {
	apply(*Config) error
}

type configOptFunc func(*Config) error

func (f configOptFunc) apply(c *Config) error { return f(c) }

// WithRetries sets the retry budget. Must be >= 0.
func WithRetries(n int) ConfigOption {
	return configOptFunc(func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("flash: retries %d must not be negative", n)
		}
		c.retries = n
		return nil
	})
}

// WithStrictTerminal enables or disables the end-of-file record check.
// Enabled by default.
func WithStrictTerminal(strict bool) ConfigOption {
	return configOptFunc(func(c *Config) error {
		c.strictTerminal = strict
		return nil
	})
}

// WithDesyncLimit sets the consecutive out-of-sync ceiling. 0 is unlimited.
func WithDesyncLimit(n int) ConfigOption {
	return configOptFunc(func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("flash: desync limit %d must not be negative", n)
		}
		c.desyncLimit = n
		return nil
	})
}

// WithDrain bounds the diagnostic drain after a successful transfer.
// idle 0 disables it.
func WithDrain(idle, maxWait time.Duration) ConfigOption {
	return configOptFunc(func(c *Config) error {
		if idle < 0 || maxWait < 0 {
			return errors.New("flash: drain durations must not be negative")
		}
		c.drainIdle = idle
		c.drainMax = maxWait
		return nil
	})
}

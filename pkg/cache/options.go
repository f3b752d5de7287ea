package cache

import (
	"log/slog"
	"time"

	"github.com/jdziat/adaptive-jobs/pkg/core"
)

// Config holds cache configuration.
type Config struct {
	// BudgetBytes is the total estimated footprint the cache may hold.
	// Default: 512 MiB
	BudgetBytes int64

	// DefaultTTL is the idle time after which an unborrowed entry expires.
	// Zero disables expiry. Default: 10m
	DefaultTTL time.Duration

	// Window is the number of recent lookups the hit rate is computed over.
	// Default: 100
	Window int

	// AlertThreshold raises a hit-rate alert when the windowed rate drops below it.
	// Zero disables alerting. Default: 0.5
	AlertThreshold float64

	// JanitorInterval is how often Run sweeps expired entries.
	// Default: 30s
	JanitorInterval time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		BudgetBytes:     512 << 20,
		DefaultTTL:      10 * time.Minute,
		Window:          100,
		AlertThreshold:  0.5,
		JanitorInterval: 30 * time.Second,
	}
}

// Option configures a Cache.
type Option interface {
	apply(*Cache)
}

type optionFunc func(*Cache)

func (f optionFunc) apply(c *Cache) { f(c) }

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return optionFunc(func(c *Cache) {
		c.config = cfg
	})
}

// WithBudget sets the memory budget in bytes.
func WithBudget(bytes int64) Option {
	return optionFunc(func(c *Cache) {
		c.config.BudgetBytes = bytes
	})
}

// WithDefaultTTL sets the idle expiry for entries without their own TTL.
func WithDefaultTTL(d time.Duration) Option {
	return optionFunc(func(c *Cache) {
		c.config.DefaultTTL = d
	})
}

// WithHitRateAlert sets the sliding window size and alert threshold.
func WithHitRateAlert(window int, threshold float64) Option {
	return optionFunc(func(c *Cache) {
		c.config.Window = window
		c.config.AlertThreshold = threshold
	})
}

// WithResolver sets the key to factory lookup.
func WithResolver(r Resolver) Option {
	return optionFunc(func(c *Cache) {
		c.resolver = r
	})
}

// WithEmitter sets where hit-rate alerts are published.
func WithEmitter(e core.Emitter) Option {
	return optionFunc(func(c *Cache) {
		if e != nil {
			c.emitter = e
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	})
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *Cache) {
		if now != nil {
			c.now = now
		}
	})
}

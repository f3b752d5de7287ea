package jobs

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/jdziat/adaptive-jobs/pkg/monitor"
)

// Option configures a System.
type Option interface {
	apply(*System)
}

type optionFunc func(*System)

func (f optionFunc) apply(s *System) { f(s) }

// WithLogger sets the logger shared by every component. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(s *System) {
		if l != nil {
			s.logger = l
		}
	})
}

// WithProbe replaces the host utilisation probe. Default: a gopsutil host probe.
func WithProbe(p monitor.Probe) Option {
	return optionFunc(func(s *System) {
		if p != nil {
			s.probe = p
		}
	})
}

// WithGPUProbe adds a GPU source to the default host probe.
func WithGPUProbe(g monitor.GPUProbe) Option {
	return optionFunc(func(s *System) {
		s.gpu = g
	})
}

// WithCheck adds a startup probe run during boot next to the built-in ones.
func WithCheck(name string, fn func(ctx context.Context) error) Option {
	return optionFunc(func(s *System) {
		s.checks = append(s.checks, check{name: name, fn: fn})
	})
}

// WithDB archives terminal jobs, metric samples and per-kind stats in db
// instead of opening the archive named by the configuration.
func WithDB(db *gorm.DB) Option {
	return optionFunc(func(s *System) {
		s.db = db
	})
}

// WithRedisClient publishes events to the given client instead of dialing
// the configured Redis URL.
func WithRedisClient(c redis.Cmdable) Option {
	return optionFunc(func(s *System) {
		s.redis = c
	})
}

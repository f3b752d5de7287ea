package scheduler

import (
	"log/slog"
	"time"

	"github.com/jdziat/adaptive-jobs/pkg/core"
	"github.com/jdziat/adaptive-jobs/pkg/retry"
	"github.com/jdziat/adaptive-jobs/pkg/security"
)

// Config holds scheduler configuration.
type Config struct {
	// MaxQueueDepth bounds QUEUED jobs, including those waiting to retry.
	// Default: 1000
	MaxQueueDepth int

	// DefaultMaxRetries applies to jobs submitted without WithRetries.
	// Default: 3
	DefaultMaxRetries int

	// Retry shapes the backoff between attempts of a transient failure.
	Retry retry.Config

	// DispatchInterval is how often the dispatcher polls when not woken.
	// Default: 10ms
	DispatchInterval time.Duration

	// WatchdogInterval is how often deadlines are checked.
	// Default: 100ms
	WatchdogInterval time.Duration

	// Retention keeps terminal jobs queryable for this long.
	// Default: 10m
	Retention time.Duration

	// RetentionSchedule is the cron spec of the retention sweep.
	// Default: "@every 1m"
	RetentionSchedule string
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxQueueDepth:     1000,
		DefaultMaxRetries: 3,
		Retry: retry.Config{
			InitialBackoff:    200 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.1,
		},
		DispatchInterval:  10 * time.Millisecond,
		WatchdogInterval:  100 * time.Millisecond,
		Retention:         10 * time.Minute,
		RetentionSchedule: "@every 1m",
	}
}

// Option configures a Scheduler.
type Option interface {
	apply(*Scheduler)
}

type optionFunc func(*Scheduler)

func (f optionFunc) apply(s *Scheduler) { f(s) }

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return optionFunc(func(s *Scheduler) {
		s.config = cfg
	})
}

// WithMaxQueueDepth sets the admission bound.
func WithMaxQueueDepth(n int) Option {
	return optionFunc(func(s *Scheduler) {
		s.config.MaxQueueDepth = n
	})
}

// WithArchive sets where Status looks for jobs no longer tracked in memory.
func WithArchive(a core.Archive) Option {
	return optionFunc(func(s *Scheduler) {
		s.archive = a
	})
}

// WithGate sets a check run before every admission; a non-nil error rejects it.
func WithGate(gate func() error) Option {
	return optionFunc(func(s *Scheduler) {
		s.gate = gate
	})
}

// WithOnAdmit registers a hook called after every admission.
func WithOnAdmit(fn func(job *core.Job)) Option {
	return optionFunc(func(s *Scheduler) {
		s.onAdmit = append(s.onAdmit, fn)
	})
}

// WithEmitter sets where job events are published.
func WithEmitter(e core.Emitter) Option {
	return optionFunc(func(s *Scheduler) {
		if e != nil {
			s.emitter = e
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	})
}

// WithClock overrides the time source used for job timestamps.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	})
}

// SubmitOption configures a single submission.
type SubmitOption interface {
	applySubmit(*submitOptions)
}

type submitOptions struct {
	priority   core.Priority
	deadline   *time.Time
	timeout    time.Duration
	maxRetries *int
}

type submitOptionFunc func(*submitOptions)

func (f submitOptionFunc) applySubmit(o *submitOptions) { f(o) }

// WithPriority sets the job priority. Default: MEDIUM.
func WithPriority(p core.Priority) SubmitOption {
	return submitOptionFunc(func(o *submitOptions) {
		o.priority = p
	})
}

// WithDeadline sets an absolute deadline.
func WithDeadline(t time.Time) SubmitOption {
	return submitOptionFunc(func(o *submitOptions) {
		o.deadline = &t
	})
}

// WithTimeout sets the deadline relative to submission.
func WithTimeout(d time.Duration) SubmitOption {
	return submitOptionFunc(func(o *submitOptions) {
		o.timeout = d
	})
}

// WithRetries sets how many times a transient failure is retried.
// Values are clamped to [0, MaxRetries].
func WithRetries(n int) SubmitOption {
	return submitOptionFunc(func(o *submitOptions) {
		n = security.ClampRetries(n)
		o.maxRetries = &n
	})
}

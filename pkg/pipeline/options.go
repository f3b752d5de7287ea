package pipeline

import (
	"log/slog"
	"time"

	"github.com/jdziat/adaptive-jobs/pkg/core"
	"github.com/jdziat/adaptive-jobs/pkg/retry"
	"github.com/jdziat/adaptive-jobs/pkg/security"
)

// DropPolicy decides what happens to a full buffer.
type DropPolicy int

const (
	// RejectNewest refuses the incoming job (after blocking, in Block mode).
	RejectNewest DropPolicy = iota
	// DropOldest discards the oldest buffered job to make room.
	DropOldest
)

func (p DropPolicy) String() string {
	switch p {
	case RejectNewest:
		return "reject_newest"
	case DropOldest:
		return "drop_oldest"
	default:
		return "unknown"
	}
}

// ParseDropPolicy converts "reject_newest" or "drop_oldest".
func ParseDropPolicy(s string) (DropPolicy, bool) {
	switch s {
	case "reject_newest", "":
		return RejectNewest, true
	case "drop_oldest":
		return DropOldest, true
	default:
		return RejectNewest, false
	}
}

// EnqueueMode decides whether Enqueue waits for room.
type EnqueueMode int

const (
	// Block waits for room up to EnqueueTimeout.
	Block EnqueueMode = iota
	// FailFast returns ErrBufferFull immediately.
	FailFast
)

func (m EnqueueMode) String() string {
	if m == FailFast {
		return "fail_fast"
	}
	return "block"
}

// ParseEnqueueMode converts "block" or "fail_fast".
func ParseEnqueueMode(s string) (EnqueueMode, bool) {
	switch s {
	case "block", "":
		return Block, true
	case "fail_fast":
		return FailFast, true
	default:
		return Block, false
	}
}

// Config holds pipeline configuration.
type Config struct {
	// Workers is the pool size N.
	// Default: 4
	Workers int

	// Capacity bounds the buffer.
	// Default: 64
	Capacity int

	// Policy applies when the buffer is full at NORMAL level.
	// Default: RejectNewest
	Policy DropPolicy

	// Mode selects block-with-timeout or fail-fast enqueueing.
	// Default: Block
	Mode EnqueueMode

	// EnqueueTimeout bounds how long Block mode waits. Zero waits for the context.
	// Default: 500ms
	EnqueueTimeout time.Duration

	// ResourceRetry bounds local retries of failed resource construction.
	ResourceRetry retry.Config
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		Capacity:       64,
		Policy:         RejectNewest,
		Mode:           Block,
		EnqueueTimeout: 500 * time.Millisecond,
		ResourceRetry:  retry.DefaultConfig(),
	}
}

// Hooks observe job execution. Hooks run on the worker goroutine.
type Hooks struct {
	// OnStart runs once the job holds a worker, before resource acquisition.
	OnStart func(job *core.Job)
}

// Option configures a Pipeline.
type Option interface {
	apply(*Pipeline)
}

type optionFunc func(*Pipeline)

func (f optionFunc) apply(p *Pipeline) { f(p) }

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return optionFunc(func(p *Pipeline) {
		p.config = cfg
	})
}

// WithWorkers sets the pool size, clamped to [1, MaxWorkers].
func WithWorkers(n int) Option {
	return optionFunc(func(p *Pipeline) {
		p.config.Workers = n
	})
}

// WithCapacity sets the buffer capacity.
func WithCapacity(n int) Option {
	return optionFunc(func(p *Pipeline) {
		p.config.Capacity = n
	})
}

// WithDropPolicy sets the full-buffer policy.
func WithDropPolicy(policy DropPolicy) Option {
	return optionFunc(func(p *Pipeline) {
		p.config.Policy = policy
	})
}

// WithEnqueueMode sets block or fail-fast behaviour and the block timeout.
func WithEnqueueMode(mode EnqueueMode, timeout time.Duration) Option {
	return optionFunc(func(p *Pipeline) {
		p.config.Mode = mode
		p.config.EnqueueTimeout = timeout
	})
}

// WithResourceRetry sets the bound on local resource construction retries.
func WithResourceRetry(cfg retry.Config) Option {
	return optionFunc(func(p *Pipeline) {
		p.config.ResourceRetry = cfg
	})
}

// WithCompletionRecorder sets where finished jobs are counted.
func WithCompletionRecorder(r CompletionRecorder) Option {
	return optionFunc(func(p *Pipeline) {
		p.recorder = r
	})
}

// WithHooks sets execution hooks.
func WithHooks(h Hooks) Option {
	return optionFunc(func(p *Pipeline) {
		p.hooks = h
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	})
}

func (c *Config) normalize() {
	c.Workers = security.ClampWorkers(c.Workers)
	c.Capacity = security.ClampBufferCapacity(c.Capacity)
	if c.EnqueueTimeout < 0 {
		c.EnqueueTimeout = 0
	}
}

package monitor

import (
	"log/slog"
	"time"

	"github.com/jdziat/adaptive-jobs/pkg/core"
)

// Thresholds are utilisation percentages per resource.
type Thresholds struct {
	CPUPct float64
	MemPct float64
	GPUPct float64
}

// Config holds monitor configuration.
type Config struct {
	// Interval between samples when running.
	// Default: 1s
	Interval time.Duration

	// Consecutive is k: samples needed to escalate or recover.
	// Default: 3
	Consecutive int

	// Warn thresholds enter WARNING. CRITICAL sits half-way between warn and 100%.
	// Default: 80/85/90 (cpu/mem/gpu)
	Warn Thresholds

	// Hysteresis is how many points below warn a resource must fall to count as clean.
	// Default: 10
	Hysteresis float64

	// Alpha is the EWMA smoothing factor in (0, 1]. 1 disables smoothing.
	// Default: 0.5
	Alpha float64

	// TargetRate is the expected completions per second. Zero disables the rate signal.
	TargetRate float64

	// MaxDropRate is the buffer drop ratio above which a breach becomes CRITICAL.
	// Default: 0.2
	MaxDropRate float64

	// HistorySize bounds the retained snapshots.
	// Default: 120
	HistorySize int
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Second,
		Consecutive: 3,
		Warn:        Thresholds{CPUPct: 80, MemPct: 85, GPUPct: 90},
		Hysteresis:  10,
		Alpha:       0.5,
		MaxDropRate: 0.2,
		HistorySize: 120,
	}
}

// Option configures a Monitor.
type Option interface {
	apply(*Monitor)
}

type optionFunc func(*Monitor)

func (f optionFunc) apply(m *Monitor) { f(m) }

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return optionFunc(func(m *Monitor) {
		m.config = cfg
	})
}

// WithProbe sets the utilisation source used by Sample.
func WithProbe(p Probe) Option {
	return optionFunc(func(m *Monitor) {
		m.probe = p
	})
}

// WithSignals sets the source of aggravating signals.
func WithSignals(f SignalFunc) Option {
	return optionFunc(func(m *Monitor) {
		m.signals = f
	})
}

// WithEmitter sets where level changes are published.
func WithEmitter(e core.Emitter) Option {
	return optionFunc(func(m *Monitor) {
		if e != nil {
			m.emitter = e
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	})
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	})
}

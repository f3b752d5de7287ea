package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jdziat/adaptive-jobs/pkg/core"
)

// ErrNoProbe is returned by Sample when no probe was configured.
var ErrNoProbe = errors.New("monitor: no probe configured")

// Signals are cumulative counters and flags from other components.
type Signals struct {
	CacheAlert bool
	Dropped    uint64 // cumulative buffer drops
	Offered    uint64 // cumulative buffer offers
	Backlog    int    // jobs waiting for dispatch
}

// SignalFunc returns the current aggravating signals.
type SignalFunc func() Signals

// LevelListener is called after every level change, outside the monitor lock.
type LevelListener func(from, to core.DegradationLevel, snap core.MetricSnapshot)

type ewma struct {
	value float64
	set   bool
}

func (e *ewma) add(alpha, v float64) float64 {
	if !e.set {
		e.value, e.set = v, true
		return v
	}
	e.value = alpha*v + (1-alpha)*e.value
	return e.value
}

// Monitor derives MetricSnapshots and the degradation level.
type Monitor struct {
	config  Config
	probe   Probe
	signals SignalFunc
	emitter core.Emitter
	logger  *slog.Logger
	now     func() time.Time

	completions atomic.Uint64

	mu            sync.RWMutex
	level         core.DegradationLevel
	cpu, mem, gpu ewma
	rate          ewma
	hasGPU        bool
	rawGPU        float64 // last raw GPU reading
	lastSampleAt  time.Time
	lastCompleted uint64
	lastDropped   uint64
	lastOffered   uint64
	breachStreak  int
	severeStreak  int
	calmStreak    int // samples that are not severe
	cleanStreak   int
	latest        core.MetricSnapshot
	history       []core.MetricSnapshot
	historyPos    int
	historyLen    int
	listeners     []LevelListener
}

// New creates a Monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		config:  DefaultConfig(),
		emitter: core.NopEmitter,
		logger:  slog.Default(),
		now:     time.Now,
		level:   core.LevelNormal,
	}
	for _, opt := range opts {
		opt.apply(m)
	}
	if m.config.Consecutive < 1 {
		m.config.Consecutive = 1
	}
	if m.config.Alpha <= 0 || m.config.Alpha > 1 {
		m.config.Alpha = 1
	}
	if m.config.HistorySize < 1 {
		m.config.HistorySize = 1
	}
	m.history = make([]core.MetricSnapshot, m.config.HistorySize)
	return m
}

// OnLevelChange registers a listener for level transitions.
func (m *Monitor) OnLevelChange(fn LevelListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// RecordCompletion counts one finished job towards the achieved rate.
func (m *Monitor) RecordCompletion() {
	m.completions.Add(1)
}

// Sample reads the probe and folds the reading into the model.
func (m *Monitor) Sample(ctx context.Context) (core.MetricSnapshot, error) {
	if m.probe == nil {
		return core.MetricSnapshot{}, ErrNoProbe
	}
	r, err := m.probe.Read(ctx)
	if err != nil {
		return core.MetricSnapshot{}, err
	}
	return m.Observe(r), nil
}

// Observe folds one reading into the model and returns the new snapshot.
func (m *Monitor) Observe(r Reading) core.MetricSnapshot {
	var sig Signals
	if m.signals != nil {
		sig = m.signals()
	}
	now := m.now()
	completed := m.completions.Load()

	m.mu.Lock()
	alpha := m.config.Alpha
	cpu := m.cpu.add(alpha, r.CPUPct)
	mem := m.mem.add(alpha, r.MemPct)
	var gpu float64
	if r.HasGPU {
		m.hasGPU = true
		m.rawGPU = r.GPUPct
		gpu = m.gpu.add(alpha, r.GPUPct)
	} else if m.hasGPU {
		gpu = m.gpu.value
	}

	var achieved float64
	if !m.lastSampleAt.IsZero() {
		if elapsed := now.Sub(m.lastSampleAt).Seconds(); elapsed > 0 {
			achieved = m.rate.add(alpha, float64(completed-m.lastCompleted)/elapsed)
		}
	}
	var dropRate float64
	if offered := sig.Offered - m.lastOffered; offered > 0 && sig.Offered >= m.lastOffered {
		dropRate = float64(sig.Dropped-m.lastDropped) / float64(offered)
	}
	m.lastSampleAt = now
	m.lastCompleted = completed
	m.lastDropped = sig.Dropped
	m.lastOffered = sig.Offered

	// Streaks count raw readings; the smoothed values are only published.
	warn := m.config.Warn
	rawCPU, rawMem, rawGPU := r.CPUPct, r.MemPct, m.rawGPU
	rateShort := m.config.TargetRate > 0 && sig.Backlog > 0 && achieved > 0 && achieved < m.config.TargetRate/2
	breach := rateShort ||
		above(rawCPU, warn.CPUPct) || above(rawMem, warn.MemPct) || (m.hasGPU && above(rawGPU, warn.GPUPct))
	severe := above(rawCPU, critical(warn.CPUPct)) || above(rawMem, critical(warn.MemPct)) ||
		(m.hasGPU && above(rawGPU, critical(warn.GPUPct))) ||
		(breach && (sig.CacheAlert || dropRate > m.config.MaxDropRate))
	hyst := m.config.Hysteresis
	clean := !rateShort &&
		released(rawCPU, warn.CPUPct, hyst) && released(rawMem, warn.MemPct, hyst) &&
		(!m.hasGPU || released(rawGPU, warn.GPUPct, hyst))

	m.breachStreak = streak(m.breachStreak, breach)
	m.severeStreak = streak(m.severeStreak, severe)
	m.calmStreak = streak(m.calmStreak, !severe)
	m.cleanStreak = streak(m.cleanStreak, clean)

	from := m.level
	m.level = m.nextLevelLocked()

	snap := core.MetricSnapshot{
		Timestamp:    now,
		CPUPct:       cpu,
		GPUPct:       gpu,
		MemPct:       mem,
		AchievedRate: achieved,
		TargetRate:   m.config.TargetRate,
		DropRate:     dropRate,
		CacheAlert:   sig.CacheAlert,
		Level:        m.level,
	}
	m.latest = snap
	m.history[m.historyPos] = snap
	m.historyPos = (m.historyPos + 1) % len(m.history)
	if m.historyLen < len(m.history) {
		m.historyLen++
	}
	to := m.level
	var listeners []LevelListener
	if from != to {
		listeners = append(listeners, m.listeners...)
	}
	m.mu.Unlock()

	if from != to {
		m.logger.Info("degradation level changed",
			"from", from.String(), "to", to.String(),
			"cpu_pct", cpu, "mem_pct", mem, "gpu_pct", gpu, "drop_rate", dropRate)
		m.emitter.Emit(&core.DegradationChanged{From: from, To: to, Snapshot: snap, Timestamp: now})
		for _, fn := range listeners {
			fn(from, to, snap)
		}
	}
	return snap
}

func (m *Monitor) nextLevelLocked() core.DegradationLevel {
	k := m.config.Consecutive
	switch m.level {
	case core.LevelNormal:
		if m.severeStreak >= k {
			return core.LevelCritical
		}
		if m.breachStreak >= k {
			return core.LevelWarning
		}
	case core.LevelWarning:
		if m.severeStreak >= k {
			return core.LevelCritical
		}
		if m.cleanStreak >= k {
			return core.LevelNormal
		}
	case core.LevelCritical:
		if m.cleanStreak >= k {
			return core.LevelNormal
		}
		if m.calmStreak >= k {
			return core.LevelWarning
		}
	}
	return m.level
}

// Level returns the current degradation level.
func (m *Monitor) Level() core.DegradationLevel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// Latest returns the most recent snapshot.
func (m *Monitor) Latest() core.MetricSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// History returns retained snapshots, oldest first.
func (m *Monitor) History() []core.MetricSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]core.MetricSnapshot, 0, m.historyLen)
	start := (m.historyPos - m.historyLen + len(m.history)) % len(m.history)
	for i := 0; i < m.historyLen; i++ {
		out = append(out, m.history[(start+i)%len(m.history)])
	}
	return out
}

// Run samples on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sample(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("monitor sample failed", "error", err)
			}
		}
	}
}

func critical(warn float64) float64 {
	return warn + (100-warn)/2
}

func above(v, threshold float64) bool {
	return threshold > 0 && v >= threshold
}

// released reports whether v sits below the recovery threshold. Disabled
// thresholds are always released.
func released(v, warn, hysteresis float64) bool {
	return warn <= 0 || v < warn-hysteresis
}

func streak(n int, hit bool) int {
	if hit {
		return n + 1
	}
	return 0
}

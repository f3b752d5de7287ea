package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/adaptive-jobs/pkg/core"
)

// Trigger names an event that may move the system to another state.
type Trigger string

const (
	TriggerProbesPassed   Trigger = "probes_passed"
	TriggerValidated      Trigger = "validated"
	TriggerFirstAdmission Trigger = "first_admission"
	TriggerCritical       Trigger = "critical"
	TriggerRecovered      Trigger = "recovered"
	TriggerStop           Trigger = "stop"
)

var table = map[core.SystemState]map[Trigger]core.SystemState{
	core.SystemInit: {
		TriggerProbesPassed: core.SystemCheckEnv,
		TriggerStop:         core.SystemShutdown,
	},
	core.SystemCheckEnv: {
		TriggerValidated: core.SystemIdle,
		TriggerStop:      core.SystemShutdown,
	},
	core.SystemIdle: {
		TriggerFirstAdmission: core.SystemRunning,
		TriggerStop:           core.SystemShutdown,
	},
	core.SystemRunning: {
		TriggerCritical: core.SystemDegraded,
		TriggerStop:     core.SystemShutdown,
	},
	core.SystemDegraded: {
		TriggerRecovered: core.SystemRunning,
		TriggerStop:      core.SystemShutdown,
	},
}

// Next returns the state the table maps (from, trigger) to.
func Next(from core.SystemState, trigger Trigger) (core.SystemState, bool) {
	to, ok := table[from][trigger]
	return to, ok
}

// Check is a named startup probe or validator.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Transition is one committed state change.
type Transition struct {
	From    core.SystemState
	To      core.SystemState
	Trigger Trigger
	Reason  string
	At      time.Time
}

// Listener is called after every committed transition, outside the lock.
type Listener func(t Transition)

// Manager holds the system state and applies the transition table.
type Manager struct {
	emitter core.Emitter
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.RWMutex
	state      core.SystemState
	history    []Transition
	listeners  []Listener
	hooks      []func(ctx context.Context) error
	startupErr error
	stopping   bool
}

// Option configures a Manager.
type Option interface {
	apply(*Manager)
}

type optionFunc func(*Manager)

func (f optionFunc) apply(m *Manager) { f(m) }

// WithEmitter sets where transitions are published.
func WithEmitter(e core.Emitter) Option {
	return optionFunc(func(m *Manager) {
		if e != nil {
			m.emitter = e
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	})
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(m *Manager) {
		if now != nil {
			m.now = now
		}
	})
}

// NewManager creates a Manager in INIT.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		emitter: core.NopEmitter,
		logger:  slog.Default(),
		now:     time.Now,
		state:   core.SystemInit,
	}
	for _, opt := range opts {
		opt.apply(m)
	}
	return m
}

// State returns the current state.
func (m *Manager) State() core.SystemState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// History returns every committed transition, oldest first.
func (m *Manager) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// StartupError returns the StartupFailed report, if boot failed.
func (m *Manager) StartupError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.startupErr
}

// OnTransition registers a listener.
func (m *Manager) OnTransition(fn Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// OnShutdown registers a hook run by Shutdown before SHUTDOWN is committed.
// Hooks run in registration order.
func (m *Manager) OnShutdown(fn func(ctx context.Context) error) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Fire applies trigger to the current state.
func (m *Manager) Fire(trigger Trigger, reason string) (core.SystemState, error) {
	m.mu.Lock()
	from := m.state
	to, ok := Next(from, trigger)
	if !ok {
		m.mu.Unlock()
		return from, fmt.Errorf("%w: %s on %s", core.ErrInvalidTransition, trigger, from)
	}
	t := m.commitLocked(from, to, trigger, reason)
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	m.announce(t, listeners)
	return to, nil
}

func (m *Manager) commitLocked(from, to core.SystemState, trigger Trigger, reason string) Transition {
	t := Transition{From: from, To: to, Trigger: trigger, Reason: reason, At: m.now()}
	m.state = to
	m.history = append(m.history, t)
	return t
}

func (m *Manager) announce(t Transition, listeners []Listener) {
	m.logger.Info("system state changed",
		"from", string(t.From), "to", string(t.To), "trigger", string(t.Trigger), "reason", t.Reason)
	m.emitter.Emit(&core.SystemStateChanged{From: t.From, To: t.To, Reason: t.Reason, Timestamp: t.At})
	for _, fn := range listeners {
		fn(t)
	}
}

// Boot runs resource probes in INIT and validators in CHECK_ENV, leaving the
// system IDLE. The first failure is reported as StartupFailed and is final:
// later calls return the same report.
func (m *Manager) Boot(ctx context.Context, probes, validators []Check) error {
	if err := m.StartupError(); err != nil {
		return err
	}
	if s := m.State(); s != core.SystemInit {
		return fmt.Errorf("%w: boot from %s", core.ErrInvalidTransition, s)
	}

	if err := m.runChecks(ctx, core.SystemInit, probes); err != nil {
		return err
	}
	if _, err := m.Fire(TriggerProbesPassed, fmt.Sprintf("%d probes passed", len(probes))); err != nil {
		return err
	}

	if err := m.runChecks(ctx, core.SystemCheckEnv, validators); err != nil {
		return err
	}
	if _, err := m.Fire(TriggerValidated, fmt.Sprintf("%d validators passed", len(validators))); err != nil {
		return err
	}
	return nil
}

func (m *Manager) runChecks(ctx context.Context, stage core.SystemState, checks []Check) error {
	for _, c := range checks {
		err := ctx.Err()
		if err == nil {
			err = c.Fn(ctx)
		}
		if err == nil {
			continue
		}
		failed := &core.StartupFailed{Stage: stage, Probe: c.Name, Err: err}
		m.mu.Lock()
		m.startupErr = failed
		m.mu.Unlock()
		m.logger.Error("startup failed", "stage", string(stage), "check", c.Name, "error", err)
		return failed
	}
	return nil
}

// NotifyAdmission moves IDLE to RUNNING on the first admitted job.
func (m *Manager) NotifyAdmission() {
	if m.State() != core.SystemIdle {
		return
	}
	if _, err := m.Fire(TriggerFirstAdmission, "first job admitted"); err != nil {
		m.logger.Debug("admission transition skipped", "error", err)
	}
}

// NotifyDegradation maps monitor levels onto RUNNING and DEGRADED.
func (m *Manager) NotifyDegradation(level core.DegradationLevel) {
	var trigger Trigger
	switch {
	case level == core.LevelCritical && m.State() == core.SystemRunning:
		trigger = TriggerCritical
	case level == core.LevelNormal && m.State() == core.SystemDegraded:
		trigger = TriggerRecovered
	default:
		return
	}
	if _, err := m.Fire(trigger, "degradation level "+level.String()); err != nil {
		m.logger.Debug("degradation transition skipped", "error", err)
	}
}

// AcceptingJobs returns nil when submissions may be admitted.
func (m *Manager) AcceptingJobs() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopping || m.state == core.SystemShutdown {
		return core.ErrShuttingDown
	}
	switch m.state {
	case core.SystemIdle, core.SystemRunning, core.SystemDegraded:
		return nil
	default:
		return core.ErrNotAccepting
	}
}

// Shutdown stops intake, runs the shutdown hooks (pipeline drain first) and
// commits SHUTDOWN. Hook errors are returned joined; SHUTDOWN is committed regardless.
func (m *Manager) Shutdown(ctx context.Context, reason string) error {
	m.mu.Lock()
	if m.state == core.SystemShutdown || m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	hooks := append([]func(ctx context.Context) error(nil), m.hooks...)
	m.mu.Unlock()

	var errs []error
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := m.Fire(TriggerStop, reason); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

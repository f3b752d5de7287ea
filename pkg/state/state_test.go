package state

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/adaptive-jobs/pkg/core"
)

func ok(name string) Check {
	return Check{Name: name, Fn: func(ctx context.Context) error { return nil }}
}

func failing(name string, err error) Check {
	return Check{Name: name, Fn: func(ctx context.Context) error { return err }}
}

func booted(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(opts...)
	require.NoError(t, m.Boot(context.Background(), []Check{ok("cpu")}, []Check{ok("config")}))
	return m
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from    core.SystemState
		trigger Trigger
		to      core.SystemState
		ok      bool
	}{
		{core.SystemInit, TriggerProbesPassed, core.SystemCheckEnv, true},
		{core.SystemCheckEnv, TriggerValidated, core.SystemIdle, true},
		{core.SystemIdle, TriggerFirstAdmission, core.SystemRunning, true},
		{core.SystemRunning, TriggerCritical, core.SystemDegraded, true},
		{core.SystemDegraded, TriggerRecovered, core.SystemRunning, true},
		{core.SystemInit, TriggerStop, core.SystemShutdown, true},
		{core.SystemDegraded, TriggerStop, core.SystemShutdown, true},
		{core.SystemInit, TriggerValidated, "", false},
		{core.SystemIdle, TriggerCritical, "", false},
		{core.SystemRunning, TriggerRecovered, "", false},
		{core.SystemShutdown, TriggerStop, "", false},
		{core.SystemShutdown, TriggerProbesPassed, "", false},
	}
	for _, tt := range tests {
		to, ok := Next(tt.from, tt.trigger)
		assert.Equal(t, tt.ok, ok, "%s on %s", tt.trigger, tt.from)
		if tt.ok {
			assert.Equal(t, tt.to, to)
		}
	}
}

func TestBoot(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var events []core.Event
		m := NewManager(WithEmitter(core.EmitterFunc(func(e core.Event) { events = append(events, e) })))

		require.NoError(t, m.Boot(context.Background(), []Check{ok("cpu"), ok("memory")}, []Check{ok("config")}))
		assert.Equal(t, core.SystemIdle, m.State())

		history := m.History()
		require.Len(t, history, 2)
		assert.Equal(t, core.SystemCheckEnv, history[0].To)
		assert.Equal(t, TriggerValidated, history[1].Trigger)
		require.Len(t, events, 2)
		ev := events[1].(*core.SystemStateChanged)
		assert.Equal(t, core.SystemCheckEnv, ev.From)
		assert.Equal(t, core.SystemIdle, ev.To)
	})

	t.Run("probe failure is terminal", func(t *testing.T) {
		var calls int
		probe := Check{Name: "gpu", Fn: func(ctx context.Context) error {
			calls++
			return errors.New("no device")
		}}
		m := NewManager()

		err := m.Boot(context.Background(), []Check{ok("cpu"), probe}, nil)
		var failed *core.StartupFailed
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, core.SystemInit, failed.Stage)
		assert.Equal(t, "gpu", failed.Probe)
		assert.Equal(t, core.SystemInit, m.State())

		again := m.Boot(context.Background(), []Check{ok("cpu"), probe}, nil)
		assert.Same(t, err, again)
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, m.AcceptingJobs(), core.ErrNotAccepting)
	})

	t.Run("validation failure halts in CHECK_ENV", func(t *testing.T) {
		m := NewManager()
		boom := errors.New("worker_count must be positive")

		err := m.Boot(context.Background(), []Check{ok("cpu")}, []Check{failing("config", boom)})
		var failed *core.StartupFailed
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, core.SystemCheckEnv, failed.Stage)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, core.SystemCheckEnv, m.State())
		assert.Equal(t, err, m.StartupError())
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := NewManager().Boot(ctx, []Check{ok("cpu")}, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("boot twice", func(t *testing.T) {
		m := booted(t)
		err := m.Boot(context.Background(), nil, nil)
		assert.ErrorIs(t, err, core.ErrInvalidTransition)
	})
}

func TestFire_RejectsUnknownTransitions(t *testing.T) {
	m := NewManager()
	state, err := m.Fire(TriggerCritical, "spike")
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
	assert.Equal(t, core.SystemInit, state)
	assert.Empty(t, m.History())
}

func TestRunningDegradedCycle(t *testing.T) {
	m := booted(t)

	m.NotifyDegradation(core.LevelCritical)
	assert.Equal(t, core.SystemIdle, m.State(), "idle system ignores degradation")

	m.NotifyAdmission()
	assert.Equal(t, core.SystemRunning, m.State())
	m.NotifyAdmission()
	assert.Equal(t, core.SystemRunning, m.State())

	m.NotifyDegradation(core.LevelWarning)
	assert.Equal(t, core.SystemRunning, m.State())
	m.NotifyDegradation(core.LevelCritical)
	assert.Equal(t, core.SystemDegraded, m.State())
	assert.NoError(t, m.AcceptingJobs())

	m.NotifyDegradation(core.LevelWarning)
	assert.Equal(t, core.SystemDegraded, m.State(), "only NORMAL recovers")
	m.NotifyDegradation(core.LevelNormal)
	assert.Equal(t, core.SystemRunning, m.State())
}

func TestAcceptingJobs(t *testing.T) {
	m := NewManager()
	assert.ErrorIs(t, m.AcceptingJobs(), core.ErrNotAccepting)

	require.NoError(t, m.Boot(context.Background(), nil, nil))
	assert.NoError(t, m.AcceptingJobs())

	require.NoError(t, m.Shutdown(context.Background(), "test"))
	assert.ErrorIs(t, m.AcceptingJobs(), core.ErrShuttingDown)
}

func TestShutdown(t *testing.T) {
	t.Run("runs hooks before committing", func(t *testing.T) {
		m := booted(t)
		m.NotifyAdmission()

		var order []string
		m.OnShutdown(func(ctx context.Context) error {
			order = append(order, "drain:"+string(m.State()))
			assert.ErrorIs(t, m.AcceptingJobs(), core.ErrShuttingDown)
			return nil
		})
		m.OnShutdown(func(ctx context.Context) error {
			order = append(order, "stop")
			return nil
		})
		m.OnTransition(func(tr Transition) {
			order = append(order, "commit:"+string(tr.To))
		})

		require.NoError(t, m.Shutdown(context.Background(), "operator request"))
		assert.Equal(t, []string{"drain:RUNNING", "stop", "commit:SHUTDOWN"}, order)
		assert.Equal(t, core.SystemShutdown, m.State())

		require.NoError(t, m.Shutdown(context.Background(), "again"))
		assert.Len(t, m.History(), 4)
	})

	t.Run("hook errors are reported but shutdown completes", func(t *testing.T) {
		m := booted(t)
		boom := errors.New("drain timed out")
		m.OnShutdown(func(ctx context.Context) error { return boom })

		err := m.Shutdown(context.Background(), "stop")
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, core.SystemShutdown, m.State())
	})

	t.Run("from INIT", func(t *testing.T) {
		m := NewManager()
		require.NoError(t, m.Shutdown(context.Background(), "abort"))
		assert.Equal(t, core.SystemShutdown, m.State())
	})
}

func TestConcurrentNotifications(t *testing.T) {
	m := booted(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.NotifyAdmission()
		}()
	}
	wg.Wait()

	admissions := 0
	for _, tr := range m.History() {
		if tr.Trigger == TriggerFirstAdmission {
			admissions++
		}
	}
	assert.Equal(t, 1, admissions)
	assert.Equal(t, core.SystemRunning, m.State())
}

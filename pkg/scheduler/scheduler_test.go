package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/adaptive-jobs/pkg/cache"
	"github.com/jdziat/adaptive-jobs/pkg/core"
	"github.com/jdziat/adaptive-jobs/pkg/engine"
	"github.com/jdziat/adaptive-jobs/pkg/pipeline"
	"github.com/jdziat/adaptive-jobs/pkg/retry"
)

type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) Emit(e core.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) transitions(jobID string) []core.JobState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.JobState
	for _, e := range r.events {
		if ev, ok := e.(*core.JobStateChanged); ok && ev.Job.ID == jobID {
			out = append(out, ev.To)
		}
	}
	return out
}

func (r *recorder) terminalCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for _, e := range r.events {
		if ev, ok := e.(*core.JobStateChanged); ok && ev.To.IsTerminal() {
			counts[ev.Job.ID]++
		}
	}
	return counts
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DispatchInterval = 5 * time.Millisecond
	cfg.WatchdogInterval = 10 * time.Millisecond
	cfg.Retry = retry.Config{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, BackoffMultiplier: 2}
	cfg.RetentionSchedule = ""
	return cfg
}

type harness struct {
	sched  *Scheduler
	pipe   *pipeline.Pipeline
	events *recorder
}

func newHarness(t *testing.T, e engine.Engine, pipeOpts []pipeline.Option, opts ...Option) *harness {
	t.Helper()
	reg := engine.NewRegistry()
	for _, kind := range core.Kinds() {
		require.NoError(t, reg.Register(kind, engine.Handler{Engine: e}))
	}

	h := &harness{events: &recorder{}}
	pipeOpts = append([]pipeline.Option{
		pipeline.WithHooks(pipeline.Hooks{OnStart: func(job *core.Job) { h.sched.MarkRunning(job.ID) }}),
	}, pipeOpts...)
	h.pipe = pipeline.New(reg, cache.New(), pipeOpts...)

	opts = append([]Option{WithConfig(testConfig()), WithEmitter(h.events)}, opts...)
	h.sched = New(h.pipe, opts...)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.pipe.Start(context.Background())
	require.NoError(t, h.sched.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.sched.Pause()
		_ = h.pipe.Drain(ctx)
		_ = h.sched.Stop(ctx)
	})
}

func (h *harness) waitState(t *testing.T, id string, want core.JobState) *core.Job {
	t.Helper()
	var job *core.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.sched.Status(context.Background(), id)
		return err == nil && job.State == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

var okEngine = engine.EngineFunc(func(ctx context.Context, job *core.Job, res engine.Resources) (engine.Result, error) {
	return engine.Result{OutputRef: "out/" + job.ID, Metadata: map[string]string{"kind": string(job.Kind)}}, nil
})

var blockingEngine = engine.EngineFunc(func(ctx context.Context, job *core.Job, res engine.Resources) (engine.Result, error) {
	<-ctx.Done()
	return engine.Result{}, ctx.Err()
})

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, okEngine, nil)

	tests := []struct {
		name string
		kind core.Kind
		ref  string
		opts []SubmitOption
	}{
		{"unknown kind", core.Kind("teleport"), "frames/1", nil},
		{"empty kind", "", "frames/1", nil},
		{"missing payload", core.KindFaceSwap, " ", nil},
		{"control characters", core.KindFaceSwap, "frames/\x00", nil},
		{"invalid priority", core.KindFaceSwap, "frames/1", []SubmitOption{WithPriority(core.Priority(9))}},
		{"deadline passed", core.KindFaceSwap, "frames/1", []SubmitOption{WithDeadline(time.Now().Add(-time.Minute))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.sched.Submit(tt.kind, tt.ref, tt.opts...)
			var admErr *core.AdmissionError
			require.ErrorAs(t, err, &admErr)
			assert.ErrorIs(t, err, core.ErrInvalidJob)
		})
	}
	assert.Equal(t, 0, h.sched.Stats().Queued)
}

func TestSubmit_CapacityExceeded(t *testing.T) {
	h := newHarness(t, okEngine, nil, WithMaxQueueDepth(3))

	for i := 0; i < 3; i++ {
		_, err := h.sched.Submit(core.KindFaceDetect, fmt.Sprintf("frames/%d", i))
		require.NoError(t, err)
	}
	_, err := h.sched.Submit(core.KindFaceDetect, "frames/overflow")
	var admErr *core.AdmissionError
	require.ErrorAs(t, err, &admErr)
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)

	stats := h.sched.Stats()
	assert.Equal(t, 3, stats.Queued)
	assert.Equal(t, uint64(1), stats.Rejected)
}

func TestSubmit_Defaults(t *testing.T) {
	h := newHarness(t, okEngine, nil)

	id, err := h.sched.Submit(core.KindFaceSwap, "frames/1", WithTimeout(time.Minute), WithRetries(100))
	require.NoError(t, err)

	job, err := h.sched.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, core.StateQueued, job.State)
	assert.Equal(t, core.PriorityMedium, job.Priority)
	assert.Equal(t, 20, job.MaxRetries)
	require.NotNil(t, job.Deadline)
	assert.WithinDuration(t, job.SubmittedAt.Add(time.Minute), *job.Deadline, time.Millisecond)
	assert.Equal(t, uint64(1), job.Seq)
}

func TestDispatch_PriorityThenSubmissionOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	e := engine.EngineFunc(func(ctx context.Context, job *core.Job, res engine.Resources) (engine.Result, error) {
		mu.Lock()
		order = append(order, job.PayloadRef)
		mu.Unlock()
		return engine.Result{}, nil
	})
	h := newHarness(t, e, []pipeline.Option{pipeline.WithWorkers(1)})

	low1, err := h.sched.Submit(core.KindFaceSwap, "low@t1", WithPriority(core.PriorityLow))
	require.NoError(t, err)
	high, err := h.sched.Submit(core.KindFaceSwap, "high@t2", WithPriority(core.PriorityHigh))
	require.NoError(t, err)
	low3, err := h.sched.Submit(core.KindFaceSwap, "low@t3", WithPriority(core.PriorityLow))
	require.NoError(t, err)

	h.start(t)
	for _, id := range []string{low1, high, low3} {
		h.waitState(t, id, core.StateSucceeded)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high@t2", "low@t1", "low@t3"}, order)
}

func TestDispatch_Lifecycle(t *testing.T) {
	var admitted atomic.Int32
	h := newHarness(t, okEngine, nil, WithOnAdmit(func(job *core.Job) { admitted.Add(1) }))
	h.start(t)

	id, err := h.sched.Submit(core.KindFaceEnhance, "frames/1", WithPriority(core.PriorityHigh))
	require.NoError(t, err)
	job := h.waitState(t, id, core.StateSucceeded)

	assert.NotNil(t, job.DispatchedAt)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)
	assert.Equal(t, "out/"+id, job.OutputRef)
	assert.Equal(t, string(core.KindFaceEnhance), job.Metadata["kind"])
	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t,
		[]core.JobState{core.StateQueued, core.StateDispatched, core.StateRunning, core.StateSucceeded},
		h.events.transitions(id))

	h.events.mu.Lock()
	var succeeded *core.JobStateChanged
	for _, e := range h.events.events {
		if ev, ok := e.(*core.JobStateChanged); ok && ev.Job.ID == id && ev.To == core.StateSucceeded {
			succeeded = ev
		}
	}
	h.events.mu.Unlock()
	require.NotNil(t, succeeded)
	assert.Equal(t, "out/"+id, succeeded.Job.OutputRef)

	stats := h.sched.Stats()
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 0, stats.Running)
	assert.GreaterOrEqual(t, stats.AvgWait, time.Duration(0))
}

// refusingExecutor refuses enqueues until refusals runs out.
type refusingExecutor struct {
	*pipeline.Pipeline
	refusals atomic.Int32
}

func (e *refusingExecutor) Enqueue(ctx context.Context, job *core.Job) (*pipeline.Handle, error) {
	if e.refusals.Add(-1) >= 0 {
		return nil, core.ErrBufferFull
	}
	return e.Pipeline.Enqueue(ctx, job)
}

func TestDispatch_RefusedEnqueueCountsWaitOnce(t *testing.T) {
	h := newHarness(t, okEngine, nil)
	exec := &refusingExecutor{Pipeline: h.pipe}
	exec.refusals.Store(5)
	h.sched = New(exec, WithConfig(testConfig()), WithEmitter(h.events))
	h.start(t)

	id, err := h.sched.Submit(core.KindFaceSwap, "frames/1", WithPriority(core.PriorityHigh))
	require.NoError(t, err)
	h.waitState(t, id, core.StateSucceeded)
	assert.LessOrEqual(t, exec.refusals.Load(), int32(0))

	h.sched.mu.Lock()
	count := h.sched.waitCount
	h.sched.mu.Unlock()
	assert.Equal(t, uint64(1), count)
}

func TestDispatch_FullBufferKeepsJobsQueued(t *testing.T) {
	gate := make(chan struct{})
	e := engine.EngineFunc(func(ctx context.Context, job *core.Job, res engine.Resources) (engine.Result, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return engine.Result{}, ctx.Err()
		}
		return engine.Result{}, nil
	})
	h := newHarness(t, e, []pipeline.Option{
		pipeline.WithWorkers(1),
		pipeline.WithCapacity(1),
		pipeline.WithEnqueueMode(pipeline.FailFast, 0),
	})
	h.start(t)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := h.sched.Submit(core.KindFaceSwap, fmt.Sprintf("frames/%d", i), WithPriority(core.PriorityHigh))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	h.waitState(t, ids[0], core.StateRunning)
	require.Eventually(t, func() bool { return h.pipe.Stats().Occupancy == 1 }, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond) // several dispatch ticks against a full buffer
	assert.Equal(t, []core.JobState{core.StateQueued}, h.events.transitions(ids[2]))
	assert.Equal(t, uint64(0), h.pipe.Stats().Rejected)

	close(gate)
	for _, id := range ids {
		h.waitState(t, id, core.StateSucceeded)
	}
	assert.Equal(t,
		[]core.JobState{core.StateQueued, core.StateDispatched, core.StateRunning, core.StateSucceeded},
		h.events.transitions(ids[2]))
}

func TestDispatch_Retries(t *testing.T) {
	t.Run("transient failures are retried", func(t *testing.T) {
		var calls atomic.Int32
		e := engine.EngineFunc(func(ctx context.Context, job *core.Job, res engine.Resources) (engine.Result, error) {
			if calls.Add(1) <= 2 {
				return engine.Result{}, core.Transient(errors.New("gpu busy"))
			}
			return engine.Result{}, nil
		})
		h := newHarness(t, e, nil)
		h.start(t)

		id, err := h.sched.Submit(core.KindFaceSwap, "frames/1", WithRetries(3))
		require.NoError(t, err)
		job := h.waitState(t, id, core.StateSucceeded)

		assert.Equal(t, 2, job.Attempt)
		assert.Equal(t, uint64(2), h.sched.Stats().Retried)
	})

	t.Run("retry budget exhausted", func(t *testing.T) {
		e := engine.EngineFunc(func(ctx context.Context, job *core.Job, res engine.Resources) (engine.Result, error) {
			return engine.Result{}, core.Transient(errors.New("gpu busy"))
		})
		h := newHarness(t, e, nil)
		h.start(t)

		id, err := h.sched.Submit(core.KindFaceSwap, "frames/1", WithRetries(1))
		require.NoError(t, err)
		job := h.waitState(t, id, core.StateFailed)

		assert.Equal(t, 1, job.Attempt)
		assert.Contains(t, job.LastError, "gpu busy")
	})

	t.Run("permanent failure is not retried", func(t *testing.T) {
		var calls atomic.Int32
		e := engine.EngineFunc(func(ctx context.Context, job *core.Job, res engine.Resources) (engine.Result, error) {
			calls.Add(1)
			return engine.Result{}, errors.New("unsupported codec")
		})
		h := newHarness(t, e, nil)
		h.start(t)

		id, err := h.sched.Submit(core.KindFrameEncode, "frames/1", WithRetries(5))
		require.NoError(t, err)
		job := h.waitState(t, id, core.StateFailed)

		assert.Equal(t, 0, job.Attempt)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, uint64(0), h.sched.Stats().Retried)
	})
}

func TestCancel(t *testing.T) {
	t.Run("queued job is cancelled immediately and idempotently", func(t *testing.T) {
		h := newHarness(t, okEngine, nil)
		id, err := h.sched.Submit(core.KindFaceSwap, "frames/1")
		require.NoError(t, err)

		require.NoError(t, h.sched.Cancel(context.Background(), id))
		first, err := h.sched.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, core.StateCancelled, first.State)

		require.NoError(t, h.sched.Cancel(context.Background(), id))
		second, err := h.sched.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		stats := h.sched.Stats()
		assert.Equal(t, uint64(1), stats.Cancelled)
		assert.Equal(t, 0, stats.Queued)
		assert.Equal(t, 1, h.events.terminalCounts()[id])
	})

	t.Run("running job", func(t *testing.T) {
		h := newHarness(t, blockingEngine, nil)
		h.start(t)

		id, err := h.sched.Submit(core.KindFaceSwap, "frames/1")
		require.NoError(t, err)
		h.waitState(t, id, core.StateRunning)

		require.NoError(t, h.sched.Cancel(context.Background(), id))
		require.NoError(t, h.sched.Cancel(context.Background(), id))
		job, err := h.sched.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, core.StateCancelled, job.State)

		// the pipeline observes the cancellation and frees its worker
		assert.Eventually(t, func() bool {
			st := h.pipe.Stats()
			return st.Active == 0 && st.Completed == 1
		}, 2*time.Second, 5*time.Millisecond)
		job, err = h.sched.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, core.StateCancelled, job.State)
		assert.Equal(t, 1, h.events.terminalCounts()[id])
	})

	t.Run("unknown job", func(t *testing.T) {
		h := newHarness(t, okEngine, nil)
		err := h.sched.Cancel(context.Background(), "missing")
		assert.ErrorIs(t, err, core.ErrJobNotFound)
	})
}

func TestWatchdog(t *testing.T) {
	t.Run("running job past deadline", func(t *testing.T) {
		h := newHarness(t, blockingEngine, nil)
		h.start(t)

		id, err := h.sched.Submit(core.KindFaceSwap, "frames/1", WithTimeout(30*time.Millisecond))
		require.NoError(t, err)
		job := h.waitState(t, id, core.StateTimedOut)
		assert.NotEmpty(t, job.LastError)

		assert.Eventually(t, func() bool { return h.pipe.Stats().Active == 0 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, uint64(1), h.sched.Stats().TimedOut)
		assert.Equal(t, 1, h.events.terminalCounts()[id])
	})

	t.Run("queued job past deadline", func(t *testing.T) {
		now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		var mu sync.Mutex
		clock := func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}
		h := newHarness(t, okEngine, nil, WithClock(clock))

		id, err := h.sched.Submit(core.KindFaceSwap, "frames/1", WithTimeout(time.Minute))
		require.NoError(t, err)
		other, err := h.sched.Submit(core.KindFaceSwap, "frames/2")
		require.NoError(t, err)

		assert.Equal(t, 0, h.sched.ExpireDeadlines())
		mu.Lock()
		now = now.Add(2 * time.Minute)
		mu.Unlock()
		assert.Equal(t, 1, h.sched.ExpireDeadlines())

		job, err := h.sched.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, core.StateTimedOut, job.State)
		job, err = h.sched.Status(context.Background(), other)
		require.NoError(t, err)
		assert.Equal(t, core.StateQueued, job.State)
		assert.Equal(t, 1, h.sched.Stats().Queued)
	})
}

func TestBackpressure(t *testing.T) {
	t.Run("best-effort admissions rejected while degraded", func(t *testing.T) {
		h := newHarness(t, okEngine, nil)
		h.pipe.ApplyLevel(core.LevelCritical)

		_, err := h.sched.Submit(core.KindFramePreview, "frames/1", WithPriority(core.PriorityHigh))
		var admErr *core.AdmissionError
		require.ErrorAs(t, err, &admErr)
		assert.ErrorIs(t, err, core.ErrBackpressure)

		_, err = h.sched.Submit(core.KindFaceSwap, "frames/2", WithPriority(core.PriorityLow))
		assert.ErrorIs(t, err, core.ErrBackpressure)

		_, err = h.sched.Submit(core.KindFramePreview, "frames/3", WithPriority(core.PriorityUrgent))
		assert.NoError(t, err)
	})

	t.Run("queued best-effort jobs are held", func(t *testing.T) {
		h := newHarness(t, okEngine, nil)
		h.sched.Pause()
		h.start(t)

		low, err := h.sched.Submit(core.KindFrameAnalyze, "frames/1", WithPriority(core.PriorityMedium))
		require.NoError(t, err)
		h.pipe.ApplyLevel(core.LevelWarning)
		urgent, err := h.sched.Submit(core.KindFaceSwap, "frames/2", WithPriority(core.PriorityUrgent))
		require.NoError(t, err)

		h.sched.Resume()
		h.waitState(t, urgent, core.StateSucceeded)
		time.Sleep(30 * time.Millisecond)
		job, err := h.sched.Status(context.Background(), low)
		require.NoError(t, err)
		assert.Equal(t, core.StateQueued, job.State)

		h.pipe.ApplyLevel(core.LevelNormal)
		h.waitState(t, low, core.StateSucceeded)
	})
}

func TestQueueDepthRecoversAfterDrain(t *testing.T) {
	h := newHarness(t, okEngine, []pipeline.Option{pipeline.WithWorkers(4)}, WithMaxQueueDepth(50))
	h.sched.Pause()
	h.start(t)

	var rejectedAt int
	for i := 1; i <= 100; i++ {
		_, err := h.sched.Submit(core.KindFaceDetect, fmt.Sprintf("frames/%d", i), WithPriority(core.PriorityLow))
		if err != nil {
			var admErr *core.AdmissionError
			require.ErrorAs(t, err, &admErr)
			if rejectedAt == 0 {
				rejectedAt = i
			}
		}
	}
	assert.Equal(t, 51, rejectedAt)
	assert.Equal(t, 50, h.sched.Stats().Queued)

	h.sched.Resume()
	require.Eventually(t, func() bool { return h.sched.Stats().Completed == 50 }, 5*time.Second, 10*time.Millisecond)

	_, err := h.sched.Submit(core.KindFaceDetect, "frames/after", WithPriority(core.PriorityLow))
	assert.NoError(t, err)
}

type memArchive struct {
	core.Archive
	mu   sync.Mutex
	jobs map[string]*core.Job
}

func (a *memArchive) GetJob(ctx context.Context, id string) (*core.Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if job, ok := a.jobs[id]; ok {
		return job.Clone(), nil
	}
	return nil, nil
}

func TestRetention(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	archive := &memArchive{jobs: make(map[string]*core.Job)}
	h := newHarness(t, okEngine, nil, WithClock(clock), WithArchive(archive))

	id, err := h.sched.Submit(core.KindFaceSwap, "frames/1")
	require.NoError(t, err)
	require.NoError(t, h.sched.Cancel(context.Background(), id))
	job, err := h.sched.Status(context.Background(), id)
	require.NoError(t, err)
	archive.jobs[id] = job

	queued, err := h.sched.Submit(core.KindFaceSwap, "frames/2")
	require.NoError(t, err)

	assert.Equal(t, 0, h.sched.SweepRetention())
	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	assert.Equal(t, 1, h.sched.SweepRetention())
	assert.Equal(t, 1, h.sched.Stats().Tracked)

	archived, err := h.sched.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, core.StateCancelled, archived.State)
	assert.NoError(t, h.sched.Cancel(context.Background(), id))

	_, err = h.sched.Status(context.Background(), "never-submitted")
	assert.ErrorIs(t, err, core.ErrJobNotFound)

	_, err = h.sched.Status(context.Background(), queued)
	assert.NoError(t, err)
}

func TestStop_CancelsQueuedJobs(t *testing.T) {
	h := newHarness(t, okEngine, nil)
	h.sched.Pause()
	require.NoError(t, h.sched.Start(context.Background()))

	a, err := h.sched.Submit(core.KindFaceSwap, "frames/1")
	require.NoError(t, err)
	b, err := h.sched.Submit(core.KindFaceSwap, "frames/2")
	require.NoError(t, err)

	require.NoError(t, h.sched.Stop(context.Background()))
	for _, id := range []string{a, b} {
		job, err := h.sched.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, core.StateCancelled, job.State)
		assert.Contains(t, job.LastError, "shutting down")
	}

	_, err = h.sched.Submit(core.KindFaceSwap, "frames/3")
	assert.ErrorIs(t, err, core.ErrShuttingDown)
}

func TestSubmit_Gate(t *testing.T) {
	h := newHarness(t, okEngine, nil, WithGate(func() error { return core.ErrNotAccepting }))
	_, err := h.sched.Submit(core.KindFaceSwap, "frames/1")
	var admErr *core.AdmissionError
	require.ErrorAs(t, err, &admErr)
	assert.ErrorIs(t, err, core.ErrNotAccepting)
}

// Every admitted job reaches exactly one terminal state.
func TestExactlyOneTerminalState(t *testing.T) {
	e := engine.EngineFunc(func(ctx context.Context, job *core.Job, res engine.Resources) (engine.Result, error) {
		switch job.PayloadRef[len(job.PayloadRef)-1] % 4 {
		case 0:
			return engine.Result{}, nil
		case 1:
			return engine.Result{}, core.Transient(errors.New("busy"))
		case 2:
			return engine.Result{}, errors.New("bad input")
		default:
			select {
			case <-ctx.Done():
				return engine.Result{}, ctx.Err()
			case <-time.After(10 * time.Millisecond):
				return engine.Result{}, nil
			}
		}
	})
	h := newHarness(t, e, []pipeline.Option{pipeline.WithWorkers(4)})
	h.start(t)

	rng := rand.New(rand.NewSource(7))
	var ids []string
	for i := 0; i < 60; i++ {
		id, err := h.sched.Submit(core.KindFaceSwap, fmt.Sprintf("frames/%d", i),
			WithPriority(core.Priority(rng.Intn(4))), WithTimeout(2*time.Second), WithRetries(2))
		require.NoError(t, err)
		ids = append(ids, id)
		if rng.Intn(5) == 0 {
			require.NoError(t, h.sched.Cancel(context.Background(), ids[rng.Intn(len(ids))]))
		}
	}

	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := h.sched.Status(context.Background(), id)
			if err != nil || !job.State.IsTerminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	counts := h.events.terminalCounts()
	for _, id := range ids {
		assert.Equal(t, 1, counts[id], "job %s", id)
	}
}

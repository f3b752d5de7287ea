package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/adaptive-jobs/pkg/cache"
	"github.com/jdziat/adaptive-jobs/pkg/core"
	"github.com/jdziat/adaptive-jobs/pkg/events"
	"github.com/jdziat/adaptive-jobs/pkg/pipeline"
	"github.com/jdziat/adaptive-jobs/pkg/scheduler"
)

func TestMetrics_JobTransitionsAndDurations(t *testing.T) {
	m := New(Sources{})
	submitted := time.Now()
	dispatched := submitted.Add(20 * time.Millisecond)
	started := dispatched.Add(time.Millisecond)
	job := &core.Job{ID: "a", Kind: core.KindFaceSwap, SubmittedAt: submitted, DispatchedAt: &dispatched}

	m.Emit(&core.JobStateChanged{Job: job, From: core.StateQueued, To: core.StateDispatched, Timestamp: dispatched})
	job.StartedAt = &started
	m.Emit(&core.JobStateChanged{Job: job, From: core.StateRunning, To: core.StateSucceeded, Timestamp: started.Add(time.Second)})
	m.Emit(&core.JobRetrying{Job: job, Attempt: 1, Timestamp: time.Now()})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("face_swap", "dispatched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("face_swap", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("face_swap")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.jobDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(m.queueWait))
}

func TestMetrics_SystemStateGauge(t *testing.T) {
	m := New(Sources{})

	m.Emit(&core.SystemStateChanged{From: core.SystemIdle, To: core.SystemRunning, Timestamp: time.Now()})
	m.Emit(&core.SystemStateChanged{From: core.SystemRunning, To: core.SystemDegraded, Timestamp: time.Now()})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.systemState.WithLabelValues("RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.systemState.WithLabelValues("DEGRADED")))
}

func TestMetrics_LevelAndCacheAlerts(t *testing.T) {
	m := New(Sources{})

	m.Emit(&core.DegradationChanged{From: core.LevelNormal, To: core.LevelCritical, Timestamp: time.Now()})
	m.Emit(&core.CacheHitRateAlert{HitRate: 0.2, Threshold: 0.5, Timestamp: time.Now()})
	m.Emit(&core.CacheHitRateAlert{HitRate: 0.8, Threshold: 0.5, Recovered: true, Timestamp: time.Now()})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.levelChanges.WithLabelValues("CRITICAL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheAlerts.WithLabelValues("raised")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheAlerts.WithLabelValues("recovered")))
}

func TestMetrics_ScrapeReadsComponentStats(t *testing.T) {
	m := New(Sources{
		Scheduler: func() scheduler.Stats { return scheduler.Stats{Queued: 12, Running: 3, Dispatched: 1} },
		Pipeline: func() pipeline.Stats {
			return pipeline.Stats{Occupancy: 5, Capacity: 64, Limit: 2, Dropped: 4, Offered: 40}
		},
		Cache: func() cache.Stats { return cache.Stats{Hits: 9, Misses: 1, HitRate: 0.9, MemoryUsed: 1024} },
		Monitor: func() core.MetricSnapshot {
			return core.MetricSnapshot{CPUPct: 91, MemPct: 40, Level: core.LevelWarning}
		},
		Bus: func() events.BusStats { return events.BusStats{Emitted: 100, Dropped: 2} },
	})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	body := buf.String()

	for _, want := range []string{
		"adaptive_jobs_scheduler_queued_jobs 12",
		"adaptive_jobs_scheduler_running_jobs 4",
		"adaptive_jobs_pipeline_worker_limit 2",
		"adaptive_jobs_pipeline_dropped_total 4",
		"adaptive_jobs_cache_hits_total 9",
		`adaptive_jobs_host_utilization_percent{resource="cpu"} 91`,
		"adaptive_jobs_degradation_level 1",
		"adaptive_jobs_events_dropped_total 2",
	} {
		assert.Contains(t, body, want)
	}
}

func TestMetrics_RunConsumesBus(t *testing.T) {
	m := New(Sources{})
	bus := events.NewBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, bus)

	require.Eventually(t, func() bool { return bus.Stats().Subscribers == 1 }, time.Second, 5*time.Millisecond)
	bus.Emit(&core.DegradationChanged{From: core.LevelNormal, To: core.LevelWarning, Timestamp: time.Now()})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.levelChanges.WithLabelValues("WARNING")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMetrics_ServeStopsWithContext(t *testing.T) {
	m := New(Sources{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

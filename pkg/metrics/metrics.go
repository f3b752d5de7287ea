package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jdziat/adaptive-jobs/pkg/cache"
	"github.com/jdziat/adaptive-jobs/pkg/core"
	"github.com/jdziat/adaptive-jobs/pkg/events"
	"github.com/jdziat/adaptive-jobs/pkg/pipeline"
	"github.com/jdziat/adaptive-jobs/pkg/scheduler"
)

const namespace = "adaptive_jobs"

// Sources are read on every scrape. Nil sources are skipped.
type Sources struct {
	Scheduler func() scheduler.Stats
	Pipeline  func() pipeline.Stats
	Cache     func() cache.Stats
	Monitor   func() core.MetricSnapshot
	Bus       func() events.BusStats
}

// Metrics owns a Prometheus registry with every series of the system.
type Metrics struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	transitions  *prometheus.CounterVec
	retries      *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	queueWait    prometheus.Histogram
	levelChanges *prometheus.CounterVec
	systemState  *prometheus.GaugeVec
	cacheAlerts  *prometheus.CounterVec
}

// Option configures Metrics.
type Option interface {
	apply(*Metrics)
}

type optionFunc func(*Metrics)

func (f optionFunc) apply(m *Metrics) { f(m) }

// WithLogger sets the logger used by Serve.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(m *Metrics) {
		if l != nil {
			m.logger = l
		}
	})
}

// WithRegistry registers into reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return optionFunc(func(m *Metrics) {
		if reg != nil {
			m.registry = reg
		}
	})
}

// New creates and registers every collector.
func New(src Sources, opts ...Option) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logger:   slog.Default(),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job state transitions by kind and target state.",
		}, []string{"kind", "state"}),

		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Retries scheduled after transient failures.",
		}, []string{"kind"}),

		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Execution time from start to terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "state"}),

		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_queue_wait_seconds",
			Help:      "Time from submission to first dispatch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),

		levelChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degradation_changes_total",
			Help:      "Degradation level changes by target level.",
		}, []string{"level"}),

		systemState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_state",
			Help:      "1 for the current global lifecycle state, 0 otherwise.",
		}, []string{"state"}),

		cacheAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hit_rate_alerts_total",
			Help:      "Cache hit-rate alerts raised and recovered.",
		}, []string{"status"}),
	}
	for _, opt := range opts {
		opt.apply(m)
	}

	m.registry.MustRegister(
		m.transitions,
		m.retries,
		m.jobDuration,
		m.queueWait,
		m.levelChanges,
		m.systemState,
		m.cacheAlerts,
		newStatsCollector(src),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Emit updates event-driven series. It implements core.Emitter.
func (m *Metrics) Emit(e core.Event) {
	switch ev := e.(type) {
	case *core.JobStateChanged:
		if ev.Job == nil {
			return
		}
		kind := string(ev.Job.Kind)
		m.transitions.WithLabelValues(kind, string(ev.To)).Inc()
		if ev.To == core.StateDispatched && ev.Job.Attempt == 0 && ev.Job.DispatchedAt != nil {
			m.queueWait.Observe(ev.Job.DispatchedAt.Sub(ev.Job.SubmittedAt).Seconds())
		}
		if ev.To.IsTerminal() && ev.Job.StartedAt != nil {
			m.jobDuration.WithLabelValues(kind, string(ev.To)).Observe(ev.Timestamp.Sub(*ev.Job.StartedAt).Seconds())
		}
	case *core.JobRetrying:
		if ev.Job != nil {
			m.retries.WithLabelValues(string(ev.Job.Kind)).Inc()
		}
	case *core.DegradationChanged:
		m.levelChanges.WithLabelValues(ev.To.String()).Inc()
	case *core.SystemStateChanged:
		m.systemState.WithLabelValues(string(ev.From)).Set(0)
		m.systemState.WithLabelValues(string(ev.To)).Set(1)
	case *core.CacheHitRateAlert:
		status := "raised"
		if ev.Recovered {
			status = "recovered"
		}
		m.cacheAlerts.WithLabelValues(status).Inc()
	}
}

// Run feeds Emit from the bus until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(events.WithBuffer(1024))
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub.C():
			m.Emit(e)
		}
	}
}

// Serve exposes /metrics on addr until ctx ends.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		m.logger.Info("metrics endpoint listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

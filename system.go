package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/jdziat/adaptive-jobs/pkg/cache"
	"github.com/jdziat/adaptive-jobs/pkg/config"
	"github.com/jdziat/adaptive-jobs/pkg/core"
	"github.com/jdziat/adaptive-jobs/pkg/engine"
	"github.com/jdziat/adaptive-jobs/pkg/events"
	"github.com/jdziat/adaptive-jobs/pkg/metrics"
	"github.com/jdziat/adaptive-jobs/pkg/monitor"
	"github.com/jdziat/adaptive-jobs/pkg/pipeline"
	"github.com/jdziat/adaptive-jobs/pkg/scheduler"
	"github.com/jdziat/adaptive-jobs/pkg/state"
	"github.com/jdziat/adaptive-jobs/pkg/stats"
	"github.com/jdziat/adaptive-jobs/pkg/storage"
)

type check struct {
	name string
	fn   func(ctx context.Context) error
}

// Stats is an aggregate snapshot of every component.
type Stats struct {
	State     SystemState
	Level     DegradationLevel
	Scheduler scheduler.Stats
	Pipeline  pipeline.Stats
	Cache     cache.Stats
	Monitor   MetricSnapshot
	Events    events.BusStats
	Sink      *events.SinkStats
}

// System wires the scheduler, pipeline, model cache, performance monitor and
// system state machine together.
//
// Jobs flow Submit -> scheduler -> pipeline -> engine. The monitor's level
// scales the pipeline's worker limit and sheds best-effort work; sustained
// CRITICAL moves the system to DEGRADED.
type System struct {
	config *config.Config
	logger *slog.Logger
	probe  monitor.Probe
	gpu    monitor.GPUProbe
	checks []check
	db     *gorm.DB
	redis  redis.Cmdable

	bus       *events.Bus
	registry  *engine.Registry
	cache     *cache.Cache
	monitor   *monitor.Monitor
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	state     *state.Manager
	metrics   *metrics.Metrics

	archive   *storage.GormArchive
	collector *stats.Collector
	sink      *events.RedisSink
	sinkSub   *events.Subscription
	closers   []io.Closer

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	stopOnce sync.Once
}

// New builds a System from cfg. A nil cfg uses DefaultConfig. Nothing runs
// until Start.
func New(cfg *Config, opts ...Option) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("jobs: invalid config: %w", err)
	}

	s := &System{config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt.apply(s)
	}
	if s.probe == nil {
		s.probe = monitor.NewHostProbe(s.gpu)
	}

	if err := s.openArchive(); err != nil {
		return nil, err
	}
	if err := s.openSink(); err != nil {
		s.closeAll()
		return nil, err
	}

	s.bus = events.NewBus(events.WithLogger(s.logger))
	s.metrics = metrics.New(metrics.Sources{
		Scheduler: func() scheduler.Stats { return s.scheduler.Stats() },
		Pipeline:  func() pipeline.Stats { return s.pipeline.Stats() },
		Cache:     func() cache.Stats { return s.cache.Stats() },
		Monitor:   func() core.MetricSnapshot { return s.monitor.Latest() },
		Bus:       func() events.BusStats { return s.bus.Stats() },
	}, metrics.WithLogger(s.logger))

	// Metrics see every event synchronously; the bus fans out to subscribers.
	emitter := core.EmitterFunc(func(e core.Event) {
		s.metrics.Emit(e)
		s.bus.Emit(e)
	})

	if s.sink != nil {
		s.sinkSub = s.bus.Subscribe(events.WithBuffer(4096), events.WithBlocking())
	}

	s.registry = engine.NewRegistry()
	s.cache = cache.New(
		cache.WithConfig(cfg.Cache()),
		cache.WithResolver(s.registry.Resolver()),
		cache.WithEmitter(emitter),
		cache.WithLogger(s.logger),
	)
	s.monitor = monitor.New(
		monitor.WithConfig(cfg.MonitorSettings()),
		monitor.WithProbe(s.probe),
		monitor.WithSignals(s.signals),
		monitor.WithEmitter(emitter),
		monitor.WithLogger(s.logger),
	)

	pcfg := cfg.Pipeline()
	pcfg.Workers = monitor.WorkerBound(context.Background(), pcfg.Workers)
	s.pipeline = pipeline.New(s.registry, s.cache,
		pipeline.WithConfig(pcfg),
		pipeline.WithCompletionRecorder(s.monitor),
		pipeline.WithHooks(pipeline.Hooks{
			OnStart: func(job *core.Job) { s.scheduler.MarkRunning(job.ID) },
		}),
		pipeline.WithLogger(s.logger),
	)

	s.state = state.NewManager(state.WithEmitter(emitter), state.WithLogger(s.logger))

	schedOpts := []scheduler.Option{
		scheduler.WithConfig(cfg.Scheduler()),
		scheduler.WithGate(s.state.AcceptingJobs),
		scheduler.WithOnAdmit(func(*core.Job) { s.state.NotifyAdmission() }),
		scheduler.WithEmitter(emitter),
		scheduler.WithLogger(s.logger),
	}
	if s.archive != nil {
		schedOpts = append(schedOpts, scheduler.WithArchive(s.archive))
	}
	s.scheduler = scheduler.New(s.pipeline, schedOpts...)

	if s.archive != nil {
		s.collector = stats.NewCollector(s.bus, stats.NewGormStore(s.db),
			stats.WithArchive(s.archive),
			stats.WithRetention(cfg.ArchiveRetention()),
			stats.WithDepthSource(func() (int, int) {
				st := s.scheduler.Stats()
				return st.Queued, st.Running
			}),
			stats.WithSampleSource(s.monitor.Latest, 10*time.Second),
			stats.WithLogger(s.logger),
		)
	}

	s.monitor.OnLevelChange(func(_, to core.DegradationLevel, _ core.MetricSnapshot) {
		s.pipeline.ApplyLevel(to)
		s.state.NotifyDegradation(to)
	})
	// A level reached while IDLE takes effect on the first admission.
	s.state.OnTransition(func(t state.Transition) {
		if t.From == core.SystemIdle && t.To == core.SystemRunning {
			s.state.NotifyDegradation(s.monitor.Level())
		}
	})
	s.state.OnShutdown(s.drain)

	return s, nil
}

func (s *System) openArchive() error {
	if s.db == nil && s.config.Archive.Driver != "" {
		db, err := storage.Open(s.config.Archive.Driver, s.config.Archive.DSN, s.config.ArchivePool())
		if err != nil {
			return fmt.Errorf("jobs: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("jobs: archive connection: %w", err)
		}
		s.db = db
		s.closers = append(s.closers, sqlDB)
	}
	if s.db != nil {
		s.archive = storage.NewGormArchive(s.db)
	}
	return nil
}

func (s *System) openSink() error {
	if s.redis == nil && s.config.Redis.URL != "" {
		client, err := events.NewRedisClient(s.config.Redis.URL)
		if err != nil {
			return fmt.Errorf("jobs: %w", err)
		}
		s.redis = client
		s.closers = append(s.closers, client)
	}
	if s.redis != nil {
		s.sink = events.NewRedisSink(s.redis, s.config.Sink(), s.logger)
	}
	return nil
}

func (s *System) signals() monitor.Signals {
	ps := s.pipeline.Stats()
	return monitor.Signals{
		CacheAlert: s.cache.HitRateAlert(),
		Dropped:    ps.Dropped,
		Offered:    ps.Offered,
		Backlog:    s.scheduler.Stats().Queued,
	}
}

// Register binds handler to kind. Every kind that will be submitted needs a
// handler before Start.
func (s *System) Register(kind Kind, handler Handler) error {
	return s.registry.Register(kind, handler)
}

// RegisterFunc registers fn for kind with the given cached resources.
func (s *System) RegisterFunc(kind Kind, fn EngineFunc, resources ...ResourceSpec) error {
	return s.registry.Register(kind, Handler{Engine: fn, Resources: resources})
}

// Start boots the system: it runs the startup probes (INIT), validates the
// environment (CHECK_ENV) and, on success, starts every component in IDLE.
// On failure the system stays in INIT and the returned error is a
// *StartupFailed naming the failing probe.
//
// ctx only bounds the boot; the components run until Shutdown.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("jobs: system already started")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	s.startSupport(runCtx)

	if err := s.state.Boot(ctx, s.probes(), s.validators()); err != nil {
		s.logger.Error("startup failed", "error", err)
		return err
	}

	s.pipeline.Start(runCtx)
	if err := s.scheduler.Start(runCtx); err != nil {
		return fmt.Errorf("jobs: %w", err)
	}
	s.goLoop(func() { s.monitor.Run(runCtx) })
	s.goLoop(func() { s.cache.Run(runCtx) })

	s.logger.Info("system started",
		"workers", s.pipeline.Stats().Workers,
		"max_queue_depth", s.config.MaxQueueDepth,
		"kinds", len(s.registry.Kinds()))
	return nil
}

// startSupport starts the event consumers before boot so boot transitions
// reach them.
func (s *System) startSupport(ctx context.Context) {
	if s.collector != nil {
		s.goLoop(func() { s.collector.Start(ctx) })
		s.collector.WaitReady()
	}
	if s.sink != nil {
		s.goLoop(func() {
			if err := s.sink.Run(ctx, s.sinkSub); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("event stream stopped", "error", err)
			}
		})
	}
	if addr := s.config.MetricsAddr; addr != "" {
		s.goLoop(func() {
			if err := s.metrics.Serve(ctx, addr); err != nil {
				s.logger.Error("metrics endpoint stopped", "addr", addr, "error", err)
			}
		})
	}
}

func (s *System) goLoop(fn func()) {
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		fn()
	}()
}

func (s *System) probes() []state.Check {
	checks := []state.Check{{
		Name: "host_metrics",
		Fn: func(ctx context.Context) error {
			_, err := s.probe.Read(ctx)
			return err
		},
	}}
	if s.archive != nil {
		checks = append(checks, state.Check{
			Name: "archive",
			Fn: func(ctx context.Context) error {
				if err := s.archive.Migrate(ctx); err != nil {
					return err
				}
				return stats.NewGormStore(s.db).MigrateStats(ctx)
			},
		})
	}
	if s.sink != nil {
		checks = append(checks, state.Check{Name: "event_stream", Fn: s.sink.Ping})
	}
	for _, c := range s.checks {
		checks = append(checks, state.Check{Name: c.name, Fn: c.fn})
	}
	return checks
}

func (s *System) validators() []state.Check {
	checks := []state.Check{
		{Name: "config", Fn: func(context.Context) error { return s.config.Validate() }},
		{Name: "engines", Fn: func(context.Context) error {
			if len(s.registry.Kinds()) == 0 {
				return errors.New("no engine handlers registered")
			}
			return nil
		}},
	}
	if keys := s.config.CachePrewarm; len(keys) > 0 {
		checks = append(checks, state.Check{
			Name: "cache_prewarm",
			Fn:   func(ctx context.Context) error { return s.cache.Prewarm(ctx, keys...) },
		})
	}
	return checks
}

// Submit admits a job and returns its ID. Rejections are *AdmissionError
// wrapping ErrInvalidJob, ErrCapacityExceeded, ErrBackpressure,
// ErrNotAccepting or ErrShuttingDown.
func (s *System) Submit(kind Kind, payloadRef string, opts ...SubmitOption) (string, error) {
	if kind.Valid() && !s.registry.Has(kind) {
		return "", &core.AdmissionError{Reason: fmt.Errorf("%w: %w %q", core.ErrInvalidJob, core.ErrUnknownKind, kind)}
	}
	return s.scheduler.Submit(kind, payloadRef, opts...)
}

// Cancel cancels a queued or running job. Cancelling a finished job is a no-op.
func (s *System) Cancel(ctx context.Context, id string) error {
	return s.scheduler.Cancel(ctx, id)
}

// Status returns a snapshot of the job, falling back to the archive once the
// job has left in-memory retention.
func (s *System) Status(ctx context.Context, id string) (*Job, error) {
	return s.scheduler.Status(ctx, id)
}

// Wait blocks until the job reaches a terminal state or ctx is done.
func (s *System) Wait(ctx context.Context, id string) (*Job, error) {
	sub := s.bus.Subscribe(events.WithBuffer(256))
	defer sub.Close()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := s.scheduler.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		case e := <-sub.C():
			if ev, ok := e.(*core.JobStateChanged); ok && ev.Job != nil && ev.Job.ID == id && ev.To.IsTerminal() {
				return ev.Job, nil
			}
		}
	}
}

// Stats returns an aggregate snapshot of every component.
func (s *System) Stats() Stats {
	st := Stats{
		State:     s.state.State(),
		Level:     s.monitor.Level(),
		Scheduler: s.scheduler.Stats(),
		Pipeline:  s.pipeline.Stats(),
		Cache:     s.cache.Stats(),
		Monitor:   s.monitor.Latest(),
		Events:    s.bus.Stats(),
	}
	if s.sink != nil {
		sink := s.sink.Stats()
		st.Sink = &sink
	}
	return st
}

// State returns the current system state.
func (s *System) State() SystemState {
	return s.state.State()
}

// StateHistory returns every committed system transition.
func (s *System) StateHistory() []state.Transition {
	return s.state.History()
}

// StartupError returns the error of the last failed boot, if any.
func (s *System) StartupError() error {
	return s.state.StartupError()
}

// Level returns the current degradation level.
func (s *System) Level() DegradationLevel {
	return s.monitor.Level()
}

// Events returns a channel that receives every published event.
// Slow readers lose events; call Unsubscribe when done.
func (s *System) Events() <-chan Event {
	return s.bus.Events()
}

// Unsubscribe removes a channel returned by Events.
func (s *System) Unsubscribe(ch <-chan Event) {
	s.bus.Unsubscribe(ch)
}

// Subscribe returns a subscription with its own buffer and lag counter.
func (s *System) Subscribe(opts ...events.SubscribeOption) *events.Subscription {
	return s.bus.Subscribe(opts...)
}

// Shutdown stops intake, drains the pipeline for up to drain_timeout_s,
// cancels jobs still queued and commits SHUTDOWN. Background loops stop
// and connections close afterwards. Safe to call more than once.
func (s *System) Shutdown(ctx context.Context) error {
	err := s.state.Shutdown(ctx, "shutdown requested")
	s.stop()
	return err
}

func (s *System) drain(ctx context.Context) error {
	s.scheduler.Pause()

	drainCtx := ctx
	if d := s.config.DrainTimeout(); d > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var errs []error
	if err := s.pipeline.Drain(drainCtx); err != nil {
		errs = append(errs, err)
	}
	if err := s.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *System) stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.loops.Wait()
		if s.sinkSub != nil {
			s.sinkSub.Close()
		}
		s.cache.Close()
		s.closeAll()
		s.logger.Info("system stopped")
	})
}

func (s *System) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Warn("close failed", "error", err)
		}
	}
	s.closers = nil
}

// Registry returns the engine registry.
func (s *System) Registry() *engine.Registry { return s.registry }

// Scheduler returns the task scheduler.
func (s *System) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Pipeline returns the processing pipeline.
func (s *System) Pipeline() *pipeline.Pipeline { return s.pipeline }

// Cache returns the model cache.
func (s *System) Cache() *cache.Cache { return s.cache }

// Monitor returns the performance monitor.
func (s *System) Monitor() *monitor.Monitor { return s.monitor }

// Bus returns the in-process event bus.
func (s *System) Bus() *events.Bus { return s.bus }

// Metrics returns the Prometheus metrics.
func (s *System) Metrics() *metrics.Metrics { return s.metrics }

// Config returns the configuration the system was built with.
func (s *System) Config() *Config { return s.config }

// Archive returns the job archive, or nil when none is configured.
func (s *System) Archive() Archive {
	if s.archive == nil {
		return nil
	}
	return s.archive
}

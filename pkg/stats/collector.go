package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jdziat/adaptive-jobs/pkg/core"
	"github.com/jdziat/adaptive-jobs/pkg/events"
)

// DepthFunc reports the current number of queued and running jobs.
type DepthFunc func() (queued, running int)

// SampleFunc returns the latest monitor snapshot.
type SampleFunc func() core.MetricSnapshot

// Collector subscribes to bus events, keeps per-kind counters and archives
// terminal jobs and monitor samples.
type Collector struct {
	bus     *events.Bus
	store   Store
	archive core.Archive
	logger  *slog.Logger
	now     func() time.Time

	retention      time.Duration
	flushInterval  time.Duration
	pruneSchedule  string
	sampleInterval time.Duration
	depth          DepthFunc
	sample         SampleFunc

	mu       sync.Mutex
	counters map[string]*Counters
	lastSave time.Time

	// ready is closed once the collector has subscribed to events and is processing.
	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures the Collector.
type Option interface {
	apply(*Collector)
}

type optionFunc func(*Collector)

func (f optionFunc) apply(c *Collector) { f(c) }

// WithArchive stores terminal jobs and monitor samples in a.
func WithArchive(a core.Archive) Option {
	return optionFunc(func(c *Collector) {
		c.archive = a
	})
}

// WithRetention sets how long stats rows, archived jobs and samples are kept.
// Default: 7 days
func WithRetention(d time.Duration) Option {
	return optionFunc(func(c *Collector) {
		c.retention = d
	})
}

// WithFlushInterval sets how often counters and depth are written.
// Default: 1m
func WithFlushInterval(d time.Duration) Option {
	return optionFunc(func(c *Collector) {
		if d > 0 {
			c.flushInterval = d
		}
	})
}

// WithPruneSchedule sets the cron spec of the prune job. Empty disables pruning.
// Default: "@every 1h"
func WithPruneSchedule(spec string) Option {
	return optionFunc(func(c *Collector) {
		c.pruneSchedule = spec
	})
}

// WithDepthSource records queue depth on every flush.
func WithDepthSource(fn DepthFunc) Option {
	return optionFunc(func(c *Collector) {
		c.depth = fn
	})
}

// WithSampleSource archives the latest monitor snapshot every interval.
func WithSampleSource(fn SampleFunc, interval time.Duration) Option {
	return optionFunc(func(c *Collector) {
		c.sample = fn
		if interval > 0 {
			c.sampleInterval = interval
		}
	})
}

// WithLogger sets the collector logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	})
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *Collector) {
		if now != nil {
			c.now = now
		}
	})
}

// NewCollector creates a new Collector.
func NewCollector(bus *events.Bus, store Store, opts ...Option) *Collector {
	c := &Collector{
		bus:            bus,
		store:          store,
		logger:         slog.Default(),
		now:            time.Now,
		retention:      7 * 24 * time.Hour,
		flushInterval:  time.Minute,
		pruneSchedule:  "@every 1h",
		sampleInterval: 10 * time.Second,
		counters:       make(map[string]*Counters),
		ready:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

// WaitReady blocks until the collector has subscribed to events.
func (c *Collector) WaitReady() {
	<-c.ready
}

// Start begins the event listener, the flush ticker and the prune schedule.
// Blocks until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	sub := c.bus.Subscribe(events.WithBuffer(1024), events.WithWait(10*time.Millisecond))
	defer sub.Close()

	if c.pruneSchedule != "" && c.retention > 0 {
		cr := cron.New()
		if _, err := cr.AddFunc(c.pruneSchedule, func() { c.Prune(ctx) }); err != nil {
			c.logger.Error("invalid stats prune schedule", "schedule", c.pruneSchedule, "error", err)
		} else {
			cr.Start()
			defer func() { <-cr.Stop().Done() }()
		}
	}

	c.readyOnce.Do(func() { close(c.ready) })

	flush := time.NewTicker(c.flushInterval)
	defer flush.Stop()

	var sampleC <-chan time.Time
	if c.sample != nil && c.archive != nil {
		t := time.NewTicker(c.sampleInterval)
		defer t.Stop()
		sampleC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.drain(flushCtx, sub)
			c.Flush(flushCtx)
			cancel()
			return
		case e := <-sub.C():
			c.handleEvent(ctx, e)
		case <-flush.C:
			c.Flush(ctx)
			c.snapshot(ctx)
		case <-sampleC:
			c.saveSample(ctx, c.sample())
		}
	}
}

func (c *Collector) drain(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case e := <-sub.C():
			c.handleEvent(ctx, e)
		default:
			return
		}
	}
}

func (c *Collector) handleEvent(ctx context.Context, e core.Event) {
	switch ev := e.(type) {
	case *core.JobStateChanged:
		if !ev.To.IsTerminal() || ev.Job == nil {
			return
		}
		c.count(string(ev.Job.Kind), func(k *Counters) {
			switch ev.To {
			case core.StateSucceeded:
				k.Succeeded++
			case core.StateFailed:
				k.Failed++
			case core.StateCancelled:
				k.Cancelled++
			case core.StateTimedOut:
				k.TimedOut++
			}
		})
		if c.archive != nil {
			if err := c.archive.SaveJob(ctx, ev.Job); err != nil {
				c.logger.Warn("archive job failed", "job_id", ev.Job.ID, "error", err)
			}
		}
	case *core.JobRetrying:
		if ev.Job != nil {
			c.count(string(ev.Job.Kind), func(k *Counters) { k.Retried++ })
		}
	case *core.DegradationChanged:
		c.saveSample(ctx, ev.Snapshot)
	}
}

func (c *Collector) count(kind string, fn func(*Counters)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.counters[kind]
	if !ok {
		k = &Counters{}
		c.counters[kind] = k
	}
	fn(k)
}

// Pending returns a copy of the counters not yet flushed.
func (c *Collector) Pending() map[string]Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Counters, len(c.counters))
	for kind, k := range c.counters {
		out[kind] = *k
	}
	return out
}

// Flush writes accumulated counters to the stats store.
func (c *Collector) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.counters
	c.counters = make(map[string]*Counters)
	c.mu.Unlock()

	ts := c.now().Truncate(time.Minute)
	for kind, k := range batch {
		if k.empty() {
			continue
		}
		if err := c.store.UpsertCounters(ctx, kind, ts, *k); err != nil {
			c.logger.Warn("stats flush failed", "kind", kind, "error", err)
		}
	}
}

func (c *Collector) snapshot(ctx context.Context) {
	if c.depth == nil {
		return
	}
	queued, running := c.depth()
	ts := c.now().Truncate(time.Minute)
	if err := c.store.SnapshotDepth(ctx, AllKinds, ts, int64(queued), int64(running)); err != nil {
		c.logger.Warn("stats depth snapshot failed", "error", err)
	}
}

func (c *Collector) saveSample(ctx context.Context, snap core.MetricSnapshot) {
	if c.archive == nil || snap.Timestamp.IsZero() {
		return
	}
	c.mu.Lock()
	if !snap.Timestamp.After(c.lastSave) {
		c.mu.Unlock()
		return
	}
	c.lastSave = snap.Timestamp
	c.mu.Unlock()

	if err := c.archive.SaveSample(ctx, snap); err != nil {
		c.logger.Warn("archive sample failed", "error", err)
	}
}

// Prune deletes stats rows, archived jobs and samples older than the retention window.
func (c *Collector) Prune(ctx context.Context) {
	if c.retention <= 0 {
		return
	}
	cutoff := c.now().Add(-c.retention)
	if n, err := c.store.PruneStats(ctx, cutoff); err != nil {
		c.logger.Warn("stats prune failed", "error", err)
	} else if n > 0 {
		c.logger.Debug("stats pruned", "rows", n)
	}
	if c.archive == nil {
		return
	}
	if _, err := c.archive.PruneJobs(ctx, cutoff); err != nil {
		c.logger.Warn("archive job prune failed", "error", err)
	}
	if _, err := c.archive.PruneSamples(ctx, cutoff); err != nil {
		c.logger.Warn("archive sample prune failed", "error", err)
	}
}

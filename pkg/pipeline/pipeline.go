package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/adaptive-jobs/pkg/cache"
	"github.com/jdziat/adaptive-jobs/pkg/core"
	"github.com/jdziat/adaptive-jobs/pkg/engine"
)

// ResourceCache is the part of the model cache the pipeline borrows from.
type ResourceCache interface {
	GetOrCreate(ctx context.Context, key string, factory cache.Factory) (*cache.Handle, error)
}

// CompletionRecorder counts finished jobs towards the achieved rate.
type CompletionRecorder interface {
	RecordCompletion()
}

type item struct {
	job        *core.Job
	handle     *Handle
	bestEffort bool
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Occupancy int
	Capacity  int
	Workers   int
	Active    int
	Limit     int
	Policy    DropPolicy
	Level     core.DegradationLevel
	Offered   uint64
	Dropped   uint64
	Rejected  uint64
	Completed uint64
	DropRate  float64
}

// Pipeline is a bounded buffer drained by a fixed pool of workers.
type Pipeline struct {
	config   Config
	registry *engine.Registry
	cache    ResourceCache
	recorder CompletionRecorder
	hooks    Hooks
	logger   *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond // signalled on push, pop finish, limit change and close
	items    []*item
	inflight map[*item]struct{}
	space    chan struct{}
	closed   bool
	started  bool
	level    core.DegradationLevel
	limit    int
	active   int
	offered  uint64
	dropped  uint64
	rejected uint64
	done     uint64

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Pipeline. Workers start with Start.
func New(registry *engine.Registry, rc ResourceCache, opts ...Option) *Pipeline {
	p := &Pipeline{
		config:   DefaultConfig(),
		registry: registry,
		cache:    rc,
		logger:   slog.Default(),
		inflight: make(map[*item]struct{}),
		space:    make(chan struct{}),
		level:    core.LevelNormal,
	}
	for _, opt := range opts {
		opt.apply(p)
	}
	p.config.normalize()
	p.limit = p.config.Workers
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the worker pool. Workers stop after Drain.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.runCtx, p.runCancel = context.WithCancel(ctx)
	p.mu.Unlock()

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.workLoop(i)
	}
	p.logger.Info("pipeline started", "workers", p.config.Workers, "capacity", p.config.Capacity)
}

// Accepts reports whether job would be admitted at the current level.
// Best-effort jobs are refused while degraded. In fail-fast mode a full
// buffer with nothing to shed reports ErrBufferFull.
func (p *Pipeline) Accepts(job *core.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.ErrPipelineClosed
	}
	if p.level >= core.LevelWarning && job.IsBestEffort() {
		return core.ErrBackpressure
	}
	if p.config.Mode == FailFast && len(p.items) >= p.config.Capacity && p.victimLocked() == nil {
		return core.ErrBufferFull
	}
	return nil
}

// Enqueue buffers job for execution and returns its handle.
// A full buffer sheds, blocks or fails according to level, policy and mode.
func (p *Pipeline) Enqueue(ctx context.Context, job *core.Job) (*Handle, error) {
	if job == nil {
		return nil, core.ErrInvalidJob
	}
	it := &item{job: job, handle: newHandle(p, job.ID), bestEffort: job.IsBestEffort()}

	var timeout <-chan time.Time
	if p.config.Mode == Block && p.config.EnqueueTimeout > 0 {
		timer := time.NewTimer(p.config.EnqueueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	p.mu.Lock()
	p.offered++
	for {
		if p.closed {
			p.rejected++
			p.mu.Unlock()
			return nil, core.ErrPipelineClosed
		}
		if len(p.items) < p.config.Capacity {
			p.pushLocked(it)
			p.mu.Unlock()
			return it.handle, nil
		}
		if victim := p.victimLocked(); victim != nil {
			p.removeLocked(victim)
			p.dropped++
			p.pushLocked(it)
			p.mu.Unlock()

			p.logger.Warn("pipeline dropped buffered job",
				"job_id", victim.job.ID, "kind", victim.job.Kind, "priority", victim.job.Priority.String())
			victim.handle.complete(engine.Result{}, fmt.Errorf("job %s: %w", victim.job.ID, core.ErrDropped))
			return it.handle, nil
		}
		if p.config.Mode == FailFast {
			p.rejected++
			p.mu.Unlock()
			return nil, core.ErrBufferFull
		}

		space := p.space
		p.mu.Unlock()
		select {
		case <-space:
		case <-timeout:
			p.mu.Lock()
			p.rejected++
			p.mu.Unlock()
			return nil, core.ErrBufferFull
		case <-ctx.Done():
			p.mu.Lock()
			p.rejected++
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.mu.Lock()
	}
}

// ApplyLevel adapts concurrency and shedding to a degradation level.
func (p *Pipeline) ApplyLevel(level core.DegradationLevel) {
	p.mu.Lock()
	p.level = level
	p.limit = scaledLimit(p.config.Workers, level)
	limit := p.limit
	p.cond.Broadcast()
	p.mu.Unlock()

	p.logger.Info("pipeline concurrency adjusted", "level", level.String(), "limit", limit)
}

// Backpressure reports whether the pipeline is currently shedding best-effort work.
func (p *Pipeline) Backpressure() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level >= core.LevelWarning
}

// Drain stops intake and waits for buffered and running jobs to finish.
// When ctx expires first, in-flight and buffered jobs are cancelled and their
// handles completed at once. Workers exit in the background once their
// engines return.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.space)
	}
	started := p.started
	var orphans []*item
	if !started {
		orphans = p.items
		p.items = nil
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, it := range orphans {
		it.handle.complete(engine.Result{}, fmt.Errorf("job %s: %w", it.job.ID, core.ErrPipelineClosed))
	}
	if !started {
		return nil
	}

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.runCancel()
		p.logger.Info("pipeline drained")
		return nil
	case <-ctx.Done():
		p.runCancel()
		p.mu.Lock()
		abandoned := make([]*item, 0, len(p.inflight)+len(p.items))
		for it := range p.inflight {
			abandoned = append(abandoned, it)
		}
		abandoned = append(abandoned, p.items...)
		p.items = nil
		p.mu.Unlock()

		p.logger.Warn("pipeline drain timed out, cancelling in-flight jobs", "jobs", len(abandoned))
		for _, it := range abandoned {
			it.handle.complete(engine.Result{}, cancelledError(it.job.ID, core.ErrShuttingDown))
		}
		return fmt.Errorf("drain: %w", ctx.Err())
	}
}

// Stats returns a snapshot of buffer and pool counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Occupancy: len(p.items),
		Capacity:  p.config.Capacity,
		Workers:   p.config.Workers,
		Active:    p.active,
		Limit:     p.limit,
		Policy:    p.config.Policy,
		Level:     p.level,
		Offered:   p.offered,
		Dropped:   p.dropped,
		Rejected:  p.rejected,
		Completed: p.done,
	}
	if p.offered > 0 {
		s.DropRate = float64(p.dropped) / float64(p.offered)
	}
	return s
}

func (p *Pipeline) pushLocked(it *item) {
	p.items = append(p.items, it)
	p.cond.Signal()
}

// victimLocked picks the buffered job to shed for a newcomer, if any.
// While degraded only best-effort jobs are shed, oldest first.
func (p *Pipeline) victimLocked() *item {
	if p.level >= core.LevelWarning {
		for _, it := range p.items {
			if it.bestEffort {
				return it
			}
		}
	}
	if p.config.Policy == DropOldest && len(p.items) > 0 {
		return p.items[0]
	}
	return nil
}

func (p *Pipeline) removeLocked(target *item) bool {
	for i, it := range p.items {
		if it == target {
			copy(p.items[i:], p.items[i+1:])
			p.items[len(p.items)-1] = nil
			p.items = p.items[:len(p.items)-1]
			p.signalSpaceLocked()
			return true
		}
	}
	return false
}

// remove takes a still-buffered handle out of the buffer.
func (p *Pipeline) remove(h *Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, it := range p.items {
		if it.handle == h {
			return p.removeLocked(it)
		}
	}
	return false
}

func (p *Pipeline) signalSpaceLocked() {
	if p.closed {
		return
	}
	close(p.space)
	p.space = make(chan struct{})
}

func scaledLimit(workers int, level core.DegradationLevel) int {
	n := workers
	switch level {
	case core.LevelWarning:
		n = workers / 2
	case core.LevelCritical:
		n = workers / 4
	}
	if n < 1 {
		n = 1
	}
	return n
}

package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jdziat/adaptive-jobs/pkg/core"
	"github.com/jdziat/adaptive-jobs/pkg/security"
)

var (
	// ErrNoCapacity is returned when the budget is exhausted by borrowed entries.
	// It wraps core.ErrResourceUnavailable so callers treat it as transient.
	ErrNoCapacity = fmt.Errorf("cache: budget exhausted by borrowed entries: %w", core.ErrResourceUnavailable)
	ErrTooLarge   = errors.New("cache: resource larger than memory budget")
	ErrNoFactory  = errors.New("cache: no factory for key")
	ErrInUse      = errors.New("cache: entry is borrowed")
	ErrClosed     = errors.New("cache: closed")
)

// maxInsertAttempts bounds how often a freshly built entry may be lost to
// eviction before the caller could borrow it.
const maxInsertAttempts = 3

// Resource is what a factory builds: the handle plus its estimated footprint.
type Resource struct {
	Value     any
	SizeBytes int64
	// TTL overrides the cache default when positive.
	TTL time.Duration
}

// Factory constructs the resource for one key.
type Factory func(ctx context.Context) (Resource, error)

// Resolver maps a key to its factory; used by Prewarm and by GetOrCreate
// when no factory is passed.
type Resolver func(key string) (Factory, bool)

type entry struct {
	key        string
	value      any
	size       int64
	ttl        time.Duration
	createdAt  time.Time
	lastUsedAt time.Time
	refCount   int
	elem       *list.Element
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits            uint64
	Misses          uint64
	HitRate         float64 // over the sliding window
	LifetimeHitRate float64
	MemoryUsed      int64
	MemoryBudget    int64
	Entries         int
	Borrowed        int
	Evictions       uint64
	Expirations     uint64
	Alerting        bool
}

// Cache is a bounded in-memory cache of expensive-to-construct resources.
type Cache struct {
	config   Config
	logger   *slog.Logger
	emitter  core.Emitter
	resolver Resolver
	now      func() time.Time

	mu          sync.Mutex
	entries     map[string]*entry
	lru         *list.List // front = most recently used
	used        int64
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
	closed      bool

	// sliding hit-rate window
	outcomes   []bool
	pos        int
	filled     int
	windowHits int
	alerting   bool

	group singleflight.Group
}

// New creates a Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		config:  DefaultConfig(),
		logger:  slog.Default(),
		emitter: core.NopEmitter,
		now:     time.Now,
		entries: make(map[string]*entry),
		lru:     list.New(),
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	if c.config.Window < 1 {
		c.config.Window = 1
	}
	c.outcomes = make([]bool, c.config.Window)
	return c
}

// GetOrCreate borrows the resource for key, constructing it with factory on a miss.
// The returned handle must be released when the job that borrowed it finishes.
func (c *Cache) GetOrCreate(ctx context.Context, key string, factory Factory) (*Handle, error) {
	if err := security.ValidateCacheKey(key); err != nil {
		return nil, &core.ConstructionError{Key: key, Err: err}
	}

	h, err := c.acquire(key, true)
	if err != nil || h != nil {
		return h, err
	}

	if factory == nil {
		f, ok := c.resolve(key)
		if !ok {
			return nil, &core.ConstructionError{Key: key, Err: ErrNoFactory}
		}
		factory = f
	}

	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		_, err, _ := c.group.Do(key, func() (any, error) {
			return nil, c.construct(ctx, key, factory)
		})
		if err != nil {
			return nil, err
		}
		h, err := c.acquire(key, false)
		if err != nil || h != nil {
			return h, err
		}
	}
	return nil, fmt.Errorf("cache: %q evicted before checkout: %w", key, ErrNoCapacity)
}

// Prewarm constructs every key through the resolver and releases it immediately.
// All keys are attempted; failures are joined.
func (c *Cache) Prewarm(ctx context.Context, keys ...string) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(4)

	for _, key := range keys {
		g.Go(func() error {
			h, err := c.GetOrCreate(ctx, key, nil)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			h.Release()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Evict removes key from the cache. Absent keys are a no-op; borrowed
// entries are refused with ErrInUse.
func (c *Cache) Evict(key string) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if e.refCount > 0 {
		c.mu.Unlock()
		return ErrInUse
	}
	c.removeLocked(e)
	c.evictions++
	c.mu.Unlock()

	c.closeValue(e)
	return nil
}

// Sweep removes unborrowed entries whose idle time exceeds their TTL.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	var expired []*entry
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if c.expiredLocked(e, now) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.removeLocked(e)
		c.expirations++
	}
	c.mu.Unlock()

	for _, e := range expired {
		c.closeValue(e)
	}
	if len(expired) > 0 {
		c.logger.Debug("cache entries expired", "count", len(expired))
	}
	return len(expired)
}

// Run sweeps expired entries periodically. Blocks until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	if c.config.JanitorInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(c.config.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Close drops every unborrowed entry. Borrowed entries are dropped on release.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	var dropped []*entry
	for _, e := range c.entries {
		if e.refCount == 0 {
			dropped = append(dropped, e)
		}
	}
	for _, e := range dropped {
		c.removeLocked(e)
	}
	c.mu.Unlock()

	for _, e := range dropped {
		c.closeValue(e)
	}
}

// HitRate returns the hit rate over the sliding window, or 1 before any lookup.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filled == 0 {
		return 1
	}
	return float64(c.windowHits) / float64(c.filled)
}

// HitRateAlert reports whether the windowed hit rate is below the alert threshold.
func (c *Cache) HitRateAlert() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alerting
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:         c.hits,
		Misses:       c.misses,
		MemoryUsed:   c.used,
		MemoryBudget: c.config.BudgetBytes,
		Entries:      len(c.entries),
		Evictions:    c.evictions,
		Expirations:  c.expirations,
		Alerting:     c.alerting,
	}
	if c.filled > 0 {
		s.HitRate = float64(c.windowHits) / float64(c.filled)
	}
	if total := c.hits + c.misses; total > 0 {
		s.LifetimeHitRate = float64(c.hits) / float64(total)
	}
	for _, e := range c.entries {
		if e.refCount > 0 {
			s.Borrowed++
		}
	}
	return s
}

// acquire borrows an existing entry. When record is set the lookup counts
// towards hit/miss statistics.
func (c *Cache) acquire(key string, record bool) (*Handle, error) {
	now := c.now()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	var expired *entry
	e, ok := c.entries[key]
	if ok && c.expiredLocked(e, now) {
		c.removeLocked(e)
		c.expirations++
		expired, e, ok = e, nil, false
	}

	var alert *core.CacheHitRateAlert
	if record {
		if ok {
			c.hits++
		} else {
			c.misses++
		}
		alert = c.recordLocked(ok, now)
	}

	var h *Handle
	if ok {
		e.refCount++
		e.lastUsedAt = now
		c.lru.MoveToFront(e.elem)
		h = &Handle{cache: c, entry: e}
	}
	c.mu.Unlock()

	if expired != nil {
		c.closeValue(expired)
	}
	if alert != nil {
		c.emitAlert(alert)
	}
	return h, nil
}

func (c *Cache) construct(ctx context.Context, key string, factory Factory) error {
	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	res, err := callFactory(ctx, factory)
	if err != nil {
		return &core.ConstructionError{Key: key, Err: err}
	}
	if res.SizeBytes < 0 {
		res.SizeBytes = 0
	}
	if res.SizeBytes > c.config.BudgetBytes {
		c.closeResource(key, res.Value)
		return &core.ConstructionError{Key: key, Err: ErrTooLarge}
	}

	now := c.now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.closeResource(key, res.Value)
		return ErrClosed
	}
	victims, err := c.makeRoomLocked(res.SizeBytes, now)
	if err != nil {
		c.mu.Unlock()
		c.closeResource(key, res.Value)
		return fmt.Errorf("cache: insert %q: %w", key, err)
	}

	ttl := res.TTL
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	e := &entry{
		key:        key,
		value:      res.Value,
		size:       res.SizeBytes,
		ttl:        ttl,
		createdAt:  now,
		lastUsedAt: now,
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.used += e.size
	c.mu.Unlock()

	for _, v := range victims {
		c.closeValue(v)
	}
	c.logger.Debug("cache entry constructed", "key", key, "size", e.size, "evicted", len(victims))
	return nil
}

// makeRoomLocked evicts least-recently-used unborrowed entries until size fits.
// Nothing is evicted when the space cannot be found.
func (c *Cache) makeRoomLocked(size int64, now time.Time) ([]*entry, error) {
	if c.used+size <= c.config.BudgetBytes {
		return nil, nil
	}
	need := c.used + size - c.config.BudgetBytes

	var (
		victims []*entry
		freed   int64
	)
	// expired entries go first, then plain LRU order
	for el := c.lru.Back(); el != nil && freed < need; el = el.Prev() {
		e := el.Value.(*entry)
		if c.expiredLocked(e, now) {
			victims = append(victims, e)
			freed += e.size
		}
	}
	for el := c.lru.Back(); el != nil && freed < need; el = el.Prev() {
		e := el.Value.(*entry)
		if e.refCount > 0 || containsEntry(victims, e) {
			continue
		}
		victims = append(victims, e)
		freed += e.size
	}
	if freed < need {
		return nil, ErrNoCapacity
	}

	for _, e := range victims {
		c.removeLocked(e)
		c.evictions++
	}
	return victims, nil
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	e.refCount--
	e.lastUsedAt = c.now()
	drop := c.closed && e.refCount == 0
	if drop {
		c.removeLocked(e)
	}
	c.mu.Unlock()

	if drop {
		c.closeValue(e)
	}
}

func (c *Cache) expiredLocked(e *entry, now time.Time) bool {
	return e.refCount == 0 && e.ttl > 0 && now.Sub(e.lastUsedAt) > e.ttl
}

func (c *Cache) removeLocked(e *entry) {
	if cur, ok := c.entries[e.key]; !ok || cur != e {
		return
	}
	delete(c.entries, e.key)
	c.lru.Remove(e.elem)
	c.used -= e.size
}

// recordLocked folds one lookup into the window and returns an alert event
// when the alert state flips.
func (c *Cache) recordLocked(hit bool, now time.Time) *core.CacheHitRateAlert {
	if c.filled == len(c.outcomes) {
		if c.outcomes[c.pos] {
			c.windowHits--
		}
	} else {
		c.filled++
	}
	c.outcomes[c.pos] = hit
	if hit {
		c.windowHits++
	}
	c.pos = (c.pos + 1) % len(c.outcomes)

	if c.config.AlertThreshold <= 0 || c.filled < c.minSamples() {
		return nil
	}
	rate := float64(c.windowHits) / float64(c.filled)
	switch {
	case !c.alerting && rate < c.config.AlertThreshold:
		c.alerting = true
		return &core.CacheHitRateAlert{HitRate: rate, Threshold: c.config.AlertThreshold, Timestamp: now}
	case c.alerting && rate >= c.config.AlertThreshold:
		c.alerting = false
		return &core.CacheHitRateAlert{HitRate: rate, Threshold: c.config.AlertThreshold, Recovered: true, Timestamp: now}
	}
	return nil
}

func (c *Cache) minSamples() int {
	n := len(c.outcomes) / 2
	if n < 1 {
		return 1
	}
	return n
}

func (c *Cache) emitAlert(alert *core.CacheHitRateAlert) {
	if alert.Recovered {
		c.logger.Info("cache hit rate recovered", "hit_rate", alert.HitRate, "threshold", alert.Threshold)
	} else {
		c.logger.Warn("cache hit rate below threshold", "hit_rate", alert.HitRate, "threshold", alert.Threshold)
	}
	c.emitter.Emit(alert)
}

func (c *Cache) resolve(key string) (Factory, bool) {
	if c.resolver == nil {
		return nil, false
	}
	return c.resolver(key)
}

func (c *Cache) closeValue(e *entry) {
	c.closeResource(e.key, e.value)
}

func (c *Cache) closeResource(key string, v any) {
	closer, ok := v.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		c.logger.Warn("failed to close cached resource", "key", key, "error", err)
	}
}

func callFactory(ctx context.Context, factory Factory) (res Resource, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return factory(ctx)
}

func containsEntry(entries []*entry, e *entry) bool {
	for _, v := range entries {
		if v == e {
			return true
		}
	}
	return false
}

// Handle is a borrowed reference to a cached resource, valid until Release.
type Handle struct {
	cache    *Cache
	entry    *entry
	released atomic.Bool
}

// Key returns the cache key the handle was borrowed under.
func (h *Handle) Key() string {
	return h.entry.key
}

// Value returns the borrowed resource, or nil once the handle was released.
func (h *Handle) Value() any {
	if h.released.Load() {
		return nil
	}
	return h.entry.value
}

// Release returns the borrow. Safe to call more than once.
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.cache.release(h.entry)
}

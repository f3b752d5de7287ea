package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jdziat/adaptive-jobs/pkg/core"
)

// DefaultBuffer is the channel size used by Events and by Subscribe without WithBuffer.
const DefaultBuffer = 100

// Bus fans events out to subscribers. It implements core.Emitter.
// A subscriber that cannot keep up loses events, unless it subscribed
// WithBlocking; each loss is counted on its Subscription.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	logger *slog.Logger

	emitted atomic.Uint64
	dropped atomic.Uint64
}

// Option configures a Bus.
type Option interface {
	apply(*Bus)
}

type optionFunc func(*Bus)

func (f optionFunc) apply(b *Bus) { f(b) }

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	})
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{logger: slog.Default()}
	for _, opt := range opts {
		opt.apply(b)
	}
	return b
}

// Subscription is one consumer of a Bus.
type Subscription struct {
	ch     chan core.Event
	wait   time.Duration
	block  bool
	bus    *Bus
	done   chan struct{}
	lagged atomic.Uint64
	closed atomic.Bool
}

// SubscribeOption configures a Subscription.
type SubscribeOption interface {
	applySub(*Subscription)
}

type subOptionFunc func(*Subscription)

func (f subOptionFunc) applySub(s *Subscription) { f(s) }

// WithBuffer sets the subscription channel size.
// Default: 100
func WithBuffer(n int) SubscribeOption {
	return subOptionFunc(func(s *Subscription) {
		if n > 0 {
			s.ch = make(chan core.Event, n)
		}
	})
}

// WithWait makes Emit wait up to d for room in a full channel before counting
// the event as lagged. Zero drops immediately.
func WithWait(d time.Duration) SubscribeOption {
	return subOptionFunc(func(s *Subscription) {
		if d > 0 {
			s.wait = d
		}
	})
}

// WithBlocking makes Emit wait for room until the subscription is closed.
// The subscriber never lags; while it stalls, so does Emit.
func WithBlocking() SubscribeOption {
	return subOptionFunc(func(s *Subscription) {
		s.block = true
	})
}

// C returns the receive channel. It is never closed.
func (s *Subscription) C() <-chan core.Event { return s.ch }

// Lagged returns how many events this subscriber missed.
func (s *Subscription) Lagged() uint64 { return s.lagged.Load() }

// Close detaches the subscription from its bus. Safe to call more than once.
func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
		s.bus.remove(s)
	}
}

// Subscribe attaches a new subscriber.
func (b *Bus) Subscribe(opts ...SubscribeOption) *Subscription {
	s := &Subscription{bus: b, done: make(chan struct{})}
	for _, opt := range opts {
		opt.applySub(s)
	}
	if s.ch == nil {
		s.ch = make(chan core.Event, DefaultBuffer)
	}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s
}

// Events returns a channel for receiving events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (b *Bus) Events() <-chan core.Event {
	return b.Subscribe().C()
}

// Unsubscribe removes a subscriber channel created by Events or Subscribe.
// The channel is not closed; callers must stop reading before calling Unsubscribe.
func (b *Bus) Unsubscribe(ch <-chan core.Event) {
	b.mu.RLock()
	var target *Subscription
	for _, s := range b.subs {
		if (<-chan core.Event)(s.ch) == ch {
			target = s
			break
		}
	}
	b.mu.RUnlock()
	if target != nil {
		target.Close()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers e to every subscriber.
func (b *Bus) Emit(e core.Event) {
	if e == nil {
		return
	}
	b.emitted.Add(1)

	b.mu.RLock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if !s.deliver(e) {
			n := s.lagged.Add(1)
			b.dropped.Add(1)
			if n == 1 || n%1000 == 0 {
				b.logger.Warn("event subscriber lagging", "lagged", n, "event", e.EventKey())
			}
		}
	}
}

func (s *Subscription) deliver(e core.Event) bool {
	if s.closed.Load() {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
	}
	if s.block {
		select {
		case s.ch <- e:
		case <-s.done:
		}
		return true
	}
	if s.wait <= 0 {
		return false
	}
	timer := time.NewTimer(s.wait)
	defer timer.Stop()
	select {
	case s.ch <- e:
		return true
	case <-timer.C:
		return false
	}
}

// BusStats is a point-in-time view of bus counters.
type BusStats struct {
	Emitted     uint64
	Dropped     uint64
	Subscribers int
}

// Stats returns the bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return BusStats{
		Emitted:     b.emitted.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}

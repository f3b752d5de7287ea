package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jdziat/adaptive-jobs/pkg/core"
	"github.com/jdziat/adaptive-jobs/pkg/retry"
)

// SinkConfig configures a RedisSink.
type SinkConfig struct {
	// Stream is the Redis stream key.
	// Default: "adaptive-jobs:events"
	Stream string

	// MaxLen caps the stream length (approximate trimming). Zero disables trimming.
	// Default: 100000
	MaxLen int64

	// Retry bounds publish attempts per event.
	Retry retry.Config

	// FlushTimeout bounds how long Run keeps publishing buffered events after
	// its context ends.
	// Default: 5s
	FlushTimeout time.Duration

	// OutboxSize bounds the events Run holds for redelivery. Once it is full
	// Run stops reading its subscription until Redis catches up.
	// Default: 65536
	OutboxSize int
}

// DefaultSinkConfig returns the default sink configuration.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		Stream: "adaptive-jobs:events",
		MaxLen: 100000,
		Retry: retry.Config{
			MaxAttempts:       5,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.1,
		},
		FlushTimeout: 5 * time.Second,
		OutboxSize:   65536,
	}
}

// RedisSink publishes event envelopes to a Redis stream.
// Each entry has the fields key, type and envelope.
type RedisSink struct {
	client redis.Cmdable
	config SinkConfig
	logger *slog.Logger

	published   atomic.Uint64
	failed      atomic.Uint64
	redelivered atomic.Uint64
	pending     atomic.Int64
}

// NewRedisClient creates a client from a Redis URL.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("events: parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedisSink creates a sink writing through client.
func NewRedisSink(client redis.Cmdable, config SinkConfig, logger *slog.Logger) *RedisSink {
	def := DefaultSinkConfig()
	if config.Stream == "" {
		config.Stream = def.Stream
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = def.Retry
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = def.FlushTimeout
	}
	if config.OutboxSize <= 0 {
		config.OutboxSize = def.OutboxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSink{client: client, config: config, logger: logger}
}

// Ping checks connectivity.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Publish writes one event, retrying transient Redis failures.
func (s *RedisSink) Publish(ctx context.Context, e core.Event) error {
	env, err := NewEnvelope(e)
	if err != nil {
		s.failed.Add(1)
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		s.failed.Add(1)
		return fmt.Errorf("events: marshal envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.config.Stream,
		Values: map[string]any{
			"key":      env.Key,
			"type":     env.Type,
			"envelope": data,
		},
	}
	if s.config.MaxLen > 0 {
		args.MaxLen = s.config.MaxLen
		args.Approx = true
	}

	err = retry.Do(ctx, s.config.Retry, func() error {
		return s.client.XAdd(ctx, args).Err()
	})
	if err != nil {
		s.failed.Add(1)
		return fmt.Errorf("events: publish %s: %w", e.EventKey(), err)
	}
	s.published.Add(1)
	return nil
}

// Run publishes every event received on sub until ctx ends, then flushes
// what is still pending within FlushTimeout. A publish that exhausts its
// retries keeps the event at the head of the outbox and is redelivered, so
// events reach the stream at least once and in emission order. Run closes
// sub when it returns.
func (s *RedisSink) Run(ctx context.Context, sub *Subscription) error {
	defer sub.Close()

	var out []core.Event
	for {
		out = s.collect(sub, out)
		s.pending.Store(int64(len(out)))
		if len(out) == 0 {
			select {
			case <-ctx.Done():
				s.flush(sub, out)
				return nil
			case e := <-sub.C():
				out = append(out, e)
			}
			continue
		}

		// Pending events are published even if ctx ends meanwhile.
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.FlushTimeout)
		err := s.Publish(pubCtx, out[0])
		cancel()
		if err == nil {
			out[0] = nil
			out = out[1:]
			continue
		}
		if errors.Is(err, ErrUnknownEvent) {
			s.logger.Error("event not publishable, skipped", "error", err)
			out[0] = nil
			out = out[1:]
			continue
		}

		s.logger.Error("event publish failed, will redeliver", "pending", len(out), "error", err)
		pause := time.NewTimer(s.config.Retry.MaxBackoff)
		select {
		case <-ctx.Done():
			pause.Stop()
			s.flush(sub, out)
			return nil
		case <-pause.C:
		}
		s.redelivered.Add(1)
	}
}

// collect moves already buffered events into out without blocking while
// the outbox has room.
func (s *RedisSink) collect(sub *Subscription, out []core.Event) []core.Event {
	for len(out) < s.config.OutboxSize {
		select {
		case e := <-sub.C():
			out = append(out, e)
		default:
			return out
		}
	}
	return out
}

// flush publishes everything pending and buffered, retrying failures until
// FlushTimeout. Whatever is left afterwards is counted as lost.
func (s *RedisSink) flush(sub *Subscription, out []core.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.FlushTimeout)
	defer cancel()

	for {
		out = s.collect(sub, out)
		if len(out) == 0 {
			s.pending.Store(0)
			return
		}
		var failed []core.Event
		for _, e := range out {
			if err := s.Publish(ctx, e); err != nil && !errors.Is(err, ErrUnknownEvent) {
				failed = append(failed, e)
			}
		}
		out = failed
		s.pending.Store(int64(len(out)))
		if len(out) == 0 {
			continue
		}
		if ctx.Err() != nil {
			s.logger.Error("event stream flush timed out, events lost", "lost", len(out))
			return
		}
		s.redelivered.Add(uint64(len(out)))
	}
}

// SinkStats is a point-in-time view of sink counters.
type SinkStats struct {
	Published   uint64
	Failed      uint64 // publish calls that exhausted their retries
	Redelivered uint64
	Pending     int64 // held in the outbox, not yet in the stream
}

// Stats returns the sink counters.
func (s *RedisSink) Stats() SinkStats {
	return SinkStats{
		Published:   s.published.Load(),
		Failed:      s.failed.Load(),
		Redelivered: s.redelivered.Load(),
		Pending:     s.pending.Load(),
	}
}

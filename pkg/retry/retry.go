// Package retry provides bounded exponential backoff for transient failures.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jdziat/adaptive-jobs/pkg/core"
)

// Config holds configuration for retry with backoff.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial one).
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 5s
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier applied to backoff after each attempt.
	// Default: 2.0
	BackoffMultiplier float64

	// JitterFraction is the fraction of backoff to randomize (0.0 to 1.0).
	// Default: 0.1 (10% jitter)
	JitterFraction float64
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// Backoff returns the delay before the given attempt (1-based) is retried,
// including jitter and capped at MaxBackoff.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := c.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	backoff := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= multiplier
		if c.MaxBackoff > 0 && backoff >= float64(c.MaxBackoff) {
			backoff = float64(c.MaxBackoff)
			break
		}
	}

	d := time.Duration(backoff)
	if c.JitterFraction > 0 {
		jitter := time.Duration(backoff * c.JitterFraction * (rand.Float64()*2 - 1))
		if d+jitter > 0 {
			d += jitter
		}
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

// Do executes the operation with exponential backoff on failure.
// It respects context cancellation, never retries NoRetry errors and returns
// the last error if all attempts fail.
func Do(ctx context.Context, config Config, operation func() error) error {
	var lastErr error
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if !IsRetryable(lastErr) {
			return lastErr
		}

		if attempt >= attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(config.Backoff(attempt)):
		}
	}

	return lastErr
}

// IsRetryable determines if an error is worth another local attempt.
// Context errors and NoRetry errors are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var noRetry *core.NoRetryError
	return !errors.As(err, &noRetry)
}

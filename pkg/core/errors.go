package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors
var (
	ErrInvalidJob          = errors.New("jobs: invalid job")
	ErrCapacityExceeded    = errors.New("jobs: admission queue is full")
	ErrBackpressure        = errors.New("jobs: rejected by backpressure")
	ErrNotAccepting        = errors.New("jobs: system is not accepting jobs")
	ErrJobNotFound         = errors.New("jobs: job not found")
	ErrUnknownKind         = errors.New("jobs: no handler registered for kind")
	ErrBufferFull          = errors.New("jobs: pipeline buffer is full")
	ErrPipelineClosed      = errors.New("jobs: pipeline is closed")
	ErrDropped             = errors.New("jobs: dropped by pipeline backpressure")
	ErrCancelled           = errors.New("jobs: job cancelled")
	ErrResourceUnavailable = errors.New("jobs: resource temporarily unavailable")
	ErrInvalidTransition   = errors.New("jobs: invalid state transition")
	ErrShuttingDown        = errors.New("jobs: system is shutting down")
)

// AdmissionError is returned when the scheduler refuses a submission.
// It is recoverable: the caller may retry later.
type AdmissionError struct {
	JobID  string
	Reason error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected: %v", e.Reason)
}

func (e *AdmissionError) Unwrap() error {
	return e.Reason
}

// ConstructionError is returned when a cache factory fails to build a resource.
type ConstructionError struct {
	Key string
	Err error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("construct resource %q: %v", e.Key, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// ExecutionError wraps a failure returned across the engine boundary.
type ExecutionError struct {
	JobID     string
	Kind      Kind
	Err       error
	Transient bool
}

func (e *ExecutionError) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	return fmt.Sprintf("execute %s job %s (%s): %v", e.Kind, e.JobID, class, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a job that exceeded its deadline.
type TimeoutError struct {
	JobID    string
	Deadline time.Time
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s exceeded deadline %s", e.JobID, e.Deadline.Format(time.RFC3339Nano))
}

// StartupFailed is the fatal report produced when boot probes or validation fail.
type StartupFailed struct {
	Stage SystemState
	Probe string
	Err   error
}

func (e *StartupFailed) Error() string {
	return fmt.Sprintf("startup failed in %s (probe %s): %v", e.Stage, e.Probe, e.Err)
}

func (e *StartupFailed) Unwrap() error {
	return e.Err
}

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}

// TransientError marks an engine failure as worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps an error to indicate the failure is temporary.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient classifies an error for the retry policy.
// NoRetry always wins; RetryAfter, Transient and resource shortages are transient;
// anything else is treated as deterministic.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var noRetry *NoRetryError
	if errors.As(err, &noRetry) {
		return false
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) && execErr.Transient {
		return true
	}
	var retryAfter *RetryAfterError
	if errors.As(err, &retryAfter) {
		return true
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, ErrResourceUnavailable)
}

// RetryDelay returns the delay requested by a RetryAfter error, if any.
func RetryDelay(err error) (time.Duration, bool) {
	var retryAfter *RetryAfterError
	if errors.As(err, &retryAfter) {
		return retryAfter.Delay, true
	}
	return 0, false
}

// Package jobs runs media-processing jobs on a single host and adapts to load.
//
// This is the main package users should import. It wires the scheduler, the
// processing pipeline, the model cache, the performance monitor and the
// system state machine into one System, and re-exports the public types of
// the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	cfg := jobs.DefaultConfig()
//	sys, err := jobs.New(cfg)
//	if err != nil {
//	    return err
//	}
//
//	// Register one engine per job kind
//	sys.Register(jobs.KindFaceDetect, jobs.Handler{
//	    Engine: jobs.EngineFunc(func(ctx context.Context, job *jobs.Job, res jobs.Resources) (jobs.Result, error) {
//	        return detect(ctx, job.PayloadRef)
//	    }),
//	})
//
//	// Boot and accept work
//	if err := sys.Start(ctx); err != nil {
//	    return err
//	}
//	id, err := sys.Submit(jobs.KindFaceDetect, "frames/0001.png", jobs.WithPriority(jobs.PriorityHigh))
//
//	// Drain and stop
//	sys.Shutdown(ctx)
package jobs

import (
	"context"
	"time"

	"github.com/jdziat/adaptive-jobs/pkg/config"
	"github.com/jdziat/adaptive-jobs/pkg/core"
	"github.com/jdziat/adaptive-jobs/pkg/engine"
	"github.com/jdziat/adaptive-jobs/pkg/scheduler"
)

// Type aliases for the domain model.
type (
	// Job is a unit of media-processing work.
	Job = core.Job
	// Kind identifies the engine operation a job performs.
	Kind = core.Kind
	// Priority orders jobs inside the scheduler.
	Priority = core.Priority
	// JobState is the lifecycle state of a job.
	JobState = core.JobState
	// SystemState is the state of the whole system.
	SystemState = core.SystemState
	// DegradationLevel is the monitor's verdict on host load.
	DegradationLevel = core.DegradationLevel
	// MetricSnapshot is one monitor sample.
	MetricSnapshot = core.MetricSnapshot
	// Archive persists terminal jobs and metric samples.
	Archive = core.Archive

	// Event is anything published on the event stream.
	Event = core.Event
	// JobStateChanged is published on every job transition.
	JobStateChanged = core.JobStateChanged
	// JobRetrying is published when a failed attempt is scheduled again.
	JobRetrying = core.JobRetrying
	// SystemStateChanged is published on every system transition.
	SystemStateChanged = core.SystemStateChanged
	// DegradationChanged is published when the degradation level changes.
	DegradationChanged = core.DegradationChanged
	// CacheHitRateAlert is published when the cache hit rate crosses its threshold.
	CacheHitRateAlert = core.CacheHitRateAlert

	// Engine executes one job.
	Engine = engine.Engine
	// EngineFunc adapts a function to Engine.
	EngineFunc = engine.EngineFunc
	// Handler binds an engine and its cached resources to a kind.
	Handler = engine.Handler
	// ResourceSpec names a cached resource and its factory.
	ResourceSpec = engine.ResourceSpec
	// Resources are the borrowed values handed to an engine.
	Resources = engine.Resources
	// Result is what an engine produced.
	Result = engine.Result

	// Config is the system configuration.
	Config = config.Config
	// SubmitOption configures a single submission.
	SubmitOption = scheduler.SubmitOption
)

// Error types
type (
	AdmissionError    = core.AdmissionError
	ConstructionError = core.ConstructionError
	ExecutionError    = core.ExecutionError
	TimeoutError      = core.TimeoutError
	StartupFailed     = core.StartupFailed
)

// Job kinds.
const (
	KindFaceDetect   = core.KindFaceDetect
	KindFaceSwap     = core.KindFaceSwap
	KindFaceEnhance  = core.KindFaceEnhance
	KindFrameEncode  = core.KindFrameEncode
	KindFramePreview = core.KindFramePreview
	KindFrameAnalyze = core.KindFrameAnalyze
)

// Priorities.
const (
	PriorityLow    = core.PriorityLow
	PriorityMedium = core.PriorityMedium
	PriorityHigh   = core.PriorityHigh
	PriorityUrgent = core.PriorityUrgent
)

// Job states.
const (
	StateQueued     = core.StateQueued
	StateDispatched = core.StateDispatched
	StateRunning    = core.StateRunning
	StateSucceeded  = core.StateSucceeded
	StateFailed     = core.StateFailed
	StateCancelled  = core.StateCancelled
	StateTimedOut   = core.StateTimedOut
)

// System states.
const (
	SystemInit     = core.SystemInit
	SystemCheckEnv = core.SystemCheckEnv
	SystemIdle     = core.SystemIdle
	SystemRunning  = core.SystemRunning
	SystemDegraded = core.SystemDegraded
	SystemShutdown = core.SystemShutdown
)

// Degradation levels.
const (
	LevelNormal   = core.LevelNormal
	LevelWarning  = core.LevelWarning
	LevelCritical = core.LevelCritical
)

// Sentinel errors
var (
	ErrInvalidJob          = core.ErrInvalidJob
	ErrCapacityExceeded    = core.ErrCapacityExceeded
	ErrBackpressure        = core.ErrBackpressure
	ErrNotAccepting        = core.ErrNotAccepting
	ErrShuttingDown        = core.ErrShuttingDown
	ErrJobNotFound         = core.ErrJobNotFound
	ErrUnknownKind         = core.ErrUnknownKind
	ErrDropped             = core.ErrDropped
	ErrCancelled           = core.ErrCancelled
	ErrResourceUnavailable = core.ErrResourceUnavailable
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads a YAML file (a missing file yields defaults), applies
// ADAPTIVE_JOBS_* overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Kinds returns every known job kind.
func Kinds() []Kind {
	return core.Kinds()
}

// ParsePriority parses a case-insensitive priority name.
func ParsePriority(s string) (Priority, error) {
	return core.ParsePriority(s)
}

// WithPriority sets the job priority. Default: MEDIUM.
func WithPriority(p Priority) SubmitOption {
	return scheduler.WithPriority(p)
}

// WithDeadline sets an absolute deadline after which the job times out.
func WithDeadline(t time.Time) SubmitOption {
	return scheduler.WithDeadline(t)
}

// WithTimeout sets a deadline relative to submission.
func WithTimeout(d time.Duration) SubmitOption {
	return scheduler.WithTimeout(d)
}

// WithRetries overrides the retry budget for transient failures.
func WithRetries(n int) SubmitOption {
	return scheduler.WithRetries(n)
}

// NoRetry wraps an engine error so the job fails without retrying.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an engine error with an explicit retry delay.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// Transient marks an engine error as retryable.
func Transient(err error) error {
	return core.Transient(err)
}

// JobFromContext returns the job an engine is executing.
func JobFromContext(ctx context.Context) *Job {
	return engine.JobFromContext(ctx)
}

// JobIDFromContext returns the ID of the job an engine is executing.
func JobIDFromContext(ctx context.Context) string {
	return engine.JobIDFromContext(ctx)
}

// Checkpoint returns an error when the running job was cancelled or its
// deadline passed. Long-running engines call it between frames.
func Checkpoint(ctx context.Context) error {
	return engine.Checkpoint(ctx)
}

package core

import (
	"fmt"
	"time"
)

// Event is the interface for all outbound events.
// Delivery is at-least-once; consumers deduplicate by EventKey.
type Event interface {
	EventKey() string
	EventTime() time.Time
	eventMarker()
}

// JobStateChanged is emitted on every job state transition.
// Job is a snapshot taken at the time of the transition.
type JobStateChanged struct {
	Job       *Job
	From      JobState
	To        JobState
	Error     string
	Timestamp time.Time
}

func (e *JobStateChanged) EventKey() string {
	return fmt.Sprintf("job/%s/%s/%d", e.Job.ID, e.To, e.Timestamp.UnixNano())
}

func (e *JobStateChanged) EventTime() time.Time { return e.Timestamp }

func (*JobStateChanged) eventMarker() {}

// JobRetrying is emitted when a transient failure schedules another attempt.
type JobRetrying struct {
	Job       *Job
	Attempt   int
	Error     string
	NextRunAt time.Time
	Timestamp time.Time
}

func (e *JobRetrying) EventKey() string {
	return fmt.Sprintf("retry/%s/%d/%d", e.Job.ID, e.Attempt, e.Timestamp.UnixNano())
}

func (e *JobRetrying) EventTime() time.Time { return e.Timestamp }

func (*JobRetrying) eventMarker() {}

// SystemStateChanged is emitted on every global lifecycle transition.
type SystemStateChanged struct {
	From      SystemState
	To        SystemState
	Reason    string
	Timestamp time.Time
}

func (e *SystemStateChanged) EventKey() string {
	return fmt.Sprintf("system/%s/%d", e.To, e.Timestamp.UnixNano())
}

func (e *SystemStateChanged) EventTime() time.Time { return e.Timestamp }

func (*SystemStateChanged) eventMarker() {}

// DegradationChanged is emitted when the monitor changes degradation level.
type DegradationChanged struct {
	From      DegradationLevel
	To        DegradationLevel
	Snapshot  MetricSnapshot
	Timestamp time.Time
}

func (e *DegradationChanged) EventKey() string {
	return fmt.Sprintf("degradation/%s/%d", e.To, e.Timestamp.UnixNano())
}

func (e *DegradationChanged) EventTime() time.Time { return e.Timestamp }

func (*DegradationChanged) eventMarker() {}

// CacheHitRateAlert is emitted when the cache hit rate crosses its alert threshold.
// Recovered is true when the rate climbs back above the threshold.
type CacheHitRateAlert struct {
	HitRate   float64
	Threshold float64
	Recovered bool
	Timestamp time.Time
}

func (e *CacheHitRateAlert) EventKey() string {
	return fmt.Sprintf("cache/%t/%d", e.Recovered, e.Timestamp.UnixNano())
}

func (e *CacheHitRateAlert) EventTime() time.Time { return e.Timestamp }

func (*CacheHitRateAlert) eventMarker() {}

// Emitter publishes events. Implementations must not block for long.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// NopEmitter discards every event.
var NopEmitter Emitter = EmitterFunc(func(Event) {})

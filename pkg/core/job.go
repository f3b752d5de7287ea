// Package core provides the domain models and interfaces for the jobs package.
package core

import (
	"fmt"
	"strings"
	"time"
)

// JobState represents the current state of a job.
type JobState string

const (
	StateQueued     JobState = "queued"
	StateDispatched JobState = "dispatched"
	StateRunning    JobState = "running"
	StateSucceeded  JobState = "succeeded"
	StateFailed     JobState = "failed"
	StateCancelled  JobState = "cancelled"
	StateTimedOut   JobState = "timed_out"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// Priority orders jobs inside the scheduler. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// Valid reports whether p is one of the four known tiers.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

// ParsePriority parses a case-insensitive priority name.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return PriorityLow, nil
	case "MEDIUM":
		return PriorityMedium, nil
	case "HIGH":
		return PriorityHigh, nil
	case "URGENT":
		return PriorityUrgent, nil
	}
	return PriorityLow, fmt.Errorf("jobs: unknown priority %q", s)
}

// Kind identifies the engine operation a job performs.
// The set is closed; each kind has exactly one registered handler.
type Kind string

const (
	KindFaceDetect   Kind = "face_detect"
	KindFaceSwap     Kind = "face_swap"
	KindFaceEnhance  Kind = "face_enhance"
	KindFrameEncode  Kind = "frame_encode"
	KindFramePreview Kind = "frame_preview"
	KindFrameAnalyze Kind = "frame_analyze"
)

var kinds = []Kind{
	KindFaceDetect,
	KindFaceSwap,
	KindFaceEnhance,
	KindFrameEncode,
	KindFramePreview,
	KindFrameAnalyze,
}

// Kinds returns every known job kind.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// BestEffort reports whether work of this kind may be shed under load.
func (k Kind) BestEffort() bool {
	return k == KindFramePreview || k == KindFrameAnalyze
}

// Job represents a unit of media-processing work.
type Job struct {
	ID           string            `gorm:"primaryKey;size:36"`
	Kind         Kind              `gorm:"index;size:64;not null"`
	Priority     Priority          `gorm:"index;default:0"`
	PayloadRef   string            `gorm:"size:1024"`
	State        JobState          `gorm:"index;size:20;default:'queued'"`
	SubmittedAt  time.Time         `gorm:"index"`
	Deadline     *time.Time        `gorm:"index"`
	Seq          uint64            `gorm:"-"` // submission order, tie-break inside a priority tier
	Attempt      int               `gorm:"default:0"`
	MaxRetries   int               `gorm:"default:3"`
	LastError    string            `gorm:"type:text"`
	OutputRef    string            `gorm:"size:1024"` // engine result, set on success
	Metadata     map[string]string `gorm:"type:text;serializer:json"`
	DispatchedAt *time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// Clone returns a deep copy safe to hand outside the owning component.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Deadline = cloneTime(j.Deadline)
	c.DispatchedAt = cloneTime(j.DispatchedAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// IsBestEffort reports whether the job may be rejected or dropped under backpressure.
// URGENT jobs are never best-effort.
func (j *Job) IsBestEffort() bool {
	if j.Priority == PriorityUrgent {
		return false
	}
	return j.Kind.BestEffort() || j.Priority == PriorityLow
}

// Expired reports whether the job has a deadline that lies before now.
func (j *Job) Expired(now time.Time) bool {
	return j.Deadline != nil && now.After(*j.Deadline)
}

// Validate checks the fields required for admission.
func (j *Job) Validate() error {
	if j == nil {
		return fmt.Errorf("%w: nil job", ErrInvalidJob)
	}
	if j.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidJob)
	}
	if !j.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}
	if !j.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority %d", ErrInvalidJob, int(j.Priority))
	}
	if strings.TrimSpace(j.PayloadRef) == "" {
		return fmt.Errorf("%w: payload reference is required", ErrInvalidJob)
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

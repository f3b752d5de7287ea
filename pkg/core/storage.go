package core

import (
	"context"
	"time"
)

// Archive defines the persistence layer for terminal job records and metric samples.
// The core does not need it to operate; in-flight jobs are not persisted.
type Archive interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Terminal job records
	SaveJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, state JobState, limit int) ([]*Job, error)
	PruneJobs(ctx context.Context, before time.Time) (int64, error)

	// Monitor samples
	SaveSample(ctx context.Context, snap MetricSnapshot) error
	ListSamples(ctx context.Context, since time.Time, limit int) ([]MetricSnapshot, error)
	PruneSamples(ctx context.Context, before time.Time) (int64, error)
}

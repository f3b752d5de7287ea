package stats

import (
	"context"
	"time"
)

// AllKinds is the kind recorded on depth snapshots, which cover the whole scheduler.
const AllKinds = "*"

// JobStat stores per-kind statistics bucketed by minute.
type JobStat struct {
	ID        uint      `gorm:"primaryKey"`
	Kind      string    `gorm:"index:idx_job_stats_kind_ts;size:64;not null"`
	Timestamp time.Time `gorm:"index:idx_job_stats_kind_ts;not null"`
	Queued    int64     `gorm:"default:0"`
	Running   int64     `gorm:"default:0"`
	Succeeded int64     `gorm:"default:0"`
	Failed    int64     `gorm:"default:0"`
	Cancelled int64     `gorm:"default:0"`
	TimedOut  int64     `gorm:"default:0"`
	Retried   int64     `gorm:"default:0"`
}

// Counters are the event-driven increments for one kind and minute.
type Counters struct {
	Succeeded int64
	Failed    int64
	Cancelled int64
	TimedOut  int64
	Retried   int64
}

func (c Counters) empty() bool {
	return c == Counters{}
}

// Store is the interface for stats persistence.
type Store interface {
	MigrateStats(ctx context.Context) error
	UpsertCounters(ctx context.Context, kind string, ts time.Time, c Counters) error
	SnapshotDepth(ctx context.Context, kind string, ts time.Time, queued, running int64) error
	History(ctx context.Context, kind string, since, until time.Time) ([]JobStat, error)
	PruneStats(ctx context.Context, before time.Time) (int64, error)
}

package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/adaptive-jobs/pkg/core"
	"github.com/jdziat/adaptive-jobs/pkg/security"
)

// SampleRecord is the persisted form of a core.MetricSnapshot.
type SampleRecord struct {
	ID           uint      `gorm:"primaryKey"`
	Timestamp    time.Time `gorm:"index;not null"`
	CPUPct       float64
	GPUPct       float64
	MemPct       float64
	AchievedRate float64
	TargetRate   float64
	DropRate     float64
	CacheAlert   bool
	Level        int `gorm:"index"`
}

// TableName overrides the default table name.
func (SampleRecord) TableName() string { return "metric_samples" }

func sampleFromSnapshot(s core.MetricSnapshot) SampleRecord {
	return SampleRecord{
		Timestamp:    s.Timestamp,
		CPUPct:       s.CPUPct,
		GPUPct:       s.GPUPct,
		MemPct:       s.MemPct,
		AchievedRate: s.AchievedRate,
		TargetRate:   s.TargetRate,
		DropRate:     s.DropRate,
		CacheAlert:   s.CacheAlert,
		Level:        int(s.Level),
	}
}

// Snapshot converts the record back into a core.MetricSnapshot.
func (r SampleRecord) Snapshot() core.MetricSnapshot {
	return core.MetricSnapshot{
		Timestamp:    r.Timestamp,
		CPUPct:       r.CPUPct,
		GPUPct:       r.GPUPct,
		MemPct:       r.MemPct,
		AchievedRate: r.AchievedRate,
		TargetRate:   r.TargetRate,
		DropRate:     r.DropRate,
		CacheAlert:   r.CacheAlert,
		Level:        core.DegradationLevel(r.Level),
	}
}

// GormArchive implements core.Archive using GORM.
type GormArchive struct {
	db *gorm.DB
}

var _ core.Archive = (*GormArchive)(nil)

// NewGormArchive creates a new GORM-backed archive.
func NewGormArchive(db *gorm.DB) *GormArchive {
	return &GormArchive{db: db}
}

// DB returns the underlying database handle.
func (s *GormArchive) DB() *gorm.DB { return s.db }

// IsSQLite reports whether the archive runs on SQLite.
func (s *GormArchive) IsSQLite() bool {
	return s.db != nil && s.db.Dialector != nil && s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the necessary tables.
func (s *GormArchive) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Job{}, &SampleRecord{})
}

// SaveJob inserts the job or overwrites the stored copy with the same ID.
// Error messages are sanitized before storage.
func (s *GormArchive) SaveJob(ctx context.Context, job *core.Job) error {
	if job == nil || job.ID == "" {
		return errors.New("storage: job with an ID is required")
	}
	rec := job.Clone()
	rec.LastError = security.SanitizeErrorMessage(rec.LastError)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(rec).Error
}

// GetJob retrieves a job by ID. It returns nil, nil when the job is unknown.
func (s *GormArchive) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns the most recently finished jobs. An empty state matches all states.
func (s *GormArchive) ListJobs(ctx context.Context, state core.JobState, limit int) ([]*core.Job, error) {
	var jobs []*core.Job
	q := s.db.WithContext(ctx).Order("finished_at DESC, id ASC")
	if state != "" {
		q = q.Where("state = ?", state)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return jobs, q.Find(&jobs).Error
}

// PruneJobs deletes jobs that finished before the cutoff.
func (s *GormArchive) PruneJobs(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("finished_at IS NOT NULL AND finished_at < ?", before).
		Delete(&core.Job{})
	return result.RowsAffected, result.Error
}

// SaveSample stores one monitor snapshot.
func (s *GormArchive) SaveSample(ctx context.Context, snap core.MetricSnapshot) error {
	rec := sampleFromSnapshot(snap)
	return s.db.WithContext(ctx).Create(&rec).Error
}

// ListSamples returns samples taken at or after since, oldest first.
func (s *GormArchive) ListSamples(ctx context.Context, since time.Time, limit int) ([]core.MetricSnapshot, error) {
	var recs []SampleRecord
	q := s.db.WithContext(ctx).Order("timestamp ASC")
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]core.MetricSnapshot, len(recs))
	for i, r := range recs {
		out[i] = r.Snapshot()
	}
	return out, nil
}

// PruneSamples deletes samples taken before the cutoff.
func (s *GormArchive) PruneSamples(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("timestamp < ?", before).Delete(&SampleRecord{})
	return result.RowsAffected, result.Error
}

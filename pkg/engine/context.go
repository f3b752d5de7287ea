package engine

import (
	"context"
	"fmt"

	"github.com/jdziat/adaptive-jobs/pkg/core"
)

type jobContextKey struct{}

// JobContext is what a worker attaches to the context it hands an engine.
type JobContext struct {
	Job      *core.Job
	WorkerID int
}

// WithJobContext adds job context to ctx.
func WithJobContext(ctx context.Context, jc *JobContext) context.Context {
	return context.WithValue(ctx, jobContextKey{}, jc)
}

// JobFromContext returns the running job, or nil outside an execution.
func JobFromContext(ctx context.Context) *core.Job {
	if jc, ok := ctx.Value(jobContextKey{}).(*JobContext); ok {
		return jc.Job
	}
	return nil
}

// JobIDFromContext returns the running job ID, or "" outside an execution.
func JobIDFromContext(ctx context.Context) string {
	if job := JobFromContext(ctx); job != nil {
		return job.ID
	}
	return ""
}

// Checkpoint returns a non-nil error when the job was cancelled or timed out.
// Long-running engines call it between stages to abort cooperatively.
func Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if id := JobIDFromContext(ctx); id != "" {
			return fmt.Errorf("job %s: %w: %w", id, core.ErrCancelled, err)
		}
		return fmt.Errorf("%w: %w", core.ErrCancelled, err)
	}
	return nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/jdziat/adaptive-jobs/pkg/cache"
	"github.com/jdziat/adaptive-jobs/pkg/core"
	"github.com/jdziat/adaptive-jobs/pkg/engine"
	"github.com/jdziat/adaptive-jobs/pkg/retry"
)

func (p *Pipeline) workLoop(id int) {
	defer p.wg.Done()

	for {
		it, ok := p.next()
		if !ok {
			return
		}
		p.execute(id, it)
		p.finish(it)
	}
}

// next blocks until a job is buffered and the concurrency gate has room.
func (p *Pipeline) next() (*item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if len(p.items) > 0 && p.active < p.limit {
			it := p.items[0]
			p.items[0] = nil
			p.items = p.items[1:]
			p.inflight[it] = struct{}{}
			p.active++
			p.signalSpaceLocked()
			return it, true
		}
		if p.closed && len(p.items) == 0 {
			return nil, false
		}
		p.cond.Wait()
	}
}

func (p *Pipeline) finish(it *item) {
	p.mu.Lock()
	delete(p.inflight, it)
	p.active--
	p.done++
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *Pipeline) execute(workerID int, it *item) {
	job := it.job

	ctx, cancel := context.WithCancel(p.runCtx)
	defer cancel()
	if job.Deadline != nil {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadline(ctx, *job.Deadline)
		defer cancelDeadline()
	}

	if !it.handle.start(cancel) {
		it.handle.complete(engine.Result{}, cancelledError(job.ID, context.Canceled))
		return
	}
	if p.hooks.OnStart != nil {
		p.hooks.OnStart(job)
	}

	res, err := p.run(ctx, workerID, job)
	it.handle.complete(res, err)

	if err != nil {
		p.logger.Warn("job execution failed", "job_id", job.ID, "kind", job.Kind, "worker", workerID, "error", err)
		return
	}
	p.logger.Debug("job executed", "job_id", job.ID, "kind", job.Kind, "worker", workerID)
	if p.recorder != nil {
		p.recorder.RecordCompletion()
	}
}

func (p *Pipeline) run(ctx context.Context, workerID int, job *core.Job) (res engine.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = engine.Result{}
			err = &core.ExecutionError{JobID: job.ID, Kind: job.Kind, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	h, ok := p.registry.Lookup(job.Kind)
	if !ok {
		return res, &core.ExecutionError{JobID: job.ID, Kind: job.Kind, Err: core.ErrUnknownKind}
	}

	if err := checkpoint(ctx, job); err != nil {
		return res, err
	}

	resources, release, err := p.acquire(ctx, job, h.Resources)
	defer release()
	if err != nil {
		return res, err
	}

	if err := checkpoint(ctx, job); err != nil {
		return res, err
	}

	jobCtx := engine.WithJobContext(ctx, &engine.JobContext{Job: job, WorkerID: workerID})
	res, err = h.Engine.Execute(jobCtx, job.Clone(), resources)

	if cerr := checkpoint(ctx, job); cerr != nil {
		return engine.Result{}, cerr
	}
	if err != nil {
		return res, &core.ExecutionError{JobID: job.ID, Kind: job.Kind, Err: err, Transient: core.IsTransient(err)}
	}
	return res, nil
}

// acquire borrows every resource the handler needs. The returned release
// func returns whatever was borrowed, including on error.
func (p *Pipeline) acquire(ctx context.Context, job *core.Job, specs []engine.ResourceSpec) (engine.Resources, func(), error) {
	resources := make(engine.Resources, len(specs))
	var held []*cache.Handle
	release := func() {
		for _, h := range held {
			h.Release()
		}
	}
	if len(specs) > 0 && p.cache == nil {
		return resources, release, &core.ExecutionError{JobID: job.ID, Kind: job.Kind, Err: errors.New("pipeline: no resource cache configured")}
	}

	for _, spec := range specs {
		var (
			h       *cache.Handle
			lastErr error
		)
		err := retry.Do(ctx, p.config.ResourceRetry, func() error {
			var err error
			h, err = p.cache.GetOrCreate(ctx, spec.Key, spec.Factory)
			if err == nil {
				return nil
			}
			lastErr = err
			var cerr *core.ConstructionError
			if errors.As(err, &cerr) {
				return err
			}
			return core.NoRetry(err)
		})
		if err != nil {
			if cerr := checkpoint(ctx, job); cerr != nil {
				return resources, release, cerr
			}
			if lastErr != nil {
				err = lastErr
			}
			return resources, release, &core.ExecutionError{JobID: job.ID, Kind: job.Kind, Err: err, Transient: core.IsTransient(err)}
		}
		held = append(held, h)
		resources[spec.Key] = h.Value()
	}
	return resources, release, nil
}

// checkpoint converts a finished context into the job's cancellation outcome.
func checkpoint(ctx context.Context, job *core.Job) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && job.Deadline != nil {
		return &core.TimeoutError{JobID: job.ID, Deadline: *job.Deadline}
	}
	return cancelledError(job.ID, err)
}

func cancelledError(jobID string, cause error) error {
	return fmt.Errorf("job %s: %w: %w", jobID, core.ErrCancelled, cause)
}

package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"time"

	"github.com/jdziat/adaptive-jobs/pkg/core"
	"github.com/jdziat/adaptive-jobs/pkg/engine"
	"github.com/jdziat/adaptive-jobs/pkg/pipeline"
	"github.com/jdziat/adaptive-jobs/pkg/security"
)

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.loops.Done()

	ticker := time.NewTicker(s.config.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.dispatchReady(ctx)
	}
}

// dispatchReady hands queued jobs to the pipeline until the queue is empty,
// dispatch is paused or the pipeline refuses more work.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	for ctx.Err() == nil {
		ent, snapshot, ev := s.popNext()
		if ent == nil {
			return
		}
		s.emitter.Emit(ev)

		h, err := s.exec.Enqueue(ctx, snapshot)
		if err != nil {
			s.requeueAfterRefusal(ent, err)
			return
		}
		s.attach(ent, h)
	}
}

// popNext removes the highest-ranked dispatchable job from the queue and
// marks it DISPATCHED. Best-effort jobs the pipeline refuses stay queued, and
// nothing is popped while the pipeline reports a full buffer.
func (s *Scheduler) popNext() (*entry, *core.Job, core.Event) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.stopped {
		return nil, nil, nil
	}

	var (
		held []*entry
		next *entry
	)
	for s.queue.Len() > 0 {
		ent := heap.Pop(&s.queue).(*entry)
		err := s.exec.Accepts(ent.job)
		if errors.Is(err, core.ErrBackpressure) {
			held = append(held, ent)
			continue
		}
		if errors.Is(err, core.ErrBufferFull) {
			held = append(held, ent)
			break
		}
		next = ent
		break
	}
	for _, ent := range held {
		heap.Push(&s.queue, ent)
	}
	if next == nil {
		return nil, nil, nil
	}

	s.setStateLocked(next, core.StateDispatched)
	next.job.DispatchedAt = &now
	snapshot := next.job.Clone()
	ev := &core.JobStateChanged{Job: next.job.Clone(), From: core.StateQueued, To: core.StateDispatched, Timestamp: now}
	return next, snapshot, ev
}

// requeueAfterRefusal puts a job the pipeline did not take back in the queue
// with its original sequence number.
func (s *Scheduler) requeueAfterRefusal(ent *entry, cause error) {
	now := s.now()

	s.mu.Lock()
	if ent.job.State != core.StateDispatched {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(ent, core.StateQueued)
	ent.job.DispatchedAt = nil
	heap.Push(&s.queue, ent)
	ev := &core.JobStateChanged{Job: ent.job.Clone(), From: core.StateDispatched, To: core.StateQueued, Error: cause.Error(), Timestamp: now}
	s.mu.Unlock()

	s.emitter.Emit(ev)
	s.logger.Debug("pipeline refused job, requeued", "job_id", ent.job.ID, "error", cause)
}

// attach records the pipeline handle and starts waiting for the outcome.
func (s *Scheduler) attach(ent *entry, h *pipeline.Handle) {
	s.mu.Lock()
	if ent.job.State.IsTerminal() {
		// cancelled or timed out while being enqueued
		s.mu.Unlock()
		h.Cancel()
		return
	}
	ent.handle = h
	if ent.job.Attempt == 0 && ent.job.DispatchedAt != nil {
		s.waitTotal += ent.job.DispatchedAt.Sub(ent.job.SubmittedAt)
		s.waitCount++
	}
	s.waiters.Add(1)
	s.mu.Unlock()

	go s.await(ent, h)
}

func (s *Scheduler) await(ent *entry, h *pipeline.Handle) {
	defer s.waiters.Done()

	<-h.Done()
	res, err := h.Result()
	s.finish(ent, res, err)
	s.signal()
}

// finish applies the retry policy to a pipeline outcome. Outcomes for jobs
// already terminal (cancelled, timed out by the watchdog) are ignored.
func (s *Scheduler) finish(ent *entry, res engine.Result, err error) {
	now := s.now()

	s.mu.Lock()
	job := ent.job
	if job.State.IsTerminal() {
		s.mu.Unlock()
		return
	}

	var events []core.Event
	var timeoutErr *core.TimeoutError
	switch {
	case err == nil:
		job.OutputRef = res.OutputRef
		job.Metadata = res.Metadata
		events = append(events, s.terminateLocked(ent, core.StateSucceeded, "", now))
	case errors.As(err, &timeoutErr):
		events = append(events, s.terminateLocked(ent, core.StateTimedOut, err.Error(), now))
	case errors.Is(err, core.ErrCancelled):
		events = append(events, s.terminateLocked(ent, core.StateCancelled, err.Error(), now))
	case core.IsTransient(err) && job.Attempt < job.MaxRetries:
		events = append(events, s.scheduleRetryLocked(ent, err, now)...)
	default:
		events = append(events, s.terminateLocked(ent, core.StateFailed, err.Error(), now))
	}
	state := job.State
	s.mu.Unlock()

	s.emitAll(events)
	if err != nil {
		s.logger.Debug("job outcome", "job_id", job.ID, "state", string(state), "error", err)
	}
}

func (s *Scheduler) scheduleRetryLocked(ent *entry, cause error, now time.Time) []core.Event {
	job := ent.job
	from := job.State
	job.Attempt++
	job.LastError = security.SanitizeErrorMessage(cause.Error())
	ent.handle = nil
	s.retried++

	delay, ok := core.RetryDelay(cause)
	if !ok {
		delay = s.config.Retry.Backoff(job.Attempt)
	}
	s.setStateLocked(ent, core.StateQueued)
	job.DispatchedAt = nil
	job.StartedAt = nil
	ent.waiting = true
	s.waiting++

	id := job.ID
	ent.retryTimer = time.AfterFunc(delay, func() { s.requeue(id) })

	return []core.Event{
		&core.JobRetrying{Job: job.Clone(), Attempt: job.Attempt, Error: job.LastError, NextRunAt: now.Add(delay), Timestamp: now},
		&core.JobStateChanged{Job: job.Clone(), From: from, To: core.StateQueued, Error: job.LastError, Timestamp: now},
	}
}

// requeue moves a job whose retry backoff elapsed back into the queue.
func (s *Scheduler) requeue(id string) {
	s.mu.Lock()
	ent, ok := s.jobs[id]
	if !ok || !ent.waiting || ent.job.State != core.StateQueued {
		s.mu.Unlock()
		return
	}
	ent.waiting = false
	ent.retryTimer = nil
	s.waiting--
	heap.Push(&s.queue, ent)
	s.mu.Unlock()

	s.signal()
}

func (s *Scheduler) watchdogLoop(ctx context.Context) {
	defer s.loops.Done()

	ticker := time.NewTicker(s.config.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ExpireDeadlines()
		}
	}
}

// ExpireDeadlines times out every non-terminal job past its deadline and
// cancels the pipeline work of those already dispatched.
func (s *Scheduler) ExpireDeadlines() int {
	now := s.now()

	var (
		events  []core.Event
		handles []*pipeline.Handle
	)
	s.mu.Lock()
	for _, ent := range s.jobs {
		job := ent.job
		if job.State.IsTerminal() || !job.Expired(now) {
			continue
		}
		if ent.handle != nil {
			handles = append(handles, ent.handle)
		}
		timeoutErr := &core.TimeoutError{JobID: job.ID, Deadline: *job.Deadline}
		events = append(events, s.terminateLocked(ent, core.StateTimedOut, timeoutErr.Error(), now))
	}
	s.mu.Unlock()

	s.emitAll(events)
	for _, h := range handles {
		h.Cancel()
	}
	if len(events) > 0 {
		s.logger.Info("jobs timed out", "count", len(events))
	}
	return len(events)
}

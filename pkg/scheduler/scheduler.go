package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jdziat/adaptive-jobs/pkg/core"
	"github.com/jdziat/adaptive-jobs/pkg/pipeline"
	"github.com/jdziat/adaptive-jobs/pkg/security"
)

// Executor is the pipeline as seen by the scheduler.
type Executor interface {
	Enqueue(ctx context.Context, job *core.Job) (*pipeline.Handle, error)
	Accepts(job *core.Job) error
}

type entry struct {
	job        *core.Job
	index      int // position in the heap, -1 when not queued
	handle     *pipeline.Handle
	retryTimer *time.Timer
	waiting    bool // QUEUED but parked until its retry backoff elapses
	pending    bool // admitted, not yet visible to the dispatcher
}

// Stats is a point-in-time view of scheduler counters.
type Stats struct {
	Queued     int
	Dispatched int
	Running    int
	Completed  uint64
	Failed     uint64
	Cancelled  uint64
	TimedOut   uint64
	Retried    uint64
	Rejected   uint64
	AvgWait    time.Duration
	Tracked    int
	Paused     bool
}

// Scheduler owns job records and decides dispatch order.
type Scheduler struct {
	config  Config
	exec    Executor
	archive core.Archive
	gate    func() error
	onAdmit []func(job *core.Job)
	emitter core.Emitter
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	queue     jobHeap
	jobs      map[string]*entry
	seq       uint64
	waiting   int
	pending   int
	active    map[core.JobState]int
	completed uint64
	failed    uint64
	cancelled uint64
	timedOut  uint64
	retried   uint64
	rejected  uint64
	waitTotal time.Duration
	waitCount uint64
	paused    bool
	stopped   bool

	wake    chan struct{}
	cron    *cron.Cron
	cancel  context.CancelFunc
	loops   sync.WaitGroup // dispatcher and watchdog
	waiters sync.WaitGroup // one per dispatched job
}

// New creates a Scheduler dispatching into exec.
func New(exec Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		config:  DefaultConfig(),
		exec:    exec,
		emitter: core.NopEmitter,
		logger:  slog.Default(),
		now:     time.Now,
		jobs:    make(map[string]*entry),
		active:  make(map[core.JobState]int),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	s.config.MaxQueueDepth = security.ClampQueueDepth(s.config.MaxQueueDepth)
	s.config.DefaultMaxRetries = security.ClampRetries(s.config.DefaultMaxRetries)
	if s.config.DispatchInterval <= 0 {
		s.config.DispatchInterval = 10 * time.Millisecond
	}
	if s.config.WatchdogInterval <= 0 {
		s.config.WatchdogInterval = 100 * time.Millisecond
	}
	return s
}

// Start launches the dispatcher, the deadline watchdog and the retention sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil || s.stopped {
		s.mu.Unlock()
		return errors.New("scheduler: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if s.config.Retention > 0 && s.config.RetentionSchedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(s.config.RetentionSchedule, func() { s.SweepRetention() }); err != nil {
			cancel()
			return fmt.Errorf("scheduler: retention schedule %q: %w", s.config.RetentionSchedule, err)
		}
		s.cron.Start()
	}

	s.loops.Add(2)
	go s.dispatchLoop(ctx)
	go s.watchdogLoop(ctx)
	s.logger.Info("scheduler started", "max_queue_depth", s.config.MaxQueueDepth)
	return nil
}

// Stop halts dispatch, waits for dispatched jobs to report an outcome and
// cancels whatever is still queued. Call after the pipeline has drained.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.waiters.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("scheduler stop: %w", ctx.Err())
	}

	now := s.now()
	var events []core.Event
	s.mu.Lock()
	for _, ent := range s.jobs {
		if ent.job.State == core.StateQueued {
			events = append(events, s.terminateLocked(ent, core.StateCancelled, core.ErrShuttingDown.Error(), now))
		}
	}
	s.mu.Unlock()
	s.emitAll(events)

	if len(events) > 0 {
		s.logger.Info("cancelled queued jobs on shutdown", "count", len(events))
	}
	return err
}

// Submit validates and admits a job, returning its ID.
func (s *Scheduler) Submit(kind core.Kind, payloadRef string, opts ...SubmitOption) (string, error) {
	o := submitOptions{priority: core.PriorityMedium}
	for _, opt := range opts {
		opt.applySubmit(&o)
	}

	now := s.now()
	job := &core.Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		Priority:    o.priority,
		PayloadRef:  payloadRef,
		State:       core.StateQueued,
		SubmittedAt: now,
		Deadline:    o.deadline,
		MaxRetries:  s.config.DefaultMaxRetries,
	}
	if o.timeout > 0 {
		d := now.Add(o.timeout)
		job.Deadline = &d
	}
	if o.maxRetries != nil {
		job.MaxRetries = *o.maxRetries
	}

	snapshot, err := s.admit(job)
	if err != nil {
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()
		s.logger.Debug("job rejected", "kind", kind, "priority", o.priority.String(), "error", err)
		return "", &core.AdmissionError{JobID: job.ID, Reason: err}
	}

	ev := &core.JobStateChanged{Job: snapshot, To: core.StateQueued, Timestamp: now}
	s.emitter.Emit(ev)
	for _, fn := range s.onAdmit {
		fn(ev.Job)
	}
	s.publish(job.ID)

	s.logger.Debug("job admitted", "job_id", job.ID, "kind", kind, "priority", o.priority.String())
	return job.ID, nil
}

// admit runs the admission checks and queues the job, returning a snapshot
// taken under the lock.
func (s *Scheduler) admit(job *core.Job) (*core.Job, error) {
	if s.gate != nil {
		if err := s.gate(); err != nil {
			return nil, err
		}
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	if err := security.ValidatePayloadRef(job.PayloadRef); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrInvalidJob, err)
	}
	if job.Expired(job.SubmittedAt) {
		return nil, fmt.Errorf("%w: deadline already passed", core.ErrInvalidJob)
	}
	if err := s.exec.Accepts(job); err != nil && !errors.Is(err, core.ErrBufferFull) {
		if errors.Is(err, core.ErrPipelineClosed) {
			return nil, core.ErrNotAccepting
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, core.ErrShuttingDown
	}
	if s.queuedLocked() >= s.config.MaxQueueDepth {
		return nil, core.ErrCapacityExceeded
	}
	s.seq++
	job.Seq = s.seq
	ent := &entry{job: job, index: -1, pending: true}
	s.jobs[job.ID] = ent
	s.pending++
	s.active[core.StateQueued]++
	return job.Clone(), nil
}

// publish makes an admitted job dispatchable once its QUEUED event is out.
func (s *Scheduler) publish(id string) {
	s.mu.Lock()
	ent, ok := s.jobs[id]
	if !ok || !ent.pending {
		s.mu.Unlock()
		return
	}
	ent.pending = false
	s.pending--
	heap.Push(&s.queue, ent)
	s.mu.Unlock()

	s.signal()
}

// Cancel cancels a job. Queued jobs are cancelled at once; dispatched and
// running jobs are recorded CANCELLED and their pipeline work is signalled.
// Cancelling a terminal job is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	now := s.now()

	s.mu.Lock()
	ent, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		if job, err := s.lookupArchive(ctx, id); err == nil && job.State.IsTerminal() {
			return nil
		}
		return fmt.Errorf("cancel %s: %w", id, core.ErrJobNotFound)
	}
	if ent.job.State.IsTerminal() {
		s.mu.Unlock()
		return nil
	}
	h := ent.handle
	ev := s.terminateLocked(ent, core.StateCancelled, "", now)
	s.mu.Unlock()

	s.emitter.Emit(ev)
	if h != nil {
		h.Cancel()
	}
	s.logger.Debug("job cancelled", "job_id", id)
	return nil
}

// Status returns a snapshot of the job, consulting the archive for jobs past retention.
func (s *Scheduler) Status(ctx context.Context, id string) (*core.Job, error) {
	s.mu.Lock()
	ent, ok := s.jobs[id]
	if ok {
		job := ent.job.Clone()
		s.mu.Unlock()
		return job, nil
	}
	s.mu.Unlock()

	job, err := s.lookupArchive(ctx, id)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Scheduler) lookupArchive(ctx context.Context, id string) (*core.Job, error) {
	if s.archive == nil {
		return nil, fmt.Errorf("job %s: %w", id, core.ErrJobNotFound)
	}
	job, err := s.archive.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", id, core.ErrJobNotFound)
	}
	return job, nil
}

// Pause stops dispatching. Queued jobs stay queued and admission continues.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.logger.Info("dispatch paused")
}

// Resume restarts dispatching after Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.signal()
	s.logger.Info("dispatch resumed")
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Queued:     s.queuedLocked(),
		Dispatched: s.active[core.StateDispatched],
		Running:    s.active[core.StateRunning],
		Completed:  s.completed,
		Failed:     s.failed,
		Cancelled:  s.cancelled,
		TimedOut:   s.timedOut,
		Retried:    s.retried,
		Rejected:   s.rejected,
		Tracked:    len(s.jobs),
		Paused:     s.paused,
	}
	if s.waitCount > 0 {
		st.AvgWait = s.waitTotal / time.Duration(s.waitCount)
	}
	return st
}

// SweepRetention forgets terminal jobs finished longer ago than the retention window.
func (s *Scheduler) SweepRetention() int {
	cutoff := s.now().Add(-s.config.Retention)

	s.mu.Lock()
	removed := 0
	for id, ent := range s.jobs {
		job := ent.job
		if job.State.IsTerminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("retention sweep removed jobs", "count", removed)
	}
	return removed
}

// MarkRunning records that the pipeline started executing the job.
func (s *Scheduler) MarkRunning(id string) {
	now := s.now()

	s.mu.Lock()
	ent, ok := s.jobs[id]
	if !ok || ent.job.State != core.StateDispatched {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(ent, core.StateRunning)
	ent.job.StartedAt = &now
	ev := &core.JobStateChanged{Job: ent.job.Clone(), From: core.StateDispatched, To: core.StateRunning, Timestamp: now}
	s.mu.Unlock()

	s.emitter.Emit(ev)
}

func (s *Scheduler) queuedLocked() int {
	return s.queue.Len() + s.waiting + s.pending
}

func (s *Scheduler) setStateLocked(ent *entry, to core.JobState) {
	from := ent.job.State
	if !from.IsTerminal() {
		s.active[from]--
	}
	if !to.IsTerminal() {
		s.active[to]++
	}
	ent.job.State = to
}

// terminateLocked moves a non-terminal job to a terminal state exactly once
// and detaches it from the queue, retry timer and pipeline handle.
func (s *Scheduler) terminateLocked(ent *entry, to core.JobState, errMsg string, now time.Time) core.Event {
	job := ent.job
	from := job.State

	if ent.index >= 0 {
		heap.Remove(&s.queue, ent.index)
	}
	if ent.waiting {
		ent.waiting = false
		s.waiting--
	}
	if ent.pending {
		ent.pending = false
		s.pending--
	}
	if ent.retryTimer != nil {
		ent.retryTimer.Stop()
		ent.retryTimer = nil
	}
	ent.handle = nil

	s.setStateLocked(ent, to)
	job.FinishedAt = &now
	if errMsg != "" {
		job.LastError = security.SanitizeErrorMessage(errMsg)
	}

	switch to {
	case core.StateSucceeded:
		s.completed++
	case core.StateFailed:
		s.failed++
	case core.StateCancelled:
		s.cancelled++
	case core.StateTimedOut:
		s.timedOut++
	}
	return &core.JobStateChanged{Job: job.Clone(), From: from, To: to, Error: job.LastError, Timestamp: now}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) emitAll(events []core.Event) {
	for _, ev := range events {
		s.emitter.Emit(ev)
	}
}

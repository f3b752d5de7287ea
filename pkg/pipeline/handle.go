package pipeline

import (
	"context"
	"sync"

	"github.com/jdziat/adaptive-jobs/pkg/engine"
)

// Handle is the pipeline's lightweight view of one enqueued job.
type Handle struct {
	jobID string
	p     *Pipeline
	done  chan struct{}

	mu        sync.Mutex
	cancel    context.CancelFunc // set once a worker starts the job
	cancelled bool
	finished  bool
	result    engine.Result
	err       error
}

func newHandle(p *Pipeline, jobID string) *Handle {
	return &Handle{jobID: jobID, p: p, done: make(chan struct{})}
}

// JobID returns the job this handle tracks.
func (h *Handle) JobID() string {
	return h.jobID
}

// Done is closed once the job has an outcome.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job finishes or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (engine.Result, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return engine.Result{}, ctx.Err()
	}
}

// Result returns the outcome. Only meaningful after Done is closed.
func (h *Handle) Result() (engine.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Cancel aborts the job: buffered jobs are removed immediately, running jobs
// are signalled and stop at their next checkpoint. Safe to call repeatedly.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.finished || h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		return
	}
	if h.p.remove(h) {
		h.complete(engine.Result{}, cancelledError(h.jobID, context.Canceled))
	}
}

// start binds the running context. It reports false when the job was
// cancelled while still buffered.
func (h *Handle) start(cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled || h.finished {
		return false
	}
	h.cancel = cancel
	return true
}

func (h *Handle) complete(res engine.Result, err error) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.result = res
	h.err = err
	h.cancel = nil
	h.mu.Unlock()
	close(h.done)
}

// Package pipeline executes dispatched jobs on a fixed worker pool.
//
// Jobs enter a bounded FIFO buffer through Enqueue and are pulled by workers
// that borrow resources from the model cache, call the registered engine and
// publish the outcome on the job's Handle. When the degradation level rises
// the pipeline narrows worker concurrency, sheds the oldest best-effort work
// from a full buffer and refuses new best-effort jobs.
package pipeline

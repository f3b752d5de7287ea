// Package scheduler admits jobs, orders them by priority and hands them to
// the pipeline.
//
// The Scheduler holds the authoritative record of every job from submission
// until its retention window expires. It provides:
//   - Bounded admission with AdmissionError on capacity, validation or backpressure
//   - Dispatch ordered by priority, then submission sequence inside a tier
//   - Bounded retries with exponential backoff for transient failures
//   - A deadline watchdog that times out overdue jobs and cancels their work
//   - Idempotent cancellation and pause/resume of dispatch
//
// No fairness is provided for LOW priority under sustained higher-priority load.
package scheduler

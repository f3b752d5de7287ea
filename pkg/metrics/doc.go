// Package metrics exposes the system's counters and gauges to Prometheus.
//
// Event-driven series (transitions, durations, retries, level changes) are
// updated from the event bus. Point-in-time series (queue depth, worker
// limit, cache usage, host load) are read from component stats on every scrape.
package metrics

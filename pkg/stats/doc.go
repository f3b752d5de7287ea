// Package stats keeps per-kind job statistics bucketed by minute and feeds
// the archive with terminal jobs and monitor samples.
//
// A Collector subscribes to the event bus, accumulates counters in memory
// and flushes them on a ticker. Pruning of old rows runs on a cron schedule.
package stats

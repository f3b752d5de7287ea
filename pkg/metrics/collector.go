package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

var (
	descQueued        = desc("scheduler_queued_jobs", "Jobs waiting in the admission queue.")
	descRunning       = desc("scheduler_running_jobs", "Jobs dispatched or running.")
	descRejected      = desc("scheduler_rejected_total", "Submissions rejected at admission.")
	descAvgWait       = desc("scheduler_avg_wait_seconds", "Mean time from submission to first dispatch.")
	descOccupancy     = desc("pipeline_buffer_occupancy", "Jobs held in the pipeline buffer.")
	descCapacity      = desc("pipeline_buffer_capacity", "Pipeline buffer capacity.")
	descActive        = desc("pipeline_active_workers", "Workers currently executing a job.")
	descLimit         = desc("pipeline_worker_limit", "Concurrent executions allowed at the current level.")
	descDropped       = desc("pipeline_dropped_total", "Jobs dropped by the buffer policy or backpressure.")
	descOffered       = desc("pipeline_offered_total", "Jobs offered to the pipeline.")
	descDropRate      = desc("pipeline_drop_rate", "Fraction of offered jobs dropped.")
	descCacheHits     = desc("cache_hits_total", "Model cache hits.")
	descCacheMisses   = desc("cache_misses_total", "Model cache misses.")
	descCacheHitRate  = desc("cache_hit_rate", "Windowed model cache hit rate.")
	descCacheMemory   = desc("cache_memory_bytes", "Estimated bytes held by the model cache.")
	descCacheBudget   = desc("cache_memory_budget_bytes", "Model cache memory budget.")
	descCacheEntries  = desc("cache_entries", "Resources held by the model cache.")
	descCacheEvicted  = desc("cache_evictions_total", "Resources evicted to make room.")
	descHost          = desc("host_utilization_percent", "Smoothed host utilization.", "resource")
	descAchievedRate  = desc("achieved_rate", "Completed jobs per second.")
	descLevel         = desc("degradation_level", "0 NORMAL, 1 WARNING, 2 CRITICAL.")
	descEventsEmitted = desc("events_emitted_total", "Events published on the bus.")
	descEventsDropped = desc("events_dropped_total", "Events lost by lagging subscribers.")
)

// statsCollector reads each source once per scrape.
type statsCollector struct {
	src Sources
}

func newStatsCollector(src Sources) *statsCollector {
	return &statsCollector{src: src}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descQueued, descRunning, descRejected, descAvgWait,
		descOccupancy, descCapacity, descActive, descLimit, descDropped, descOffered, descDropRate,
		descCacheHits, descCacheMisses, descCacheHitRate, descCacheMemory, descCacheBudget, descCacheEntries, descCacheEvicted,
		descHost, descAchievedRate, descLevel,
		descEventsEmitted, descEventsDropped,
	} {
		ch <- d
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	if c.src.Scheduler != nil {
		s := c.src.Scheduler()
		gauge(descQueued, float64(s.Queued))
		gauge(descRunning, float64(s.Dispatched+s.Running))
		counter(descRejected, s.Rejected)
		gauge(descAvgWait, s.AvgWait.Seconds())
	}
	if c.src.Pipeline != nil {
		p := c.src.Pipeline()
		gauge(descOccupancy, float64(p.Occupancy))
		gauge(descCapacity, float64(p.Capacity))
		gauge(descActive, float64(p.Active))
		gauge(descLimit, float64(p.Limit))
		counter(descDropped, p.Dropped)
		counter(descOffered, p.Offered)
		gauge(descDropRate, p.DropRate)
	}
	if c.src.Cache != nil {
		s := c.src.Cache()
		counter(descCacheHits, s.Hits)
		counter(descCacheMisses, s.Misses)
		gauge(descCacheHitRate, s.HitRate)
		gauge(descCacheMemory, float64(s.MemoryUsed))
		gauge(descCacheBudget, float64(s.MemoryBudget))
		gauge(descCacheEntries, float64(s.Entries))
		counter(descCacheEvicted, s.Evictions)
	}
	if c.src.Monitor != nil {
		snap := c.src.Monitor()
		gauge(descHost, snap.CPUPct, "cpu")
		gauge(descHost, snap.MemPct, "memory")
		gauge(descHost, snap.GPUPct, "gpu")
		gauge(descAchievedRate, snap.AchievedRate)
		gauge(descLevel, float64(snap.Level))
	}
	if c.src.Bus != nil {
		b := c.src.Bus()
		counter(descEventsEmitted, b.Emitted)
		counter(descEventsDropped, b.Dropped)
	}
}

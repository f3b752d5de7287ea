package config

import (
	"os"
	"strconv"
)

// ApplyEnv overrides fields from ADAPTIVE_JOBS_* environment variables.
// Unparseable values leave the field unchanged.
func (c *Config) ApplyEnv() {
	c.MaxQueueDepth = envInt("MAX_QUEUE_DEPTH", c.MaxQueueDepth)
	c.WorkerCount = envInt("WORKER_COUNT", c.WorkerCount)
	c.BufferCapacity = envInt("BUFFER_CAPACITY", c.BufferCapacity)
	c.DropPolicy = envString("DROP_POLICY", c.DropPolicy)
	c.EnqueueMode = envString("ENQUEUE_MODE", c.EnqueueMode)
	c.EnqueueTimeoutMs = envInt("ENQUEUE_TIMEOUT_MS", c.EnqueueTimeoutMs)

	c.CacheMemoryBudgetMB = envInt("CACHE_MEMORY_BUDGET_MB", c.CacheMemoryBudgetMB)
	c.CacheDefaultTTLS = envInt("CACHE_DEFAULT_TTL_S", c.CacheDefaultTTLS)
	c.CacheHitRateAlert = envFloat("CACHE_HIT_RATE_ALERT", c.CacheHitRateAlert)

	c.DegradeThresholds.CPUPct = envFloat("DEGRADE_CPU_PCT", c.DegradeThresholds.CPUPct)
	c.DegradeThresholds.MemPct = envFloat("DEGRADE_MEM_PCT", c.DegradeThresholds.MemPct)
	c.DegradeThresholds.GPUPct = envFloat("DEGRADE_GPU_PCT", c.DegradeThresholds.GPUPct)
	c.DrainTimeoutS = envInt("DRAIN_TIMEOUT_S", c.DrainTimeoutS)

	c.Monitor.SampleIntervalMs = envInt("SAMPLE_INTERVAL_MS", c.Monitor.SampleIntervalMs)
	c.Monitor.TargetRate = envFloat("TARGET_RATE", c.Monitor.TargetRate)
	c.Retry.MaxRetries = envInt("MAX_RETRIES", c.Retry.MaxRetries)

	c.Archive.Driver = envString("ARCHIVE_DRIVER", c.Archive.Driver)
	c.Archive.DSN = envString("ARCHIVE_DSN", c.Archive.DSN)
	c.Archive.MaxOpenConns = envInt("ARCHIVE_MAX_OPEN_CONNS", c.Archive.MaxOpenConns)
	c.Redis.URL = envString("REDIS_URL", c.Redis.URL)
	c.Redis.Stream = envString("REDIS_STREAM", c.Redis.Stream)

	c.MetricsAddr = envString("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = envString("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envString("LOG_FORMAT", c.LogFormat)
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

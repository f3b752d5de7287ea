package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/adaptive-jobs/pkg/pipeline"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1000, cfg.MaxQueueDepth)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 30*time.Second, cfg.DrainTimeout())
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_ParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_queue_depth: 50
worker_count: 8
cache_memory_budget_mb: 2048
cache_default_ttl_s: 30
degrade_thresholds:
  cpu_pct: 70
  mem_pct: 75
  gpu_pct: 0
drain_timeout_s: 5
enqueue_mode: fail_fast
drop_policy: drop_oldest
monitor:
  consecutive_samples: 5
  ewma_alpha: 0.3
archive:
  driver: sqlite
  dsn: ":memory:"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.MaxQueueDepth)
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, 5, cfg.Monitor.ConsecutiveSamples)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 1000, cfg.Monitor.SampleIntervalMs)

	p := cfg.Pipeline()
	assert.Equal(t, 8, p.Workers)
	assert.Equal(t, pipeline.FailFast, p.Mode)
	assert.Equal(t, pipeline.DropOldest, p.Policy)

	c := cfg.Cache()
	assert.Equal(t, int64(2048)<<20, c.BudgetBytes)
	assert.Equal(t, 30*time.Second, c.DefaultTTL)

	m := cfg.MonitorSettings()
	assert.InDelta(t, 70, m.Warn.CPUPct, 0.001)
	assert.InDelta(t, 0, m.Warn.GPUPct, 0.001)
	assert.InDelta(t, 0.3, m.Alpha, 0.001)

	s := cfg.Scheduler()
	assert.Equal(t, 50, s.MaxQueueDepth)
	assert.Equal(t, 3, s.DefaultMaxRetries)
	assert.Equal(t, 200*time.Millisecond, s.Retry.InitialBackoff)
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_queue_depth: [nope"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_count: 0\nenqueue_mode: sometimes\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker_count")
	assert.Contains(t, err.Error(), "enqueue_mode")
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("ADAPTIVE_JOBS_MAX_QUEUE_DEPTH", "42")
	t.Setenv("ADAPTIVE_JOBS_DEGRADE_CPU_PCT", "65.5")
	t.Setenv("ADAPTIVE_JOBS_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ADAPTIVE_JOBS_WORKER_COUNT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.MaxQueueDepth)
	assert.InDelta(t, 65.5, cfg.DegradeThresholds.CPUPct, 0.001)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 4, cfg.WorkerCount, "unparseable values are ignored")
}

func TestValidate_Thresholds(t *testing.T) {
	cfg := Default()
	cfg.DegradeThresholds.MemPct = 140
	cfg.Monitor.EWMAAlpha = 0
	cfg.CacheHitRateAlert = 2

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mem_pct")
	assert.Contains(t, err.Error(), "ewma_alpha")
	assert.Contains(t, err.Error(), "cache_hit_rate_alert")
}

func TestValidate_ArchiveDriverAndLogging(t *testing.T) {
	cfg := Default()
	cfg.Archive.Driver = "mongo"
	cfg.LogLevel = "loud"
	cfg.LogFormat = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive.driver")
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "log_format")
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "jobs.yaml")
	cfg := Default()
	cfg.WorkerCount = 16
	cfg.CachePrewarm = []string{"model/face-detect"}

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSave_RefusesInvalidConfig(t *testing.T) {
	cfg := Default()
	cfg.MaxQueueDepth = 0
	assert.Error(t, cfg.Save(filepath.Join(t.TempDir(), "jobs.yaml")))
}

func TestSink_UsesRedisSettings(t *testing.T) {
	cfg := Default()
	cfg.Redis.Stream = "media:events"
	cfg.Redis.MaxLen = 10

	s := cfg.Sink()
	assert.Equal(t, "media:events", s.Stream)
	assert.Equal(t, int64(10), s.MaxLen)
	assert.Equal(t, 5, s.Retry.MaxAttempts)
}

func TestArchivePool(t *testing.T) {
	t.Setenv("ADAPTIVE_JOBS_ARCHIVE_MAX_OPEN_CONNS", "12")
	cfg, err := Load("")
	require.NoError(t, err)

	p := cfg.ArchivePool()
	assert.Equal(t, 12, p.MaxOpen)
	assert.Equal(t, 4, p.MaxIdle)
	assert.Equal(t, 5*time.Minute, p.MaxLifetime)

	cfg.Archive.MaxIdleConns = 20
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive.max_idle_conns")
}

func TestNewLogger_SelectsFormatAndLevel(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "key", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
}

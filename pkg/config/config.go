// Package config loads the system configuration from a YAML file with
// ADAPTIVE_JOBS_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jdziat/adaptive-jobs/pkg/cache"
	"github.com/jdziat/adaptive-jobs/pkg/events"
	"github.com/jdziat/adaptive-jobs/pkg/monitor"
	"github.com/jdziat/adaptive-jobs/pkg/pipeline"
	"github.com/jdziat/adaptive-jobs/pkg/retry"
	"github.com/jdziat/adaptive-jobs/pkg/scheduler"
	"github.com/jdziat/adaptive-jobs/pkg/storage"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ADAPTIVE_JOBS_"

// Config holds all configuration for a System.
type Config struct {
	// MaxQueueDepth bounds the admission queue.
	MaxQueueDepth int `yaml:"max_queue_depth"`
	// WorkerCount is the pipeline worker pool size.
	WorkerCount int `yaml:"worker_count"`
	// BufferCapacity bounds the pipeline buffer.
	BufferCapacity int `yaml:"buffer_capacity"`
	// DropPolicy is reject_newest or drop_oldest.
	DropPolicy string `yaml:"drop_policy"`
	// EnqueueMode is block or fail_fast.
	EnqueueMode      string `yaml:"enqueue_mode"`
	EnqueueTimeoutMs int    `yaml:"enqueue_timeout_ms"`

	CacheMemoryBudgetMB int      `yaml:"cache_memory_budget_mb"`
	CacheDefaultTTLS    int      `yaml:"cache_default_ttl_s"`
	CacheHitRateAlert   float64  `yaml:"cache_hit_rate_alert"`
	CacheHitWindow      int      `yaml:"cache_hit_window"`
	CachePrewarm        []string `yaml:"cache_prewarm,omitempty"`

	// DegradeThresholds are the warning thresholds in percent. Zero disables a metric.
	DegradeThresholds Thresholds `yaml:"degrade_thresholds"`
	// DrainTimeoutS bounds the graceful drain on shutdown.
	DrainTimeoutS int `yaml:"drain_timeout_s"`

	Monitor MonitorConfig `yaml:"monitor"`
	Retry   RetryConfig   `yaml:"retry"`

	// RetentionS is how long finished jobs stay queryable in memory.
	RetentionS         int `yaml:"retention_s"`
	WatchdogIntervalMs int `yaml:"watchdog_interval_ms"`

	Archive ArchiveConfig `yaml:"archive"`
	Redis   RedisConfig   `yaml:"redis"`

	// MetricsAddr is the listen address of /metrics. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Thresholds are per-resource percentages.
type Thresholds struct {
	CPUPct float64 `yaml:"cpu_pct"`
	MemPct float64 `yaml:"mem_pct"`
	GPUPct float64 `yaml:"gpu_pct"`
}

// MonitorConfig tunes the performance monitor.
type MonitorConfig struct {
	SampleIntervalMs   int     `yaml:"sample_interval_ms"`
	ConsecutiveSamples int     `yaml:"consecutive_samples"`
	HysteresisPct      float64 `yaml:"hysteresis_pct"`
	EWMAAlpha          float64 `yaml:"ewma_alpha"`
	TargetRate         float64 `yaml:"target_rate"`
	MaxDropRate        float64 `yaml:"max_drop_rate"`
}

// RetryConfig tunes retries of transient failures.
type RetryConfig struct {
	MaxRetries       int `yaml:"max_retries"`
	InitialBackoffMs int `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
}

// ArchiveConfig selects the optional job/metric archive. An empty driver disables it.
type ArchiveConfig struct {
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	RetentionH int    `yaml:"retention_h"`

	// Connection pool. In-memory SQLite always uses one connection.
	MaxOpenConns     int `yaml:"max_open_conns"`
	MaxIdleConns     int `yaml:"max_idle_conns"`
	ConnMaxLifetimeS int `yaml:"conn_max_lifetime_s"`
}

// RedisConfig selects the optional outbound event stream. An empty URL disables it.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		MaxQueueDepth:       1000,
		WorkerCount:         4,
		BufferCapacity:      64,
		DropPolicy:          "reject_newest",
		EnqueueMode:         "block",
		EnqueueTimeoutMs:    500,
		CacheMemoryBudgetMB: 512,
		CacheDefaultTTLS:    600,
		CacheHitRateAlert:   0.5,
		CacheHitWindow:      100,
		DegradeThresholds:   Thresholds{CPUPct: 80, MemPct: 85, GPUPct: 90},
		DrainTimeoutS:       30,
		Monitor: MonitorConfig{
			SampleIntervalMs:   1000,
			ConsecutiveSamples: 3,
			HysteresisPct:      10,
			EWMAAlpha:          0.5,
			MaxDropRate:        0.2,
		},
		Retry: RetryConfig{
			MaxRetries:       3,
			InitialBackoffMs: 200,
			MaxBackoffMs:     10000,
		},
		RetentionS:         600,
		WatchdogIntervalMs: 100,
		Archive:            ArchiveConfig{RetentionH: 168, MaxOpenConns: 8, MaxIdleConns: 4, ConnMaxLifetimeS: 300},
		Redis:              RedisConfig{Stream: "adaptive-jobs:events", MaxLen: 100000},
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Load reads path, applies environment overrides and validates the result.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := c.YAML()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// YAML returns the configuration encoded as YAML.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", name, v))
		}
	}
	percent := func(name string, v float64) {
		if v < 0 || v > 100 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 100], got %g", name, v))
		}
	}
	fraction := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 1], got %g", name, v))
		}
	}

	positive("max_queue_depth", c.MaxQueueDepth)
	positive("worker_count", c.WorkerCount)
	positive("buffer_capacity", c.BufferCapacity)
	positive("cache_memory_budget_mb", c.CacheMemoryBudgetMB)
	positive("cache_hit_window", c.CacheHitWindow)
	positive("drain_timeout_s", c.DrainTimeoutS)
	positive("monitor.sample_interval_ms", c.Monitor.SampleIntervalMs)
	positive("monitor.consecutive_samples", c.Monitor.ConsecutiveSamples)
	positive("watchdog_interval_ms", c.WatchdogIntervalMs)
	positive("retention_s", c.RetentionS)

	if c.CacheDefaultTTLS < 0 {
		errs = append(errs, fmt.Errorf("cache_default_ttl_s must not be negative"))
	}
	if c.EnqueueTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("enqueue_timeout_ms must not be negative"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must not be negative"))
	}
	if c.Retry.InitialBackoffMs < 1 || c.Retry.MaxBackoffMs < c.Retry.InitialBackoffMs {
		errs = append(errs, fmt.Errorf("retry backoff must satisfy 1 <= initial_backoff_ms <= max_backoff_ms"))
	}

	percent("degrade_thresholds.cpu_pct", c.DegradeThresholds.CPUPct)
	percent("degrade_thresholds.mem_pct", c.DegradeThresholds.MemPct)
	percent("degrade_thresholds.gpu_pct", c.DegradeThresholds.GPUPct)
	percent("monitor.hysteresis_pct", c.Monitor.HysteresisPct)
	fraction("cache_hit_rate_alert", c.CacheHitRateAlert)
	fraction("monitor.max_drop_rate", c.Monitor.MaxDropRate)
	if c.Monitor.EWMAAlpha <= 0 || c.Monitor.EWMAAlpha > 1 {
		errs = append(errs, fmt.Errorf("monitor.ewma_alpha must be within (0, 1], got %g", c.Monitor.EWMAAlpha))
	}
	if c.Monitor.TargetRate < 0 {
		errs = append(errs, fmt.Errorf("monitor.target_rate must not be negative"))
	}

	if _, ok := pipeline.ParseEnqueueMode(c.EnqueueMode); !ok {
		errs = append(errs, fmt.Errorf("invalid enqueue_mode %q, must be: block or fail_fast", c.EnqueueMode))
	}
	if _, ok := pipeline.ParseDropPolicy(c.DropPolicy); !ok {
		errs = append(errs, fmt.Errorf("invalid drop_policy %q, must be: reject_newest or drop_oldest", c.DropPolicy))
	}
	switch strings.ToLower(c.Archive.Driver) {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pg":
	default:
		errs = append(errs, fmt.Errorf("invalid archive.driver %q", c.Archive.Driver))
	}
	positive("archive.max_open_conns", c.Archive.MaxOpenConns)
	if c.Archive.MaxIdleConns < 0 || c.Archive.MaxIdleConns > c.Archive.MaxOpenConns {
		errs = append(errs, fmt.Errorf("archive.max_idle_conns must be within [0, max_open_conns], got %d", c.Archive.MaxIdleConns))
	}
	if c.Archive.ConnMaxLifetimeS < 0 {
		errs = append(errs, fmt.Errorf("archive.conn_max_lifetime_s must not be negative"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log_format %q, must be: text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Scheduler returns the scheduler configuration.
func (c *Config) Scheduler() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.MaxQueueDepth = c.MaxQueueDepth
	cfg.DefaultMaxRetries = c.Retry.MaxRetries
	cfg.Retry.InitialBackoff = ms(c.Retry.InitialBackoffMs)
	cfg.Retry.MaxBackoff = ms(c.Retry.MaxBackoffMs)
	cfg.WatchdogInterval = ms(c.WatchdogIntervalMs)
	cfg.Retention = time.Duration(c.RetentionS) * time.Second
	return cfg
}

// Pipeline returns the pipeline configuration.
func (c *Config) Pipeline() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Workers = c.WorkerCount
	cfg.Capacity = c.BufferCapacity
	cfg.Policy, _ = pipeline.ParseDropPolicy(c.DropPolicy)
	cfg.Mode, _ = pipeline.ParseEnqueueMode(c.EnqueueMode)
	cfg.EnqueueTimeout = ms(c.EnqueueTimeoutMs)
	return cfg
}

// Cache returns the model cache configuration.
func (c *Config) Cache() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.BudgetBytes = int64(c.CacheMemoryBudgetMB) << 20
	cfg.DefaultTTL = time.Duration(c.CacheDefaultTTLS) * time.Second
	cfg.AlertThreshold = c.CacheHitRateAlert
	cfg.Window = c.CacheHitWindow
	return cfg
}

// MonitorSettings returns the performance monitor configuration.
func (c *Config) MonitorSettings() monitor.Config {
	cfg := monitor.DefaultConfig()
	cfg.Interval = ms(c.Monitor.SampleIntervalMs)
	cfg.Consecutive = c.Monitor.ConsecutiveSamples
	cfg.Warn = monitor.Thresholds{
		CPUPct: c.DegradeThresholds.CPUPct,
		MemPct: c.DegradeThresholds.MemPct,
		GPUPct: c.DegradeThresholds.GPUPct,
	}
	cfg.Hysteresis = c.Monitor.HysteresisPct
	cfg.Alpha = c.Monitor.EWMAAlpha
	cfg.TargetRate = c.Monitor.TargetRate
	cfg.MaxDropRate = c.Monitor.MaxDropRate
	return cfg
}

// Sink returns the Redis event sink configuration.
func (c *Config) Sink() events.SinkConfig {
	cfg := events.DefaultSinkConfig()
	if c.Redis.Stream != "" {
		cfg.Stream = c.Redis.Stream
	}
	cfg.MaxLen = c.Redis.MaxLen
	cfg.Retry = retry.Config{
		MaxAttempts:       5,
		InitialBackoff:    ms(c.Retry.InitialBackoffMs),
		MaxBackoff:        ms(c.Retry.MaxBackoffMs),
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
	return cfg
}

// DrainTimeout returns the graceful drain bound.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutS) * time.Second
}

// ArchiveRetention returns how long archived jobs, samples and stats rows are kept.
func (c *Config) ArchiveRetention() time.Duration {
	return time.Duration(c.Archive.RetentionH) * time.Hour
}

// ArchivePool returns the archive connection pool settings.
func (c *Config) ArchivePool() storage.Pool {
	return storage.Pool{
		MaxOpen:     c.Archive.MaxOpenConns,
		MaxIdle:     c.Archive.MaxIdleConns,
		MaxLifetime: time.Duration(c.Archive.ConnMaxLifetimeS) * time.Second,
		MaxIdleTime: time.Minute,
	}
}

// NewLogger builds the slog logger selected by log_level and log_format.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", s)
	}
	return level, nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

package core

import (
	"fmt"
	"time"
)

// SystemState is the global lifecycle state of a running system.
type SystemState string

const (
	SystemInit     SystemState = "INIT"
	SystemCheckEnv SystemState = "CHECK_ENV"
	SystemIdle     SystemState = "IDLE"
	SystemRunning  SystemState = "RUNNING"
	SystemDegraded SystemState = "DEGRADED"
	SystemShutdown SystemState = "SHUTDOWN"
)

// DegradationLevel is the discrete health signal published by the monitor.
type DegradationLevel int

const (
	LevelNormal DegradationLevel = iota
	LevelWarning
	LevelCritical
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelWarning:
		return "WARNING"
	case LevelCritical:
		return "CRITICAL"
	}
	return fmt.Sprintf("DegradationLevel(%d)", int(l))
}

// MetricSnapshot is an immutable sample produced by the performance monitor.
// Values are smoothed percentages in [0, 100] and rates in jobs per second.
type MetricSnapshot struct {
	Timestamp    time.Time        `json:"timestamp"`
	CPUPct       float64          `json:"cpu_pct"`
	GPUPct       float64          `json:"gpu_pct"`
	MemPct       float64          `json:"mem_pct"`
	AchievedRate float64          `json:"achieved_rate"`
	TargetRate   float64          `json:"target_rate"`
	DropRate     float64          `json:"drop_rate"`
	CacheAlert   bool             `json:"cache_alert"`
	Level        DegradationLevel `json:"level"`
}

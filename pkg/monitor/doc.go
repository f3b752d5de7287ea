// Package monitor samples host load and derives the degradation level.
//
// A Monitor smooths CPU, GPU and memory utilisation with an exponentially
// weighted moving average, tracks achieved versus target processing rate, and
// moves between NORMAL, WARNING and CRITICAL with hysteresis: k consecutive
// breaching samples to escalate, k consecutive clean samples to recover.
// Cache hit-rate collapse and pipeline drop rate aggravate a breach to CRITICAL.
package monitor

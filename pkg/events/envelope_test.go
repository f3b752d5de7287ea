package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/adaptive-jobs/pkg/core"
)

type unknownEvent struct{ core.Event }

func TestEncode_JobStateChanged(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := &core.JobStateChanged{
		Job: &core.Job{
			ID:         "job-1",
			Kind:       core.KindFaceSwap,
			Priority:   core.PriorityHigh,
			PayloadRef: "frames/0001",
			Attempt:    1,
		},
		From:      core.StateRunning,
		To:        core.StateFailed,
		Error:     "engine exploded",
		Timestamp: ts,
	}

	data, err := Encode(e)
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, e.EventKey(), env.Key)
	assert.Equal(t, TypeJobStateChanged, env.Type)
	assert.True(t, ts.Equal(env.Timestamp))

	var p JobPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "job-1", p.JobID)
	assert.Equal(t, "face_swap", p.Kind)
	assert.Equal(t, "HIGH", p.Priority)
	assert.Equal(t, "running", p.From)
	assert.Equal(t, "failed", p.To)
	assert.Equal(t, "engine exploded", p.Error)
	assert.Equal(t, 1, p.Attempt)
}

func TestEncode_SucceededCarriesResult(t *testing.T) {
	e := &core.JobStateChanged{
		Job: &core.Job{
			ID:         "job-2",
			Kind:       core.KindFrameEncode,
			PayloadRef: "frames/0002",
			OutputRef:  "out/job-2.mp4",
			Metadata:   map[string]string{"codec": "h264"},
		},
		From:      core.StateRunning,
		To:        core.StateSucceeded,
		Timestamp: time.Now(),
	}

	data, err := Encode(e)
	require.NoError(t, err)
	env, err := Decode(data)
	require.NoError(t, err)

	var p JobPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "out/job-2.mp4", p.OutputRef)
	assert.Equal(t, "h264", p.Metadata["codec"])
}

func TestEncode_EveryEventType(t *testing.T) {
	now := time.Now()
	job := &core.Job{ID: "j", Kind: core.KindFrameEncode}
	cases := map[string]core.Event{
		TypeJobRetrying:        &core.JobRetrying{Job: job, Attempt: 2, NextRunAt: now, Timestamp: now},
		TypeSystemStateChanged: &core.SystemStateChanged{From: core.SystemIdle, To: core.SystemRunning, Timestamp: now},
		TypeDegradationChanged: &core.DegradationChanged{From: core.LevelNormal, To: core.LevelCritical, Timestamp: now},
		TypeCacheHitRateAlert:  &core.CacheHitRateAlert{HitRate: 0.2, Threshold: 0.5, Timestamp: now},
	}
	for typ, e := range cases {
		t.Run(typ, func(t *testing.T) {
			env, err := NewEnvelope(e)
			require.NoError(t, err)
			assert.Equal(t, typ, env.Type)
			assert.Equal(t, e.EventKey(), env.Key)
			assert.True(t, json.Valid(env.Payload))
		})
	}
}

func TestEncode_DegradationCarriesLevelNames(t *testing.T) {
	env, err := NewEnvelope(&core.DegradationChanged{
		From:      core.LevelWarning,
		To:        core.LevelCritical,
		Snapshot:  core.MetricSnapshot{CPUPct: 97},
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	var p DegradationPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "WARNING", p.From)
	assert.Equal(t, "CRITICAL", p.To)
	assert.InDelta(t, 97, p.Snapshot.CPUPct, 0.001)
}

func TestEncode_UnknownEvent(t *testing.T) {
	_, err := Encode(unknownEvent{})
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecode_RejectsIncompleteEnvelope(t *testing.T) {
	_, err := Decode([]byte(`{"type":"job.state_changed"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestDeduper_DropsRepeats(t *testing.T) {
	d := NewDeduper(10)
	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("a"))
	assert.False(t, d.Seen("b"))
	assert.Equal(t, 2, d.Len())
}

func TestDeduper_ForgetsOldestKeys(t *testing.T) {
	d := NewDeduper(2)
	d.Seen("a")
	d.Seen("b")
	d.Seen("c")

	assert.Equal(t, 2, d.Len())
	assert.False(t, d.Seen("a"), "oldest key should have been forgotten")
	assert.True(t, d.Seen("c"))
}

func TestDeduper_SameTransitionTwiceHasSameKey(t *testing.T) {
	ts := time.Now()
	job := &core.Job{ID: "job-7"}
	first := &core.JobStateChanged{Job: job, From: core.StateRunning, To: core.StateSucceeded, Timestamp: ts}
	redelivered := &core.JobStateChanged{Job: job, From: core.StateRunning, To: core.StateSucceeded, Timestamp: ts}

	d := NewDeduper(16)
	assert.False(t, d.Seen(first.EventKey()))
	assert.True(t, d.Seen(redelivered.EventKey()))
}

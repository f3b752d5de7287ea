package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jdziat/adaptive-jobs/pkg/core"
)

// Event type names used in envelopes.
const (
	TypeJobStateChanged    = "job.state_changed"
	TypeJobRetrying        = "job.retrying"
	TypeSystemStateChanged = "system.state_changed"
	TypeDegradationChanged = "degradation.changed"
	TypeCacheHitRateAlert  = "cache.hit_rate_alert"
)

// ErrUnknownEvent is returned by Encode for event types it has no mapping for.
var ErrUnknownEvent = errors.New("events: unknown event type")

// Envelope is the wire form of an event.
type Envelope struct {
	Key       string          `json:"key"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// JobPayload carries the job fields consumers need.
type JobPayload struct {
	JobID      string            `json:"job_id"`
	Kind       string            `json:"kind"`
	Priority   string            `json:"priority"`
	PayloadRef string            `json:"payload_ref"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	Attempt    int               `json:"attempt"`
	Error      string            `json:"error,omitempty"`
	OutputRef  string            `json:"output_ref,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	NextRunAt  *time.Time        `json:"next_run_at,omitempty"`
}

// SystemPayload is the payload of system.state_changed.
type SystemPayload struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// DegradationPayload is the payload of degradation.changed.
type DegradationPayload struct {
	From     string              `json:"from"`
	To       string              `json:"to"`
	Snapshot core.MetricSnapshot `json:"snapshot"`
}

// CachePayload is the payload of cache.hit_rate_alert.
type CachePayload struct {
	HitRate   float64 `json:"hit_rate"`
	Threshold float64 `json:"threshold"`
	Recovered bool    `json:"recovered"`
}

// Encode converts an event into a JSON envelope.
func Encode(e core.Event) ([]byte, error) {
	env, err := NewEnvelope(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// NewEnvelope builds the envelope for e without serializing it.
func NewEnvelope(e core.Event) (Envelope, error) {
	var (
		typ     string
		payload any
	)
	switch ev := e.(type) {
	case *core.JobStateChanged:
		typ = TypeJobStateChanged
		p := jobPayload(ev.Job)
		p.From, p.To, p.Error = string(ev.From), string(ev.To), ev.Error
		payload = p
	case *core.JobRetrying:
		typ = TypeJobRetrying
		p := jobPayload(ev.Job)
		p.Attempt, p.Error = ev.Attempt, ev.Error
		next := ev.NextRunAt
		p.NextRunAt = &next
		payload = p
	case *core.SystemStateChanged:
		typ = TypeSystemStateChanged
		payload = SystemPayload{From: string(ev.From), To: string(ev.To), Reason: ev.Reason}
	case *core.DegradationChanged:
		typ = TypeDegradationChanged
		payload = DegradationPayload{From: ev.From.String(), To: ev.To.String(), Snapshot: ev.Snapshot}
	case *core.CacheHitRateAlert:
		typ = TypeCacheHitRateAlert
		payload = CachePayload{HitRate: ev.HitRate, Threshold: ev.Threshold, Recovered: ev.Recovered}
	default:
		return Envelope{}, fmt.Errorf("%w: %T", ErrUnknownEvent, e)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal %s payload: %w", typ, err)
	}
	return Envelope{
		Key:       e.EventKey(),
		Type:      typ,
		Timestamp: e.EventTime().UTC(),
		Payload:   raw,
	}, nil
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("events: decode envelope: %w", err)
	}
	if env.Key == "" || env.Type == "" {
		return Envelope{}, errors.New("events: envelope missing key or type")
	}
	return env, nil
}

func jobPayload(j *core.Job) JobPayload {
	if j == nil {
		return JobPayload{}
	}
	return JobPayload{
		JobID:      j.ID,
		Kind:       string(j.Kind),
		Priority:   j.Priority.String(),
		PayloadRef: j.PayloadRef,
		Attempt:    j.Attempt,
		OutputRef:  j.OutputRef,
		Metadata:   j.Metadata,
	}
}

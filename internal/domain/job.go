package domain

import (
	"time"
)

// Job is the in-memory record of one asynchronous prepare job
type Job struct {
	ID             string         `json:"job_id"`
	Kind           JobKind        `json:"kind"`
	Status         JobStatus      `json:"status"`
	Progress       float64        `json:"progress"`
	Message        string         `json:"message,omitempty"`
	Result         *PrepareResult `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	Cancelled      bool           `json:"cancelled"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with j
func (j *Job) Clone() Job {
	c := *j
	if j.Result != nil {
		r := j.Result.Clone()
		c.Result = &r
	}
	return c
}

// EventPayload flattens the job into the map carried by lifecycle events
func (j *Job) EventPayload() map[string]any {
	payload := map[string]any{
		"job_id":     j.ID,
		"kind":       string(j.Kind),
		"status":     string(j.Status),
		"progress":   j.Progress,
		"message":    j.Message,
		"cancelled":  j.Cancelled,
		"created_at": j.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": j.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if j.TraceID != "" {
		payload["trace_id"] = j.TraceID
	}
	if j.Error != "" {
		payload["error"] = j.Error
	}
	if j.Result != nil {
		payload["feature_count"] = len(j.Result.Features)
		payload["cache_hit"] = j.Result.CacheHit
	}
	return payload
}

// JobUpdate carries the fields to merge into a job; nil fields are left untouched
type JobUpdate struct {
	Status   *JobStatus
	Progress *float64
	Message  *string
	Result   *PrepareResult
	Error    *string
}

// ClampProgress bounds p to [0, 1]
func ClampProgress(p float64) float64 {
	if p < 0 || p != p {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// JobFilter narrows a job listing
type JobFilter struct {
	Status JobStatus
	Kind   JobKind
	Limit  int
}

package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job or generation.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCanceled   JobStatus = "canceled"
)

// ActiveJobStatuses are the statuses counted against an owner's concurrency cap.
var ActiveJobStatuses = []JobStatus{JobStatusQueued, JobStatusProcessing}

// IsTerminal reports whether no further transition is accepted from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// FailureType classifies why a job failed.
type FailureType string

const (
	FailureValidation FailureType = "validation"
	FailureTimeout    FailureType = "timeout"
	FailureCanceled   FailureType = "canceled"
	FailureSystem     FailureType = "system"
)

// ParseFailureType validates a failure type reported by a backend. An empty
// value defaults to FailureSystem.
func ParseFailureType(s string) (FailureType, error) {
	switch FailureType(s) {
	case "":
		return FailureSystem, nil
	case FailureValidation, FailureTimeout, FailureCanceled, FailureSystem:
		return FailureType(s), nil
	}
	return "", fmt.Errorf("unknown failure type %q", s)
}

// Job is the unit of asynchronous work executed by an external backend.
// SpecSnapshot and Options are captured at admission and never mutated.
type Job struct {
	ID              uuid.UUID       `db:"id"                json:"id"`
	Kind            string          `db:"-"                 json:"kind"`
	Owner           string          `db:"owner"             json:"owner"`
	TriggeredBy     uuid.UUID       `db:"triggered_by"      json:"triggered_by"`
	ProjectID       *uuid.UUID      `db:"project_id"        json:"project_id,omitempty"`
	Status          JobStatus       `db:"status"            json:"status"`
	Progress        int             `db:"progress"          json:"progress"`
	SpecSnapshot    json.RawMessage `db:"spec_snapshot"     json:"spec"`
	Options         json.RawMessage `db:"options"           json:"options,omitempty"`
	Output          json.RawMessage `db:"output"            json:"output,omitempty"`
	OutputSizeBytes *int64          `db:"output_size_bytes" json:"output_size_bytes,omitempty"`
	Error           *string         `db:"error"             json:"error,omitempty"`
	FailureType     *FailureType    `db:"failure_type"      json:"failure_type,omitempty"`
	CreditsCharged  int64           `db:"credits_charged"   json:"credits_charged"`
	CreditsRefunded bool            `db:"credits_refunded"  json:"credits_refunded"`
	IdempotencyKey  *string         `db:"idempotency_key"   json:"idempotency_key,omitempty"`
	RetryOf         *uuid.UUID      `db:"retry_of"          json:"retry_of,omitempty"`
	DispatchedAt    *time.Time      `db:"dispatched_at"     json:"dispatched_at,omitempty"`
	StartedAt       *time.Time      `db:"started_at"        json:"started_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at"      json:"completed_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"        json:"updated_at"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	c.SpecSnapshot = cloneRaw(j.SpecSnapshot)
	c.Options = cloneRaw(j.Options)
	c.Output = cloneRaw(j.Output)
	c.ProjectID = clonePtr(j.ProjectID)
	c.OutputSizeBytes = clonePtr(j.OutputSizeBytes)
	c.Error = clonePtr(j.Error)
	c.FailureType = clonePtr(j.FailureType)
	c.IdempotencyKey = clonePtr(j.IdempotencyKey)
	c.RetryOf = clonePtr(j.RetryOf)
	c.DispatchedAt = clonePtr(j.DispatchedAt)
	c.StartedAt = clonePtr(j.StartedAt)
	c.CompletedAt = clonePtr(j.CompletedAt)
	return &c
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

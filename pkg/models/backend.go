package models

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// DispatchRequest is submitted to an external backend to execute one job.
// The backend reports progress by POSTing Callback bodies to CallbackURL.
type DispatchRequest struct {
	Kind        string          `json:"kind"`
	JobID       uuid.UUID       `json:"job_id"`
	Spec        json.RawMessage `json:"spec"`
	Options     json.RawMessage `json:"options,omitempty"`
	CallbackURL string          `json:"callback_url"`
}

// Backend is the interface every execution backend must implement.
// Dispatch returns once the backend has acknowledged receipt.
type Backend interface {
	Name() string
	Dispatch(ctx context.Context, req DispatchRequest) error
}

// Callback event names accepted from backends.
const (
	CallbackStarted   = "started"
	CallbackProgress  = "progress"
	CallbackCompleted = "completed"
	CallbackFailed    = "failed"
)

// Callback is the postback body a backend sends for one lifecycle step.
type Callback struct {
	JobID           uuid.UUID       `json:"job_id"`
	Event           string          `json:"event"`
	Output          json.RawMessage `json:"output,omitempty"`
	OutputSizeBytes *int64          `json:"output_size_bytes,omitempty"`
	Error           *string         `json:"error,omitempty"`
	FailureType     *string         `json:"failure_type,omitempty"`
	ProgressPercent *int            `json:"progress_percent,omitempty"`
}

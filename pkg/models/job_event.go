package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType is a lifecycle milestone recorded in a job's event log.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCanceled  EventType = "canceled"
)

// JobEvent is one immutable entry of a job's append-only log. Sequence is the
// authoritative order; CreatedAt is informational only.
type JobEvent struct {
	ID        uuid.UUID       `db:"id"         json:"id"`
	JobID     uuid.UUID       `db:"job_id"     json:"job_id"`
	Sequence  int64           `db:"sequence"   json:"sequence"`
	EventType EventType       `db:"event_type" json:"event_type"`
	Payload   json.RawMessage `db:"payload"    json:"payload,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

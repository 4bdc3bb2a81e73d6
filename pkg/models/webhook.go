package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxDeliveryAttempts = 5
	MaxWebhookURLLength        = 2048
)

// Webhook is a team-owned HTTPS subscription to job lifecycle events.
// The secret is only serialized when the webhook is first created.
type Webhook struct {
	ID              uuid.UUID  `db:"id"                json:"id"`
	TeamID          uuid.UUID  `db:"team_id"           json:"team_id"`
	CreatedBy       uuid.UUID  `db:"created_by"        json:"created_by"`
	URL             string     `db:"url"               json:"url"`
	Events          []string   `db:"events"            json:"events"`
	Secret          string     `db:"secret"            json:"-"`
	IsActive        bool       `db:"is_active"         json:"is_active"`
	LastTriggeredAt *time.Time `db:"last_triggered_at" json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"        json:"updated_at"`
}

// Subscribes reports whether the webhook wants eventType.
func (w *Webhook) Subscribes(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// DeliveryStatus is the state of one webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryAttempting DeliveryStatus = "attempting"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryFailed     DeliveryStatus = "failed"
)

// IsTerminal reports whether s accepts no further events.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// WebhookDelivery is one notification of one event to one webhook.
type WebhookDelivery struct {
	ID             uuid.UUID       `db:"id"              json:"id"`
	WebhookID      uuid.UUID       `db:"webhook_id"      json:"webhook_id"`
	JobID          *uuid.UUID      `db:"job_id"          json:"job_id,omitempty"`
	EventType      string          `db:"event_type"      json:"event_type"`
	Status         DeliveryStatus  `db:"status"          json:"status"`
	Payload        json.RawMessage `db:"payload"         json:"payload"`
	ResponseStatus *int            `db:"response_status" json:"response_status,omitempty"`
	ResponseBody   *string         `db:"response_body"   json:"response_body,omitempty"`
	LastError      *string         `db:"last_error"      json:"last_error,omitempty"`
	Attempts       int             `db:"attempts"        json:"attempts"`
	MaxAttempts    int             `db:"max_attempts"    json:"max_attempts"`
	NextRetryAt    *time.Time      `db:"next_retry_at"   json:"next_retry_at,omitempty"`
	DeliveredAt    *time.Time      `db:"delivered_at"    json:"delivered_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"      json:"updated_at"`
}

// Clone returns a deep copy of d.
func (d *WebhookDelivery) Clone() *WebhookDelivery {
	c := *d
	c.JobID = clonePtr(d.JobID)
	c.Payload = cloneRaw(d.Payload)
	c.ResponseStatus = clonePtr(d.ResponseStatus)
	c.ResponseBody = clonePtr(d.ResponseBody)
	c.LastError = clonePtr(d.LastError)
	c.NextRetryAt = clonePtr(d.NextRetryAt)
	c.DeliveredAt = clonePtr(d.DeliveredAt)
	return &c
}

// DeliveryEnvelope is the JSON body POSTed to webhook endpoints.
type DeliveryEnvelope struct {
	EventType string          `json:"event_type"`
	JobID     uuid.UUID       `json:"job_id"`
	Payload   json.RawMessage `json:"payload"`
}

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

// maxResponseBody caps how much of a receiver's response is stored.
const maxResponseBody = 4096

// Outcome classifies one delivery attempt.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	// OutcomeTransient covers 5xx responses, timeouts and network errors.
	OutcomeTransient
	// OutcomePermanent covers 4xx responses and requests that could not be built.
	OutcomePermanent
)

// Result is what a single POST to a receiver produced.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Body       string
	Err        error
}

// Sender POSTs signed delivery envelopes.
type Sender struct {
	client    *http.Client
	userAgent string
}

// NewSender creates a Sender whose requests give up after timeout.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client:    &http.Client{Timeout: timeout},
		userAgent: "renderflow-webhooks/1.0",
	}
}

// Send delivers d to w once and classifies the result.
func (s *Sender) Send(ctx context.Context, w *models.Webhook, d *models.WebhookDelivery, now time.Time) Result {
	var jobID uuid.UUID
	if d.JobID != nil {
		jobID = *d.JobID
	}
	body, err := json.Marshal(models.DeliveryEnvelope{
		EventType: d.EventType,
		JobID:     jobID,
		Payload:   d.Payload,
	})
	if err != nil {
		return Result{Outcome: OutcomePermanent, Err: fmt.Errorf("marshal envelope: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomePermanent, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(HeaderSignature, Sign(w.Secret, body))
	req.Header.Set(HeaderEvent, d.EventType)
	req.Header.Set(HeaderDelivery, d.ID.String())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeTransient, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	res := Result{StatusCode: resp.StatusCode, Body: string(respBody)}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res.Outcome = OutcomeDelivered
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		res.Outcome = OutcomePermanent
	default:
		res.Outcome = OutcomeTransient
	}
	return res
}

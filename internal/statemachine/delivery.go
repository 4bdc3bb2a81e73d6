package statemachine

import (
	"fmt"
	"time"

	"github.com/kiranshivaraju/renderflow/pkg/models"
)

// DeliveryEvent is one of Attempt, Success, Retry, PermanentFailure or
// MaxAttemptsExceeded.
type DeliveryEvent interface {
	Name() string
	deliveryEvent()
}

// Attempt starts a delivery attempt and consumes one of the delivery's attempts.
type Attempt struct{}

// Success records a 2xx response.
type Success struct {
	StatusCode int
	Body       string
}

// Retry schedules another attempt after a 5xx response or a transport error.
type Retry struct {
	StatusCode  int // zero when no response was received
	Body        string
	Err         string
	NextRetryAt time.Time
}

// PermanentFailure records a 4xx response, or a delivery that can no longer
// be sent at all; no further attempts are made.
type PermanentFailure struct {
	StatusCode int
	Body       string
	Err        string
}

// MaxAttemptsExceeded fails a delivery whose attempts are used up.
type MaxAttemptsExceeded struct {
	StatusCode int
	Body       string
	Err        string
}

func (Attempt) Name() string             { return "attempt" }
func (Success) Name() string             { return "success" }
func (Retry) Name() string               { return "retry" }
func (PermanentFailure) Name() string    { return "permanent_failure" }
func (MaxAttemptsExceeded) Name() string { return "max_attempts_exceeded" }

func (Attempt) deliveryEvent()             {}
func (Success) deliveryEvent()             {}
func (Retry) deliveryEvent()               {}
func (PermanentFailure) deliveryEvent()    {}
func (MaxAttemptsExceeded) deliveryEvent() {}

// ApplyDelivery returns a copy of d with ev applied. d itself is never modified.
func ApplyDelivery(d *models.WebhookDelivery, ev DeliveryEvent, now time.Time) (*models.WebhookDelivery, error) {
	if d.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s delivery cannot accept %s", ErrTerminalState, d.Status, ev.Name())
	}

	out := d.Clone()
	out.UpdatedAt = now

	switch e := ev.(type) {
	case Attempt:
		if d.Status != models.DeliveryPending && d.Status != models.DeliveryRetrying {
			return nil, invalidDelivery(d.Status, ev)
		}
		if d.Attempts >= d.MaxAttempts {
			return nil, fmt.Errorf("%w: %d of %d used", ErrRetryExhausted, d.Attempts, d.MaxAttempts)
		}
		out.Status = models.DeliveryAttempting
		out.Attempts++
		out.NextRetryAt = nil

	case Success:
		if d.Status != models.DeliveryAttempting {
			return nil, invalidDelivery(d.Status, ev)
		}
		out.Status = models.DeliveryDelivered
		out.DeliveredAt = &now
		out.NextRetryAt = nil
		out.LastError = nil
		setResponse(out, e.StatusCode, e.Body)

	case Retry:
		if d.Status != models.DeliveryAttempting {
			return nil, invalidDelivery(d.Status, ev)
		}
		if d.Attempts >= d.MaxAttempts {
			return nil, fmt.Errorf("%w: %d of %d used", ErrRetryExhausted, d.Attempts, d.MaxAttempts)
		}
		out.Status = models.DeliveryRetrying
		next := e.NextRetryAt
		out.NextRetryAt = &next
		setResponse(out, e.StatusCode, e.Body)
		setError(out, e.Err)

	case PermanentFailure:
		if d.Status != models.DeliveryAttempting {
			return nil, invalidDelivery(d.Status, ev)
		}
		out.Status = models.DeliveryFailed
		out.NextRetryAt = nil
		setResponse(out, e.StatusCode, e.Body)
		setError(out, e.Err)

	case MaxAttemptsExceeded:
		if d.Status != models.DeliveryAttempting && d.Status != models.DeliveryRetrying {
			return nil, invalidDelivery(d.Status, ev)
		}
		if d.Attempts < d.MaxAttempts {
			return nil, fmt.Errorf("%w: %d of %d attempts remain", ErrInvalidTransition, d.MaxAttempts-d.Attempts, d.MaxAttempts)
		}
		out.Status = models.DeliveryFailed
		out.NextRetryAt = nil
		setResponse(out, e.StatusCode, e.Body)
		setError(out, e.Err)

	default:
		return nil, invalidDelivery(d.Status, ev)
	}

	return out, nil
}

// Exhausted reports whether d has no attempts left.
func Exhausted(d *models.WebhookDelivery) bool {
	return d.Attempts >= d.MaxAttempts
}

func invalidDelivery(status models.DeliveryStatus, ev DeliveryEvent) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, ev.Name())
}

func setResponse(d *models.WebhookDelivery, code int, body string) {
	if code == 0 {
		return
	}
	d.ResponseStatus = &code
	d.ResponseBody = &body
}

func setError(d *models.WebhookDelivery, msg string) {
	if msg == "" {
		return
	}
	d.LastError = &msg
}

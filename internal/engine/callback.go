package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/renderflow/internal/statemachine"
	"github.com/kiranshivaraju/renderflow/internal/store"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

// HandleCallback applies one backend postback. Unknown event names and
// malformed payloads are rejected before any state is read.
func (e *Engine) HandleCallback(ctx context.Context, cb models.Callback) (*models.Job, error) {
	ev, err := callbackEvent(cb)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, cb.JobID, "", ev)
}

func callbackEvent(cb models.Callback) (statemachine.JobEvent, error) {
	switch cb.Event {
	case models.CallbackStarted:
		return statemachine.Start{}, nil
	case models.CallbackProgress:
		if cb.ProgressPercent == nil {
			return nil, fmt.Errorf("%w: progress_percent is required", ErrValidation)
		}
		return statemachine.Progress{Percent: *cb.ProgressPercent}, nil
	case models.CallbackCompleted:
		if len(cb.Output) > 0 && !json.Valid(cb.Output) {
			return nil, fmt.Errorf("%w: output must be valid JSON", ErrValidation)
		}
		var size int64
		if cb.OutputSizeBytes != nil {
			if *cb.OutputSizeBytes < 0 {
				return nil, fmt.Errorf("%w: output_size_bytes must not be negative", ErrValidation)
			}
			size = *cb.OutputSizeBytes
		}
		return statemachine.Complete{Output: cb.Output, SizeBytes: size}, nil
	case models.CallbackFailed:
		var raw, msg string
		if cb.FailureType != nil {
			raw = *cb.FailureType
		}
		ft, err := models.ParseFailureType(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if cb.Error != nil {
			msg = *cb.Error
		}
		return statemachine.Fail{Error: msg, FailureType: ft}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, cb.Event)
}

// Cancel moves an owner's Queued or Processing job to Canceled and refunds it.
func (e *Engine) Cancel(ctx context.Context, owner string, id uuid.UUID) (*models.Job, error) {
	return e.apply(ctx, id, owner, statemachine.Cancel{})
}

// Expire fails a job with a timeout. Used by the reconciler. q is checked
// again against the locked row, so a job that reported in after it was
// listed returns ErrNotExpired and is left alone.
func (e *Engine) Expire(ctx context.Context, id uuid.UUID, q store.ExpiryQuery, reason string) (*models.Job, error) {
	return e.applyIf(ctx, id, "", statemachine.Fail{Error: reason, FailureType: models.FailureTimeout}, func(j *models.Job) error {
		if !q.Matches(j) {
			return fmt.Errorf("%w: %s %s is %s", ErrNotExpired, e.cfg.Kind.Name, j.ID, j.Status)
		}
		return nil
	})
}

// apply runs one job transition and everything that must commit with it:
// the row update, the event append, the refund, artifact status and webhook
// fan-out. A non-empty owner restricts the job to that owner.
func (e *Engine) apply(ctx context.Context, id uuid.UUID, owner string, ev statemachine.JobEvent) (*models.Job, error) {
	return e.applyIf(ctx, id, owner, ev, nil)
}

// applyIf is apply with a precondition evaluated on the locked row.
func (e *Engine) applyIf(ctx context.Context, id uuid.UUID, owner string, ev statemachine.JobEvent, check func(*models.Job) error) (*models.Job, error) {
	var next *models.Job
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		j, err := tx.LockJob(ctx, e.cfg.Kind, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s %s", ErrNotFound, e.cfg.Kind.Name, id)
		}
		if err != nil {
			return err
		}
		if owner != "" && j.Owner != owner {
			return fmt.Errorf("%w: %s %s", ErrNotFound, e.cfg.Kind.Name, id)
		}
		if check != nil {
			if err := check(j); err != nil {
				return err
			}
		}

		now := e.now()
		n, err := statemachine.ApplyJob(j, ev, now)
		if err != nil {
			return err
		}

		if refundable(n) {
			// The ledger's unique refund row backs up the credits_refunded flag.
			if err := tx.RefundCredits(ctx, n.Owner, n.CreditsCharged, e.cfg.Kind, n.ID); err != nil {
				return fmt.Errorf("refund: %w", err)
			}
			n.CreditsRefunded = true
		}

		if err := tx.UpdateJob(ctx, e.cfg.Kind, n); err != nil {
			return err
		}
		if _, err := tx.AppendEvent(ctx, e.cfg.Kind, n.ID, ev.EventType(), eventPayload(ev), now); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
		if err := e.syncArtifacts(ctx, tx, n); err != nil {
			return err
		}
		if err := e.enqueueWebhooks(ctx, tx, n, ev.EventType(), now); err != nil {
			return err
		}
		next = n
		return nil
	})
	if err != nil {
		if isRejection(err) {
			e.logger.Warn("transition rejected", "job_id", id, "event", ev.EventType(), "error", err)
		} else {
			e.logger.Error("transition failed", "job_id", id, "event", ev.EventType(), "error", err)
		}
		return nil, err
	}

	e.logger.Info("job transitioned", "job_id", next.ID, "event", ev.EventType(), "status", next.Status, "progress", next.Progress)
	e.cacheStatus(ctx, next)
	return next, nil
}

func refundable(j *models.Job) bool {
	return (j.Status == models.JobStatusFailed || j.Status == models.JobStatusCanceled) &&
		j.CreditsCharged > 0 && !j.CreditsRefunded
}

// syncArtifacts mirrors a terminal outcome onto artifacts produced by j.
func (e *Engine) syncArtifacts(ctx context.Context, tx store.Tx, j *models.Job) error {
	var status models.ArtifactStatus
	var size *int64
	switch j.Status {
	case models.JobStatusCompleted:
		status, size = models.ArtifactReady, j.OutputSizeBytes
	case models.JobStatusFailed, models.JobStatusCanceled:
		status = models.ArtifactFailed
	default:
		return nil
	}
	n, err := tx.SyncArtifacts(ctx, e.cfg.Kind, j.ID, status, size)
	if err != nil {
		return fmt.Errorf("sync artifacts: %w", err)
	}
	if n > 0 {
		e.logger.Info("artifacts synced", "job_id", j.ID, "status", status, "count", n)
	}
	return nil
}

// enqueueWebhooks queues lifecycle notifications for team-owned jobs.
// Progress is not a webhook event.
func (e *Engine) enqueueWebhooks(ctx context.Context, tx store.Tx, j *models.Job, et models.EventType, now time.Time) error {
	if et == models.EventProgress {
		return nil
	}
	scope, teamID, err := models.ParseOwner(j.Owner)
	if err != nil || scope != models.OwnerTeam {
		return nil
	}
	payload, err := json.Marshal(summarize(j))
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	n, err := tx.EnqueueDeliveries(ctx, teamID, e.cfg.Kind.WebhookEvent(et), j.ID, payload, e.cfg.MaxDeliveryAttempts, now)
	if err != nil {
		return fmt.Errorf("enqueue deliveries: %w", err)
	}
	if n > 0 {
		e.logger.Info("webhook deliveries queued", "job_id", j.ID, "event", e.cfg.Kind.WebhookEvent(et), "count", n)
	}
	return nil
}

// jobSummary is the payload of lifecycle webhooks.
type jobSummary struct {
	ID              uuid.UUID           `json:"id"`
	Kind            string              `json:"kind"`
	Owner           string              `json:"owner"`
	ProjectID       *uuid.UUID          `json:"project_id,omitempty"`
	Status          models.JobStatus    `json:"status"`
	Progress        int                 `json:"progress"`
	Output          json.RawMessage     `json:"output,omitempty"`
	OutputSizeBytes *int64              `json:"output_size_bytes,omitempty"`
	Error           *string             `json:"error,omitempty"`
	FailureType     *models.FailureType `json:"failure_type,omitempty"`
	CreditsRefunded bool                `json:"credits_refunded"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}

func summarize(j *models.Job) jobSummary {
	return jobSummary{
		ID:              j.ID,
		Kind:            j.Kind,
		Owner:           j.Owner,
		ProjectID:       j.ProjectID,
		Status:          j.Status,
		Progress:        j.Progress,
		Output:          j.Output,
		OutputSizeBytes: j.OutputSizeBytes,
		Error:           j.Error,
		FailureType:     j.FailureType,
		CreditsRefunded: j.CreditsRefunded,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}

func eventPayload(ev statemachine.JobEvent) json.RawMessage {
	var v any
	switch e := ev.(type) {
	case statemachine.Progress:
		v = map[string]int{"percent": e.Percent}
	case statemachine.Complete:
		v = map[string]any{"output_size_bytes": e.SizeBytes}
	case statemachine.Fail:
		ft := e.FailureType
		if ft == "" {
			ft = models.FailureSystem
		}
		v = map[string]any{"error": e.Error, "failure_type": ft}
	default:
		return json.RawMessage(`{}`)
	}
	b, _ := json.Marshal(v)
	return b
}

// isRejection reports whether err is a caller-side rejection rather than a
// storage failure.
func isRejection(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNotExpired) ||
		errors.Is(err, ErrTerminalState) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidProgress)
}

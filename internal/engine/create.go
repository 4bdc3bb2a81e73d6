package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/renderflow/internal/store"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

// MaxIdempotencyKeyLength bounds caller-supplied idempotency keys.
const MaxIdempotencyKeyLength = 255

// CreateParams are the inputs to admission.
type CreateParams struct {
	Owner          string
	TriggeredBy    uuid.UUID
	ProjectID      *uuid.UUID
	Spec           json.RawMessage
	Options        json.RawMessage
	IdempotencyKey string
	RetryOf        *uuid.UUID
}

func (p CreateParams) validate() error {
	if _, _, err := models.ParseOwner(p.Owner); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if p.TriggeredBy == uuid.Nil {
		return fmt.Errorf("%w: triggered_by is required", ErrValidation)
	}
	if len(p.Spec) == 0 || !json.Valid(p.Spec) {
		return fmt.Errorf("%w: spec must be valid JSON", ErrValidation)
	}
	if len(p.Options) > 0 && !json.Valid(p.Options) {
		return fmt.Errorf("%w: options must be valid JSON", ErrValidation)
	}
	if len(p.IdempotencyKey) > MaxIdempotencyKeyLength {
		return fmt.Errorf("%w: idempotency key exceeds %d characters", ErrValidation, MaxIdempotencyKeyLength)
	}
	return nil
}

// Create admits a new job. The returned bool is false when an existing job
// was returned for a repeated idempotency key; in that case nothing is
// charged or dispatched.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*models.Job, bool, error) {
	if err := p.validate(); err != nil {
		return nil, false, err
	}

	var (
		job     *models.Job
		created bool
	)
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		// Serializes every admission for this owner, including the first one.
		if err := tx.LockOwner(ctx, e.cfg.Kind, p.Owner); err != nil {
			return err
		}

		if p.IdempotencyKey != "" {
			existing, err := tx.FindJobByIdempotencyKey(ctx, e.cfg.Kind, p.TriggeredBy, p.IdempotencyKey)
			if err == nil {
				job = existing
				return sameOwner(existing, p.Owner)
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		limit := e.cfg.MaxConcurrency
		override, err := tx.ConcurrencyLimit(ctx, p.Owner)
		if err != nil {
			return err
		}
		if override != nil {
			limit = *override
		}

		active, err := tx.CountActiveJobs(ctx, e.cfg.Kind, p.Owner)
		if err != nil {
			return err
		}
		if active >= limit {
			return fmt.Errorf("%w: %d of %d %s active", ErrConcurrencyLimitExceeded, active, limit, e.cfg.Kind.Plural)
		}

		now := e.now()
		j := &models.Job{
			ID:             uuid.New(),
			Kind:           e.cfg.Kind.Name,
			Owner:          p.Owner,
			TriggeredBy:    p.TriggeredBy,
			ProjectID:      p.ProjectID,
			Status:         models.JobStatusQueued,
			SpecSnapshot:   p.Spec,
			Options:        p.Options,
			CreditsCharged: e.cfg.CreditCost,
			RetryOf:        p.RetryOf,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if p.IdempotencyKey != "" {
			key := p.IdempotencyKey
			j.IdempotencyKey = &key
		}

		if j.CreditsCharged > 0 {
			err := tx.ChargeCredits(ctx, p.Owner, j.CreditsCharged, e.cfg.Kind, j.ID)
			if errors.Is(err, store.ErrInsufficientCredits) {
				return fmt.Errorf("%w: %d required", ErrCreditsInsufficient, j.CreditsCharged)
			}
			if err != nil {
				return err
			}
		}

		if err := tx.InsertJob(ctx, e.cfg.Kind, j); err != nil {
			return err
		}
		job, created = j, true
		return nil
	})

	if errors.Is(err, store.ErrDuplicateKey) && p.IdempotencyKey != "" {
		// A concurrent request with the same key committed first.
		existing, lookupErr := e.findByIdempotencyKey(ctx, p.TriggeredBy, p.IdempotencyKey)
		if lookupErr != nil {
			return nil, false, lookupErr
		}
		if err := sameOwner(existing, p.Owner); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create %s: %w", e.cfg.Kind.Name, err)
	}

	if !created {
		e.logger.Info("idempotent create returned existing job", "job_id", job.ID, "owner", job.Owner)
		return job, false, nil
	}

	e.logger.Info("job admitted", "job_id", job.ID, "owner", job.Owner, "credits_charged", job.CreditsCharged)
	e.cacheStatus(ctx, job)
	e.dispatch(context.WithoutCancel(ctx), job)
	return job, true, nil
}

// sameOwner rejects replaying a key under a different owner. Keys are scoped
// to the triggering user, who may hold both personal and team credentials.
func sameOwner(existing *models.Job, owner string) error {
	if existing.Owner != owner {
		return fmt.Errorf("%w: key belongs to job %s", ErrIdempotencyConflict, existing.ID)
	}
	return nil
}

func (e *Engine) findByIdempotencyKey(ctx context.Context, triggeredBy uuid.UUID, key string) (*models.Job, error) {
	var job *models.Job
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		j, err := tx.FindJobByIdempotencyKey(ctx, e.cfg.Kind, triggeredBy, key)
		job = j
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find %s by idempotency key: %w", e.cfg.Kind.Name, err)
	}
	return job, nil
}

// RetryParams identify a failed or canceled job to run again.
type RetryParams struct {
	Owner          string
	TriggeredBy    uuid.UUID
	JobID          uuid.UUID
	IdempotencyKey string
}

// Retry admits a new job with the spec and options of a Failed or Canceled
// one. The new job goes through the normal admission checks and charge.
func (e *Engine) Retry(ctx context.Context, p RetryParams) (*models.Job, bool, error) {
	prev, err := e.Get(ctx, p.Owner, p.JobID)
	if err != nil {
		return nil, false, err
	}
	switch prev.Status {
	case models.JobStatusFailed, models.JobStatusCanceled:
	case models.JobStatusQueued, models.JobStatusProcessing:
		return nil, false, fmt.Errorf("%w: %s is %s", ErrJobActive, prev.ID, prev.Status)
	default:
		return nil, false, fmt.Errorf("%w: %s is %s", ErrNotRetryable, prev.ID, prev.Status)
	}

	return e.Create(ctx, CreateParams{
		Owner:          prev.Owner,
		TriggeredBy:    p.TriggeredBy,
		ProjectID:      prev.ProjectID,
		Spec:           prev.SpecSnapshot,
		Options:        prev.Options,
		IdempotencyKey: p.IdempotencyKey,
		RetryOf:        &prev.ID,
	})
}

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/renderflow/internal/cache"
	"github.com/kiranshivaraju/renderflow/internal/store"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

// Get returns an owner's job. Jobs of other owners are reported as not found.
func (e *Engine) Get(ctx context.Context, owner string, id uuid.UUID) (*models.Job, error) {
	j, err := e.store.GetJob(ctx, e.cfg.Kind, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && j.Owner != owner) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, e.cfg.Kind.Name, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", e.cfg.Kind.Name, err)
	}
	return j, nil
}

// List returns one page of an owner's jobs, newest first, and the total.
func (e *Engine) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	jobs, total, err := e.store.ListJobs(ctx, e.cfg.Kind, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", e.cfg.Kind.Plural, err)
	}
	return jobs, total, nil
}

// Events returns a job's event log in sequence order.
func (e *Engine) Events(ctx context.Context, owner string, id uuid.UUID) ([]*models.JobEvent, error) {
	if _, err := e.Get(ctx, owner, id); err != nil {
		return nil, err
	}
	evs, err := e.store.ListJobEvents(ctx, e.cfg.Kind, id)
	if err != nil {
		return nil, fmt.Errorf("list %s events: %w", e.cfg.Kind.Name, err)
	}
	return evs, nil
}

// Status returns the job's status snapshot, from cache when available.
func (e *Engine) Status(ctx context.Context, owner string, id uuid.UUID) (*cache.JobStatus, error) {
	if e.cache != nil {
		s, ok, err := e.cache.GetJobStatus(ctx, e.cfg.Kind.Name, id)
		if err != nil {
			e.logger.Warn("cache read failed", "job_id", id, "error", err)
		}
		if ok {
			if s.Owner != owner {
				return nil, fmt.Errorf("%w: %s %s", ErrNotFound, e.cfg.Kind.Name, id)
			}
			return s, nil
		}
	}

	j, err := e.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	e.cacheStatus(ctx, j)
	return &cache.JobStatus{
		Owner:     j.Owner,
		Status:    string(j.Status),
		Progress:  j.Progress,
		UpdatedAt: j.UpdatedAt,
	}, nil
}

// Delete removes a terminal job with its events and detaches its artifacts.
func (e *Engine) Delete(ctx context.Context, owner string, id uuid.UUID) error {
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		j, err := tx.LockJob(ctx, e.cfg.Kind, id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && j.Owner != owner) {
			return fmt.Errorf("%w: %s %s", ErrNotFound, e.cfg.Kind.Name, id)
		}
		if err != nil {
			return err
		}
		if !j.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrJobActive, id, j.Status)
		}
		if _, err := tx.DetachArtifacts(ctx, e.cfg.Kind, id); err != nil {
			return fmt.Errorf("detach artifacts: %w", err)
		}
		return tx.DeleteJob(ctx, e.cfg.Kind, id)
	})
	if err != nil {
		return err
	}

	if e.cache != nil {
		if err := e.cache.DeleteJobStatus(ctx, e.cfg.Kind.Name, id); err != nil {
			e.logger.Warn("cache delete failed", "job_id", id, "error", err)
		}
	}
	e.logger.Info("job deleted", "job_id", id, "owner", owner)
	return nil
}

package engine

import (
	"context"

	"github.com/kiranshivaraju/renderflow/pkg/models"
)

// dispatch hands a committed job to the backend. A failure leaves the job
// Queued with dispatched_at unset so the reconciler can try again.
func (e *Engine) dispatch(ctx context.Context, j *models.Job) bool {
	req := models.DispatchRequest{
		Kind:        e.cfg.Kind.Name,
		JobID:       j.ID,
		Spec:        j.SpecSnapshot,
		Options:     j.Options,
		CallbackURL: e.cfg.CallbackURL,
	}
	if err := e.backend.Dispatch(ctx, req); err != nil {
		e.logger.Error("dispatch failed", "job_id", j.ID, "backend", e.backend.Name(), "error", err)
		return false
	}

	at := e.now()
	if err := e.store.MarkDispatched(ctx, e.cfg.Kind, j.ID, at); err != nil {
		e.logger.Error("mark dispatched failed", "job_id", j.ID, "error", err)
		return true
	}
	j.DispatchedAt = &at
	e.logger.Info("job dispatched", "job_id", j.ID, "backend", e.backend.Name())
	return true
}

package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/renderflow/internal/store"
)

// ReconcilerConfig controls the periodic sweep over jobs the backend has
// not reported on.
type ReconcilerConfig struct {
	Interval          time.Duration
	BatchSize         int
	RedispatchAfter   time.Duration
	QueueTimeout      time.Duration
	ProcessingTimeout time.Duration
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Redispatched int
	Expired      int
}

// Reconciler redispatches jobs whose dispatch failed and fails jobs that
// exceeded their queue or processing timeout. Running several replicas is
// safe: a second dispatch is at worst a duplicate the backend's callbacks
// cannot apply twice, and expiry goes through the locked transition path.
type Reconciler struct {
	engines []*Engine
	cfg     ReconcilerConfig
	logger  *slog.Logger
}

// NewReconciler creates a reconciler over the given engines.
func NewReconciler(cfg ReconcilerConfig, logger *slog.Logger, engines ...*Engine) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{engines: engines, cfg: cfg, logger: logger.With("component", "reconciler")}
}

// Run sweeps every Interval until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			for _, e := range r.engines {
				res, err := r.Sweep(ctx, e)
				if err != nil {
					r.logger.Error("sweep failed", "kind", e.cfg.Kind.Name, "error", err)
					continue
				}
				if res.Redispatched > 0 || res.Expired > 0 {
					r.logger.Info("sweep finished", "kind", e.cfg.Kind.Name,
						"redispatched", res.Redispatched, "expired", res.Expired)
				}
			}
		}
	}
}

// Sweep runs one reconciliation pass over e's jobs.
func (r *Reconciler) Sweep(ctx context.Context, e *Engine) (SweepResult, error) {
	var res SweepResult
	now := e.now()

	if r.cfg.QueueTimeout > 0 || r.cfg.ProcessingTimeout > 0 {
		q := store.ExpiryQuery{Limit: r.cfg.BatchSize}
		if r.cfg.QueueTimeout > 0 {
			q.QueuedBefore = now.Add(-r.cfg.QueueTimeout)
		}
		if r.cfg.ProcessingTimeout > 0 {
			q.ProcessingIdleBefore = now.Add(-r.cfg.ProcessingTimeout)
		}
		expired, err := e.store.ListExpiredJobs(ctx, e.cfg.Kind, q)
		if err != nil {
			return res, err
		}
		for _, j := range expired {
			reason := "no callback received within " + r.cfg.QueueTimeout.String()
			if j.StartedAt != nil {
				reason = "no progress reported within " + r.cfg.ProcessingTimeout.String()
			}
			_, err := e.Expire(ctx, j.ID, q, reason)
			if errors.Is(err, ErrNotExpired) || errors.Is(err, ErrTerminalState) || errors.Is(err, ErrNotFound) {
				// Reported in, finished or deleted since it was listed.
				continue
			}
			if err != nil {
				return res, err
			}
			res.Expired++
		}
	}

	if r.cfg.RedispatchAfter > 0 {
		pending, err := e.store.ListUndispatchedJobs(ctx, e.cfg.Kind, now.Add(-r.cfg.RedispatchAfter), r.cfg.BatchSize)
		if err != nil {
			return res, err
		}
		for _, j := range pending {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if e.dispatch(ctx, j) {
				res.Redispatched++
			}
		}
	}

	return res, nil
}

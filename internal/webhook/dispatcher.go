// Package webhook delivers job lifecycle notifications to team endpoints.
// Deliveries are rows queued in the same transaction as the job transition;
// the Dispatcher claims due rows, POSTs signed envelopes and records each
// result through the delivery state machine.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/renderflow/internal/statemachine"
	"github.com/kiranshivaraju/renderflow/internal/store"
	"github.com/kiranshivaraju/renderflow/pkg/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DispatcherConfig controls polling, parallelism and retry timing.
type DispatcherConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	Concurrency   int
	RatePerSecond float64
	StaleAfter    time.Duration
	Backoff       Exponential
}

// Dispatcher drains the delivery queue.
type Dispatcher struct {
	store   store.Store
	sender  *Sender
	cfg     DispatcherConfig
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewDispatcher creates a Dispatcher. A nil logger uses slog.Default().
func NewDispatcher(st store.Store, sender *Sender, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:  st,
		sender: sender,
		cfg:    cfg,
		logger: logger.With("component", "webhook_dispatcher"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return d
}

// Run polls until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Info("webhook dispatcher started", "poll_interval", d.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("webhook dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.RecoverStale(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("recover stale deliveries failed", "error", err)
			}
			if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("delivery batch failed", "error", err)
			}
		}
	}
}

// RunOnce claims one batch of due deliveries, sends them and records the
// results. It returns how many deliveries were attempted.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	claimed, err := d.claim(ctx)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, dl := range claimed {
		g.Go(func() error {
			if d.limiter != nil {
				if err := d.limiter.Wait(gctx); err != nil {
					return err
				}
			}
			d.deliver(gctx, dl)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(claimed), err
	}
	return len(claimed), nil
}

// claim moves due deliveries to Attempting and consumes one attempt each.
func (d *Dispatcher) claim(ctx context.Context) ([]*models.WebhookDelivery, error) {
	var out []*models.WebhookDelivery
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		now := d.now()
		due, err := tx.ClaimDeliveries(ctx, now, d.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, dl := range due {
			next, err := d.attemptOrExhaust(dl, now)
			if err != nil {
				d.logger.Warn("skipping delivery", "delivery_id", dl.ID, "error", err)
				continue
			}
			if err := tx.UpdateDelivery(ctx, next); err != nil {
				return err
			}
			if next.Status == models.DeliveryAttempting {
				out = append(out, next)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	return out, nil
}

// attemptOrExhaust starts an attempt, or fails a delivery that has no
// attempts left.
func (d *Dispatcher) attemptOrExhaust(dl *models.WebhookDelivery, now time.Time) (*models.WebhookDelivery, error) {
	if statemachine.Exhausted(dl) {
		return statemachine.ApplyDelivery(dl, statemachine.MaxAttemptsExceeded{Err: "attempts exhausted"}, now)
	}
	return statemachine.ApplyDelivery(dl, statemachine.Attempt{}, now)
}

// deliver sends one Attempting delivery and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, dl *models.WebhookDelivery) {
	logger := d.logger.With("delivery_id", dl.ID, "webhook_id", dl.WebhookID, "event", dl.EventType, "attempt", dl.Attempts)

	var ev statemachine.DeliveryEvent
	w, err := d.store.GetWebhook(ctx, dl.WebhookID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ev = statemachine.PermanentFailure{Err: "webhook no longer exists"}
	case err != nil:
		logger.Error("load webhook failed", "error", err)
		ev = d.transient(dl, Result{Err: err})
	case !w.IsActive:
		ev = statemachine.PermanentFailure{Err: "webhook is inactive"}
	default:
		res := d.sender.Send(ctx, w, dl, d.now())
		ev = d.classify(dl, res)
	}

	// The result is recorded even when shutdown cancels ctx mid-send.
	rctx := context.WithoutCancel(ctx)
	now := d.now()
	err = d.store.WithTx(rctx, func(tx store.Tx) error {
		cur, err := tx.LockDelivery(rctx, dl.ID)
		if err != nil {
			return err
		}
		next, err := statemachine.ApplyDelivery(cur, ev, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateDelivery(rctx, next); err != nil {
			return err
		}
		if next.Status == models.DeliveryDelivered {
			return tx.TouchWebhook(rctx, next.WebhookID, now)
		}
		return nil
	})
	if err != nil {
		logger.Error("record delivery result failed", "result", ev.Name(), "error", err)
		return
	}

	switch ev.(type) {
	case statemachine.Success:
		logger.Info("webhook delivered")
	case statemachine.Retry:
		logger.Warn("webhook delivery will be retried", "result", ev.Name())
	default:
		logger.Warn("webhook delivery failed", "result", ev.Name())
	}
}

func (d *Dispatcher) classify(dl *models.WebhookDelivery, res Result) statemachine.DeliveryEvent {
	switch res.Outcome {
	case OutcomeDelivered:
		return statemachine.Success{StatusCode: res.StatusCode, Body: res.Body}
	case OutcomePermanent:
		return statemachine.PermanentFailure{StatusCode: res.StatusCode, Body: res.Body, Err: errString(res.Err)}
	}
	return d.transient(dl, res)
}

// transient retries while attempts remain and fails the delivery otherwise.
func (d *Dispatcher) transient(dl *models.WebhookDelivery, res Result) statemachine.DeliveryEvent {
	if statemachine.Exhausted(dl) {
		return statemachine.MaxAttemptsExceeded{StatusCode: res.StatusCode, Body: res.Body, Err: errString(res.Err)}
	}
	return statemachine.Retry{
		StatusCode:  res.StatusCode,
		Body:        res.Body,
		Err:         errString(res.Err),
		NextRetryAt: d.now().Add(d.cfg.Backoff.Delay(dl.Attempts)),
	}
}

// RecoverStale requeues deliveries left in Attempting by a worker that died
// mid-send. The interrupted attempt stays counted.
func (d *Dispatcher) RecoverStale(ctx context.Context) (int, error) {
	recovered := 0
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		now := d.now()
		stale, err := tx.ClaimStaleDeliveries(ctx, now.Add(-d.cfg.StaleAfter), d.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, dl := range stale {
			var ev statemachine.DeliveryEvent = statemachine.Retry{Err: "attempt interrupted", NextRetryAt: now}
			if statemachine.Exhausted(dl) {
				ev = statemachine.MaxAttemptsExceeded{Err: "attempt interrupted"}
			}
			next, err := statemachine.ApplyDelivery(dl, ev, now)
			if err != nil {
				return err
			}
			if err := tx.UpdateDelivery(ctx, next); err != nil {
				return err
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recover stale deliveries: %w", err)
	}
	if recovered > 0 {
		d.logger.Warn("recovered stale deliveries", "count", recovered)
	}
	return recovered, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

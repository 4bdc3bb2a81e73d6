// Package engine implements the job execution engine: admission under a
// per-owner concurrency cap, idempotent creation, callback-driven state
// transitions with an ordered event log, artifact status propagation,
// credit refunds and webhook fan-out. One Engine serves one models.Kind.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/renderflow/internal/cache"
	"github.com/kiranshivaraju/renderflow/internal/store"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

// Config holds the per-kind settings of an Engine.
type Config struct {
	Kind           models.Kind
	CreditCost     int64
	MaxConcurrency int
	// CallbackURL is sent to the backend with every dispatch.
	CallbackURL         string
	MaxDeliveryAttempts int
	StatusCacheTTL      time.Duration
}

// Engine runs the lifecycle of one kind of work item.
type Engine struct {
	cfg     Config
	store   store.Store
	backend models.Backend
	cache   cache.Cache
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache enables the status snapshot cache.
func WithCache(c cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine for cfg.Kind.
func New(cfg Config, st store.Store, backend models.Backend, opts ...Option) *Engine {
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = models.DefaultMaxDeliveryAttempts
	}
	if cfg.StatusCacheTTL <= 0 {
		cfg.StatusCacheTTL = 30 * time.Second
	}
	e := &Engine{
		cfg:     cfg,
		store:   st,
		backend: backend,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("kind", cfg.Kind.Name)
	return e
}

// Kind returns the kind this engine serves.
func (e *Engine) Kind() models.Kind { return e.cfg.Kind }

func (e *Engine) cacheStatus(ctx context.Context, j *models.Job) {
	if e.cache == nil {
		return
	}
	err := e.cache.SetJobStatus(ctx, e.cfg.Kind.Name, j.ID, cache.JobStatus{
		Owner:     j.Owner,
		Status:    string(j.Status),
		Progress:  j.Progress,
		UpdatedAt: j.UpdatedAt,
	}, e.cfg.StatusCacheTTL)
	if err != nil {
		e.logger.Warn("cache job status failed", "job_id", j.ID, "error", err)
	}
}

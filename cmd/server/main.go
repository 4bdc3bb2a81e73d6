// Package main is the entrypoint for the renderflow API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/renderflow/internal/api"
	"github.com/kiranshivaraju/renderflow/internal/api/handler"
	mw "github.com/kiranshivaraju/renderflow/internal/api/middleware"
	"github.com/kiranshivaraju/renderflow/internal/cache"
	"github.com/kiranshivaraju/renderflow/internal/config"
	"github.com/kiranshivaraju/renderflow/internal/engine"
	"github.com/kiranshivaraju/renderflow/internal/render"
	"github.com/kiranshivaraju/renderflow/internal/render/mock"
	"github.com/kiranshivaraju/renderflow/internal/store"
	"github.com/kiranshivaraju/renderflow/internal/webhook"
	"github.com/kiranshivaraju/renderflow/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const shutdownTimeout = 30 * time.Second

// bootstrapAdminUser owns the key created from RENDERFLOW_BOOTSTRAP_ADMIN_KEY.
var bootstrapAdminUser = uuid.NewSHA1(uuid.NameSpaceOID, []byte("renderflow-bootstrap-admin"))

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"render_backend", cfg.Backends.Render.Provider,
		"llm_backend", cfg.Backends.LLM.Provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Server.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	pgStore := store.NewPostgresStore(pool)

	if err := ensureBootstrapKey(ctx, pgStore, cfg.Server.BootstrapAdminKey); err != nil {
		return fmt.Errorf("bootstrap admin key: %w", err)
	}

	// 5. Create backends and one engine per kind
	jobs, err := newEngine(cfg, pgStore, redisCache, models.KindJob, cfg.Backends.Render, cfg.Engine.Jobs)
	if err != nil {
		return err
	}
	generations, err := newEngine(cfg, pgStore, redisCache, models.KindGeneration, cfg.Backends.LLM, cfg.Engine.Generations)
	if err != nil {
		return err
	}

	// 6. Start background workers
	reconciler := engine.NewReconciler(engine.ReconcilerConfig{
		Interval:          cfg.Engine.SweepInterval,
		BatchSize:         cfg.Engine.SweepBatchSize,
		RedispatchAfter:   cfg.Engine.RedispatchAfter,
		QueueTimeout:      cfg.Engine.QueueTimeout,
		ProcessingTimeout: cfg.Engine.ProcessingTimeout,
	}, slog.Default(), jobs, generations)

	dispatcher := webhook.NewDispatcher(pgStore, webhook.NewSender(cfg.Webhooks.RequestTimeout), webhook.DispatcherConfig{
		PollInterval:  cfg.Webhooks.PollInterval,
		BatchSize:     cfg.Webhooks.BatchSize,
		Concurrency:   cfg.Webhooks.Concurrency,
		RatePerSecond: cfg.Webhooks.RatePerSecond,
		StaleAfter:    cfg.Webhooks.StaleAfter,
		Backoff: webhook.Exponential{
			Initial: cfg.Webhooks.InitialBackoff,
			Max:     cfg.Webhooks.MaxBackoff,
		},
	}, slog.Default())

	var workers sync.WaitGroup
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	for _, w := range []func(context.Context){reconciler.Run, dispatcher.Run} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			w(workerCtx)
		}()
	}

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:              mw.NewAuth(pgStore),
		RateLimit:         mw.NewRateLimit(redisCache, cfg.RateLimit.RequestsPerMinute),
		CallbackRateLimit: mw.NewCallbackRateLimit(redisCache, cfg.RateLimit.RequestsPerMinute*10),
		CallbackToken:     cfg.Server.CallbackToken,

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": pgStore,
			"cache":    redisCache,
		}),
		CallbackHandler: handler.NewCallbackHandler(jobs, generations),

		Jobs:     []*handler.Jobs{handler.NewJobs(jobs), handler.NewJobs(generations)},
		Webhooks: handler.NewWebhooks(webhook.NewService(pgStore)),
		Credits:  handler.NewCredits(pgStore),
		Keys:     handler.NewKeys(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// In-flight callbacks have drained; stop the sweeps and delivery loop last.
	stopWorkers()
	workers.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

// newEngine builds the backend for kind and the engine that dispatches to it.
func newEngine(cfg *config.Config, st store.Store, c cache.Cache, kind models.Kind, bcfg config.BackendConfig, kcfg config.KindConfig) (*engine.Engine, error) {
	backend, err := render.NewBackend(kind.Plural, bcfg)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", kind.Name, err)
	}

	e := engine.New(engine.Config{
		Kind:                kind,
		CreditCost:          kcfg.CreditCost,
		MaxConcurrency:      kcfg.MaxConcurrency,
		CallbackURL:         callbackURL(cfg.Server.PublicURL, kind),
		MaxDeliveryAttempts: cfg.Webhooks.MaxAttempts,
		StatusCacheTTL:      cfg.Redis.StatusCacheTTL,
	}, st, backend, engine.WithCache(c))

	// The mock backend reports back in-process rather than through the callback route.
	if m, ok := backend.(*mock.Backend); ok {
		m.Sink = e
	}
	slog.Info("engine initialized", "kind", kind.Name, "backend", backend.Name())
	return e, nil
}

func callbackURL(publicURL string, kind models.Kind) string {
	return publicURL + "/internal/v1/callbacks/" + kind.Plural
}

// keyStore is the subset of the store bootstrap needs.
type keyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// ensureBootstrapKey creates an admin key for raw unless one already matches it.
func ensureBootstrapKey(ctx context.Context, ks keyStore, raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) < mw.KeyPrefixLen {
		return fmt.Errorf("RENDERFLOW_BOOTSTRAP_ADMIN_KEY must be at least %d characters", mw.KeyPrefixLen)
	}

	existing, err := ks.GetAPIKeyByPrefix(ctx, raw[:mw.KeyPrefixLen])
	if err != nil {
		return err
	}
	for _, k := range existing {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(raw)) == nil {
			return nil
		}
	}

	key, err := handler.NewAPIKey(raw, bootstrapAdminUser, nil, "bootstrap-admin", []string{handler.ScopeAdmin})
	if err != nil {
		return err
	}
	if err := ks.CreateAPIKey(ctx, key); err != nil {
		return err
	}
	slog.Info("bootstrap admin key created", "key_prefix", key.KeyPrefix)
	return nil
}

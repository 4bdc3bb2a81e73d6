package main

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/renderflow/internal/api/handler"
	"github.com/kiranshivaraju/renderflow/internal/config"
	"github.com/kiranshivaraju/renderflow/internal/store/memory"
	"github.com/kiranshivaraju/renderflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── bootstrap key tests ────────────────────────────────────────────────────

func TestEnsureBootstrapKey_CreatesOnce(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	raw := "rf_bootstrap_admin_key_for_tests"

	require.NoError(t, ensureBootstrapKey(ctx, st, raw))
	require.NoError(t, ensureBootstrapKey(ctx, st, raw))

	keys, err := st.ListAPIKeys(ctx, bootstrapAdminUser)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, []string{handler.ScopeAdmin}, keys[0].Scopes)
	assert.Equal(t, raw[:8], keys[0].KeyPrefix)
}

func TestEnsureBootstrapKey_EmptyIsNoop(t *testing.T) {
	st := memory.New()
	require.NoError(t, ensureBootstrapKey(context.Background(), st, ""))

	keys, err := st.ListAPIKeys(context.Background(), bootstrapAdminUser)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestEnsureBootstrapKey_TooShort(t *testing.T) {
	err := ensureBootstrapKey(context.Background(), memory.New(), "short")
	require.Error(t, err)
}

// ─── engine wiring tests ────────────────────────────────────────────────────

func TestNewEngine_MockBackendReportsInProcess(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{PublicURL: "https://rf.example.com"}}
	bcfg := config.BackendConfig{Provider: "mock"}

	e, err := newEngine(cfg, memory.New(), nil, models.KindGeneration, bcfg, config.KindConfig{MaxConcurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, models.KindGeneration, e.Kind())
}

func TestNewEngine_UnknownProvider(t *testing.T) {
	cfg := &config.Config{}
	_, err := newEngine(cfg, memory.New(), nil, models.KindJob, config.BackendConfig{Provider: "grpc"}, config.KindConfig{})
	require.Error(t, err)
}

func TestCallbackURL(t *testing.T) {
	assert.Equal(t, "https://rf.example.com/internal/v1/callbacks/generations",
		callbackURL("https://rf.example.com", models.KindGeneration))
}

// ─── run() config validation tests ──────────────────────────────────────────

func TestRun_FailsOnMissingConfig(t *testing.T) {
	t.Setenv("RENDERFLOW_ENV_FILE", "does-not-exist.env")
	for _, key := range []string{"DATABASE_URL", "REDIS_URL"} {
		t.Setenv(key, "")
	}

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("RENDERFLOW_ENV_FILE", "does-not-exist.env")
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("RENDER_BACKEND_PROVIDER", "mock")
	t.Setenv("LLM_BACKEND_PROVIDER", "mock")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

// ─── shutdown timeout constant test ─────────────────────────────────────────

func TestShutdownTimeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, shutdownTimeout)
}

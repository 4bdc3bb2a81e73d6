package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/renderflow/internal/api/middleware"
	"github.com/kiranshivaraju/renderflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- Mock Store ---

type mockKeyStore struct {
	keys []*models.APIKey
	err  error

	mu   sync.Mutex
	used []uuid.UUID
}

func (m *mockKeyStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return m.keys, m.err
}

func (m *mockKeyStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used = append(m.used, id)
	return nil
}

// --- Mock Counter ---

type mockCounter struct {
	mu      sync.Mutex
	counter int64
	keys    []string
	err     error
}

func (m *mockCounter) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	m.keys = append(m.keys, key)
	return m.counter, m.err
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func withPrincipal(req *http.Request, p *mw.Principal) *http.Request {
	return req.WithContext(mw.SetPrincipal(req.Context(), p))
}

func newKey(t *testing.T, rawKey string, teamID *uuid.UUID, scopes ...string) *models.APIKey {
	return &models.APIKey{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		TeamID:    teamID,
		KeyHash:   hashKey(t, rawKey),
		KeyPrefix: rawKey[:mw.KeyPrefixLen],
		Scopes:    scopes,
	}
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_Rejections(t *testing.T) {
	rawKey := "rf_test1234567890abcdef"
	tests := []struct {
		name   string
		header string
		store  *mockKeyStore
		status int
	}{
		{"missing header", "", &mockKeyStore{}, http.StatusUnauthorized},
		{"basic scheme", "Basic abc123", &mockKeyStore{}, http.StatusUnauthorized},
		{"key too short", "Bearer short", &mockKeyStore{}, http.StatusUnauthorized},
		{"key not found", "Bearer " + rawKey, &mockKeyStore{keys: []*models.APIKey{}}, http.StatusUnauthorized},
		{"wrong key", "Bearer " + rawKey, &mockKeyStore{keys: []*models.APIKey{newKey(t, "rf_test1_different", nil)}}, http.StatusUnauthorized},
		{"store error", "Bearer " + rawKey, &mockKeyStore{err: errors.New("db down")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := mw.NewAuth(tt.store).Authenticate(okHandler())
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestAuth_ValidKeySetsPrincipal(t *testing.T) {
	rawKey := "rf_test1234567890abcdef"
	teamID := uuid.New()
	key := newKey(t, rawKey, &teamID, "jobs")
	ms := &mockKeyStore{keys: []*models.APIKey{key}}

	var got *mw.Principal
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = mw.GetPrincipal(r)
		w.WriteHeader(http.StatusOK)
	})
	handler := mw.NewAuth(ms).Authenticate(inner)

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, models.TeamOwner(teamID), got.Owner)
	assert.Equal(t, key.UserID, got.UserID)
	assert.Equal(t, key.ID, got.KeyID)
	assert.Equal(t, rawKey[:8], got.KeyPrefix)

	assert.Eventually(t, func() bool {
		ms.mu.Lock()
		defer ms.mu.Unlock()
		return len(ms.used) == 1 && ms.used[0] == key.ID
	}, time.Second, 10*time.Millisecond)
}

func TestAuth_UserKeyOwnsAsUser(t *testing.T) {
	rawKey := "rf_user1234567890abcdef"
	key := newKey(t, rawKey, nil)

	var got *mw.Principal
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = mw.GetPrincipal(r)
	})
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	mw.NewAuth(&mockKeyStore{keys: []*models.APIKey{key}}).Authenticate(inner).ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.Equal(t, models.UserOwner(key.UserID), got.Owner)
	assert.Nil(t, got.TeamID)
}

func TestAuth_RequireScope(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{})
	handler := auth.RequireScope("admin")(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withPrincipal(httptest.NewRequest("GET", "/test", nil), &mw.Principal{Scopes: []string{"admin"}}))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, withPrincipal(httptest.NewRequest("GET", "/test", nil), &mw.Principal{Scopes: []string{"jobs"}}))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errBody(t, w)["code"])

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireTeam(t *testing.T) {
	teamID := uuid.New()
	handler := mw.RequireTeam(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withPrincipal(httptest.NewRequest("GET", "/test", nil), &mw.Principal{TeamID: &teamID}))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, withPrincipal(httptest.NewRequest("GET", "/test", nil), &mw.Principal{}))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "TEAM_REQUIRED", errBody(t, w)["code"])
}

func TestCallbackToken(t *testing.T) {
	handler := mw.CallbackToken("s3cret")(okHandler())

	req := httptest.NewRequest("POST", "/cb", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("POST", "/cb", nil)
	req.Header.Set(mw.CallbackTokenHeader, "wrong")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("POST", "/cb", nil)
	req.Header.Set(mw.CallbackTokenHeader, "s3cret")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	open := mw.CallbackToken("")(okHandler())
	w = httptest.NewRecorder()
	open.ServeHTTP(w, httptest.NewRequest("POST", "/cb", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	mc := &mockCounter{}
	handler := mw.NewRateLimit(mc, 60).Limit(okHandler())

	req := withPrincipal(httptest.NewRequest("GET", "/test", nil), &mw.Principal{KeyPrefix: "rf_test1"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, []string{"ratelimit:rf_test1"}, mc.keys)
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	mc := &mockCounter{counter: 60}
	handler := mw.NewRateLimit(mc, 60).Limit(okHandler())

	req := withPrincipal(httptest.NewRequest("GET", "/test", nil), &mw.Principal{KeyPrefix: "rf_over1"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_NoPrincipalPassesThrough(t *testing.T) {
	mc := &mockCounter{}
	handler := mw.NewRateLimit(mc, 60).Limit(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, mc.keys)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	mc := &mockCounter{counter: 1000, err: errors.New("redis down")}
	handler := mw.NewRateLimit(mc, 60).Limit(okHandler())

	req := withPrincipal(httptest.NewRequest("GET", "/test", nil), &mw.Principal{KeyPrefix: "rf_test1"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCallbackRateLimit_KeysByHost(t *testing.T) {
	mc := &mockCounter{}
	handler := mw.NewCallbackRateLimit(mc, 600).Limit(okHandler())

	req := httptest.NewRequest("POST", "/cb", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, []string{"ratelimit:callback:10.1.2.3"}, mc.keys)
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	w := httptest.NewRecorder()
	mw.Recovery(panicking).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_NoPanic(t *testing.T) {
	w := httptest.NewRecorder()
	mw.Recovery(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRecovery_PanicAfterWriteKeepsResponse(t *testing.T) {
	partial := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("partial"))
		panic("late failure")
	})

	w := httptest.NewRecorder()
	mw.Recovery(partial).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "partial", w.Body.String())
}

func TestRecovery_ReraisesAbortHandler(t *testing.T) {
	aborting := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic(http.ErrAbortHandler)
	})

	w := httptest.NewRecorder()
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		mw.Recovery(aborting).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	})
}

func TestRecovery_LogsOwner(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	inner := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		mw.SetPrincipal(r.Context(), &mw.Principal{Owner: "team:abc"})
		panic("boom")
	})
	w := httptest.NewRecorder()
	mw.Logger(mw.Recovery(inner)).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var found bool
	for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var line map[string]any
		require.NoError(t, json.Unmarshal(raw, &line))
		if line["msg"] == "handler panicked" {
			found = true
			assert.Equal(t, "team:abc", line["owner"])
			assert.Equal(t, "boom", line["panic"])
		}
	}
	assert.True(t, found)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_RecordsStatusAndOwner(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mw.SetPrincipal(r.Context(), &mw.Principal{Owner: "team:abc"})
		w.WriteHeader(http.StatusTeapot)
	})
	w := httptest.NewRecorder()
	mw.Logger(inner).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusTeapot, w.Code)
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "request", line["msg"])
	assert.Equal(t, float64(http.StatusTeapot), line["status"])
	assert.Equal(t, "team:abc", line["owner"])
}

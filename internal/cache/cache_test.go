package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/renderflow/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rc, err := cache.NewRedisCache("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	return rc
}

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	assert.NoError(t, rc.Ping(context.Background()))
}

// --- Job Status ---

func TestSetGetJobStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()
	now := time.Now().UTC().Truncate(time.Second)

	err := rc.SetJobStatus(ctx, "job", jobID, cache.JobStatus{Status: "processing", Progress: 40, UpdatedAt: now}, 10*time.Second)
	require.NoError(t, err)

	status, found, err := rc.GetJobStatus(ctx, "job", jobID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "processing", status.Status)
	assert.Equal(t, 40, status.Progress)
	assert.True(t, now.Equal(status.UpdatedAt))

	// Same id under another kind is a different key.
	_, found, err = rc.GetJobStatus(ctx, "generation", jobID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetJobStatus_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	status, found, err := rc.GetJobStatus(context.Background(), "job", uuid.New())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, status)
}

func TestDeleteJobStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, rc.SetJobStatus(ctx, "generation", jobID, cache.JobStatus{Status: "queued"}, 10*time.Second))
	require.NoError(t, rc.DeleteJobStatus(ctx, "generation", jobID))

	_, found, err := rc.GetJobStatus(ctx, "generation", jobID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestJobStatus_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, rc.SetJobStatus(ctx, "job", jobID, cache.JobStatus{Status: "queued"}, time.Second))

	time.Sleep(1500 * time.Millisecond)

	_, found, err := rc.GetJobStatus(ctx, "job", jobID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetJobStatus_OutOfOrderWritesKeepNewest(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()
	now := time.Now().UTC().Truncate(time.Millisecond)

	completed := cache.JobStatus{Status: "completed", Progress: 60, UpdatedAt: now.Add(time.Second)}
	progress := cache.JobStatus{Status: "processing", Progress: 60, UpdatedAt: now}

	// The later transition's write lands first.
	require.NoError(t, rc.SetJobStatus(ctx, "job", jobID, completed, 10*time.Second))
	require.NoError(t, rc.SetJobStatus(ctx, "job", jobID, progress, 10*time.Second))

	status, found, err := rc.GetJobStatus(ctx, "job", jobID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "completed", status.Status)

	// Forward writes still replace the snapshot.
	other := uuid.New()
	require.NoError(t, rc.SetJobStatus(ctx, "job", other, cache.JobStatus{Status: "processing", Progress: 10, UpdatedAt: now}, 10*time.Second))
	require.NoError(t, rc.SetJobStatus(ctx, "job", other, cache.JobStatus{Status: "processing", Progress: 70, UpdatedAt: now}, 10*time.Second))
	status, _, err = rc.GetJobStatus(ctx, "job", other)
	require.NoError(t, err)
	assert.Equal(t, 70, status.Progress)
}

func TestJobStatus_Supersedes(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		next cache.JobStatus
		prev cache.JobStatus
		want bool
	}{
		{"started over queued", cache.JobStatus{Status: "processing", UpdatedAt: t0}, cache.JobStatus{Status: "queued", UpdatedAt: t0}, true},
		{"progress over earlier progress", cache.JobStatus{Status: "processing", Progress: 50}, cache.JobStatus{Status: "processing", Progress: 20}, true},
		{"terminal over processing with same stamp", cache.JobStatus{Status: "failed", Progress: 20, UpdatedAt: t0}, cache.JobStatus{Status: "processing", Progress: 20, UpdatedAt: t0}, true},
		{"processing over completed", cache.JobStatus{Status: "processing", Progress: 90, UpdatedAt: t0.Add(time.Hour)}, cache.JobStatus{Status: "completed", Progress: 50, UpdatedAt: t0}, false},
		{"lower progress", cache.JobStatus{Status: "processing", Progress: 10, UpdatedAt: t0.Add(time.Second)}, cache.JobStatus{Status: "processing", Progress: 40, UpdatedAt: t0}, false},
		{"older stamp at same point", cache.JobStatus{Status: "processing", Progress: 40, UpdatedAt: t0}, cache.JobStatus{Status: "processing", Progress: 40, UpdatedAt: t0.Add(time.Second)}, false},
		{"identical write", cache.JobStatus{Status: "queued", UpdatedAt: t0}, cache.JobStatus{Status: "queued", UpdatedAt: t0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.next.Supersedes(tt.prev))
		})
	}
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:test:" + uuid.NewString()[:8]

	for want := int64(1); want <= 3; want++ {
		val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, val)
	}
}

func TestIncrWithExpiry_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:expiry:" + uuid.NewString()[:8]

	_, err := rc.IncrWithExpiry(ctx, key, 1*time.Second)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	// After expiry, should start from 1 again
	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

// --- Cache Key Builders ---

func TestJobStatusKey(t *testing.T) {
	jobID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	assert.Equal(t, "job:status:22222222-2222-2222-2222-222222222222", cache.JobStatusKey("job", jobID))
	assert.Equal(t, "generation:status:22222222-2222-2222-2222-222222222222", cache.JobStatusKey("generation", jobID))
}

func TestRateLimitKey(t *testing.T) {
	assert.Equal(t, "ratelimit:rf_abcd1", cache.RateLimitKey("rf_abcd1"))
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	jobID := uuid.New()

	keys := map[string]bool{
		cache.JobStatusKey("job", jobID):        true,
		cache.JobStatusKey("generation", jobID): true,
		cache.RateLimitKey("rf_prefix"):         true,
		cache.CallbackRateLimitKey("10.0.0.1"):  true,
	}
	assert.Len(t, keys, 4, "all keys should be unique")
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobStatus is the snapshot cached for status polling.
type JobStatus struct {
	Owner     string    `json:"owner"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	UpdatedAt time.Time `json:"updated_at"`
}

// rank orders statuses along the job lifecycle.
func (s JobStatus) rank() int {
	switch s.Status {
	case "queued":
		return 0
	case "processing":
		return 1
	}
	return 2
}

// Supersedes reports whether s may replace prev in the cache. A job only
// moves forward in (status, progress), so a write that would move the
// snapshot backwards is stale. UpdatedAt breaks ties.
func (s JobStatus) Supersedes(prev JobStatus) bool {
	if r, pr := s.rank(), prev.rank(); r != pr {
		return r > pr
	}
	if s.Progress != prev.Progress {
		return s.Progress > prev.Progress
	}
	return !s.UpdatedAt.Before(prev.UpdatedAt)
}

// storedStatus adds the ordering fields the compare-and-set script reads.
type storedStatus struct {
	JobStatus
	Rank  int   `json:"rank"`
	Stamp int64 `json:"ts"`
}

// setIfNewer mirrors Supersedes: the write is dropped when the cached
// snapshot is further along. Stamps are milliseconds to stay exact in Lua numbers.
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local c = cjson.decode(cur)
  local r, p, t = tonumber(c.rank) or 0, tonumber(c.progress) or 0, tonumber(c.ts) or 0
  local nr, np, nt = tonumber(ARGV[2]), tonumber(ARGV[3]), tonumber(ARGV[4])
  if r > nr or (r == nr and (p > np or (p == np and t > nt))) then
    return 0
  end
end
local ttl = tonumber(ARGV[5])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJobStatus(ctx context.Context, kind string, jobID uuid.UUID, status JobStatus, ttl time.Duration) error
	GetJobStatus(ctx context.Context, kind string, jobID uuid.UUID) (*JobStatus, bool, error)
	DeleteJobStatus(ctx context.Context, kind string, jobID uuid.UUID) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// SetJobStatus writes status unless the cached snapshot is already further
// along, so post-commit writes that land out of order cannot regress it.
func (c *RedisCache) SetJobStatus(ctx context.Context, kind string, jobID uuid.UUID, status JobStatus, ttl time.Duration) error {
	stored := storedStatus{JobStatus: status, Rank: status.rank(), Stamp: status.UpdatedAt.UnixMilli()}
	b, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return setIfNewer.Run(ctx, c.client, []string{JobStatusKey(kind, jobID)},
		b, stored.Rank, status.Progress, stored.Stamp, ttl.Milliseconds()).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, kind string, jobID uuid.UUID) (*JobStatus, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(kind, jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var s JobStatus
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, false, err
	}
	return &s, true, nil
}

func (c *RedisCache) DeleteJobStatus(ctx context.Context, kind string, jobID uuid.UUID) error {
	return c.client.Del(ctx, JobStatusKey(kind, jobID)).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

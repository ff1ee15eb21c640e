package locks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pingup/pingup/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * time.Second

// RedisStore implements Store with SET NX PX and owner-checked scripts.
type RedisStore struct {
	client redis.UniversalClient
	owner  string
	shared bool
}

// NewRedisStore constructs a Redis-backed lock store with its own client.
func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client, owner: uuid.NewString()}, nil
}

// NewRedisStoreWithClient reuses an existing client; Close leaves it open.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, owner: uuid.NewString(), shared: true}
}

// Owner returns the token this store writes into the leases it holds.
func (s *RedisStore) Owner() string {
	return s.owner
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil || s.shared {
		return nil
	}
	return s.client.Close()
}

// TryAcquireLock takes the lease if free. Re-acquiring a lease this store
// already holds succeeds and extends it.
func (s *RedisStore) TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("lock store unavailable")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("lock key required")
	}
	ttl = normalizeTTL(ttl)
	ok, err := s.client.SetNX(ctx, lockKey(key), s.owner, ttl).Result()
	if err != nil || ok {
		return ok, err
	}
	return s.RenewLock(ctx, key, ttl)
}

// RenewLock extends a lease held by this store.
func (s *RedisStore) RenewLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("lock store unavailable")
	}
	ttl = normalizeTTL(ttl)
	res, err := s.client.Eval(ctx, renewScript, []string{lockKey(key)}, s.owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ReleaseLock drops a lease held by this store; foreign or expired leases are left alone.
func (s *RedisStore) ReleaseLock(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("lock store unavailable")
	}
	if strings.TrimSpace(key) == "" {
		return nil
	}
	return s.client.Eval(ctx, releaseScript, []string{lockKey(key)}, s.owner).Err()
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}

func lockKey(resource string) string {
	return "lock:" + resource
}

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

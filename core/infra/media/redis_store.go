package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pingup/pingup/core/infra/redisutil"
)

const defaultTTL = 7 * 24 * time.Hour

// RedisStore keeps media blobs in Redis and serves them under
// <baseURL>/media/<id>. Only expiring uploads carry the TTL.
type RedisStore struct {
	client  redis.UniversalClient
	baseURL string
	ttl     time.Duration
	shared  bool
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(url, baseURL string, ttl time.Duration) (*RedisStore, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	s := NewRedisStoreWithClient(client, baseURL, ttl)
	s.shared = false
	return s, nil
}

func NewRedisStoreWithClient(client redis.UniversalClient, baseURL string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, baseURL: strings.TrimRight(baseURL, "/"), ttl: ttl, shared: true}
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil || s.shared {
		return nil
	}
	return s.client.Close()
}

// Upload stores data without expiry and returns its URL.
func (s *RedisStore) Upload(ctx context.Context, data []byte, name string) (string, error) {
	return s.put(ctx, data, name, 0)
}

// UploadExpiring stores data for the store TTL and returns its URL.
func (s *RedisStore) UploadExpiring(ctx context.Context, data []byte, name string) (string, error) {
	return s.put(ctx, data, name, s.ttl)
}

func (s *RedisStore) put(ctx context.Context, data []byte, name string, ttl time.Duration) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if len(data) > MaxUploadBytes {
		return "", ErrTooLarge
	}
	id := uuid.NewString()
	meta := Metadata{Name: name, ContentType: detectContentType(name, data), SizeBytes: int64(len(data))}
	payload, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, blobKey(id), data, ttl)
	pipe.Set(ctx, metaKey(id), payload, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store media: %w", err)
	}
	return s.URL(id), nil
}

// Get returns the blob and its metadata.
func (s *RedisStore) Get(ctx context.Context, id string) ([]byte, Metadata, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, Metadata{}, ErrNotFound
	}
	pipe := s.client.Pipeline()
	blobCmd := pipe.Get(ctx, blobKey(id))
	metaCmd := pipe.Get(ctx, metaKey(id))
	_, _ = pipe.Exec(ctx)

	data, err := blobCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, Metadata{}, ErrNotFound
	}
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("load media: %w", err)
	}
	var meta Metadata
	if raw, err := metaCmd.Bytes(); err == nil {
		_ = json.Unmarshal(raw, &meta)
	}
	if meta.ContentType == "" {
		meta.ContentType = detectContentType(meta.Name, data)
	}
	return data, meta, nil
}

// URL is the public address of a stored object.
func (s *RedisStore) URL(id string) string {
	return s.baseURL + "/media/" + id
}

func blobKey(id string) string { return "media:" + id }
func metaKey(id string) string { return "media:meta:" + id }

// Ping checks that the backing Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

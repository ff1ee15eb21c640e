package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pingup/pingup/core/infra/redisutil"
	"github.com/redis/go-redis/v9"
)

var allStates = []ExecutionState{StateRunning, StateSleeping, StateCompleted, StateFailed}

// RedisStore persists executions in Redis. Each execution is one JSON
// document; state and wake-time indexes are sorted sets kept in step with
// the document through a transaction pipeline.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
	shared    bool
}

// NewRedisStore connects to url and returns an execution store.
func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient reuses an existing client; Close leaves it open.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, shared: true}
}

// WithRetention expires finished executions after d. Zero keeps them forever.
func (s *RedisStore) WithRetention(d time.Duration) *RedisStore {
	s.retention = d
	return s
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil || s.shared {
		return nil
	}
	return s.client.Close()
}

// CreateExecution persists a new execution. It fails if the id is taken.
func (s *RedisStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" || exec.DefinitionID == "" {
		return fmt.Errorf("execution id and definition id required")
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	if exec.State == "" {
		exec.State = StateRunning
	}
	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	ok, err := s.client.SetNX(ctx, execKey(exec.ID), payload, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	return s.index(ctx, exec)
}

// SaveExecution overwrites the execution document and moves its indexes.
func (s *RedisStore) SaveExecution(ctx context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" || exec.DefinitionID == "" {
		return fmt.Errorf("execution id and definition id required")
	}
	exec.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, execKey(exec.ID), payload, 0)
	s.indexPipe(ctx, pipe, exec)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) index(ctx context.Context, exec *Execution) error {
	pipe := s.client.TxPipeline()
	s.indexPipe(ctx, pipe, exec)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) indexPipe(ctx context.Context, pipe redis.Pipeliner, exec *Execution) {
	score := float64(exec.UpdatedAt.UnixMilli())
	for _, st := range allStates {
		if st != exec.State {
			pipe.ZRem(ctx, stateIndexKey(st), exec.ID)
		}
	}
	pipe.ZAdd(ctx, stateIndexKey(exec.State), redis.Z{Score: score, Member: exec.ID})
	if exec.State == StateSleeping && exec.WakeAt != nil {
		pipe.ZAdd(ctx, sleepingIndexKey(), redis.Z{Score: float64(exec.WakeAt.UnixMilli()), Member: exec.ID})
	} else {
		pipe.ZRem(ctx, sleepingIndexKey(), exec.ID)
	}
	if exec.State.Terminal() && s.retention > 0 {
		pipe.Expire(ctx, execKey(exec.ID), s.retention)
		pipe.Expire(ctx, timelineKey(exec.ID), s.retention)
		cutoff := exec.UpdatedAt.Add(-s.retention).UnixMilli()
		pipe.ZRemRangeByScore(ctx, stateIndexKey(exec.State), "-inf", strconv.FormatInt(cutoff, 10))
	}
}

// GetExecution fetches an execution by id.
func (s *RedisStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	if id == "" {
		return nil, fmt.Errorf("execution id required")
	}
	data, err := s.client.Get(ctx, execKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var exec Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	if exec.Steps == nil {
		exec.Steps = map[string]*StepState{}
	}
	return &exec, nil
}

// ListDue returns ids of sleeping executions whose wake time is <= now, earliest first.
func (s *RedisStore) ListDue(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	ids, err := s.client.ZRangeByScore(ctx, sleepingIndexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []string{}, nil
	}
	return ids, nil
}

// ListByState returns recently updated execution ids in the given state.
func (s *RedisStore) ListByState(ctx context.Context, state ExecutionState, limit int64) ([]string, error) {
	if state == "" {
		return nil, fmt.Errorf("state required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	ids, err := s.client.ZRevRange(ctx, stateIndexKey(state), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []string{}, nil
	}
	return ids, nil
}

// ListStale returns RUNNING execution ids not updated since cutoff, oldest first.
func (s *RedisStore) ListStale(ctx context.Context, cutoff time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	ids, err := s.client.ZRangeByScore(ctx, stateIndexKey(StateRunning), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []string{}, nil
	}
	return ids, nil
}

// AppendTimeline records an execution transition in append-only order.
func (s *RedisStore) AppendTimeline(ctx context.Context, id string, event TimelineEvent) error {
	if id == "" {
		return fmt.Errorf("execution id required")
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal timeline event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, timelineKey(id), data)
	pipe.LTrim(ctx, timelineKey(id), -timelineMaxEntries, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListTimeline returns timeline entries in chronological order.
func (s *RedisStore) ListTimeline(ctx context.Context, id string, limit int64) ([]TimelineEvent, error) {
	if id == "" {
		return nil, fmt.Errorf("execution id required")
	}
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, timelineKey(id), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]TimelineEvent, 0, len(raw))
	for _, item := range raw {
		var evt TimelineEvent
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

func execKey(id string) string {
	return "wf:exec:" + id
}

func stateIndexKey(state ExecutionState) string {
	return "wf:exec:state:" + string(state)
}

func sleepingIndexKey() string {
	return "wf:exec:sleeping"
}

func timelineKey(id string) string {
	return "wf:exec:timeline:" + id
}

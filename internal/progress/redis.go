package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/pkg/distlock"
)

// RedisStore persists pipeline state in Redis. Values are JSON; the error
// queue is a list trimmed to maxQueue on every push.
type RedisStore struct {
	client   *redis.Client
	maxQueue int

	mu   sync.Mutex
	lock *distlock.RedisLock
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, maxQueue int) *RedisStore {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	return &RedisStore{client: client, maxQueue: maxQueue}
}

func (s *RedisStore) SetStatus(ctx context.Context, p *domain.SyncProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := s.client.Set(ctx, keyStatus, data, 0).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", keyStatus, err)
	}
	return nil
}

func (s *RedisStore) Status(ctx context.Context) (*domain.SyncProgress, error) {
	data, err := s.client.Get(ctx, keyStatus).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", keyStatus, err)
	}
	var p domain.SyncProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &p, nil
}

func (s *RedisStore) SetStopFlag(ctx context.Context) error {
	if err := s.client.Set(ctx, keyStopFlag, "1", 0).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", keyStopFlag, err)
	}
	return nil
}

func (s *RedisStore) ClearStopFlag(ctx context.Context) error {
	if err := s.client.Del(ctx, keyStopFlag).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", keyStopFlag, err)
	}
	return nil
}

func (s *RedisStore) IsStopped(ctx context.Context) (bool, error) {
	val, err := s.client.Get(ctx, keyStopFlag).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis GET %s: %w", keyStopFlag, err)
	}
	return val == "1", nil
}

func (s *RedisStore) SaveCheckpoint(ctx context.Context, cp *domain.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, keyCheckpoint, data, 0).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", keyCheckpoint, err)
	}
	return nil
}

func (s *RedisStore) LoadCheckpoint(ctx context.Context) (*domain.Checkpoint, error) {
	data, err := s.client.Get(ctx, keyCheckpoint).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", keyCheckpoint, err)
	}
	var cp domain.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *RedisStore) ClearCheckpoint(ctx context.Context) error {
	if err := s.client.Del(ctx, keyCheckpoint).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", keyCheckpoint, err)
	}
	return nil
}

func (s *RedisStore) EnqueueError(ctx context.Context, e domain.ErrorEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode error entry: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, keyErrorQueue, data)
	pipe.LTrim(ctx, keyErrorQueue, 0, int64(s.maxQueue)-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis LPUSH %s: %w", keyErrorQueue, err)
	}
	return nil
}

func (s *RedisStore) ListErrors(ctx context.Context, limit int) ([]domain.ErrorEntry, error) {
	end := int64(-1)
	if limit > 0 {
		end = int64(limit) - 1
	}
	items, err := s.client.LRange(ctx, keyErrorQueue, 0, end).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE %s: %w", keyErrorQueue, err)
	}
	out := make([]domain.ErrorEntry, 0, len(items))
	for _, item := range items {
		var e domain.ErrorEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) ClearErrors(ctx context.Context) error {
	if err := s.client.Del(ctx, keyErrorQueue).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", keyErrorQueue, err)
	}
	return nil
}

func (s *RedisStore) AcquireRunLock(ctx context.Context, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock := distlock.NewRedisLock(s.client, keyRunLock, ttl)
	ok, err := lock.Acquire(ctx)
	if err != nil || !ok {
		return false, err
	}
	s.lock = lock
	return true, nil
}

func (s *RedisStore) ReleaseRunLock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lock == nil {
		return nil
	}
	err := s.lock.Release(ctx)
	s.lock = nil
	return err
}

// ExtendRunLock pushes out the lock TTL during long stages.
func (s *RedisStore) ExtendRunLock(ctx context.Context, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lock == nil {
		return fmt.Errorf("no run lock held")
	}
	return s.lock.Extend(ctx, ttl)
}

// Ping verifies backend connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

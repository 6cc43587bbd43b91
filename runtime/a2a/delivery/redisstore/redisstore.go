// Package redisstore provides a Redis-backed a2a.Store for distributed
// deployments: the success cache is a Redis hash, the dead-letter log an
// append-only Redis list, both using atomic single-command Redis operations
// per spec §5's shared-resource policy for the distributed variant.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/afk-project/afk-core/runtime/a2a"
)

const (
	defaultCacheKey       = "afk:a2a:cache"
	defaultDeadLetterKey  = "afk:a2a:dead_letters"
	defaultOperationTimeout = 5 * time.Second
)

// Options configures Store.
type Options struct {
	// Redis is the Redis connection. Required.
	Redis *redis.Client
	// CacheKey names the hash holding cached responses. Defaults to
	// "afk:a2a:cache".
	CacheKey string
	// DeadLetterKey names the list holding dead-letter entries. Defaults to
	// "afk:a2a:dead_letters".
	DeadLetterKey string
	// OperationTimeout bounds individual Redis operations. Defaults to 5s.
	OperationTimeout time.Duration
}

// Store implements a2a.Store backed by Redis.
type Store struct {
	redis         *redis.Client
	cacheKey      string
	deadLetterKey string
	timeout       time.Duration
}

// New constructs a Store. opts.Redis is required.
func New(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redisstore: redis client is required")
	}
	cacheKey := opts.CacheKey
	if cacheKey == "" {
		cacheKey = defaultCacheKey
	}
	deadLetterKey := opts.DeadLetterKey
	if deadLetterKey == "" {
		deadLetterKey = defaultDeadLetterKey
	}
	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	return &Store{redis: opts.Redis, cacheKey: cacheKey, deadLetterKey: deadLetterKey, timeout: timeout}, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) GetCached(ctx context.Context, idempotencyKey string) (a2a.Response, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raw, err := s.redis.HGet(ctx, s.cacheKey, idempotencyKey).Result()
	if errors.Is(err, redis.Nil) {
		return a2a.Response{}, false, nil
	}
	if err != nil {
		return a2a.Response{}, false, fmt.Errorf("redisstore: get cached: %w", err)
	}
	var resp a2a.Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return a2a.Response{}, false, fmt.Errorf("redisstore: decode cached response: %w", err)
	}
	return resp, true, nil
}

func (s *Store) PutCached(ctx context.Context, idempotencyKey string, resp a2a.Response) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("redisstore: encode cached response: %w", err)
	}
	if err := s.redis.HSet(ctx, s.cacheKey, idempotencyKey, payload).Err(); err != nil {
		return fmt.Errorf("redisstore: put cached: %w", err)
	}
	return nil
}

func (s *Store) AppendDeadLetter(ctx context.Context, entry a2a.DeadLetterEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redisstore: encode dead letter: %w", err)
	}
	if err := s.redis.RPush(ctx, s.deadLetterKey, payload).Err(); err != nil {
		return fmt.Errorf("redisstore: append dead letter: %w", err)
	}
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context) ([]a2a.DeadLetterEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raws, err := s.redis.LRange(ctx, s.deadLetterKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list dead letters: %w", err)
	}
	out := make([]a2a.DeadLetterEntry, 0, len(raws))
	for _, raw := range raws {
		var entry a2a.DeadLetterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("redisstore: decode dead letter: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

var _ a2a.Store = (*Store)(nil)

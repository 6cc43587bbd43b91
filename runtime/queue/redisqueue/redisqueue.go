// Package redisqueue provides a Redis-backed queue.Queue for distributed
// deployments, following the same key-per-concern/atomic-operation shape as
// runtime/a2a/delivery/redisstore: a hash for task records, a list for the
// FIFO pending queue, a second list for in-flight tracking between dequeue
// and terminal transition, and TTL keys plus a members set for worker
// presence. A sub-second dequeue request such as 0.25s is rounded up to a
// one-second window of Redis's blocking list-move command rather than
// blocking indefinitely.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/afk-project/afk-core/runtime/queue"
)

const (
	defaultPrefix          = "afk:queue"
	defaultOperationTimeout = 5 * time.Second
	minBlockWindow          = time.Second
	recoveryLockTTL         = 10 * time.Second
)

// Options configures Store.
type Options struct {
	// Redis is the Redis connection. Required.
	Redis *redis.Client
	// Prefix namespaces every key this store touches. Defaults to "afk:queue".
	Prefix string
	// OperationTimeout bounds individual non-blocking Redis operations.
	OperationTimeout time.Duration
	queue.BaseConfig
}

// Store implements queue.Queue, queue.WorkerPresence, and
// queue.StartupRecovery backed by Redis.
type Store struct {
	*queue.Base

	redis   *redis.Client
	prefix  string
	timeout time.Duration
}

// New constructs a Store. opts.Redis is required.
func New(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redisqueue: redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	s := &Store{redis: opts.Redis, prefix: prefix, timeout: timeout}
	s.Base = queue.NewBase(s, opts.BaseConfig)
	return s, nil
}

func (s *Store) tasksKey() string    { return s.prefix + ":tasks" }
func (s *Store) pendingKey() string  { return s.prefix + ":pending" }
func (s *Store) inflightKey() string { return s.prefix + ":inflight" }
func (s *Store) presenceSetKey() string       { return s.prefix + ":presence:workers" }
func (s *Store) presenceTTLKey(id string) string { return s.prefix + ":presence:worker:" + id }
func (s *Store) recoveryLockKey() string      { return s.prefix + ":recovery:lock" }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// --- queue.Backend ---

func (s *Store) SaveTask(ctx context.Context, task *queue.Task) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("redisqueue: encode task: %w", err)
	}
	if err := s.redis.HSet(ctx, s.tasksKey(), task.ID, payload).Err(); err != nil {
		return fmt.Errorf("redisqueue: save task: %w", err)
	}
	return nil
}

func (s *Store) LoadTask(ctx context.Context, taskID string) (*queue.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raw, err := s.redis.HGet(ctx, s.tasksKey(), taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisqueue: load task: %w", err)
	}
	var task queue.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("redisqueue: decode task: %w", err)
	}
	return &task, nil
}

func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.redis.HDel(ctx, s.tasksKey(), taskID).Err(); err != nil {
		return fmt.Errorf("redisqueue: delete task: %w", err)
	}
	return nil
}

func (s *Store) ListAllTasks(ctx context.Context, status queue.Status, limit int) ([]*queue.Task, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	raws, err := s.redis.HVals(ctx, s.tasksKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redisqueue: list tasks: %w", err)
	}
	out := make([]*queue.Task, 0, len(raws))
	for _, raw := range raws {
		var task queue.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			return nil, fmt.Errorf("redisqueue: decode task: %w", err)
		}
		if status != "" && task.Status != status {
			continue
		}
		t := task
		out = append(out, &t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) PushPendingID(ctx context.Context, taskID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.redis.RPush(ctx, s.pendingKey(), taskID).Err(); err != nil {
		return fmt.Errorf("redisqueue: push pending: %w", err)
	}
	return nil
}

// PopPendingID atomically moves one id from the pending list to the
// in-flight list, blocking up to timeout. A sub-second timeout is rounded
// up to minBlockWindow so a 0.25s caller request still polls Redis in a
// bounded loop rather than never blocking at all.
func (s *Store) PopPendingID(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout < 0 {
		return s.blockingMove(ctx, 0)
	}
	deadline := time.Now().Add(timeout)
	for {
		window := time.Until(deadline)
		if window <= 0 {
			return "", nil
		}
		block := window
		if block < minBlockWindow {
			block = minBlockWindow
		}
		id, err := s.blockingMove(ctx, block)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
		if time.Now().After(deadline) {
			return "", nil
		}
	}
}

func (s *Store) blockingMove(ctx context.Context, block time.Duration) (string, error) {
	id, err := s.redis.BLMove(ctx, s.pendingKey(), s.inflightKey(), "left", "right", block).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redisqueue: pop pending: %w", err)
	}
	return id, nil
}

func (s *Store) removeInflight(ctx context.Context, taskID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.redis.LRem(ctx, s.inflightKey(), 1, taskID).Err(); err != nil {
		return fmt.Errorf("redisqueue: remove inflight: %w", err)
	}
	return nil
}

// Complete/Fail/Cancel additionally drop the task from the in-flight list
// once it reaches (or is confirmed to already be at) a terminal state.
func (s *Store) Complete(ctx context.Context, taskID string, result any) error {
	if err := s.Base.Complete(ctx, taskID, result); err != nil {
		return err
	}
	return s.removeInflight(ctx, taskID)
}

func (s *Store) Fail(ctx context.Context, taskID string, errMsg string, retryable bool, retryPolicy *queue.RetryPolicy) error {
	task, err := s.LoadTask(ctx, taskID)
	if err != nil {
		return err
	}
	willRetry := task != nil && !task.IsTerminal() && retryable && task.RetryCount+1 <= task.MaxRetries
	if err := s.Base.Fail(ctx, taskID, errMsg, retryable, retryPolicy); err != nil {
		return err
	}
	if !willRetry {
		return s.removeInflight(ctx, taskID)
	}
	return nil
}

func (s *Store) Cancel(ctx context.Context, taskID string) error {
	if err := s.Base.Cancel(ctx, taskID); err != nil {
		return err
	}
	return s.removeInflight(ctx, taskID)
}

// --- queue.WorkerPresence ---

func (s *Store) RegisterWorker(ctx context.Context, workerID string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.redis.SAdd(ctx, s.presenceSetKey(), workerID).Err(); err != nil {
		return fmt.Errorf("redisqueue: register worker: %w", err)
	}
	if err := s.redis.Set(ctx, s.presenceTTLKey(workerID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("redisqueue: register worker: %w", err)
	}
	return nil
}

func (s *Store) RefreshWorker(ctx context.Context, workerID string, ttl time.Duration) error {
	return s.RegisterWorker(ctx, workerID, ttl)
}

func (s *Store) UnregisterWorker(ctx context.Context, workerID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.redis.SRem(ctx, s.presenceSetKey(), workerID).Err(); err != nil {
		return fmt.Errorf("redisqueue: unregister worker: %w", err)
	}
	if err := s.redis.Del(ctx, s.presenceTTLKey(workerID)).Err(); err != nil {
		return fmt.Errorf("redisqueue: unregister worker: %w", err)
	}
	return nil
}

// activeWorkers returns the presence-set members whose TTL key has not
// expired, opportunistically pruning stale members it finds.
func (s *Store) activeWorkers(ctx context.Context) ([]string, error) {
	members, err := s.redis.SMembers(ctx, s.presenceSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redisqueue: list presence: %w", err)
	}
	active := make([]string, 0, len(members))
	for _, id := range members {
		exists, err := s.redis.Exists(ctx, s.presenceTTLKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redisqueue: check presence: %w", err)
		}
		if exists == 0 {
			_ = s.redis.SRem(ctx, s.presenceSetKey(), id).Err()
			continue
		}
		active = append(active, id)
	}
	return active, nil
}

// --- queue.StartupRecovery ---

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RecoverInflightIfIdle requeues in-flight task ids back to pending if and
// only if activeWorkerID is the sole active worker, serialized by a
// compare-and-delete lock so two workers never race the same recovery.
func (s *Store) RecoverInflightIfIdle(ctx context.Context, activeWorkerID string) (int, error) {
	token := uuid.NewString()
	lockCtx, cancel := s.withTimeout(ctx)
	acquired, err := s.redis.SetNX(lockCtx, s.recoveryLockKey(), token, recoveryLockTTL).Result()
	cancel()
	if err != nil {
		return 0, fmt.Errorf("redisqueue: acquire recovery lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		releaseCtx, cancel := s.withTimeout(ctx)
		defer cancel()
		_ = releaseLockScript.Run(releaseCtx, s.redis, []string{s.recoveryLockKey()}, token).Err()
	}()

	activeCtx, cancel := s.withTimeout(ctx)
	active, err := s.activeWorkers(activeCtx)
	cancel()
	if err != nil {
		return 0, err
	}
	if len(active) != 1 || active[0] != activeWorkerID {
		return 0, nil
	}

	moved := 0
	for {
		moveCtx, cancel := s.withTimeout(ctx)
		id, err := s.redis.LMove(moveCtx, s.inflightKey(), s.pendingKey(), "left", "right").Result()
		cancel()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("redisqueue: recover inflight: %w", err)
		}
		_ = id
		moved++
	}
	return moved, nil
}

var (
	_ queue.Queue           = (*Store)(nil)
	_ queue.WorkerPresence  = (*Store)(nil)
	_ queue.StartupRecovery = (*Store)(nil)
)

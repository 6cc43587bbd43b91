// Package inmem provides a non-durable implementation of queue.Queue for
// tests and single-process deployments. Tasks are lost on process restart.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/afk-project/afk-core/runtime/queue"
)

// Store is an in-memory task queue backend. Safe for concurrent use.
type Store struct {
	*queue.Base

	mu      sync.Mutex
	tasks   map[string]*queue.Task
	pending chan string
}

var _ queue.Queue = (*Store)(nil)

// New constructs an empty Store with the given default retry pacing.
func New(cfg queue.BaseConfig) *Store {
	s := &Store{
		tasks: make(map[string]*queue.Task),
		// generously buffered: pending ids are cheap and re-pushed on
		// deferred retry / stale skip, so a full channel should never
		// block a caller under normal operation.
		pending: make(chan string, 4096),
	}
	s.Base = queue.NewBase(s, cfg)
	return s
}

func (s *Store) SaveTask(_ context.Context, task *queue.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *Store) LoadTask(_ context.Context, taskID string) (*queue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return task, nil
}

func (s *Store) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, taskID)
	return nil
}

func (s *Store) ListAllTasks(_ context.Context, status queue.Status, limit int) ([]*queue.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*queue.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if status != "" && task.Status != status {
			continue
		}
		out = append(out, task)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) PushPendingID(_ context.Context, taskID string) error {
	s.pending <- taskID
	return nil
}

func (s *Store) PopPendingID(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout < 0 {
		select {
		case id := <-s.pending:
			return id, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case id := <-s.pending:
		return id, nil
	case <-timer.C:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

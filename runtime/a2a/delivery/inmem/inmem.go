// Package inmem provides an in-memory a2a.Store, guarded by a single mutex
// around both the success cache and the dead-letter log per spec §5's
// shared-resource policy.
package inmem

import (
	"context"
	"sync"

	"github.com/afk-project/afk-core/runtime/a2a"
)

// Store implements a2a.Store in process memory.
type Store struct {
	mu          sync.Mutex
	cache       map[string]a2a.Response
	deadLetters []a2a.DeadLetterEntry
}

// New constructs an empty Store.
func New() *Store {
	return &Store{cache: make(map[string]a2a.Response)}
}

func (s *Store) GetCached(_ context.Context, idempotencyKey string) (a2a.Response, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.cache[idempotencyKey]
	return resp, ok, nil
}

func (s *Store) PutCached(_ context.Context, idempotencyKey string, resp a2a.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[idempotencyKey] = resp
	return nil
}

func (s *Store) AppendDeadLetter(_ context.Context, entry a2a.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, entry)
	return nil
}

func (s *Store) ListDeadLetters(_ context.Context) ([]a2a.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]a2a.DeadLetterEntry, len(s.deadLetters))
	copy(out, s.deadLetters)
	return out, nil
}

var _ a2a.Store = (*Store)(nil)

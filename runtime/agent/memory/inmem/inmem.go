// Package inmem provides a non-durable implementation of memory.Store for
// tests and local development. State is held in process memory and lost on
// restart; production deployments should use a durable backend.
package inmem

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/afk-project/afk-core/runtime/agent/memory"
)

type thread struct {
	events []memory.Event
	state  map[string]memory.StateEntry
}

// Store implements memory.Store in memory. All operations are thread-safe
// via sync.RWMutex. Events, state, and long-term records are defensively
// copied on read and write to prevent callers from mutating stored data.
type Store struct {
	mu        sync.RWMutex
	threads   map[string]*thread
	longTerm  map[string]memory.LongTermRecord
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		threads:  make(map[string]*thread),
		longTerm: make(map[string]memory.LongTermRecord),
	}
}

// Capabilities reports AtomicUpsert=true (guarded by the store's own mutex)
// and VectorSearch=true (brute-force cosine similarity).
func (s *Store) Capabilities() memory.Capabilities {
	return memory.Capabilities{AtomicUpsert: true, VectorSearch: true}
}

func (s *Store) threadFor(threadID string) *thread {
	t, ok := s.threads[threadID]
	if !ok {
		t = &thread{state: make(map[string]memory.StateEntry)}
		s.threads[threadID] = t
	}
	return t
}

// AppendEvent appends evt to threadID's event log, assigning an ID if empty.
func (s *Store) AppendEvent(_ context.Context, threadID string, evt memory.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	evt.ThreadID = threadID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	t := s.threadFor(threadID)
	t.events = append(t.events, evt)
	return evt.ID, nil
}

// GetRecentEvents returns the most recent limit events, oldest-first.
func (s *Store) GetRecentEvents(_ context.Context, threadID string, limit int) ([]memory.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	events := t.events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return cloneEvents(events), nil
}

// GetEventsSince returns events with Timestamp after since, oldest-first.
func (s *Store) GetEventsSince(_ context.Context, threadID string, since time.Time) ([]memory.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	var out []memory.Event
	for _, e := range t.events {
		if e.Timestamp.After(since) {
			out = append(out, e)
		}
	}
	return cloneEvents(out), nil
}

// ReplaceThreadEvents atomically replaces threadID's entire event log.
func (s *Store) ReplaceThreadEvents(_ context.Context, threadID string, events []memory.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.threadFor(threadID)
	t.events = cloneEvents(events)
	return nil
}

// GetState retrieves the state entry for threadID/key.
func (s *Store) GetState(_ context.Context, threadID, key string) (memory.StateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return memory.StateEntry{}, memory.ErrNotFound
	}
	e, ok := t.state[key]
	if !ok {
		return memory.StateEntry{}, memory.ErrNotFound
	}
	return e, nil
}

// PutState upserts the state entry for threadID/key.
func (s *Store) PutState(_ context.Context, threadID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.threadFor(threadID)
	t.state[key] = memory.StateEntry{Key: key, Value: value, UpdatedAt: time.Now()}
	return nil
}

// ListState returns all state entries for threadID.
func (s *Store) ListState(_ context.Context, threadID string) ([]memory.StateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, nil
	}
	out := make([]memory.StateEntry, 0, len(t.state))
	for _, e := range t.state {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DeleteState removes the state entry for threadID/key.
func (s *Store) DeleteState(_ context.Context, threadID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	delete(t.state, key)
	return nil
}

// UpsertLongTermMemory inserts or updates a long-term record.
func (s *Store) UpsertLongTermMemory(_ context.Context, rec memory.LongTermRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.UpdatedAt = time.Now()
	s.longTerm[rec.ID] = rec
	return rec.ID, nil
}

// SearchLongTermMemoryText ranks records by substring/token overlap with
// query; this is a test/local-dev approximation, not full-text search.
func (s *Store) SearchLongTermMemoryText(_ context.Context, query string, limit int) ([]memory.LongTermRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)
	qTokens := strings.Fields(q)
	type scored struct {
		rec   memory.LongTermRecord
		score int
	}
	var results []scored
	for _, r := range s.longTerm {
		text := strings.ToLower(r.Text)
		score := 0
		if strings.Contains(text, q) {
			score += 10
		}
		for _, tok := range qTokens {
			if strings.Contains(text, tok) {
				score++
			}
		}
		if score > 0 {
			results = append(results, scored{rec: r, score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	out := make([]memory.LongTermRecord, len(results))
	for i, r := range results {
		out[i] = r.rec
	}
	return out, nil
}

// SearchLongTermMemoryVector ranks records by cosine similarity to vector.
func (s *Store) SearchLongTermMemoryVector(_ context.Context, vector []float32, limit int) ([]memory.LongTermRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type scored struct {
		rec   memory.LongTermRecord
		score float64
	}
	var results []scored
	for _, r := range s.longTerm {
		if len(r.Embedding) == 0 {
			continue
		}
		results = append(results, scored{rec: r, score: cosineSimilarity(vector, r.Embedding)})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	out := make([]memory.LongTermRecord, len(results))
	for i, r := range results {
		out[i] = r.rec
	}
	return out, nil
}

// CompactThread retains at most policy.MaxEventsPerThread events, always
// keeping event types in policy.KeepEventTypes regardless of the cap.
func (s *Store) CompactThread(_ context.Context, threadID string, policy memory.RetentionPolicy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok || policy.MaxEventsPerThread <= 0 || len(t.events) <= policy.MaxEventsPerThread {
		return 0, nil
	}
	keep := make(map[memory.EventType]bool, len(policy.KeepEventTypes))
	for _, et := range policy.KeepEventTypes {
		keep[et] = true
	}
	scanFrom := 0
	if policy.ScanLimit > 0 && len(t.events) > policy.ScanLimit {
		scanFrom = len(t.events) - policy.ScanLimit
	}
	prefix := t.events[:scanFrom]
	scanned := t.events[scanFrom:]

	var kept, dropped []memory.Event
	overflow := len(scanned) - policy.MaxEventsPerThread
	for _, e := range scanned {
		if overflow > 0 && !keep[e.Type] {
			dropped = append(dropped, e)
			overflow--
			continue
		}
		kept = append(kept, e)
	}
	t.events = append(append([]memory.Event{}, prefix...), kept...)
	return len(dropped), nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func cloneEvents(src []memory.Event) []memory.Event {
	if len(src) == 0 {
		return nil
	}
	out := make([]memory.Event, len(src))
	copy(out, src)
	return out
}

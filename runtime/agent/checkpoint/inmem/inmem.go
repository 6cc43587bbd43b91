// Package inmem provides a non-durable implementation of checkpoint.Journal
// for tests and local development.
package inmem

import (
	"context"
	"sync"

	"github.com/afk-project/afk-core/runtime/agent/checkpoint"
)

type frameKey struct {
	step  int
	phase checkpoint.Phase
}

// Journal implements checkpoint.Journal in memory. Safe for concurrent use.
type Journal struct {
	mu      sync.RWMutex
	frames  map[string]map[frameKey]checkpoint.Frame
	order   map[string][]frameKey
	latest  map[string]frameKey
}

// New constructs an empty Journal.
func New() *Journal {
	return &Journal{
		frames: make(map[string]map[frameKey]checkpoint.Frame),
		order:  make(map[string][]frameKey),
		latest: make(map[string]frameKey),
	}
}

// WriteFrame appends frame and advances the run's latest pointer.
func (j *Journal) WriteFrame(_ context.Context, frame checkpoint.Frame) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	key := frameKey{step: frame.Step, phase: frame.Phase}
	byKey, ok := j.frames[frame.RunID]
	if !ok {
		byKey = make(map[frameKey]checkpoint.Frame)
		j.frames[frame.RunID] = byKey
	}
	if _, exists := byKey[key]; !exists {
		j.order[frame.RunID] = append(j.order[frame.RunID], key)
	}
	byKey[key] = frame
	j.latest[frame.RunID] = key
	return nil
}

// Latest returns the most recently written frame for runID.
func (j *Journal) Latest(_ context.Context, runID string) (checkpoint.Frame, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	key, ok := j.latest[runID]
	if !ok {
		return checkpoint.Frame{}, checkpoint.ErrNotFound
	}
	return j.frames[runID][key], nil
}

// Frame returns the frame written for runID at (step, phase).
func (j *Journal) Frame(_ context.Context, runID string, step int, phase checkpoint.Phase) (checkpoint.Frame, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	byKey, ok := j.frames[runID]
	if !ok {
		return checkpoint.Frame{}, checkpoint.ErrNotFound
	}
	f, ok := byKey[frameKey{step: step, phase: phase}]
	if !ok {
		return checkpoint.Frame{}, checkpoint.ErrNotFound
	}
	return f, nil
}

// ListFrames returns every frame written for runID, in write order.
func (j *Journal) ListFrames(_ context.Context, runID string) ([]checkpoint.Frame, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	keys := j.order[runID]
	out := make([]checkpoint.Frame, 0, len(keys))
	byKey := j.frames[runID]
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out, nil
}

package executor

import (
	"context"
	"sync"

	"github.com/afk-project/afk-core/runtime/agent/hooks"
)

// controlSignal is a control-plane request delivered to a running loop
// between steps.
type controlSignal int

const (
	signalPause controlSignal = iota
	signalResume
	signalCancel
	signalInterrupt
)

// RunHandle is the caller-facing object returned by Start and Resume: a live
// event stream plus pause/resume/cancel/interrupt controls and a blocking
// wait for the terminal Result.
type RunHandle struct {
	runID    string
	threadID string

	events chan hooks.Event
	done   chan struct{}

	mu      sync.Mutex
	control chan controlSignal
	result  Result
	err     error
}

func newRunHandle(runID, threadID string) *RunHandle {
	return &RunHandle{
		runID:    runID,
		threadID: threadID,
		events:   make(chan hooks.Event, 64),
		done:     make(chan struct{}),
		control:  make(chan controlSignal, 4),
	}
}

// RunID returns the run identifier this handle addresses.
func (h *RunHandle) RunID() string { return h.runID }

// ThreadID returns the thread this run is scoped to.
func (h *RunHandle) ThreadID() string { return h.threadID }

// Events returns the channel of lifecycle events for this run. The channel
// is closed when the run reaches a terminal state.
func (h *RunHandle) Events() <-chan hooks.Event { return h.events }

// Pause requests that the run suspend at the next step boundary.
func (h *RunHandle) Pause(ctx context.Context) error { return h.signal(ctx, signalPause) }

// Resume requests that a paused run continue.
func (h *RunHandle) Resume(ctx context.Context) error { return h.signal(ctx, signalResume) }

// Cancel requests that the run stop at its next step boundary; the run ends
// in the cancelled state and emits run_cancelled. No intermediate cancelling
// state is recorded.
func (h *RunHandle) Cancel(ctx context.Context) error { return h.signal(ctx, signalCancel) }

// Interrupt requests that the run stop. It is handled exactly like Cancel:
// the run ends cancelled and emits run_cancelled (run_interrupted is not
// emitted), and an in-flight model call is not aborted.
func (h *RunHandle) Interrupt(ctx context.Context) error { return h.signal(ctx, signalInterrupt) }

func (h *RunHandle) signal(ctx context.Context, sig controlSignal) error {
	select {
	case h.control <- sig:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitResult blocks until the run reaches a terminal state, then returns
// its Result.
func (h *RunHandle) AwaitResult(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *RunHandle) finish(res Result, err error) {
	h.mu.Lock()
	h.result, h.err = res, err
	h.mu.Unlock()
	close(h.events)
	close(h.done)
}

func (h *RunHandle) emit(evt hooks.Event) {
	select {
	case h.events <- evt:
	default:
		// Slow consumer: drop rather than block the run loop. Callers that
		// need a lossless stream should drain Events promptly.
	}
}

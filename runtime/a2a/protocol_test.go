package a2a

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/afk-project/afk-core/runtime/a2a/delivery/inmem"
	"github.com/afk-project/afk-core/runtime/a2a/retry"
)

func newTestProtocol(t *testing.T, dispatch DispatcherFunc) (*Protocol, *eventRecorder) {
	t.Helper()
	rec := newEventRecorder()
	p, err := New(Options{
		Store:       inmem.New(),
		Dispatcher:  dispatch,
		Subscribers: []Subscriber{rec.record},
	})
	require.NoError(t, err)
	return p, rec
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func newEventRecorder() *eventRecorder { return &eventRecorder{} }

func (r *eventRecorder) record(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) types() []EventType {
	snap := r.snapshot()
	out := make([]EventType, len(snap))
	for i, e := range snap {
		out[i] = e.Type
	}
	return out
}

func TestInvokeSuccessEmitsQueuedDispatchedAckedCompleted(t *testing.T) {
	p, rec := newTestProtocol(t, func(_ context.Context, _ Envelope) (Response, error) {
		return Response{Success: true, Output: "ok"}, nil
	})
	resp, err := p.Invoke(context.Background(), Envelope{CorrelationID: "c1", TargetAgent: "agent-b"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, []EventType{EventQueued, EventDispatched, EventAcked, EventCompleted}, rec.types())
}

func TestInvokeFailureEmitsNackedFailed(t *testing.T) {
	p, rec := newTestProtocol(t, func(_ context.Context, _ Envelope) (Response, error) {
		return Response{Success: false, Err: &ErrorDetail{Code: "boom", Message: "boom"}}, nil
	})
	resp, err := p.Invoke(context.Background(), Envelope{CorrelationID: "c2"})
	require.Error(t, err)
	require.False(t, resp.Success)
	require.Equal(t, []EventType{EventQueued, EventDispatched, EventNacked, EventFailed}, rec.types())
}

func TestInvokeDedupeReplaysCachedResponse(t *testing.T) {
	calls := 0
	p, rec := newTestProtocol(t, func(_ context.Context, _ Envelope) (Response, error) {
		calls++
		return Response{Success: true, Output: "first"}, nil
	})
	req := Envelope{CorrelationID: "c3", IdempotencyKey: "K1"}
	first, err := p.Invoke(context.Background(), req)
	require.NoError(t, err)

	req.CorrelationID = "c3-replay"
	second, err := p.Invoke(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, calls)

	types := rec.types()
	ignoredCount := 0
	for _, typ := range types {
		if typ == EventIgnoredLateResponse {
			ignoredCount++
		}
	}
	require.Equal(t, 1, ignoredCount)
}

// TestInvokeDedupeProperty verifies that for any idempotency key and
// payload, a successful Invoke followed by any number of repeat Invokes
// under the same key returns the identical cached response and emits
// exactly one ignored_late_response event per replay.
func TestInvokeDedupeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("repeat invokes under the same key replay the cached response", prop.ForAll(
		func(key string, replays int) bool {
			if key == "" {
				return true
			}
			if replays < 0 {
				replays = -replays
			}
			replays %= 5

			p, rec := newTestProtocol(t, func(_ context.Context, _ Envelope) (Response, error) {
				return Response{Success: true, Output: key}, nil
			})
			first, err := p.Invoke(context.Background(), Envelope{CorrelationID: "first", IdempotencyKey: key})
			if err != nil || !first.Success {
				return false
			}
			for i := 0; i < replays; i++ {
				resp, err := p.Invoke(context.Background(), Envelope{CorrelationID: key, IdempotencyKey: key})
				if err != nil || resp.Output != first.Output {
					return false
				}
			}
			ignored := 0
			for _, typ := range rec.types() {
				if typ == EventIgnoredLateResponse {
					ignored++
				}
			}
			return ignored == replays
		},
		gen.AlphaString(),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}

func TestCancelTaskEmitsCancelled(t *testing.T) {
	started := make(chan struct{})
	p, rec := newTestProtocol(t, func(ctx context.Context, _ Envelope) (Response, error) {
		close(started)
		<-ctx.Done()
		return Response{}, ctx.Err()
	})

	go func() {
		<-started
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, p.CancelTask(context.Background(), "c4"))
	}()

	_, err := p.Invoke(context.Background(), Envelope{CorrelationID: "c4"})
	require.ErrorIs(t, err, ErrCancelled)
	require.Contains(t, rec.types(), EventCancelled)
}

func TestGetTaskReportsTerminalState(t *testing.T) {
	p, _ := newTestProtocol(t, func(_ context.Context, _ Envelope) (Response, error) {
		return Response{Success: true, Output: "done"}, nil
	})
	_, err := p.Invoke(context.Background(), Envelope{CorrelationID: "c5"})
	require.NoError(t, err)

	info, err := p.GetTask(context.Background(), "c5")
	require.NoError(t, err)
	require.Equal(t, TaskCompleted, info.State)

	_, err = p.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestInvokeRetriesRetryableDispatchErrorThenSucceeds(t *testing.T) {
	calls := 0
	rec := newEventRecorder()
	p, err := New(Options{
		Store:      inmem.New(),
		Dispatcher: DispatcherFunc(func(_ context.Context, _ Envelope) (Response, error) {
			calls++
			if calls < 3 {
				return Response{}, &retry.HTTPStatusError{StatusCode: 503, Message: "try again"}
			}
			return Response{Success: true, Output: "ok"}, nil
		}),
		Subscribers: []Subscriber{rec.record},
		RetryConfig: &retry.Config{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        time.Millisecond,
			BackoffMultiplier: 1,
		},
	})
	require.NoError(t, err)

	resp, err := p.Invoke(context.Background(), Envelope{CorrelationID: "c7", TargetAgent: "agent-b"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, 3, calls)

	// Every attempt, including the two that failed, emits its own ordered
	// lifecycle events; only the final attempt reaches acked/completed.
	require.Equal(t, []EventType{
		EventQueued, EventDispatched, EventNacked, EventFailed,
		EventQueued, EventDispatched, EventNacked, EventFailed,
		EventQueued, EventDispatched, EventAcked, EventCompleted,
	}, rec.types())
}

func TestInvokeGivesUpAfterNonRetryableDispatchError(t *testing.T) {
	calls := 0
	p, rec := newTestProtocol(t, func(_ context.Context, _ Envelope) (Response, error) {
		calls++
		return Response{}, errors.New("boom: not retryable")
	})
	p.retryConfig = &retry.Config{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}

	_, err := p.Invoke(context.Background(), Envelope{CorrelationID: "c8"})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, []EventType{EventQueued, EventDispatched, EventNacked, EventFailed}, rec.types())
}

func TestRecordDeadLetterEmitsEvent(t *testing.T) {
	p, rec := newTestProtocol(t, func(_ context.Context, _ Envelope) (Response, error) {
		return Response{Success: true}, nil
	})
	err := p.RecordDeadLetter(context.Background(), DeadLetterEntry{
		CorrelationID: "c6",
		Envelope:      Envelope{RunID: "run-1", TargetAgent: "agent-b"},
		Attempts:      2,
	})
	require.NoError(t, err)
	require.Equal(t, []EventType{EventDeadLetter}, rec.types())
}

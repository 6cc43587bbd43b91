package delegation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/afk-project/afk-core/runtime/a2a"
)

type fakeInvoker struct {
	fn func(ctx context.Context, req a2a.Envelope) (a2a.Response, error)
}

func (f fakeInvoker) Invoke(ctx context.Context, req a2a.Envelope) (a2a.Response, error) {
	return f.fn(ctx, req)
}

type recordingDeadLetter struct {
	mu      sync.Mutex
	entries []a2a.DeadLetterEntry
}

func (r *recordingDeadLetter) RecordDeadLetter(_ context.Context, entry a2a.DeadLetterEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func testRequestFactory(node Node, payload map[string]any, attempt int) a2a.Envelope {
	return a2a.Envelope{
		TargetAgent:    node.TargetAgent,
		CorrelationID:  node.NodeID,
		IdempotencyKey: node.NodeID,
		Payload:        payload,
	}
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestExecuteNodeSucceedsOnFirstAttempt(t *testing.T) {
	invoker := fakeInvoker{fn: func(context.Context, a2a.Envelope) (a2a.Response, error) {
		return a2a.Response{Success: true, Output: "ok"}, nil
	}}
	dl := &recordingDeadLetter{}
	exec := NewExecutor(invoker, dl, testRequestFactory, func() int64 { return 0 }, noSleep)

	node := Node{NodeID: "a", TargetAgent: "x", RetryPolicy: RetryPolicy{MaxAttempts: 3}}
	res := exec.ExecuteNode(context.Background(), node, nil)

	require.True(t, res.Success)
	require.Equal(t, NodeCompleted, res.Status)
	require.Equal(t, 1, res.Attempts)
	require.Empty(t, dl.entries)
}

func TestExecuteNodeRetriesUntilSuccess(t *testing.T) {
	var calls int32
	invoker := fakeInvoker{fn: func(context.Context, a2a.Envelope) (a2a.Response, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return a2a.Response{Success: false}, nil
		}
		return a2a.Response{Success: true}, nil
	}}
	dl := &recordingDeadLetter{}
	exec := NewExecutor(invoker, dl, testRequestFactory, func() int64 { return 0 }, noSleep)

	node := Node{NodeID: "a", TargetAgent: "x", RetryPolicy: RetryPolicy{MaxAttempts: 5, BackoffBase: time.Millisecond}}
	res := exec.ExecuteNode(context.Background(), node, nil)

	require.True(t, res.Success)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, int32(3), calls)
	require.Empty(t, dl.entries)
}

func TestExecuteNodeExhaustsRetriesAndRecordsDeadLetter(t *testing.T) {
	invoker := fakeInvoker{fn: func(context.Context, a2a.Envelope) (a2a.Response, error) {
		return a2a.Response{Success: false, Err: &a2a.ErrorDetail{Message: "boom"}}, nil
	}}
	dl := &recordingDeadLetter{}
	exec := NewExecutor(invoker, dl, testRequestFactory, func() int64 { return 0 }, noSleep)

	node := Node{NodeID: "a", TargetAgent: "x", RetryPolicy: RetryPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond}}
	res := exec.ExecuteNode(context.Background(), node, nil)

	require.False(t, res.Success)
	require.Equal(t, NodeFailed, res.Status)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, "boom", res.Error)
	require.Len(t, dl.entries, 1)
	require.Equal(t, 3, dl.entries[0].Attempts)
	require.Equal(t, "boom", dl.entries[0].LastErr.Message)
}

func TestExecuteNodeRetryableFalseStopsImmediately(t *testing.T) {
	var calls int32
	invoker := fakeInvoker{fn: func(context.Context, a2a.Envelope) (a2a.Response, error) {
		atomic.AddInt32(&calls, 1)
		return a2a.Response{Success: false, Metadata: map[string]any{"retryable": false}}, nil
	}}
	dl := &recordingDeadLetter{}
	exec := NewExecutor(invoker, dl, testRequestFactory, func() int64 { return 0 }, noSleep)

	node := Node{NodeID: "a", TargetAgent: "x", RetryPolicy: RetryPolicy{MaxAttempts: 5}}
	res := exec.ExecuteNode(context.Background(), node, nil)

	require.False(t, res.Success)
	require.Equal(t, int32(1), calls)
	require.Equal(t, 1, res.Attempts)
	require.Len(t, dl.entries, 1)
}

func TestExecuteNodeHonorsPerAttemptTimeout(t *testing.T) {
	invoker := fakeInvoker{fn: func(ctx context.Context, _ a2a.Envelope) (a2a.Response, error) {
		<-ctx.Done()
		return a2a.Response{}, ctx.Err()
	}}
	dl := &recordingDeadLetter{}
	exec := NewExecutor(invoker, dl, testRequestFactory, func() int64 { return 0 }, noSleep)

	node := Node{
		NodeID: "a", TargetAgent: "x",
		Timeout:     5 * time.Millisecond,
		RetryPolicy: RetryPolicy{MaxAttempts: 1},
	}
	res := exec.ExecuteNode(context.Background(), node, nil)

	require.False(t, res.Success)
	require.Contains(t, res.Error, "timed out")
}

func TestExecuteNodeCancelledContextStopsRetryLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	invoker := fakeInvoker{fn: func(context.Context, a2a.Envelope) (a2a.Response, error) {
		return a2a.Response{Success: true}, nil
	}}
	exec := NewExecutor(invoker, nil, testRequestFactory, func() int64 { return 0 }, noSleep)

	node := Node{NodeID: "a", TargetAgent: "x", RetryPolicy: RetryPolicy{MaxAttempts: 3}}
	res := exec.ExecuteNode(ctx, node, nil)

	require.Equal(t, NodeCancelled, res.Status)
}

func TestBackoffDelayCapsAtMaxBackoff(t *testing.T) {
	policy := RetryPolicy{BackoffBase: 100 * time.Millisecond, MaxBackoff: 250 * time.Millisecond}
	require.Equal(t, 100*time.Millisecond, backoffDelay(policy, 1))
	require.Equal(t, 200*time.Millisecond, backoffDelay(policy, 2))
	require.Equal(t, 250*time.Millisecond, backoffDelay(policy, 3))
	require.Equal(t, 250*time.Millisecond, backoffDelay(policy, 4))
}

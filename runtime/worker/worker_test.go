package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/afk-project/afk-core/runtime/queue"
	"github.com/afk-project/afk-core/runtime/queue/inmem"
)

func waitForStatus(t *testing.T, q queue.Queue, taskID string, want queue.Status, timeout time.Duration) *queue.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := q.Get(context.Background(), taskID)
		require.NoError(t, err)
		if task != nil && task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s in time", taskID, want)
	return nil
}

func TestWorkerDispatchesJobHandlerAndCompletes(t *testing.T) {
	q := inmem.New(queue.BaseConfig{})
	var gotArgs map[string]any
	var mu sync.Mutex

	w, err := New(Options{
		Queue: q,
		JobHandlers: map[string]JobHandler{
			"ping": func(ctx context.Context, arguments map[string]any, task *queue.Task) (any, error) {
				mu.Lock()
				gotArgs = arguments
				mu.Unlock()
				return "pong", nil
			},
		},
		Config: Config{PollInterval: 20 * time.Millisecond, MaxConcurrentTasks: 2},
	})
	require.NoError(t, err)

	task, err := q.EnqueueContract(context.Background(), JobDispatchContract, map[string]any{
		"job_type":  "ping",
		"arguments": map[string]any{"n": float64(1)},
	}, queue.EnqueueContractOptions{})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Shutdown(context.Background())

	done := waitForStatus(t, q, task.ID, queue.StatusCompleted, time.Second)
	result, ok := done.Result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, JobDispatchContract, result["contract"])
	require.Equal(t, "pong", result["output"])

	mu.Lock()
	require.Equal(t, float64(1), gotArgs["n"])
	mu.Unlock()
}

func TestWorkerFailsNonRetryableOnUnknownJobHandler(t *testing.T) {
	q := inmem.New(queue.BaseConfig{})
	w, err := New(Options{
		Queue:  q,
		Config: Config{PollInterval: 20 * time.Millisecond},
	})
	require.NoError(t, err)

	task, err := q.EnqueueContract(context.Background(), JobDispatchContract, map[string]any{
		"job_type": "missing",
	}, queue.EnqueueContractOptions{MaxRetries: 3})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Shutdown(context.Background())

	done := waitForStatus(t, q, task.ID, queue.StatusFailed, time.Second)
	require.Equal(t, queue.DeadLetterReasonNonRetryable, done.Metadata[queue.DeadLetterReasonKey])
}

func TestWorkerRetriesOnHandlerError(t *testing.T) {
	q := inmem.New(queue.BaseConfig{})
	var calls int
	var mu sync.Mutex

	w, err := New(Options{
		Queue: q,
		JobHandlers: map[string]JobHandler{
			"flaky": func(ctx context.Context, arguments map[string]any, task *queue.Task) (any, error) {
				mu.Lock()
				calls++
				n := calls
				mu.Unlock()
				if n < 2 {
					return nil, errFlaky
				}
				return "ok", nil
			},
		},
		Config: Config{PollInterval: 10 * time.Millisecond},
	})
	require.NoError(t, err)

	task, err := q.EnqueueContract(context.Background(), JobDispatchContract, map[string]any{
		"job_type": "flaky",
	}, queue.EnqueueContractOptions{MaxRetries: 3})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	defer w.Shutdown(context.Background())

	done := waitForStatus(t, q, task.ID, queue.StatusCompleted, time.Second)
	require.NotNil(t, done)
	mu.Lock()
	require.Equal(t, 2, calls)
	mu.Unlock()
}

func TestWorkerRejectsMismatchedContractID(t *testing.T) {
	q := inmem.New(queue.BaseConfig{})
	_, err := New(Options{
		Queue: q,
		ExecutionContracts: map[string]Contract{
			"custom.v1": &JobDispatchContractImpl{},
		},
	})
	require.Error(t, err)
}

func TestWorkerShutdownWaitsForInflight(t *testing.T) {
	q := inmem.New(queue.BaseConfig{})
	started := make(chan struct{})
	release := make(chan struct{})
	var ctxErrAtRelease error

	w, err := New(Options{
		Queue: q,
		JobHandlers: map[string]JobHandler{
			"slow": func(ctx context.Context, arguments map[string]any, task *queue.Task) (any, error) {
				close(started)
				<-release
				// Shutdown is in progress at this point (the test holds
				// release closed only after observing the dispatch loop
				// stopped); the task's own context must still be live
				// because ShutdownTimeout hasn't elapsed yet.
				ctxErrAtRelease = ctx.Err()
				return "done", nil
			},
		},
		Config: Config{PollInterval: 10 * time.Millisecond, ShutdownTimeout: time.Second},
	})
	require.NoError(t, err)

	task, err := q.EnqueueContract(context.Background(), JobDispatchContract, map[string]any{
		"job_type": "slow",
	}, queue.EnqueueContractOptions{})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	<-started

	shutdownDone := make(chan struct{})
	go func() {
		w.Shutdown(context.Background())
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned before in-flight task finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-shutdownDone

	require.NoError(t, ctxErrAtRelease, "in-flight task context was cancelled before ShutdownTimeout elapsed")

	done, err := q.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, done.Status)
}

func TestWorkerShutdownCancelsInflightAfterTimeout(t *testing.T) {
	q := inmem.New(queue.BaseConfig{})
	started := make(chan struct{})
	var cancelledWithin2s bool

	w, err := New(Options{
		Queue: q,
		JobHandlers: map[string]JobHandler{
			"stuck": func(ctx context.Context, arguments map[string]any, task *queue.Task) (any, error) {
				close(started)
				select {
				case <-ctx.Done():
					cancelledWithin2s = true
				case <-time.After(2 * time.Second):
				}
				return nil, ctx.Err()
			},
		},
		Config: Config{PollInterval: 10 * time.Millisecond, ShutdownTimeout: 50 * time.Millisecond},
	})
	require.NoError(t, err)

	_, err = q.EnqueueContract(context.Background(), JobDispatchContract, map[string]any{
		"job_type": "stuck",
	}, queue.EnqueueContractOptions{})
	require.NoError(t, err)

	require.NoError(t, w.Start(context.Background()))
	<-started

	require.NoError(t, w.Shutdown(context.Background()))
	require.True(t, cancelledWithin2s, "in-flight task was not cancelled after ShutdownTimeout elapsed")
}

type flakyErr struct{}

func (flakyErr) Error() string { return "flaky" }

var errFlaky = flakyErr{}

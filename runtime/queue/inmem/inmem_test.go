package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/afk-project/afk-core/runtime/queue"
)

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	s := New(queue.BaseConfig{})
	task, err := s.EnqueueContract(context.Background(), "job.dispatch.v1", map[string]any{"job_type": "ping"}, queue.EnqueueContractOptions{MaxRetries: 2})
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, task.Status)

	got, err := s.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, task.ID, got.ID)
	require.Equal(t, queue.StatusRunning, got.Status)
}

func TestDequeueTimesOutWhenEmpty(t *testing.T) {
	s := New(queue.BaseConfig{})
	got, err := s.Dequeue(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestEnqueueContractRejectsEmptyID(t *testing.T) {
	s := New(queue.BaseConfig{})
	_, err := s.EnqueueContract(context.Background(), "  ", map[string]any{}, queue.EnqueueContractOptions{})
	require.ErrorIs(t, err, queue.ErrEmptyContract)
}

func TestCompleteIsIdempotentOnTerminalTask(t *testing.T) {
	s := New(queue.BaseConfig{})
	task, err := s.Enqueue(context.Background(), &queue.Task{ID: "t1", MaxRetries: 1})
	require.NoError(t, err)

	require.NoError(t, s.Complete(context.Background(), task.ID, "first"))
	require.NoError(t, s.Complete(context.Background(), task.ID, "second"))

	got, err := s.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, "first", got.Result)
}

func TestFailRetriesThenDeadLettersOnBudgetExhaustion(t *testing.T) {
	s := New(queue.BaseConfig{})
	task, err := s.Enqueue(context.Background(), &queue.Task{ID: "t1", MaxRetries: 1})
	require.NoError(t, err)

	require.NoError(t, s.Fail(context.Background(), task.ID, "boom", true, nil))
	got, err := s.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusRetrying, got.Status)
	require.Equal(t, 1, got.RetryCount)

	requeued, err := s.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, requeued)

	require.NoError(t, s.Fail(context.Background(), task.ID, "boom again", true, nil))
	got, err = s.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Equal(t, queue.DeadLetterReasonBudgetExhausted, got.Metadata[queue.DeadLetterReasonKey])
}

func TestFailNonRetryableDeadLettersImmediately(t *testing.T) {
	s := New(queue.BaseConfig{})
	task, err := s.Enqueue(context.Background(), &queue.Task{ID: "t1", MaxRetries: 5})
	require.NoError(t, err)

	require.NoError(t, s.Fail(context.Background(), task.ID, "fatal", false, nil))
	got, err := s.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, got.Status)
	require.Equal(t, queue.DeadLetterReasonNonRetryable, got.Metadata[queue.DeadLetterReasonKey])
}

func TestCancelSkipsTerminalTask(t *testing.T) {
	s := New(queue.BaseConfig{})
	task, err := s.Enqueue(context.Background(), &queue.Task{ID: "t1"})
	require.NoError(t, err)
	require.NoError(t, s.Complete(context.Background(), task.ID, "done"))

	require.NoError(t, s.Cancel(context.Background(), task.ID))
	got, err := s.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCompleted, got.Status)
}

func TestDequeueDefersFutureNextAttempt(t *testing.T) {
	s := New(queue.BaseConfig{})
	task, err := s.Enqueue(context.Background(), &queue.Task{ID: "t1"})
	require.NoError(t, err)
	next := time.Now().Add(30 * time.Millisecond)
	task.SetNextAttemptAt(&next)
	require.NoError(t, s.SaveTask(context.Background(), task))
	require.NoError(t, s.PushPendingID(context.Background(), task.ID))

	got, err := s.Dequeue(context.Background(), 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, task.ID, got.ID)
}

func TestRedriveAndPurgeDeadLetters(t *testing.T) {
	s := New(queue.BaseConfig{})
	task, err := s.Enqueue(context.Background(), &queue.Task{ID: "t1", MaxRetries: 0})
	require.NoError(t, err)
	require.NoError(t, s.Fail(context.Background(), task.ID, "fatal", false, nil))

	n, err := s.RedriveDeadLetters(context.Background(), 100, "")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, got.Status)

	require.NoError(t, s.Fail(context.Background(), task.ID, "fatal again", false, nil))
	removed, err := s.PurgeDeadLetters(context.Background(), 100, "")
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	got, err = s.Get(context.Background(), task.ID)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestListTasksFiltersByStatus(t *testing.T) {
	s := New(queue.BaseConfig{})
	a, err := s.Enqueue(context.Background(), &queue.Task{ID: "a"})
	require.NoError(t, err)
	b, err := s.Enqueue(context.Background(), &queue.Task{ID: "b"})
	require.NoError(t, err)
	require.NoError(t, s.Complete(context.Background(), a.ID, nil))

	pending, err := s.ListTasks(context.Background(), queue.StatusPending, 100)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, b.ID, pending[0].ID)
}

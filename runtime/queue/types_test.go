package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeRetryDelayCapsExponentialBackoff(t *testing.T) {
	policy := RetryPolicy{BackoffBase: 100 * time.Millisecond, BackoffMax: 350 * time.Millisecond}

	require.Equal(t, 100*time.Millisecond, computeRetryDelay(1, policy))
	require.Equal(t, 200*time.Millisecond, computeRetryDelay(2, policy))
	require.Equal(t, 350*time.Millisecond, computeRetryDelay(3, policy)) // 400ms capped to 350ms
}

func TestComputeRetryDelayZeroBaseIsZero(t *testing.T) {
	require.Equal(t, time.Duration(0), computeRetryDelay(5, RetryPolicy{}))
}

func TestComputeRetryDelayAddsBoundedJitter(t *testing.T) {
	policy := RetryPolicy{BackoffBase: 10 * time.Millisecond, BackoffMax: time.Second, BackoffJitter: 50 * time.Millisecond}
	for i := 0; i < 20; i++ {
		d := computeRetryDelay(1, policy)
		require.GreaterOrEqual(t, d, 10*time.Millisecond)
		require.LessOrEqual(t, d, 60*time.Millisecond)
	}
}

func TestRetryPolicyMetadataRoundTrip(t *testing.T) {
	policy := RetryPolicy{BackoffBase: time.Second, BackoffMax: 30 * time.Second, BackoffJitter: 2 * time.Second}
	meta := policy.asMetadata()
	got, ok := retryPolicyFromMetadata(meta)
	require.True(t, ok)
	require.Equal(t, policy, got)
}

func TestTaskExecutionContractRoundTrip(t *testing.T) {
	task := &Task{}
	_, ok := task.ExecutionContract()
	require.False(t, ok)

	task.SetExecutionContract("job.dispatch.v1")
	id, ok := task.ExecutionContract()
	require.True(t, ok)
	require.Equal(t, "job.dispatch.v1", id)
}

func TestTaskIsTerminal(t *testing.T) {
	task := &Task{Status: StatusRunning}
	require.False(t, task.IsTerminal())
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		task.Status = s
		require.True(t, task.IsTerminal())
	}
}

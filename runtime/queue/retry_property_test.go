package queue

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestComputeRetryDelayInvariants verifies the capped-exponential-backoff
// formula holds for arbitrary policy/retry-count combinations: the result is
// never negative, never exceeds BackoffMax+BackoffJitter, and (with jitter
// disabled) is monotonically non-decreasing as retryCount grows.
func TestComputeRetryDelayInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delay is within [0, BackoffMax+BackoffJitter] when BackoffMax > 0", prop.ForAll(
		func(baseMs, maxMs, jitterMs, retryCount int) bool {
			policy := RetryPolicy{
				// baseMs stays well under the point where BackoffBase*2^32
				// (the largest shift applied below) would overflow
				// time.Duration and wrap around unpredictably.
				BackoffBase:   time.Duration(baseMs) * time.Millisecond,
				BackoffMax:    time.Duration(maxMs) * time.Millisecond,
				BackoffJitter: time.Duration(jitterMs) * time.Millisecond,
			}
			d := computeRetryDelay(retryCount, policy)
			if d < 0 {
				return false
			}
			return d <= policy.BackoffMax+policy.BackoffJitter
		},
		gen.IntRange(0, 1_000),
		gen.IntRange(1, 60_000), // BackoffMax > 0: zero means "uncapped" and is covered separately
		gen.IntRange(0, 60_000),
		gen.IntRange(1, 64),
	))

	properties.Property("without jitter, delay is non-decreasing in retryCount", prop.ForAll(
		func(baseMs, maxMs, retryCount int) bool {
			policy := RetryPolicy{
				// Kept small enough that BackoffBase*2^32 (the largest shift
				// computeRetryDelay applies) cannot overflow time.Duration,
				// which would otherwise wrap around and spuriously break
				// monotonicity.
				BackoffBase: time.Duration(baseMs) * time.Millisecond,
				BackoffMax:  time.Duration(maxMs) * time.Millisecond,
			}
			d1 := computeRetryDelay(retryCount, policy)
			d2 := computeRetryDelay(retryCount+1, policy)
			return d2 >= d1
		},
		gen.IntRange(0, 500),
		gen.IntRange(0, 60_000),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}

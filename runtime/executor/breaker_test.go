package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker(2, time.Minute)
	now := time.Now()

	require.True(t, b.allow(now))
	b.recordFailure(now)
	require.True(t, b.allow(now))
	b.recordFailure(now)

	require.False(t, b.allow(now))
}

func TestBreakerPermitsProbeAfterCooldown(t *testing.T) {
	b := newBreaker(1, time.Millisecond)
	now := time.Now()

	require.True(t, b.allow(now))
	b.recordFailure(now)
	require.False(t, b.allow(now))

	later := now.Add(2 * time.Millisecond)
	require.True(t, b.allow(later))
}

func TestBreakerClosesOnSuccess(t *testing.T) {
	b := newBreaker(1, time.Minute)
	now := time.Now()

	b.recordFailure(now)
	require.False(t, b.allow(now))

	b.recordSuccess()
	require.True(t, b.allow(now))
}

func TestBreakerDisabledWhenThresholdZero(t *testing.T) {
	b := newBreaker(0, time.Minute)
	now := time.Now()
	for i := 0; i < 10; i++ {
		b.recordFailure(now)
	}
	require.True(t, b.allow(now))
}

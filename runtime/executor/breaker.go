package executor

import (
	"sync"
	"time"
)

// breakerState tracks consecutive model-call failures for one run and opens
// after FailSafe.BreakerFailureThreshold consecutive failures, staying open
// for FailSafe.BreakerCooldown before permitting a single probe call.
type breakerState struct {
	mu               sync.Mutex
	threshold        int
	cooldown         time.Duration
	consecutiveFails int
	openUntil        time.Time
	probeInFlight    bool
}

func newBreaker(threshold int, cooldown time.Duration) *breakerState {
	return &breakerState{threshold: threshold, cooldown: cooldown}
}

// allow reports whether a model call may proceed. When the breaker is open
// and the cooldown has elapsed, exactly one caller is allowed through as a
// probe; subsequent callers are denied until the probe records a result.
func (b *breakerState) allow(now time.Time) bool {
	if b.threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() || now.After(b.openUntil) {
		if b.consecutiveFails < b.threshold {
			return true
		}
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// recordSuccess closes the breaker and resets the failure count.
func (b *breakerState) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFails = 0
	b.openUntil = time.Time{}
	b.probeInFlight = false
}

// recordFailure increments the failure count, opening the breaker once the
// threshold is reached.
func (b *breakerState) recordFailure(now time.Time) {
	if b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
	b.consecutiveFails++
	if b.consecutiveFails >= b.threshold {
		b.openUntil = now.Add(b.cooldown)
	}
}

// open reports whether the breaker is currently denying calls.
func (b *breakerState) open(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openUntil.IsZero() && now.Before(b.openUntil) && !b.probeInFlight
}

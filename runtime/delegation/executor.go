package delegation

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/afk-project/afk-core/runtime/a2a"
)

// Invoker dispatches one delegation node attempt through the A2A protocol.
type Invoker interface {
	Invoke(ctx context.Context, req a2a.Envelope) (a2a.Response, error)
}

// DeadLetterRecorder persists a retry-exhausted invocation.
type DeadLetterRecorder interface {
	RecordDeadLetter(ctx context.Context, entry a2a.DeadLetterEntry) error
}

// RequestFactory builds the A2A envelope for one attempt of a node. attempt
// is 1-based.
type RequestFactory func(node Node, payload map[string]any, attempt int) a2a.Envelope

// Executor runs one delegation node to its terminal NodeResult, retrying per
// the node's RetryPolicy and honoring its per-attempt Timeout.
type Executor struct {
	invoker    Invoker
	deadLetter DeadLetterRecorder
	newRequest RequestFactory
	nowMs      func() int64
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewExecutor constructs an Executor. nowMs and sleep default to wall-clock
// and context-aware time.Sleep respectively when nil; tests may override
// both to make retry/backoff timing deterministic.
func NewExecutor(invoker Invoker, deadLetter DeadLetterRecorder, newRequest RequestFactory, nowMs func() int64, sleep func(ctx context.Context, d time.Duration) error) *Executor {
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	if sleep == nil {
		sleep = ctxSleep
	}
	return &Executor{invoker: invoker, deadLetter: deadLetter, newRequest: newRequest, nowMs: nowMs, sleep: sleep}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteNode runs node to completion, retrying up to node.RetryPolicy.MaxAttempts
// times. A response whose Metadata["retryable"] is explicitly false ends
// retries immediately regardless of remaining attempts. On final exhaustion a
// single dead-letter entry is recorded via deadLetter.
func (e *Executor) ExecuteNode(ctx context.Context, node Node, payload map[string]any) NodeResult {
	policy := node.RetryPolicy
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	started := e.nowMs()
	var lastErr string
	var lastEnvelope a2a.Envelope
	var lastCorrelation, lastIdempotency string
	attempts := 0

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return NodeResult{
				NodeID: node.NodeID, TargetAgent: node.TargetAgent, Status: NodeCancelled,
				Attempts: attempt - 1, Error: "cancelled by parent control flow",
				StartedAtMs: started, FinishedAtMs: e.nowMs(),
			}
		}
		attempts = attempt

		req := e.newRequest(node, payload, attempt)
		lastEnvelope, lastCorrelation, lastIdempotency = req, req.CorrelationID, req.IdempotencyKey

		attemptCtx := ctx
		var cancel context.CancelFunc
		if node.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, node.Timeout)
		}
		resp, err := e.invoker.Invoke(attemptCtx, req)
		if cancel != nil {
			cancel()
		}

		if err == nil && resp.Success {
			return NodeResult{
				NodeID: node.NodeID, TargetAgent: node.TargetAgent, Status: NodeCompleted, Success: true,
				Attempts: attempt, Output: resp.Output, Metadata: resp.Metadata,
				StartedAtMs: started, FinishedAtMs: e.nowMs(),
			}
		}

		if attemptCtx.Err() != nil && node.Timeout > 0 && ctx.Err() == nil {
			lastErr = fmt.Sprintf("node %q timed out after %s", node.NodeID, node.Timeout)
		} else if err != nil {
			lastErr = err.Error()
		} else if resp.Err != nil {
			lastErr = resp.Err.Message
		} else {
			lastErr = "node invocation failed"
		}

		if retryable, ok := resp.Metadata["retryable"].(bool); ok && !retryable {
			break
		}
		if attempt == policy.MaxAttempts {
			break
		}
		if err := e.sleep(ctx, backoffDelay(policy, attempt)); err != nil {
			return NodeResult{
				NodeID: node.NodeID, TargetAgent: node.TargetAgent, Status: NodeCancelled,
				Attempts: attempt, Error: "cancelled by parent control flow",
				StartedAtMs: started, FinishedAtMs: e.nowMs(),
			}
		}
	}

	finished := e.nowMs()
	status := NodeFailed

	if e.deadLetter != nil {
		_ = e.deadLetter.RecordDeadLetter(ctx, a2a.DeadLetterEntry{
			CorrelationID:  lastCorrelation,
			IdempotencyKey: lastIdempotency,
			Envelope:       lastEnvelope,
			LastErr:        &a2a.ErrorDetail{Message: lastErr},
			Attempts:       attempts,
			TimestampMs:    finished,
		})
	}

	return NodeResult{
		NodeID: node.NodeID, TargetAgent: node.TargetAgent, Status: status, Success: false,
		Attempts: attempts, Error: lastErr,
		StartedAtMs: started, FinishedAtMs: finished,
	}
}

// backoffDelay computes the delay before the attempt after n:
// min(MaxBackoff, BackoffBase*2^(n-1)) plus a uniform random jitter in
// [0, Jitter). This intentionally does not reuse runtime/a2a/retry.Do, whose
// percentage-based jitter formula does not match this shape.
func backoffDelay(policy RetryPolicy, n int) time.Duration {
	base := policy.BackoffBase
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	delay := base * time.Duration(1<<uint(n-1))
	if policy.MaxBackoff > 0 && delay > policy.MaxBackoff {
		delay = policy.MaxBackoff
	}
	if policy.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(policy.Jitter)))
	}
	return delay
}

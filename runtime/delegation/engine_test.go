package delegation

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/afk-project/afk-core/runtime/a2a"
)

type engineInvoker struct {
	fn func(ctx context.Context, req a2a.Envelope) (a2a.Response, error)
}

func (e engineInvoker) Invoke(ctx context.Context, req a2a.Envelope) (a2a.Response, error) {
	return e.fn(ctx, req)
}

func newTestEngine(t *testing.T, invoke func(ctx context.Context, req a2a.Envelope) (a2a.Response, error), targets ...string) *Engine {
	t.Helper()
	available := allTargets(targets...)
	seq := 0
	return NewEngine(EngineOptions{
		Invoker:    engineInvoker{fn: invoke},
		DeadLetter: &recordingDeadLetter{},
		NewRequest: DefaultRequestFactory("run-1", "thread-1", "coordinator",
			func(node Node, attempt int) string {
				seq++
				return fmt.Sprintf("%s-%d-%d", node.NodeID, attempt, seq)
			},
			func(node Node) string { return node.NodeID },
		),
		AvailableTarget:      func(target string) bool { return available[target] },
		MaxGlobalConcurrency: 8,
		MaxPerParent:         8,
		MaxPerTargetAgent:    8,
		BackpressureLimit:    64,
	})
}

func TestEngineFanoutAllSucceed(t *testing.T) {
	engine := newTestEngine(t, func(ctx context.Context, req a2a.Envelope) (a2a.Response, error) {
		return a2a.Response{Success: true, Output: req.TargetAgent + "-done"}, nil
	}, "researcher", "writer")

	res, err := engine.Fanout(context.Background(), []string{"researcher", "writer"}, true, PlanOptions{}, nil)
	require.NoError(t, err)
	require.Equal(t, FinalCompleted, res.FinalStatus)
	require.Equal(t, 2, res.SuccessCount)
}

func TestEngineFanoutFailsOnValidationError(t *testing.T) {
	engine := newTestEngine(t, func(context.Context, a2a.Envelope) (a2a.Response, error) {
		return a2a.Response{Success: true}, nil
	}, "researcher")

	plan := Plan{
		Nodes:          []Node{{NodeID: "a", TargetAgent: "ghost", RetryPolicy: DefaultRetryPolicy()}},
		MaxParallelism: 1,
		JoinPolicy:     JoinAllRequired,
	}
	res, err := engine.Execute(context.Background(), plan, nil)
	require.ErrorIs(t, err, ErrInvalidPlan)
	require.Equal(t, FinalFailed, res.FinalStatus)
}

func TestEngineFanoutDegradesUnderAllowOptionalFailures(t *testing.T) {
	engine := newTestEngine(t, func(ctx context.Context, req a2a.Envelope) (a2a.Response, error) {
		if req.TargetAgent == "flaky" {
			return a2a.Response{Success: false, Err: &a2a.ErrorDetail{Message: "down"}}, nil
		}
		return a2a.Response{Success: true}, nil
	}, "reliable", "flaky")

	plan := Plan{
		Nodes: []Node{
			{NodeID: "reliable", TargetAgent: "reliable", Required: true, RetryPolicy: RetryPolicy{MaxAttempts: 1}},
			{NodeID: "flaky", TargetAgent: "flaky", Required: false, RetryPolicy: RetryPolicy{MaxAttempts: 1}},
		},
		MaxParallelism: 2,
		JoinPolicy:     JoinAllowOptionalFailures,
	}
	res, err := engine.Execute(context.Background(), plan, nil)
	require.NoError(t, err)
	require.Equal(t, FinalDegraded, res.FinalStatus)
}

package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/afk-project/afk-core/runtime/agent"
	checkpointinmem "github.com/afk-project/afk-core/runtime/agent/checkpoint/inmem"
	"github.com/afk-project/afk-core/runtime/agent/hooks"
	"github.com/afk-project/afk-core/runtime/agent/model"
	"github.com/afk-project/afk-core/runtime/agent/run"
)

type scriptedModel struct {
	responses []*model.Response
	errs      []error
	calls     int
}

func (m *scriptedModel) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	i := m.calls
	m.calls++
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	if i >= len(m.responses) {
		if err != nil {
			return nil, err
		}
		return &model.Response{StopReason: "end_turn"}, nil
	}
	return m.responses[i], err
}

func (m *scriptedModel) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

func textResponse(text, stopReason string) *model.Response {
	return &model.Response{
		Content:    []model.Message{{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: text}}}},
		StopReason: stopReason,
	}
}

func idGen(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func TestExecutorStartCompletesOnFirstTurn(t *testing.T) {
	e := &Executor{
		Model:    &scriptedModel{responses: []*model.Response{textResponse("hello there", "end_turn")}},
		Journal:  checkpointinmem.New(),
		Bus:      hooks.NewBus(),
		NewRunID: idGen("run-"),
	}
	a := &Agent{Name: "greeter"}

	handle, err := e.Start(context.Background(), StartInput{Agent: a, ThreadID: "t1", UserMessage: "hi"})
	require.NoError(t, err)

	res, err := handle.AwaitResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, res.State)
	require.Equal(t, "hello there", res.FinalText)
}

func TestExecutorToolBatchExecutesAndAppendsResults(t *testing.T) {
	toolCallResp := &model.Response{
		ToolCalls:  []model.ToolCall{{ID: "call-1", Name: "lookup"}},
		StopReason: "tool_use",
	}
	final := textResponse("done", "end_turn")

	executed := false
	e := &Executor{
		Model:    &scriptedModel{responses: []*model.Response{toolCallResp, final}},
		Journal:  checkpointinmem.New(),
		Bus:      hooks.NewBus(),
		NewRunID: idGen("run-"),
	}
	a := &Agent{
		Name: "tooler",
		ToolExecutor: toolExecutorFunc(func(ctx context.Context, call model.ToolCall) (model.ToolResultPart, error) {
			executed = true
			return model.ToolResultPart{ToolUseID: call.ID, Content: "ok"}, nil
		}),
		FailSafe: agent.FailSafe{MaxParallelTools: 2},
	}

	handle, err := e.Start(context.Background(), StartInput{Agent: a, ThreadID: "t1", UserMessage: "hi"})
	require.NoError(t, err)

	res, err := handle.AwaitResult(context.Background())
	require.NoError(t, err)
	require.True(t, executed)
	require.Equal(t, run.StatusCompleted, res.State)
	require.Len(t, res.ToolExecutions, 1)
	require.True(t, res.ToolExecutions[0].Success)
}

type boundedToolResult struct {
	items []string
	total int
}

func (r boundedToolResult) Bounds() agent.Bounds {
	return agent.Bounds{Returned: len(r.items), Total: &r.total, Truncated: true, RefinementHint: "narrow the query"}
}

func TestExecutorToolBatchSurfacesBoundedResultMetadata(t *testing.T) {
	toolCallResp := &model.Response{
		ToolCalls:  []model.ToolCall{{ID: "call-1", Name: "search"}},
		StopReason: "tool_use",
	}
	final := textResponse("done", "end_turn")

	e := &Executor{
		Model:   &scriptedModel{responses: []*model.Response{toolCallResp, final}},
		Journal: checkpointinmem.New(),
		Bus:     hooks.NewBus(),
		NewRunID: idGen("run-"),
	}
	a := &Agent{
		Name: "searcher",
		ToolExecutor: toolExecutorFunc(func(ctx context.Context, call model.ToolCall) (model.ToolResultPart, error) {
			return model.ToolResultPart{ToolUseID: call.ID, Content: boundedToolResult{items: []string{"a", "b"}, total: 500}}, nil
		}),
	}

	handle, err := e.Start(context.Background(), StartInput{Agent: a, ThreadID: "t1", UserMessage: "hi"})
	require.NoError(t, err)

	res, err := handle.AwaitResult(context.Background())
	require.NoError(t, err)
	require.Len(t, res.ToolExecutions, 1)
	require.NotNil(t, res.ToolExecutions[0].Bounds)
	require.Equal(t, 2, res.ToolExecutions[0].Bounds.Returned)
	require.True(t, res.ToolExecutions[0].Bounds.Truncated)
}

func TestExecutorBudgetExceededTransitionsToFailed(t *testing.T) {
	e := &Executor{
		Model:    &scriptedModel{},
		Journal:  checkpointinmem.New(),
		Bus:      hooks.NewBus(),
		NewRunID: idGen("run-"),
	}
	a := &Agent{Name: "bounded", FailSafe: agent.FailSafe{MaxWallTime: time.Nanosecond}}

	handle, err := e.Start(context.Background(), StartInput{Agent: a, ThreadID: "t1", UserMessage: "hi"})
	require.NoError(t, err)

	res, err := handle.AwaitResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, res.State)
}

type eventCollector struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (c *eventCollector) HandleEvent(_ context.Context, evt hooks.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *eventCollector) last(typ hooks.EventType) hooks.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type() == typ {
			return c.events[i]
		}
	}
	return nil
}

func TestExecutorProviderErrorFailureCarriesPublicMessage(t *testing.T) {
	providerErr := model.NewProviderError("acme", "complete", 429, model.ProviderErrorKindRateLimited, "throttled", "too many requests", "req-1", true, nil)
	bus := hooks.NewBus()
	collector := &eventCollector{}
	_, err := bus.Register(collector)
	require.NoError(t, err)

	e := &Executor{
		Model:    &scriptedModel{errs: []error{providerErr}},
		Journal:  checkpointinmem.New(),
		Bus:      bus,
		NewRunID: idGen("run-"),
	}
	a := &Agent{Name: "rate-limited"}

	handle, err := e.Start(context.Background(), StartInput{Agent: a, ThreadID: "t1", UserMessage: "hi"})
	require.NoError(t, err)

	res, err := handle.AwaitResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, res.State)

	failed := collector.last(hooks.EventRunFailed)
	require.NotNil(t, failed)
	require.Equal(t, hooks.PublicErrorProviderRateLimited, failed.Message())
}

func TestExecutorPauseThenResumeCompletes(t *testing.T) {
	e := &Executor{
		Model:    &scriptedModel{responses: []*model.Response{textResponse("final answer", "end_turn")}},
		Journal:  checkpointinmem.New(),
		Bus:      hooks.NewBus(),
		NewRunID: idGen("run-"),
	}
	a := &Agent{Name: "pausable"}

	handle, err := e.Start(context.Background(), StartInput{Agent: a, ThreadID: "t1", UserMessage: "hi"})
	require.NoError(t, err)
	require.NoError(t, handle.Pause(context.Background()))
	require.NoError(t, handle.Resume(context.Background()))

	res, err := handle.AwaitResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, run.StatusCompleted, res.State)
}

func TestExecutorCancelTransitionsToCancelled(t *testing.T) {
	blocking := make(chan struct{})
	e := &Executor{
		Model: modelClientFunc(func(ctx context.Context, req *model.Request) (*model.Response, error) {
			<-blocking
			return textResponse("too late", "end_turn"), nil
		}),
		Journal:  checkpointinmem.New(),
		Bus:      hooks.NewBus(),
		NewRunID: idGen("run-"),
	}
	a := &Agent{Name: "cancelable"}

	handle, err := e.Start(context.Background(), StartInput{Agent: a, ThreadID: "t1", UserMessage: "hi"})
	require.NoError(t, err)
	require.NoError(t, handle.Cancel(context.Background()))
	close(blocking)

	res, err := handle.AwaitResult(context.Background())
	require.NoError(t, err)
	require.Equal(t, run.StatusCancelled, res.State)
}

type toolExecutorFunc func(ctx context.Context, call model.ToolCall) (model.ToolResultPart, error)

func (f toolExecutorFunc) Execute(ctx context.Context, call model.ToolCall) (model.ToolResultPart, error) {
	return f(ctx, call)
}

type modelClientFunc func(ctx context.Context, req *model.Request) (*model.Response, error)

func (f modelClientFunc) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return f(ctx, req)
}

func (f modelClientFunc) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

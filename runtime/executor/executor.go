package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/afk-project/afk-core/runtime/agent"
	"github.com/afk-project/afk-core/runtime/agent/checkpoint"
	"github.com/afk-project/afk-core/runtime/agent/hooks"
	"github.com/afk-project/afk-core/runtime/agent/interaction"
	"github.com/afk-project/afk-core/runtime/agent/memory"
	"github.com/afk-project/afk-core/runtime/agent/model"
	"github.com/afk-project/afk-core/runtime/agent/policy"
	"github.com/afk-project/afk-core/runtime/agent/run"
	"github.com/afk-project/afk-core/runtime/agent/telemetry"
	"github.com/afk-project/afk-core/runtime/agent/tools"
	"github.com/afk-project/afk-core/runtime/delegation"
)

// Executor is the run executor (C7): it opens run handles, drives each run's
// main loop to a terminal state, and compacts thread history on request.
type Executor struct {
	Model      model.Client
	Journal    checkpoint.Journal
	Bus        hooks.Bus
	Broker     *interaction.Broker
	Memory     memory.Store
	RunStore   run.Store
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics

	// NewRunID mints a run identifier for Start. Tests substitute a
	// deterministic generator; production wires a ulid/uuid source.
	NewRunID func() string

	mu       sync.Mutex
	breakers map[string]*breakerState
}

func (e *Executor) breakerFor(runID string, fs agent.FailSafe) *breakerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.breakers == nil {
		e.breakers = make(map[string]*breakerState)
	}
	b, ok := e.breakers[runID]
	if !ok {
		b = newBreaker(fs.BreakerFailureThreshold, fs.BreakerCooldown)
		e.breakers[runID] = b
	}
	return b
}

// Start opens a new run for in.Agent and returns a RunHandle immediately;
// the main loop executes asynchronously and publishes events to the
// handle's Events channel until it reaches a terminal state.
func (e *Executor) Start(ctx context.Context, in StartInput) (*RunHandle, error) {
	if in.Agent == nil {
		return nil, fmt.Errorf("executor: start requires an agent")
	}
	runID := in.RunContext.RunID
	if runID == "" {
		if e.NewRunID == nil {
			return nil, fmt.Errorf("executor: no RunID provided and no NewRunID generator configured")
		}
		runID = e.NewRunID()
	}
	rc := in.RunContext
	rc.RunID = runID
	if rc.Labels == nil {
		rc.Labels = map[string]string{}
	}
	for k, v := range in.Context {
		rc.Labels[k] = v
	}

	handle := newRunHandle(runID, in.ThreadID)

	var transcript []*model.Message
	if in.UserMessage != "" {
		transcript = append(transcript, &model.Message{
			Role:  model.ConversationRoleUser,
			Parts: []model.Part{model.TextPart{Text: in.UserMessage}},
		})
	}

	exec := &runExecution{
		executor:   e,
		agent:      in.Agent,
		handle:     handle,
		rc:         rc,
		threadID:   in.ThreadID,
		transcript: transcript,
		status:     run.StatusRunning,
		startedAt:  time.Now(),
		breaker:    e.breakerFor(runID, in.Agent.FailSafe),
	}

	if e.RunStore != nil {
		_ = e.RunStore.Upsert(ctx, run.Record{
			AgentID:   in.Agent.Name,
			RunID:     runID,
			SessionID: rc.SessionID,
			TurnID:    rc.TurnID,
			Status:    run.StatusRunning,
			StartedAt: exec.startedAt,
			UpdatedAt: exec.startedAt,
			Labels:    rc.Labels,
		})
	}

	e.publish(ctx, handle, hooks.NewRunStartedEvent(runID, string(in.Agent.Name), rc, in.UserMessage))
	if e.Journal != nil {
		_ = writeFrame(ctx, e.Journal, runID, 0, checkpoint.PhaseRunStarted, map[string]any{"thread_id": in.ThreadID})
	}

	go exec.run(context.WithoutCancel(ctx))

	return handle, nil
}

// Resume reopens a run by RunID. If the journal already holds a terminal
// frame for the run, Resume returns a handle pre-resolved to that stored
// result without re-executing any steps. Otherwise it reconstructs the
// transcript from the memory store's recent thread events and continues
// the main loop from the next step.
func (e *Executor) Resume(ctx context.Context, in ResumeInput) (*RunHandle, error) {
	if in.Agent == nil {
		return nil, fmt.Errorf("executor: resume requires an agent")
	}
	handle := newRunHandle(in.RunID, in.ThreadID)

	resumeStep := 0
	if e.Journal != nil {
		if frame, err := e.Journal.Latest(ctx, in.RunID); err == nil {
			if frame.Phase == checkpoint.PhaseRunTerminal {
				var res Result
				if err := json.Unmarshal(frame.Payload, &res); err == nil {
					handle.finish(res, nil)
					return handle, nil
				}
			}
			resumeStep = frame.Step + 1
		}
	}

	rc := run.Context{RunID: in.RunID, SessionID: in.ThreadID, Attempt: 1, Labels: map[string]string{}}
	for k, v := range in.Context {
		rc.Labels[k] = v
	}

	var transcript []*model.Message
	if e.Memory != nil {
		events, err := e.Memory.GetRecentEvents(ctx, in.ThreadID, 200)
		if err == nil {
			transcript = transcriptFromEvents(events)
		}
	}

	exec := &runExecution{
		executor:   e,
		agent:      in.Agent,
		handle:     handle,
		rc:         rc,
		threadID:   in.ThreadID,
		transcript: transcript,
		step:       resumeStep,
		status:     run.StatusRunning,
		startedAt:  time.Now(),
		breaker:    e.breakerFor(in.RunID, in.Agent.FailSafe),
	}

	e.publish(ctx, handle, hooks.NewRunResumedEvent(in.RunID, string(in.Agent.Name), hooks.RunResumedData{
		Notes:        "resumed",
		MessageCount: len(transcript),
	}))
	if e.Journal != nil {
		_ = writeFrame(ctx, e.Journal, in.RunID, resumeStep, checkpoint.PhaseResumed, map[string]any{"thread_id": in.ThreadID})
	}

	go exec.run(context.WithoutCancel(ctx))

	return handle, nil
}

// Compact applies retention to threadID's event log via the configured
// memory store.
func (e *Executor) Compact(ctx context.Context, threadID string, retention memory.RetentionPolicy) (CompactionSummary, error) {
	if e.Memory == nil {
		return CompactionSummary{}, fmt.Errorf("executor: compact requires a configured memory store")
	}
	dropped, err := e.Memory.CompactThread(ctx, threadID, retention)
	if err != nil {
		return CompactionSummary{}, fmt.Errorf("executor: compact thread %q: %w", threadID, err)
	}
	return CompactionSummary{ThreadID: threadID, EventsDropped: dropped}, nil
}

func (e *Executor) publish(ctx context.Context, h *RunHandle, evt hooks.Event) {
	h.emit(evt)
	if e.Bus != nil {
		_ = e.Bus.Publish(ctx, evt)
	}
}

func writeFrame(ctx context.Context, j checkpoint.Journal, runID string, step int, phase checkpoint.Phase, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return j.WriteFrame(ctx, checkpoint.Frame{
		RunID:     runID,
		Step:      step,
		Phase:     phase,
		Timestamp: time.Now(),
		Payload:   raw,
	})
}

func transcriptFromEvents(events []memory.Event) []*model.Message {
	entries := make([]model.TranscriptEntry, 0, len(events))
	for _, e := range events {
		text, ok := e.Data.(string)
		if !ok {
			continue
		}
		role := model.ConversationRoleUser
		if e.Type == memory.EventAssistantMessage {
			role = model.ConversationRoleAssistant
		}
		entries = append(entries, model.TranscriptEntry{Role: role, Parts: []model.Part{model.TextPart{Text: text}}})
	}
	return model.BuildMessagesFromTranscript(entries)
}

// runExecution holds the mutable state of one run's main loop.
type runExecution struct {
	executor *Executor
	agent    *Agent
	handle   *RunHandle
	rc       run.Context
	threadID string

	transcript []*model.Message
	status     run.Status
	startedAt  time.Time
	step       int
	llmCalls   int
	toolCalls  int
	totalCost  float64

	paused    bool
	cancelled bool

	breaker *breakerState

	toolExecutions     []ToolExecutionRecord
	subagentExecutions []SubagentExecutionRecord
	usage              UsageAggregate
}

func (x *runExecution) run(ctx context.Context) {
	for {
		x.drainControl()

		if x.cancelled {
			x.finish(ctx, run.StatusCancelled, "")
			return
		}
		if x.paused {
			if err := x.awaitResume(ctx); err != nil {
				x.finish(ctx, run.StatusCancelled, err.Error())
				return
			}
			continue
		}

		if over, failClosed := x.budgetExceeded(); over {
			if failClosed || !x.hasPartialOutput() {
				x.finish(ctx, run.StatusFailed, "budget exceeded")
			} else {
				x.finish(ctx, run.StatusDegraded, "budget exceeded with partial output")
			}
			return
		}

		done, err := x.step0(ctx)
		if err != nil {
			if x.executor.Logger != nil {
				x.executor.Logger.Error(ctx, "run step failed", "run_id", x.rc.RunID, "step", x.step, "err", err)
			}
			x.finishWithCause(ctx, run.StatusFailed, err.Error(), err)
			return
		}
		if done {
			x.finish(ctx, run.StatusCompleted, "")
			return
		}
		x.step++
	}
}

func (x *runExecution) drainControl() {
	for {
		select {
		case sig := <-x.handle.control:
			switch sig {
			case signalPause:
				x.paused = true
			case signalResume:
				x.paused = false
			case signalCancel, signalInterrupt:
				x.cancelled = true
			}
		default:
			return
		}
	}
}

func (x *runExecution) awaitResume(ctx context.Context) error {
	x.executor.publish(ctx, x.handle, hooks.NewRunPausedEvent(x.rc.RunID, string(x.agent.Name), hooks.RunPausedData{Reason: "pause requested"}))
	if x.executor.Journal != nil {
		_ = writeFrame(ctx, x.executor.Journal, x.rc.RunID, x.step, checkpoint.PhasePaused, map[string]any{})
	}
	for {
		select {
		case sig := <-x.handle.control:
			switch sig {
			case signalResume:
				x.paused = false
				x.executor.publish(ctx, x.handle, hooks.NewRunResumedEvent(x.rc.RunID, string(x.agent.Name), hooks.RunResumedData{Notes: "resume requested"}))
				if x.executor.Journal != nil {
					_ = writeFrame(ctx, x.executor.Journal, x.rc.RunID, x.step, checkpoint.PhaseResumed, map[string]any{})
				}
				return nil
			case signalCancel, signalInterrupt:
				x.cancelled = true
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// budgetExceeded reports whether any configured FailSafe bound has been
// exceeded, and whether that bound's policy demands a hard fail rather than
// a degrade-if-partial outcome.
func (x *runExecution) budgetExceeded() (exceeded, failClosed bool) {
	fs := x.agent.FailSafe
	if fs.MaxSteps > 0 && x.step >= fs.MaxSteps {
		return true, fs.LLMFailurePolicy == agent.FailurePolicyFailFast
	}
	if fs.MaxWallTime > 0 && time.Since(x.startedAt) >= fs.MaxWallTime {
		return true, fs.LLMFailurePolicy == agent.FailurePolicyFailFast
	}
	if fs.MaxLLMCalls > 0 && x.llmCalls >= fs.MaxLLMCalls {
		return true, fs.LLMFailurePolicy == agent.FailurePolicyFailFast
	}
	if fs.MaxToolCalls > 0 && x.toolCalls >= fs.MaxToolCalls {
		return true, fs.EffectiveToolFailurePolicy() == agent.FailurePolicyFailFast
	}
	if fs.MaxTotalCost != nil && x.totalCost >= *fs.MaxTotalCost {
		return true, true
	}
	return false, false
}

func (x *runExecution) hasPartialOutput() bool {
	for _, m := range x.transcript {
		if m.Role == model.ConversationRoleAssistant {
			return true
		}
	}
	return false
}

// step0 executes one main-loop step: model call, tool batch, sub-agent
// batch, in that order. It returns done=true when the model signalled
// completion with no further tool/sub-agent work produced.
func (x *runExecution) step0(ctx context.Context) (bool, error) {
	e := x.executor
	e.publish(ctx, x.handle, hooks.NewStepStartedEvent(x.rc.RunID, string(x.agent.Name), x.step))

	instructionText, err := x.resolveInstructions(ctx)
	if err != nil {
		return false, fmt.Errorf("executor: resolve instructions: %w", err)
	}

	if e.Journal != nil {
		_ = writeFrame(ctx, e.Journal, x.rc.RunID, x.step, checkpoint.PhasePreLLM, map[string]any{})
	}

	resp, err := x.callModel(ctx, instructionText)
	if e.Journal != nil {
		frame := map[string]any{"err": errString(err)}
		if err == nil {
			frame["content"] = resp.Content
			frame["stop_reason"] = resp.StopReason
		}
		_ = writeFrame(ctx, e.Journal, x.rc.RunID, x.step, checkpoint.PhasePostLLM, frame)
	}
	if err != nil {
		policyAction := x.agent.FailSafe.LLMFailurePolicy
		if policyAction == "" {
			policyAction = agent.FailurePolicyRetryThenFail
		}
		if policyAction == agent.FailurePolicyContinue || policyAction == agent.FailurePolicyContinueWithError {
			x.appendAssistantText(fmt.Sprintf("model call failed: %v", err))
			return false, nil
		}
		return false, err
	}

	for i := range resp.Content {
		x.transcript = append(x.transcript, &resp.Content[i])
	}
	x.usage.Add(resp.Usage)

	drainedCancel := false
	if len(resp.ToolCalls) > 0 {
		drainedCancel, err = x.runToolBatch(ctx, resp.ToolCalls)
		if err != nil {
			return false, err
		}
	}
	if drainedCancel {
		x.cancelled = true
		return false, nil
	}

	subagentWork := false
	if x.agent.Router != nil {
		subagentWork, err = x.runSubagentBatch(ctx)
		if err != nil {
			return false, err
		}
	}

	x.drainControl()
	if x.cancelled {
		return false, nil
	}

	if len(resp.ToolCalls) == 0 && !subagentWork && resp.StopReason != "" && resp.StopReason != "tool_use" {
		return true, nil
	}
	return false, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (x *runExecution) resolveInstructions(ctx context.Context) (string, error) {
	if x.agent.Instructions == nil {
		return "", nil
	}
	return x.agent.Instructions.Resolve(ctx, x.rc)
}

func (x *runExecution) callModel(ctx context.Context, instructions string) (*model.Response, error) {
	now := time.Now()
	if !x.breaker.allow(now) {
		return nil, fmt.Errorf("executor: circuit breaker open for run %s", x.rc.RunID)
	}

	messages := make([]*model.Message, 0, len(x.transcript)+1)
	if instructions != "" {
		messages = append(messages, &model.Message{Role: model.ConversationRoleSystem, Parts: []model.Part{model.TextPart{Text: instructions}}})
	}
	messages = append(messages, x.transcript...)

	tools := x.agent.Tools
	if x.agent.ToolExecutor == nil {
		tools = nil
	}
	if x.agent.Policy != nil {
		decision, err := x.agent.Policy.Decide(ctx, policy.Input{
			EventType:  policy.EventLLMBeforeCall,
			RunContext: x.rc,
		})
		if err != nil {
			return nil, fmt.Errorf("executor: policy decide llm_before_call: %w", err)
		}
		x.publishPolicyDecision(ctx, policy.EventLLMBeforeCall, decision)
		if decision.Action == policy.ActionDeny {
			return nil, fmt.Errorf("executor: llm call denied by policy: %s", decision.Reason)
		}
		if len(decision.AllowedTools) > 0 {
			tools = filterToolDefinitions(tools, decision.AllowedTools)
		}
	}

	req := &model.Request{
		RunID:      x.rc.RunID,
		Model:      x.agent.Model,
		ModelClass: x.agent.ModelClass,
		Messages:   messages,
		Tools:      tools,
	}

	x.executor.publish(ctx, x.handle, hooks.NewLLMCalledEvent(x.rc.RunID, string(x.agent.Name), x.step, hooks.LLMCalledData{
		Model:        x.agent.Model,
		MessageCount: len(messages),
		ToolCount:    len(tools),
	}))

	start := time.Now()
	resp, err := x.executor.Model.Complete(ctx, req)
	latency := time.Since(start)
	x.llmCalls++

	if err != nil {
		x.breaker.recordFailure(time.Now())
		x.executor.publish(ctx, x.handle, hooks.NewLLMCompletedEvent(x.rc.RunID, string(x.agent.Name), x.step, hooks.LLMCompletedData{
			Model: x.agent.Model, Latency: latency, Err: err.Error(),
		}))
		return nil, fmt.Errorf("executor: model call: %w", err)
	}
	x.breaker.recordSuccess()
	if x.executor.Metrics != nil {
		x.executor.Metrics.RecordTimer("executor.llm_call", latency, "agent", string(x.agent.Name))
	}
	x.executor.publish(ctx, x.handle, hooks.NewLLMCompletedEvent(x.rc.RunID, string(x.agent.Name), x.step, hooks.LLMCompletedData{
		Model:        x.agent.Model,
		StopReason:   resp.StopReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Latency:      latency,
	}))
	return resp, nil
}

// filterToolDefinitions narrows defs to the names present in allowed,
// preserving defs' original order.
func filterToolDefinitions(defs []*model.ToolDefinition, allowed []tools.Ident) []*model.ToolDefinition {
	keep := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		keep[string(a)] = true
	}
	out := make([]*model.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if keep[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

func (x *runExecution) publishPolicyDecision(ctx context.Context, et policy.EventType, d policy.Decision) {
	x.executor.publish(ctx, x.handle, hooks.NewPolicyDecisionEvent(x.rc.RunID, string(x.agent.Name), x.step, hooks.PolicyDecisionData{
		EventType:  string(et),
		Action:     string(d.Action),
		Reason:     d.Reason,
		MatchedIDs: d.MatchedRuleIDs,
	}))
}

func (x *runExecution) appendAssistantText(text string) {
	x.transcript = append(x.transcript, &model.Message{
		Role:  model.ConversationRoleAssistant,
		Parts: []model.Part{model.TextPart{Text: text}},
	})
}

func (x *runExecution) finish(ctx context.Context, status run.Status, errMsg string) {
	x.finishWithCause(ctx, status, errMsg, nil)
}

// finishWithCause behaves like finish but additionally takes the original
// error (when one exists) so a failed/degraded run's event can carry a
// stable, UI-safe PublicError message alongside the raw Err string.
func (x *runExecution) finishWithCause(ctx context.Context, status run.Status, errMsg string, cause error) {
	x.status = status
	res := Result{
		RunID:              x.rc.RunID,
		ThreadID:           x.threadID,
		State:              status,
		FinalText:          finalText(x.transcript),
		ToolExecutions:     x.toolExecutions,
		SubagentExecutions: x.subagentExecutions,
		Usage:              x.usage,
		Err:                errMsg,
	}

	e := x.executor
	var evt hooks.Event
	switch status {
	case run.StatusCompleted:
		evt = hooks.NewRunCompletedEvent(x.rc.RunID, string(x.agent.Name), "success", nil)
	case run.StatusFailed:
		evt = hooks.NewRunFailedEvent(x.rc.RunID, string(x.agent.Name), hooks.RunTerminalData{
			Status:      "failed",
			Err:         errMsg,
			PublicError: publicErrorFor(cause),
		})
	case run.StatusDegraded:
		evt = hooks.NewRunCompletedEvent(x.rc.RunID, string(x.agent.Name), "degraded", fmt.Errorf("%s", errMsg))
	case run.StatusCancelled:
		evt = hooks.NewRunCancelledEvent(x.rc.RunID, string(x.agent.Name), hooks.RunTerminalData{Status: "cancelled"})
	default:
		evt = hooks.NewRunCompletedEvent(x.rc.RunID, string(x.agent.Name), string(status), nil)
	}
	e.publish(ctx, x.handle, evt)

	if e.Journal != nil {
		raw, _ := json.Marshal(res)
		_ = e.Journal.WriteFrame(ctx, checkpoint.Frame{
			RunID:     x.rc.RunID,
			Step:      x.step,
			Phase:     checkpoint.PhaseRunTerminal,
			Timestamp: time.Now(),
			Payload:   raw,
		})
	}
	if e.RunStore != nil {
		_ = e.RunStore.Upsert(ctx, run.Record{
			AgentID:   x.agent.Name,
			RunID:     x.rc.RunID,
			SessionID: x.rc.SessionID,
			TurnID:    x.rc.TurnID,
			Status:    status,
			StartedAt: x.startedAt,
			UpdatedAt: time.Now(),
			Labels:    x.rc.Labels,
		})
	}

	x.handle.finish(res, nil)
}

// boundsOf returns r's declared truncation metadata when its Content
// implements agent.BoundedResult, nil otherwise.
func boundsOf(r model.ToolResultPart) *agent.Bounds {
	bounded, ok := r.Content.(agent.BoundedResult)
	if !ok {
		return nil
	}
	b := bounded.Bounds()
	return &b
}

// publicErrorFor maps a run failure's cause to a stable, UI-safe message.
// Provider failures are classified by model.ProviderErrorKind; a context
// deadline is reported as a timeout; anything else falls back to a generic
// internal-error message. Returns "" when cause is nil.
func publicErrorFor(cause error) string {
	if cause == nil {
		return ""
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return hooks.PublicErrorTimeout
	}
	if pe, ok := model.AsProviderError(cause); ok {
		switch pe.Kind() {
		case model.ProviderErrorKindAuth:
			return hooks.PublicErrorProviderAuth
		case model.ProviderErrorKindInvalidRequest:
			return hooks.PublicErrorProviderInvalidRequest
		case model.ProviderErrorKindRateLimited:
			return hooks.PublicErrorProviderRateLimited
		case model.ProviderErrorKindUnavailable:
			return hooks.PublicErrorProviderUnavailable
		case model.ProviderErrorKindUnknown:
			return hooks.PublicErrorProviderUnknown
		default:
			return hooks.PublicErrorProviderDefault
		}
	}
	return hooks.PublicErrorInternal
}

func finalText(transcript []*model.Message) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		m := transcript[i]
		if m.Role != model.ConversationRoleAssistant {
			continue
		}
		for _, p := range m.Parts {
			if tp, ok := p.(model.TextPart); ok {
				return tp.Text
			}
		}
	}
	return ""
}

// runToolBatch executes resp's tool calls, gated by policy, up to
// MaxParallelTools concurrently, and appends their results to the
// transcript in the deterministic order the model emitted them. It returns
// drainedCancel=true if a cancel signal arrived while the batch was
// in-flight, so the caller can let the batch finish draining before
// transitioning to cancelled.
func (x *runExecution) runToolBatch(ctx context.Context, calls []model.ToolCall) (bool, error) {
	e := x.executor
	ids := make([]string, len(calls))
	for i, c := range calls {
		ids[i] = c.ID
	}
	e.publish(ctx, x.handle, hooks.NewToolBatchStartedEvent(x.rc.RunID, string(x.agent.Name), x.step, hooks.ToolBatchStartedData{ToolCallIDs: ids}))
	if e.Journal != nil {
		_ = writeFrame(ctx, e.Journal, x.rc.RunID, x.step, checkpoint.PhasePreToolBatch, map[string]any{"tool_call_ids": ids})
	}

	maxParallel := x.agent.FailSafe.MaxParallelTools
	if maxParallel <= 0 {
		maxParallel = len(calls)
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}
	sem := semaphore.NewWeighted(int64(maxParallel))

	results := make([]model.ToolResultPart, len(calls))
	records := make([]ToolExecutionRecord, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		x.toolCalls++
		allowed, rewritten, denyReason := x.evaluateToolPolicy(ctx, call)
		if !allowed {
			results[i] = model.ToolResultPart{ToolUseID: call.ID, Content: denyReason, IsError: true}
			records[i] = ToolExecutionRecord{ToolCallID: call.ID, ToolName: call.Name, Success: false, Err: denyReason}
			continue
		}
		if rewritten != nil {
			call.Payload = rewritten
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = model.ToolResultPart{ToolUseID: call.ID, Content: err.Error(), IsError: true}
			records[i] = ToolExecutionRecord{ToolCallID: call.ID, ToolName: call.Name, Success: false, Err: err.Error()}
			continue
		}
		wg.Add(1)
		go func(i int, call model.ToolCall) {
			defer wg.Done()
			defer sem.Release(1)
			start := time.Now()
			result, err := x.agent.ToolExecutor.Execute(ctx, call)
			latency := time.Since(start)
			success := err == nil && !result.IsError
			errMsg := ""
			if err != nil {
				errMsg = err.Error()
				result = model.ToolResultPart{ToolUseID: call.ID, Content: errMsg, IsError: true}
			}
			results[i] = result
			bounds := boundsOf(result)
			records[i] = ToolExecutionRecord{ToolCallID: call.ID, ToolName: call.Name, Success: success, Err: errMsg, Latency: latency, Bounds: bounds}
			e.publish(ctx, x.handle, hooks.NewToolCompletedEvent(x.rc.RunID, string(x.agent.Name), x.step, hooks.ToolCompletedData{
				ToolCallID: call.ID, ToolName: string(call.Name), Success: success, Err: errMsg, Latency: latency, Bounds: bounds,
			}))
		}(i, call)
	}
	wg.Wait()

	for _, r := range results {
		x.transcript = append(x.transcript, &model.Message{
			Role:  model.ConversationRoleUser,
			Parts: []model.Part{r},
		})
	}
	x.toolExecutions = append(x.toolExecutions, records...)

	if e.Journal != nil {
		_ = writeFrame(ctx, e.Journal, x.rc.RunID, x.step, checkpoint.PhasePostToolBatch, map[string]any{})
	}

	x.drainControl()
	return x.cancelled, nil
}

func (x *runExecution) evaluateToolPolicy(ctx context.Context, call model.ToolCall) (allowed bool, rewritten json.RawMessage, reason string) {
	if x.agent.Policy == nil {
		return true, nil, ""
	}
	decision, err := x.agent.Policy.Decide(ctx, policy.Input{
		EventType:  policy.EventToolBeforeExecute,
		RunContext: x.rc,
		Requested:  call.Name,
		RequestedArgs: call.Payload,
	})
	if err != nil {
		return false, nil, err.Error()
	}
	x.publishPolicyDecision(ctx, policy.EventToolBeforeExecute, decision)

	switch decision.Action {
	case policy.ActionAllow:
		return true, decision.RewrittenArgs, ""
	case policy.ActionDeny:
		return x.applyApprovalDenial(decision.Reason)
	case policy.ActionRequestApproval:
		if x.executor.Broker == nil {
			return x.applyApprovalDenial("approval required but no interaction broker configured")
		}
		ok, err := x.executor.Broker.RequestApproval(ctx, interaction.ApprovalRequest{
			RunID: x.rc.RunID, ThreadID: x.threadID, Step: x.step, Reason: decision.Reason, Payload: decision.RequestPayload,
		})
		if err != nil || !ok {
			return x.applyApprovalDenial("approval denied")
		}
		return true, decision.RewrittenArgs, ""
	case policy.ActionRequestUserInput:
		if x.executor.Broker == nil {
			return x.applyApprovalDenial("user input required but no interaction broker configured")
		}
		ud, err := x.executor.Broker.RequestUserInput(ctx, interaction.UserInputRequest{
			RunID: x.rc.RunID, ThreadID: x.threadID, Step: x.step, Prompt: decision.Reason, Payload: decision.RequestPayload,
		})
		if err != nil || ud.Kind != interaction.DecisionAllow {
			return x.applyApprovalDenial("user input denied or unavailable")
		}
		return true, decision.RewrittenArgs, ""
	default:
		return x.applyApprovalDenial("deferred decision not resolved")
	}
}

func (x *runExecution) applyApprovalDenial(reason string) (bool, json.RawMessage, string) {
	switch x.agent.FailSafe.EffectiveApprovalDenialPolicy() {
	case agent.FailurePolicySkipAction, agent.FailurePolicyContinue, agent.FailurePolicyContinueWithError:
		return false, nil, reason
	default:
		return false, nil, reason
	}
}

// runSubagentBatch asks the agent's router whether this step should
// delegate to sub-agents and, if so, runs the resulting fan-out through the
// configured DelegationRunner, splicing a bridge message back into the
// transcript.
func (x *runExecution) runSubagentBatch(ctx context.Context) (bool, error) {
	if max := x.agent.FailSafe.MaxSubagentDepth; max > 0 && subagentDepth(x.rc) >= max {
		return false, nil
	}
	targets, parallel, err := x.agent.Router.Route(ctx, x.rc, x.transcript)
	if err != nil {
		return false, fmt.Errorf("executor: subagent router: %w", err)
	}
	if len(targets) == 0 {
		return false, nil
	}
	if max := x.agent.FailSafe.MaxSubagentFanoutPerStep; max > 0 && len(targets) > max {
		targets = targets[:max]
	}
	if x.agent.Delegation == nil {
		return false, fmt.Errorf("executor: router returned targets but no DelegationRunner is configured")
	}

	e := x.executor
	for _, t := range targets {
		e.publish(ctx, x.handle, hooks.NewSubagentStartedEvent(x.rc.RunID, string(x.agent.Name), x.step, hooks.SubagentStartedData{TargetAgent: t}))
	}

	res, err := x.agent.Delegation.Fanout(ctx, targets, parallel, delegation.PlanOptions{}, func() bool { x.drainControl(); return x.cancelled })
	if err != nil {
		policyAction := x.agent.FailSafe.EffectiveSubagentFailurePolicy()
		if policyAction == agent.FailurePolicyFailFast || policyAction == agent.FailurePolicyRetryThenFail {
			return false, fmt.Errorf("executor: delegation: %w", err)
		}
		x.appendAssistantText(fmt.Sprintf("sub-agent delegation failed: %v", err))
		return true, nil
	}

	for _, nr := range res.OrderedOutputs {
		e.publish(ctx, x.handle, hooks.NewSubagentCompletedEvent(x.rc.RunID, string(x.agent.Name), x.step, hooks.SubagentCompletedData{
			NodeID: nr.NodeID, TargetAgent: nr.TargetAgent, Status: string(nr.Status), Attempts: nr.Attempts,
		}))
		x.subagentExecutions = append(x.subagentExecutions, SubagentExecutionRecord{
			NodeID: nr.NodeID, TargetAgent: nr.TargetAgent, Status: nr.Status, Attempts: nr.Attempts,
		})
	}

	x.appendAssistantText(bridgeMessage(res))
	return true, nil
}

// subagentDepth reads the caller-tracked nesting depth from rc.Labels,
// defaulting to 0 for a top-level run. Nested executions are expected to
// carry a "subagent_depth" label set one past their parent's.
func subagentDepth(rc run.Context) int {
	raw, ok := rc.Labels["subagent_depth"]
	if !ok {
		return 0
	}
	var depth int
	if _, err := fmt.Sscanf(raw, "%d", &depth); err != nil {
		return 0
	}
	return depth
}

// bridgeMessage renders a delegation Result as a transcript-visible summary
// so the parent agent's next step can reason over sub-agent output without
// needing structural access to delegation.Result.
func bridgeMessage(res delegation.Result) string {
	msg := fmt.Sprintf("sub-agent delegation %s: %d succeeded, %d failed", res.FinalStatus, res.SuccessCount, res.FailureCount)
	for _, nr := range res.OrderedOutputs {
		if nr.Success {
			msg += fmt.Sprintf("\n- %s (%s): %v", nr.NodeID, nr.TargetAgent, nr.Output)
		} else {
			msg += fmt.Sprintf("\n- %s (%s): error: %s", nr.NodeID, nr.TargetAgent, nr.Error)
		}
	}
	return msg
}

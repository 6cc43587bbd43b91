// Package executor implements the run executor (C7): the per-agent main
// loop that resolves instructions, calls the model transport, dispatches
// policy-gated tool calls and sub-agent delegation, writes checkpoints, and
// drives a run through its state machine to a terminal outcome.
package executor

import (
	"context"
	"time"

	"github.com/afk-project/afk-core/runtime/agent"
	"github.com/afk-project/afk-core/runtime/agent/model"
	"github.com/afk-project/afk-core/runtime/agent/policy"
	"github.com/afk-project/afk-core/runtime/agent/run"
	"github.com/afk-project/afk-core/runtime/agent/tools"
	"github.com/afk-project/afk-core/runtime/delegation"
)

// Instructions resolves the system prompt text for a step. instructions.go
// provides inline, template-file and auto-derived implementations; an Agent
// holds exactly one, and they are not chained.
type Instructions interface {
	Resolve(ctx context.Context, rc run.Context) (string, error)
}

// ToolExecutor executes a single tool call on behalf of a run. Implementations
// typically dispatch to Goa service methods or in-process handlers keyed by
// call.Name.
type ToolExecutor interface {
	Execute(ctx context.Context, call model.ToolCall) (model.ToolResultPart, error)
}

// SubagentRouter decides whether the current step should delegate to one or
// more sub-agents, given the run context and transcript so far. It mirrors
// the router contract used to produce a targets/parallel routing decision
// from a candidate list of agent names.
type SubagentRouter interface {
	Route(ctx context.Context, rc run.Context, transcript []*model.Message) (targets []string, parallel bool, err error)
}

// DelegationRunner executes a sub-agent fan-out, decoupling the executor
// from delegation's concrete construction so tests can substitute a stub.
// Production code wires this directly to a *delegation.Engine.
type DelegationRunner interface {
	Fanout(ctx context.Context, targets []string, parallel bool, opts delegation.PlanOptions, cancelRequested func() bool) (delegation.Result, error)
}

// Agent is a run-able agent definition: its model binding, instruction
// source, tool set, sub-agent router, policy evaluator, and fail-safe
// bounds.
type Agent struct {
	// Name identifies this agent; it seeds auto-derived instruction
	// filenames and labels emitted events/checkpoints.
	Name agent.Ident

	// Model selects the model family/identifier used for this agent's
	// calls when the caller's Request does not override it.
	ModelClass model.ModelClass
	Model      string

	// Instructions resolves the system prompt for each step.
	Instructions Instructions

	// Tools lists the tool definitions surfaced to the model.
	Tools []*model.ToolDefinition
	// ToolExecutor dispatches approved tool calls. Nil means this agent
	// offers no tools regardless of Tools.
	ToolExecutor ToolExecutor

	// Router decides sub-agent delegation for a step. Nil disables
	// delegation for this agent.
	Router SubagentRouter
	// Delegation executes a routed fan-out. Required when Router is set.
	Delegation DelegationRunner

	// Policy evaluates tool/subagent/model-call gating for this agent. Nil
	// means every action is implicitly allowed.
	Policy *policy.Engine

	// FailSafe bounds this agent's resource consumption and failure
	// handling per action kind.
	FailSafe agent.FailSafe

	// InheritContextKeys names run.Context.Labels keys for delegated
	// sub-agent runs. The executor does not read this field; no labels are
	// passed to delegated runs through it.
	InheritContextKeys []string
}

// StartInput carries the caller-supplied parameters for Executor.Start.
type StartInput struct {
	Agent       *Agent
	ThreadID    string
	UserMessage string
	Context     map[string]string
	RunContext  run.Context
}

// ResumeInput carries the caller-supplied parameters for Executor.Resume.
type ResumeInput struct {
	Agent    *Agent
	RunID    string
	ThreadID string
	Context  map[string]string
}

// UsageAggregate accumulates token consumption across an entire run.
type UsageAggregate struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Add folds u2 into u.
func (u *UsageAggregate) Add(u2 model.TokenUsage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.TotalTokens += u2.TotalTokens
}

// ToolExecutionRecord summarizes one executed (or skipped/denied) tool call
// for inclusion in the terminal Result.
type ToolExecutionRecord struct {
	ToolCallID string
	ToolName   tools.Ident
	Success    bool
	Err        string
	Latency    time.Duration
	// Bounds reports truncation metadata when the tool's result implements
	// agent.BoundedResult, nil otherwise.
	Bounds *agent.Bounds
}

// SubagentExecutionRecord summarizes one delegation node's outcome for
// inclusion in the terminal Result.
type SubagentExecutionRecord struct {
	NodeID      string
	TargetAgent string
	Status      delegation.NodeStatus
	Attempts    int
}

// Result is the terminal payload of a completed, failed, degraded, or
// cancelled run.
type Result struct {
	RunID    string
	ThreadID string
	State    run.Status

	FinalText string

	ToolExecutions     []ToolExecutionRecord
	SubagentExecutions []SubagentExecutionRecord
	Usage              UsageAggregate
	StateSnapshot      map[string]any

	Err string
}

// CompactionSummary reports the outcome of a compact() operation.
type CompactionSummary struct {
	ThreadID      string
	EventsDropped int
}

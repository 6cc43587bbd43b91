package agent

import "time"

// FailurePolicy selects how the run executor reacts when an action kind
// (model call, tool call, sub-agent delegation, or a policy-denied action)
// fails.
type FailurePolicy string

const (
	// FailurePolicyRetryThenFail retries up to the action's retry budget,
	// then transitions the run to failed.
	FailurePolicyRetryThenFail FailurePolicy = "retry_then_fail"
	// FailurePolicyRetryThenDegrade retries up to the action's retry budget,
	// then transitions the run to degraded if partial output exists.
	FailurePolicyRetryThenDegrade FailurePolicy = "retry_then_degrade"
	// FailurePolicyFailFast transitions the run to failed immediately.
	FailurePolicyFailFast FailurePolicy = "fail_fast"
	// FailurePolicyContinueWithError records the error on the transcript and
	// continues the run without retrying.
	FailurePolicyContinueWithError FailurePolicy = "continue_with_error"
	// FailurePolicyRetryThenContinue retries up to the action's retry
	// budget, then continues with the error recorded.
	FailurePolicyRetryThenContinue FailurePolicy = "retry_then_continue"
	// FailurePolicyContinue ignores the failure and continues the run.
	FailurePolicyContinue FailurePolicy = "continue"
	// FailurePolicyFailRun transitions the run to failed.
	FailurePolicyFailRun FailurePolicy = "fail_run"
	// FailurePolicySkipAction skips the failed action and continues.
	FailurePolicySkipAction FailurePolicy = "skip_action"
)

// FailSafe bounds a single agent's resource consumption and defines how it
// reacts to each action kind's failure. The run executor enforces these
// limits at step boundaries and before dispatching model/tool/sub-agent
// work; when a budget is exceeded mid-step, the run transitions to degraded
// (partial output exists) or failed.
type FailSafe struct {
	// MaxSteps caps the number of main-loop steps. Zero means unbounded.
	MaxSteps int
	// MaxWallTime caps the run's total wall-clock duration. Zero means
	// unbounded.
	MaxWallTime time.Duration
	// MaxLLMCalls caps the number of model invocations across the run.
	MaxLLMCalls int
	// MaxToolCalls caps the number of tool invocations across the run.
	MaxToolCalls int
	// MaxParallelTools bounds how many tool calls from a single model
	// response batch execute concurrently.
	MaxParallelTools int
	// MaxSubagentDepth bounds the nesting depth of agent-as-tool
	// delegation; a run at this depth may not schedule further sub-agents.
	MaxSubagentDepth int
	// MaxSubagentFanoutPerStep bounds how many sub-agent nodes a single
	// step's delegation plan may schedule.
	MaxSubagentFanoutPerStep int
	// MaxTotalCost optionally caps accumulated provider cost for the run.
	// Nil means unbounded.
	MaxTotalCost *float64

	// FallbackModelChain lists model identifiers to retry against, in
	// order, when the primary model transport reports a provider failure.
	FallbackModelChain []string

	// BreakerFailureThreshold is the number of consecutive model-call
	// failures that opens the circuit breaker.
	BreakerFailureThreshold int
	// BreakerCooldown is how long the breaker stays open before permitting
	// a single probe call.
	BreakerCooldown time.Duration

	// LLMFailurePolicy governs model-call failures.
	LLMFailurePolicy FailurePolicy
	// ToolFailurePolicy governs tool-call failures. Defaults to
	// FailurePolicyContinueWithError when empty.
	ToolFailurePolicy FailurePolicy
	// SubagentFailurePolicy governs sub-agent delegation failures. Defaults
	// to FailurePolicyContinue (with a degraded bridge message) when empty.
	SubagentFailurePolicy FailurePolicy
	// ApprovalDenialPolicy governs actions the policy evaluator denied.
	// Defaults to FailurePolicySkipAction when empty.
	ApprovalDenialPolicy FailurePolicy
}

// EffectiveToolFailurePolicy returns ToolFailurePolicy, defaulting to
// FailurePolicyContinueWithError.
func (f FailSafe) EffectiveToolFailurePolicy() FailurePolicy {
	if f.ToolFailurePolicy == "" {
		return FailurePolicyContinueWithError
	}
	return f.ToolFailurePolicy
}

// EffectiveSubagentFailurePolicy returns SubagentFailurePolicy, defaulting
// to FailurePolicyContinue.
func (f FailSafe) EffectiveSubagentFailurePolicy() FailurePolicy {
	if f.SubagentFailurePolicy == "" {
		return FailurePolicyContinue
	}
	return f.SubagentFailurePolicy
}

// EffectiveApprovalDenialPolicy returns ApprovalDenialPolicy, defaulting to
// FailurePolicySkipAction.
func (f FailSafe) EffectiveApprovalDenialPolicy() FailurePolicy {
	if f.ApprovalDenialPolicy == "" {
		return FailurePolicySkipAction
	}
	return f.ApprovalDenialPolicy
}

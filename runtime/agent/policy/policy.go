// Package policy implements the policy evaluator (C3): a deterministic rule
// engine evaluated first, followed by dynamic policy roles in declaration
// order, where the first non-allow decision wins and short-circuits.
package policy

import (
	"context"
	"encoding/json"

	"github.com/afk-project/afk-core/runtime/agent/run"
	"github.com/afk-project/afk-core/runtime/agent/tools"
)

// EventType identifies the kind of action the policy evaluator is being
// asked to gate.
type EventType string

const (
	// EventLLMBeforeCall fires before a model invocation.
	EventLLMBeforeCall EventType = "llm_before_call"
	// EventToolBeforeExecute fires before a single tool call executes.
	EventToolBeforeExecute EventType = "tool_before_execute"
	// EventSubagentBeforeExecute fires before a delegation node dispatches.
	EventSubagentBeforeExecute EventType = "subagent_before_execute"
)

// Action is the policy evaluator's decision for one evaluated event.
type Action string

const (
	// ActionAllow permits the action to proceed unchanged.
	ActionAllow Action = "allow"
	// ActionDeny blocks the action.
	ActionDeny Action = "deny"
	// ActionDefer postpones the decision. The run executor does not
	// re-evaluate a deferred decision: it refuses the tool call.
	ActionDefer Action = "defer"
	// ActionRequestApproval routes the action through the interaction
	// broker for human approval before proceeding.
	ActionRequestApproval Action = "request_approval"
	// ActionRequestUserInput routes the action through the interaction
	// broker to collect additional user input before proceeding.
	ActionRequestUserInput Action = "request_user_input"
)

type (
	// ToolMetadata describes a tool candidate being evaluated, used by
	// rules that filter on tags or identifiers.
	ToolMetadata struct {
		ID   tools.Ident
		Tags []string
	}

	// RetryHint carries planner-supplied guidance about a prior failed
	// attempt, letting the policy evaluator narrow the next attempt (e.g.
	// restrict to a single tool).
	RetryHint struct {
		Tool           tools.Ident
		Reason         string
		RestrictToTool bool
	}

	// CapsState carries the remaining fail-safe budget at evaluation time,
	// letting rules make budget-aware decisions (e.g. deny further tool
	// calls once the remaining count reaches zero).
	CapsState struct {
		RemainingToolCalls    int
		RemainingLLMCalls     int
		RemainingSubagentFanout int
	}

	// Input is the event-specific context passed to Decide.
	Input struct {
		// EventType identifies which action kind is being evaluated.
		EventType EventType
		// RunContext snapshots the current run's execution metadata.
		RunContext run.Context
		// Tools lists candidate tools under consideration (populated for
		// EventToolBeforeExecute and EventLLMBeforeCall).
		Tools []ToolMetadata
		// Requested is the specific tool/subagent identifier this event
		// concerns, when the event is about a single action rather than a
		// batch.
		Requested tools.Ident
		// RequestedArgs carries the action's proposed arguments, available
		// for rewriting.
		RequestedArgs json.RawMessage
		// RetryHint carries planner guidance from a previous failed
		// attempt, if any.
		RetryHint *RetryHint
		// RemainingCaps reports the fail-safe budget remaining.
		RemainingCaps CapsState
		// Labels carries caller-supplied metadata for rule matching.
		Labels map[string]string
	}

	// Decision is the policy evaluator's verdict for one Input.
	Decision struct {
		// Action is the verdict.
		Action Action
		// Reason is an optional human-readable explanation.
		Reason string
		// RewrittenArgs replaces the action's arguments when non-nil.
		RewrittenArgs json.RawMessage
		// RequestPayload carries data for the interaction broker when
		// Action is ActionRequestApproval or ActionRequestUserInput.
		RequestPayload map[string]any
		// MatchedRuleIDs lists the rule engine rule(s) (and/or dynamic
		// policy role names) that produced this decision.
		MatchedRuleIDs []string
		// AllowedTools narrows the candidate set for batch evaluations
		// (EventLLMBeforeCall); empty means no narrowing.
		AllowedTools []tools.Ident
		// Caps carries the (possibly adjusted) budget state forward.
		Caps CapsState
		// Metadata carries implementation-specific diagnostic data.
		Metadata map[string]any
	}

	// Rule is one deterministic rule-engine entry: Match reports whether
	// the rule applies to in; when it does, Decide computes the decision.
	// Rules are evaluated in slice order; a matching rule that allows lets
	// evaluation continue, and the first non-allow decision wins.
	Rule interface {
		ID() string
		Match(in Input) bool
		Decide(in Input) Decision
	}

	// Role is a dynamic policy role evaluated after the rule engine when
	// the rule engine did not produce a non-allow decision. Roles are
	// evaluated in declaration order; the first non-allow decision wins.
	Role interface {
		Name() string
		Decide(ctx context.Context, in Input) (Decision, error)
	}

	// Engine evaluates an Input against a deterministic rule engine first,
	// then dynamic roles, per §4.4's evaluation order.
	Engine struct {
		rules []Rule
		roles []Role
	}
)

// allowDecision is returned when neither the rule engine nor any role
// produces a non-allow decision.
func allowDecision(caps CapsState) Decision {
	return Decision{Action: ActionAllow, Caps: caps}
}

// New constructs an Engine evaluating rules (in order) before roles (in
// order).
func New(rules []Rule, roles []Role) *Engine {
	return &Engine{rules: rules, roles: roles}
}

// Decide evaluates in against the deterministic rule engine, then dynamic
// roles in declaration order. The first non-allow decision short-circuits
// and is returned; if every rule and role allows (or none match), Decide
// returns ActionAllow.
func (e *Engine) Decide(ctx context.Context, in Input) (Decision, error) {
	for _, r := range e.rules {
		if !r.Match(in) {
			continue
		}
		d := r.Decide(in)
		if d.MatchedRuleIDs == nil {
			d.MatchedRuleIDs = []string{r.ID()}
		}
		if d.Action != ActionAllow {
			return d, nil
		}
	}
	for _, role := range e.roles {
		d, err := role.Decide(ctx, in)
		if err != nil {
			return Decision{}, err
		}
		if d.MatchedRuleIDs == nil {
			d.MatchedRuleIDs = []string{role.Name()}
		}
		if d.Action != ActionAllow {
			return d, nil
		}
	}
	return allowDecision(in.RemainingCaps), nil
}

// Package interaction implements the interaction broker (C4): request_approval
// and request_user_input decisions are routed to a configured Provider
// (headless with fallback, synchronous interactive, or external with
// deferred tokens). When a provider defers, the broker persists a paused
// checkpoint, emits run_paused, awaits the deferred result up to a
// configured timeout, then emits run_resumed and persists a resumed
// checkpoint whether the result arrived or the wait timed out; on timeout it
// returns the configured fallback.
package interaction

import (
	"context"
	"time"
)

// DecisionKind is the outcome of a resolved approval or user-input request.
type DecisionKind string

const (
	// DecisionAllow permits the gated action to proceed.
	DecisionAllow DecisionKind = "allow"
	// DecisionDeny blocks the gated action.
	DecisionDeny DecisionKind = "deny"
	// DecisionDefer indicates the provider could not resolve the request
	// immediately; callers only see this value transiently, between a
	// Provider call returning a DeferredDecision and the broker resolving
	// it via AwaitDeferred.
	DecisionDefer DecisionKind = "defer"
)

type (
	// ApprovalRequest is the payload shown to an approver.
	ApprovalRequest struct {
		RunID    string
		ThreadID string
		Step     int
		Reason   string
		Payload  map[string]any
	}

	// UserInputRequest is the payload shown to a human operator asked to
	// supply additional input.
	UserInputRequest struct {
		RunID    string
		ThreadID string
		Step     int
		Prompt   string
		Payload  map[string]any
	}

	// ApprovalDecision is the resolved outcome of an ApprovalRequest.
	ApprovalDecision struct {
		Kind   DecisionKind
		Reason string
	}

	// UserInputDecision is the resolved outcome of a UserInputRequest.
	UserInputDecision struct {
		Kind   DecisionKind
		Value  string
		Reason string
	}

	// DeferredDecision is returned by a Provider in place of an immediate
	// decision when resolution requires waiting on an external actor. Token
	// addresses the pending decision for a later AwaitDeferred call.
	DeferredDecision struct {
		Token   string
		Message string
	}
)

// Resolution is the result of a deferred wait: either an ApprovalDecision or
// a UserInputDecision, depending on which request the token was issued for.
type Resolution interface {
	isResolution()
}

func (ApprovalDecision) isResolution()  {}
func (UserInputDecision) isResolution() {}

// Provider resolves approval and user-input requests, either immediately or
// by issuing a deferred token that a later AwaitDeferred call resolves.
//
// RequestApproval and RequestUserInput return exactly one of (decision,
// deferred): a non-nil deferred return means the caller must use
// AwaitDeferred to obtain the eventual Resolution.
type Provider interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (*ApprovalDecision, *DeferredDecision, error)
	RequestUserInput(ctx context.Context, req UserInputRequest) (*UserInputDecision, *DeferredDecision, error)

	// AwaitDeferred blocks until token resolves or timeout elapses. A nil
	// Resolution with a nil error means the wait timed out; callers apply
	// their configured fallback in that case.
	AwaitDeferred(ctx context.Context, token string, timeout time.Duration) (Resolution, error)
}

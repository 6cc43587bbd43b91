package interaction

import (
	"context"
	"errors"
	"time"
)

// HeadlessProvider resolves every request immediately using a fixed fallback
// decision, with no deferral and no human in the loop. It is the default for
// unattended runs (batch jobs, CI) where no approver is reachable.
type HeadlessProvider struct {
	// ApprovalFallback is returned for every RequestApproval call.
	ApprovalFallback DecisionKind
	// InputFallback is returned for every RequestUserInput call.
	InputFallback DecisionKind
}

var _ Provider = (*HeadlessProvider)(nil)

// RequestApproval always resolves immediately with ApprovalFallback.
func (p *HeadlessProvider) RequestApproval(_ context.Context, _ ApprovalRequest) (*ApprovalDecision, *DeferredDecision, error) {
	return &ApprovalDecision{Kind: p.ApprovalFallback, Reason: "headless_fallback"}, nil, nil
}

// RequestUserInput always resolves immediately with InputFallback and no
// user-supplied value.
func (p *HeadlessProvider) RequestUserInput(_ context.Context, _ UserInputRequest) (*UserInputDecision, *DeferredDecision, error) {
	return &UserInputDecision{Kind: p.InputFallback, Reason: "headless_fallback"}, nil, nil
}

// AwaitDeferred never succeeds: HeadlessProvider never issues a token.
func (p *HeadlessProvider) AwaitDeferred(_ context.Context, _ string, _ time.Duration) (Resolution, error) {
	return nil, errors.New("interaction: headless provider never defers")
}

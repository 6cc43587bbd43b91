package interaction

import (
	"context"
	"errors"
	"time"
)

// SynchronousProvider resolves every request immediately by blocking the
// calling goroutine on a caller-supplied callback — e.g. a CLI prompt or a
// pre-connected operator terminal. Unlike ExternalProvider it never defers:
// the callback is expected to return once an operator responds.
type SynchronousProvider struct {
	// Approve is invoked for every RequestApproval call. Required.
	Approve func(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
	// Input is invoked for every RequestUserInput call. Required.
	Input func(ctx context.Context, req UserInputRequest) (UserInputDecision, error)
}

var _ Provider = (*SynchronousProvider)(nil)

// RequestApproval blocks on p.Approve and returns its result immediately.
func (p *SynchronousProvider) RequestApproval(ctx context.Context, req ApprovalRequest) (*ApprovalDecision, *DeferredDecision, error) {
	if p.Approve == nil {
		return nil, nil, errors.New("interaction: synchronous provider has no Approve callback")
	}
	d, err := p.Approve(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return &d, nil, nil
}

// RequestUserInput blocks on p.Input and returns its result immediately.
func (p *SynchronousProvider) RequestUserInput(ctx context.Context, req UserInputRequest) (*UserInputDecision, *DeferredDecision, error) {
	if p.Input == nil {
		return nil, nil, errors.New("interaction: synchronous provider has no Input callback")
	}
	d, err := p.Input(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return &d, nil, nil
}

// AwaitDeferred never succeeds: SynchronousProvider never issues a token.
func (p *SynchronousProvider) AwaitDeferred(_ context.Context, _ string, _ time.Duration) (Resolution, error) {
	return nil, errors.New("interaction: synchronous provider never defers")
}

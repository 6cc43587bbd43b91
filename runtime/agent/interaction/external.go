package interaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExternalProvider always defers: every request is handed off to an
// out-of-band system (an approvals UI, a chat bot, a ticketing webhook) and
// resolved later via ResolveDeferred. This is the provider for interactive
// deployments where the approver is not the process calling RequestApproval.
type ExternalProvider struct {
	mu      sync.Mutex
	pending map[string]chan Resolution
}

var _ Provider = (*ExternalProvider)(nil)

// NewExternalProvider constructs an empty ExternalProvider.
func NewExternalProvider() *ExternalProvider {
	return &ExternalProvider{pending: make(map[string]chan Resolution)}
}

// RequestApproval issues a new deferred token; the approval must be resolved
// out-of-band via ResolveDeferred.
func (p *ExternalProvider) RequestApproval(_ context.Context, req ApprovalRequest) (*ApprovalDecision, *DeferredDecision, error) {
	token := p.issueToken()
	return nil, &DeferredDecision{Token: token, Message: fmt.Sprintf("awaiting external approval: %s", req.Reason)}, nil
}

// RequestUserInput issues a new deferred token; the input must be resolved
// out-of-band via ResolveDeferred.
func (p *ExternalProvider) RequestUserInput(_ context.Context, req UserInputRequest) (*UserInputDecision, *DeferredDecision, error) {
	token := p.issueToken()
	return nil, &DeferredDecision{Token: token, Message: fmt.Sprintf("awaiting external input: %s", req.Prompt)}, nil
}

// AwaitDeferred blocks until token is resolved via ResolveDeferred, ctx is
// cancelled, or timeout elapses (returning a nil Resolution and nil error).
func (p *ExternalProvider) AwaitDeferred(ctx context.Context, token string, timeout time.Duration) (Resolution, error) {
	p.mu.Lock()
	ch, ok := p.pending[token]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("interaction: unknown deferred token %q", token)
	}
	defer p.forget(token)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResolveDeferred delivers res to the pending AwaitDeferred call for token.
// Returns an error if token is unknown (already resolved, timed out, or
// never issued).
func (p *ExternalProvider) ResolveDeferred(token string, res Resolution) error {
	p.mu.Lock()
	ch, ok := p.pending[token]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("interaction: unknown deferred token %q", token)
	}
	ch <- res
	return nil
}

func (p *ExternalProvider) issueToken() string {
	token := uuid.NewString()
	p.mu.Lock()
	p.pending[token] = make(chan Resolution, 1)
	p.mu.Unlock()
	return token
}

func (p *ExternalProvider) forget(token string) {
	p.mu.Lock()
	delete(p.pending, token)
	p.mu.Unlock()
}

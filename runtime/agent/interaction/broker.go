package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/afk-project/afk-core/runtime/agent/checkpoint"
	"github.com/afk-project/afk-core/runtime/agent/hooks"
)

// Config carries the per-run timeouts and fallback decisions a Broker
// applies when its Provider defers a request and the deferred wait times
// out.
type Config struct {
	// ApprovalTimeout bounds how long Broker.RequestApproval waits for a
	// deferred decision before applying ApprovalFallback.
	ApprovalTimeout time.Duration
	// InputTimeout bounds how long Broker.RequestUserInput waits for a
	// deferred decision before applying InputFallback.
	InputTimeout time.Duration
	// ApprovalFallback is applied when a deferred approval times out.
	ApprovalFallback DecisionKind
	// InputFallback is applied when a deferred user-input request times
	// out.
	InputFallback DecisionKind
}

// Broker mediates request_approval and request_user_input decisions between
// a run and a configured Provider. When the provider resolves immediately,
// Broker returns the decision unchanged; when it defers, Broker persists a
// paused checkpoint, emits run_paused, awaits resolution up to the
// configured timeout, then emits run_resumed and persists a resumed
// checkpoint before returning either the resolved decision or its
// configured fallback.
type Broker struct {
	provider Provider
	journal  checkpoint.Journal
	bus      hooks.Bus
	agentID  string
	cfg      Config
}

// NewBroker constructs a Broker. journal and bus may be nil, in which case
// checkpoint persistence and event emission are skipped (useful for tests
// exercising only the decision flow).
func NewBroker(provider Provider, journal checkpoint.Journal, bus hooks.Bus, agentID string, cfg Config) *Broker {
	return &Broker{provider: provider, journal: journal, bus: bus, agentID: agentID, cfg: cfg}
}

// RequestApproval resolves req through the configured provider, handling a
// deferred decision per the Broker contract. Returns true if the request was
// ultimately allowed.
func (b *Broker) RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error) {
	decision, deferred, err := b.provider.RequestApproval(ctx, req)
	if err != nil {
		return false, fmt.Errorf("interaction: request approval: %w", err)
	}
	if decision != nil {
		return decision.Kind == DecisionAllow, nil
	}
	if deferred == nil {
		return false, fmt.Errorf("interaction: provider returned neither a decision nor a deferred token")
	}

	if err := b.pause(ctx, req.RunID, req.ThreadID, req.Step, "approval", map[string]any{"reason": req.Reason}); err != nil {
		return false, err
	}
	res, err := b.provider.AwaitDeferred(ctx, deferred.Token, b.cfg.ApprovalTimeout)
	if err != nil {
		return false, fmt.Errorf("interaction: await deferred approval: %w", err)
	}
	if err := b.resume(ctx, req.RunID, req.ThreadID, req.Step, "approval"); err != nil {
		return false, err
	}

	if ad, ok := res.(ApprovalDecision); ok {
		return ad.Kind == DecisionAllow, nil
	}
	return b.cfg.ApprovalFallback == DecisionAllow, nil
}

// RequestUserInput resolves req through the configured provider, handling a
// deferred decision per the Broker contract.
func (b *Broker) RequestUserInput(ctx context.Context, req UserInputRequest) (UserInputDecision, error) {
	decision, deferred, err := b.provider.RequestUserInput(ctx, req)
	if err != nil {
		return UserInputDecision{}, fmt.Errorf("interaction: request user input: %w", err)
	}
	if decision != nil {
		return *decision, nil
	}
	if deferred == nil {
		return UserInputDecision{}, fmt.Errorf("interaction: provider returned neither a decision nor a deferred token")
	}

	if err := b.pause(ctx, req.RunID, req.ThreadID, req.Step, "user_input", map[string]any{"prompt": req.Prompt}); err != nil {
		return UserInputDecision{}, err
	}
	res, err := b.provider.AwaitDeferred(ctx, deferred.Token, b.cfg.InputTimeout)
	if err != nil {
		return UserInputDecision{}, fmt.Errorf("interaction: await deferred user input: %w", err)
	}
	if err := b.resume(ctx, req.RunID, req.ThreadID, req.Step, "user_input"); err != nil {
		return UserInputDecision{}, err
	}

	if ud, ok := res.(UserInputDecision); ok {
		return ud, nil
	}
	return UserInputDecision{Kind: b.cfg.InputFallback, Reason: "input_timeout"}, nil
}

func (b *Broker) pause(ctx context.Context, runID, threadID string, step int, kind string, payload map[string]any) error {
	if b.bus != nil {
		if err := b.bus.Publish(ctx, hooks.NewRunPausedEvent(runID, b.agentID, hooks.RunPausedData{
			Reason:      fmt.Sprintf("waiting for deferred %s", kind),
			RequestedBy: threadID,
		})); err != nil {
			return fmt.Errorf("interaction: emit run_paused: %w", err)
		}
	}
	if b.journal != nil {
		raw, err := json.Marshal(map[string]any{"kind": kind, "payload": payload})
		if err != nil {
			return fmt.Errorf("interaction: marshal paused checkpoint: %w", err)
		}
		if err := b.journal.WriteFrame(ctx, checkpoint.Frame{
			RunID:     runID,
			Step:      step,
			Phase:     checkpoint.PhasePaused,
			Timestamp: time.Now(),
			Payload:   raw,
		}); err != nil {
			return fmt.Errorf("interaction: write paused checkpoint: %w", err)
		}
	}
	return nil
}

func (b *Broker) resume(ctx context.Context, runID, threadID string, step int, kind string) error {
	if b.bus != nil {
		if err := b.bus.Publish(ctx, hooks.NewRunResumedEvent(runID, b.agentID, hooks.RunResumedData{
			Notes:       fmt.Sprintf("deferred %s resolved", kind),
			RequestedBy: threadID,
		})); err != nil {
			return fmt.Errorf("interaction: emit run_resumed: %w", err)
		}
	}
	if b.journal != nil {
		raw, err := json.Marshal(map[string]any{"kind": kind})
		if err != nil {
			return fmt.Errorf("interaction: marshal resumed checkpoint: %w", err)
		}
		if err := b.journal.WriteFrame(ctx, checkpoint.Frame{
			RunID:     runID,
			Step:      step,
			Phase:     checkpoint.PhaseResumed,
			Timestamp: time.Now(),
			Payload:   raw,
		}); err != nil {
			return fmt.Errorf("interaction: write resumed checkpoint: %w", err)
		}
	}
	return nil
}

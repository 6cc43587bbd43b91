package queue

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Backend is the storage/pending-queue primitive set a concrete queue
// implementation provides; Base turns it into the full Queue contract.
type Backend interface {
	SaveTask(ctx context.Context, task *Task) error
	LoadTask(ctx context.Context, taskID string) (*Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	ListAllTasks(ctx context.Context, status Status, limit int) ([]*Task, error)
	PushPendingID(ctx context.Context, taskID string) error
	// PopPendingID waits up to timeout for a pending id, returning "" on
	// timeout. timeout < 0 means wait forever.
	PopPendingID(ctx context.Context, timeout time.Duration) (string, error)
}

// BaseConfig configures the default retry pacing used when neither a
// per-task nor a per-call retry policy override is present.
type BaseConfig struct {
	RetryBackoffBase   time.Duration
	RetryBackoffMax    time.Duration
	RetryBackoffJitter time.Duration
}

// Base implements the shared task lifecycle (enqueue/dequeue/complete/fail/
// cancel/dead-letter management) over a Backend's storage primitives, so
// each concrete backend only has to implement task persistence and the
// pending-id queue.
type Base struct {
	backend Backend
	cfg     BaseConfig
}

// NewBase constructs a Base over backend with the given default retry pacing.
func NewBase(backend Backend, cfg BaseConfig) *Base {
	return &Base{backend: backend, cfg: cfg}
}

func (b *Base) Enqueue(ctx context.Context, task *Task) (*Task, error) {
	task.Status = StatusPending
	task.Err = ""
	task.Result = nil
	task.StartedAt = nil
	task.CompletedAt = nil
	task.SetNextAttemptAt(nil)
	if err := b.backend.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	if err := b.backend.PushPendingID(ctx, task.ID); err != nil {
		return nil, err
	}
	return task, nil
}

func (b *Base) EnqueueContract(ctx context.Context, contractID string, payload map[string]any, opts EnqueueContractOptions) (*Task, error) {
	contractID = strings.TrimSpace(contractID)
	if contractID == "" {
		return nil, ErrEmptyContract
	}
	metadata := cloneMap(opts.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata[ExecutionContractKey] = contractID
	if opts.RetryPolicy != nil {
		for k, v := range opts.RetryPolicy.asMetadata() {
			metadata[k] = v
		}
	}
	maxRetries := opts.MaxRetries
	task := &Task{
		ID:         newTaskID(),
		AgentName:  opts.AgentName,
		Payload:    cloneMap(payload),
		MaxRetries: maxRetries,
		CreatedAt:  nowFunc(),
		Metadata:   metadata,
	}
	return b.Enqueue(ctx, task)
}

// Dequeue pops and activates the next runnable task, skipping stale
// (terminal or missing) pending ids and deferring tasks whose
// next_attempt_at has not yet elapsed.
func (b *Base) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	var deadline time.Time
	hasDeadline := timeout >= 0
	if hasDeadline {
		deadline = nowFunc().Add(timeout)
	}

	for {
		var remaining time.Duration = -1
		if hasDeadline {
			remaining = deadline.Sub(nowFunc())
			if remaining <= 0 {
				return nil, nil
			}
		}

		taskID, err := b.backend.PopPendingID(ctx, remaining)
		if err != nil {
			return nil, err
		}
		if taskID == "" {
			return nil, nil
		}

		task, err := b.backend.LoadTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task == nil || task.IsTerminal() {
			continue
		}

		now := nowFunc()
		if next, ok := task.NextAttemptAt(); ok && next.After(now) {
			if err := b.backend.PushPendingID(ctx, task.ID); err != nil {
				return nil, err
			}
			sleepFor := next.Sub(now)
			if window := maxSleepWindow(hasDeadline, deadline); sleepFor > window {
				sleepFor = window
			}
			if sleepFor > 0 {
				if err := sleepCtx(ctx, sleepFor); err != nil {
					return nil, err
				}
			}
			continue
		}

		task.Status = StatusRunning
		started := nowFunc()
		task.StartedAt = &started
		task.CompletedAt = nil
		task.SetNextAttemptAt(nil)
		if err := b.backend.SaveTask(ctx, task); err != nil {
			return nil, err
		}
		return task, nil
	}
}

// maxSleepWindow bounds how long Dequeue sleeps while waiting for a
// deferred retry, so a caller with no deadline still re-checks periodically
// instead of sleeping for the task's full remaining delay in one shot.
func maxSleepWindow(hasDeadline bool, deadline time.Time) time.Duration {
	if !hasDeadline {
		return 50 * time.Millisecond
	}
	remaining := deadline.Sub(nowFunc())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Base) Complete(ctx context.Context, taskID string, result any) error {
	task, err := b.requireTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.IsTerminal() {
		return nil
	}
	task.Status = StatusCompleted
	task.Result = result
	task.Err = ""
	completed := nowFunc()
	task.CompletedAt = &completed
	return b.backend.SaveTask(ctx, task)
}

func (b *Base) Fail(ctx context.Context, taskID string, errMsg string, retryable bool, retryPolicy *RetryPolicy) error {
	task, err := b.requireTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.IsTerminal() {
		return nil
	}
	task.RetryCount++
	task.Err = errMsg
	task.Result = nil

	// MaxRetries counts retries after the first failed attempt.
	if retryable && task.RetryCount <= task.MaxRetries {
		task.Status = StatusRetrying
		task.StartedAt = nil
		task.CompletedAt = nil
		policy := b.effectivePolicy(task, retryPolicy)
		delay := computeRetryDelay(task.RetryCount, policy)
		if delay > 0 {
			next := nowFunc().Add(delay)
			task.SetNextAttemptAt(&next)
		} else {
			task.SetNextAttemptAt(nil)
		}
		if err := b.backend.SaveTask(ctx, task); err != nil {
			return err
		}
		return b.backend.PushPendingID(ctx, task.ID)
	}

	task.Status = StatusFailed
	completed := nowFunc()
	task.CompletedAt = &completed
	task.SetNextAttemptAt(nil)
	reason := DeadLetterReasonBudgetExhausted
	if !retryable {
		reason = DeadLetterReasonNonRetryable
	}
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}
	task.Metadata[DeadLetterReasonKey] = reason
	return b.backend.SaveTask(ctx, task)
}

func (b *Base) effectivePolicy(task *Task, override *RetryPolicy) RetryPolicy {
	if override != nil {
		return *override
	}
	if policy, ok := retryPolicyFromMetadata(task.Metadata); ok {
		return policy
	}
	return RetryPolicy{
		BackoffBase:   b.cfg.RetryBackoffBase,
		BackoffMax:    b.cfg.RetryBackoffMax,
		BackoffJitter: b.cfg.RetryBackoffJitter,
	}
}

func (b *Base) Cancel(ctx context.Context, taskID string) error {
	task, err := b.requireTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.IsTerminal() {
		return nil
	}
	task.Status = StatusCancelled
	completed := nowFunc()
	task.CompletedAt = &completed
	return b.backend.SaveTask(ctx, task)
}

func (b *Base) Get(ctx context.Context, taskID string) (*Task, error) {
	return b.backend.LoadTask(ctx, taskID)
}

func (b *Base) ListTasks(ctx context.Context, status Status, limit int) ([]*Task, error) {
	return b.backend.ListAllTasks(ctx, status, limit)
}

func (b *Base) ListDeadLetters(ctx context.Context, limit int) ([]*Task, error) {
	return b.ListTasks(ctx, StatusFailed, limit)
}

func (b *Base) RedriveDeadLetters(ctx context.Context, limit int, reason string) (int, error) {
	tasks, err := b.ListDeadLetters(ctx, limit)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, task := range tasks {
		if reason != "" && task.Metadata[DeadLetterReasonKey] != reason {
			continue
		}
		task.Status = StatusPending
		task.Err = ""
		task.CompletedAt = nil
		task.SetNextAttemptAt(nil)
		delete(task.Metadata, DeadLetterReasonKey)
		if err := b.backend.SaveTask(ctx, task); err != nil {
			return moved, err
		}
		if err := b.backend.PushPendingID(ctx, task.ID); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func (b *Base) PurgeDeadLetters(ctx context.Context, limit int, reason string) (int, error) {
	tasks, err := b.ListDeadLetters(ctx, limit)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, task := range tasks {
		if reason != "" && task.Metadata[DeadLetterReasonKey] != reason {
			continue
		}
		if err := b.backend.DeleteTask(ctx, task.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (b *Base) requireTask(ctx context.Context, taskID string) (*Task, error) {
	task, err := b.backend.LoadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return task, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

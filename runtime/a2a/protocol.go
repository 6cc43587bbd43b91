package a2a

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/afk-project/afk-core/runtime/a2a/retry"
)

// ErrTaskNotFound is returned by GetTask/CancelTask for an unknown
// correlation id.
var ErrTaskNotFound = errors.New("a2a: task not found")

// ErrCancelled is returned by Invoke when the task was cancelled before the
// dispatcher produced a result.
var ErrCancelled = errors.New("a2a: task cancelled")

// Dispatcher delivers an envelope to its target agent and returns the
// result. Implementations typically invoke the run executor recursively
// (for in-process delegation) or a transport client (for distributed
// deployments).
type Dispatcher interface {
	Dispatch(ctx context.Context, req Envelope) (Response, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req Envelope) (Response, error)

// Dispatch calls f(ctx, req).
func (f DispatcherFunc) Dispatch(ctx context.Context, req Envelope) (Response, error) {
	return f(ctx, req)
}

// TaskState is the coarse state of a tracked task.
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskDispatched TaskState = "dispatched"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskCancelled  TaskState = "cancelled"
)

// TaskInfo is the snapshot returned by GetTask.
type TaskInfo struct {
	CorrelationID string
	State         TaskState
	Envelope      Envelope
	Response      Response
}

type task struct {
	info   TaskInfo
	cancel context.CancelFunc
}

// Options configures a Protocol.
type Options struct {
	// Store is the delivery store (success cache + dead-letter log). Required.
	Store Store
	// Dispatcher delivers envelopes to their target agent. Required.
	Dispatcher Dispatcher
	// Subscribers receive lifecycle events for every invocation, in order,
	// after each call completes.
	Subscribers []Subscriber
	// Now returns the current Unix millisecond timestamp. Defaults to a
	// monotonically increasing in-process counter so callers never need a
	// wall clock to exercise deterministic tests.
	Now func() int64
	// RetryConfig, when set, wraps each Invoke/InvokeStream dispatch in an
	// outbound redelivery loop: a dispatch whose error retry.IsRetryable
	// reports true is retried with backoff up to RetryConfig.MaxAttempts.
	// Every attempt still emits its own ordered lifecycle events. Nil means
	// a single attempt per call, the pre-existing behavior.
	RetryConfig *retry.Config
}

// Protocol implements the A2A at-least-once envelope transport (C5):
// idempotency-key dedupe via Store, ordered lifecycle events, and task
// tracking for GetTask/CancelTask.
type Protocol struct {
	store       Store
	dispatch    Dispatcher
	subscribers []Subscriber
	now         func() int64
	retryConfig *retry.Config

	mu    sync.Mutex
	tasks map[string]*task
}

// New constructs a Protocol. opts.Store and opts.Dispatcher are required.
func New(opts Options) (*Protocol, error) {
	if opts.Store == nil {
		return nil, errors.New("a2a: store is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("a2a: dispatcher is required")
	}
	now := opts.Now
	if now == nil {
		var counter int64
		var mu sync.Mutex
		now = func() int64 {
			mu.Lock()
			defer mu.Unlock()
			counter++
			return counter
		}
	}
	return &Protocol{
		store:       opts.Store,
		dispatch:    opts.Dispatcher,
		subscribers: opts.Subscribers,
		now:         now,
		retryConfig: opts.RetryConfig,
		tasks:       make(map[string]*task),
	}, nil
}

func (p *Protocol) publish(events []Event) {
	for _, evt := range events {
		for _, sub := range p.subscribers {
			sub(evt)
		}
	}
}

// Invoke dispatches req, returning its response. Lifecycle events are
// buffered internally and delivered to subscribers, in order, after the call
// completes. If req.IdempotencyKey has a cached successful response, that
// response is returned immediately and an ignored_late_response event is the
// only event emitted.
func (p *Protocol) Invoke(ctx context.Context, req Envelope) (Response, error) {
	if p.retryConfig == nil {
		resp, events, err := p.invoke(ctx, req)
		p.publish(events)
		return resp, err
	}

	var resp Response
	err := retry.Do(ctx, *p.retryConfig, func(ctx context.Context) error {
		var attemptErr error
		var events []Event
		resp, events, attemptErr = p.invoke(ctx, req)
		p.publish(events)
		return attemptErr
	})
	return resp, err
}

// InvokeStream behaves like Invoke but also sends the per-invocation event
// sequence on the returned channel; the events are still published to
// subscribers exactly as Invoke would, and the Response is discarded. The
// channel is closed once every event for this invocation has been sent
// (across every redelivery attempt, when RetryConfig is set).
func (p *Protocol) InvokeStream(ctx context.Context, req Envelope) <-chan Event {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		if p.retryConfig == nil {
			_, events, _ := p.invoke(ctx, req)
			p.publish(events)
			for _, evt := range events {
				out <- evt
			}
			return
		}
		_ = retry.Do(ctx, *p.retryConfig, func(ctx context.Context) error {
			_, events, attemptErr := p.invoke(ctx, req)
			p.publish(events)
			for _, evt := range events {
				out <- evt
			}
			return attemptErr
		})
	}()
	return out
}

// invoke runs one request to completion, returning its response alongside
// the ordered event sequence the call produced. It does not itself publish
// to subscribers so Invoke and InvokeStream can share the exact same logic.
func (p *Protocol) invoke(ctx context.Context, req Envelope) (Response, []Event, error) {
	var events []Event
	emit := func(t EventType, details map[string]any) {
		events = append(events, Event{
			Type:           t,
			CorrelationID:  req.CorrelationID,
			IdempotencyKey: req.IdempotencyKey,
			RunID:          req.RunID,
			TargetAgent:    req.TargetAgent,
			TimestampMs:    p.now(),
			Details:        details,
		})
	}

	if req.IdempotencyKey != "" {
		if cached, ok, err := p.store.GetCached(ctx, req.IdempotencyKey); err == nil && ok {
			emit(EventIgnoredLateResponse, map[string]any{"deduped": true})
			return cached, events, nil
		}
	}

	emit(EventQueued, nil)
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{info: TaskInfo{CorrelationID: req.CorrelationID, State: TaskQueued, Envelope: req}, cancel: cancel}
	p.registerTask(req.CorrelationID, t)

	emit(EventDispatched, nil)
	p.setState(t, TaskDispatched)
	resp, err := p.dispatch.Dispatch(taskCtx, req)

	if taskCtx.Err() != nil && errors.Is(taskCtx.Err(), context.Canceled) && ctx.Err() == nil {
		emit(EventCancelled, nil)
		p.setState(t, TaskCancelled)
		return Response{}, events, ErrCancelled
	}

	if err != nil || !resp.Success {
		emit(EventNacked, nil)
		emit(EventFailed, errDetails(err, resp))
		p.setState(t, TaskFailed)
		if err == nil {
			err = fmt.Errorf("a2a: dispatch failed: %s", resp.Err.Error())
		}
		return resp, events, err
	}

	emit(EventAcked, nil)
	emit(EventCompleted, nil)
	p.setState(t, TaskCompleted)
	t.info.Response = resp

	if req.IdempotencyKey != "" {
		_ = p.store.PutCached(ctx, req.IdempotencyKey, resp)
	}
	return resp, events, nil
}

// GetTask returns the current snapshot of the task addressed by
// correlationID, which must still be in flight or have already completed.
func (p *Protocol) GetTask(_ context.Context, correlationID string) (TaskInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[correlationID]
	if !ok {
		return TaskInfo{}, ErrTaskNotFound
	}
	return t.info, nil
}

// CancelTask cancels the in-flight task addressed by correlationID, causing
// its dispatcher context to be cancelled; Invoke/InvokeStream then emit a
// cancelled event.
func (p *Protocol) CancelTask(_ context.Context, correlationID string) error {
	p.mu.Lock()
	t, ok := p.tasks[correlationID]
	p.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	t.cancel()
	return nil
}

// RecordDeadLetter records a retry-exhausted invocation. Called by the
// delegation engine's executor, not by Invoke itself, since dead-letter
// recording happens at the retry-policy boundary (§4.2), not per attempt.
func (p *Protocol) RecordDeadLetter(ctx context.Context, entry DeadLetterEntry) error {
	if err := p.store.AppendDeadLetter(ctx, entry); err != nil {
		return err
	}
	p.publish([]Event{{
		Type:           EventDeadLetter,
		CorrelationID:  entry.CorrelationID,
		IdempotencyKey: entry.IdempotencyKey,
		RunID:          entry.Envelope.RunID,
		TargetAgent:    entry.Envelope.TargetAgent,
		TimestampMs:    p.now(),
		Details:        map[string]any{"attempts": entry.Attempts},
	}})
	return nil
}

// registerTask records t for the lifetime of the Protocol so GetTask keeps
// reporting its final state after the invocation completes.
func (p *Protocol) registerTask(correlationID string, t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks[correlationID] = t
}

func (p *Protocol) setState(t *task, state TaskState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t.info.State = state
}

func errDetails(err error, resp Response) map[string]any {
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	if resp.Err != nil {
		return map[string]any{"error": resp.Err.Message, "code": resp.Err.Code}
	}
	return nil
}

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/afk-project/afk-core/runtime/agent/telemetry"
	"github.com/afk-project/afk-core/runtime/queue"
)

// Callback is invoked with the queue's current view of the task
// (best-effort; nil Queue.Get results fall back to the in-memory task
// snapshot): OnComplete after a task completes, OnFailure after every failed
// attempt, including retryable ones that leave the task retrying.
type Callback func(ctx context.Context, task *queue.Task)

// Config configures a Worker.
type Config struct {
	// PollInterval bounds how long Dequeue blocks when idle, and is the
	// sleep between consecutive failed loop iterations.
	PollInterval time.Duration
	// MaxConcurrentTasks bounds how many tasks execute at once.
	MaxConcurrentTasks int
	// ShutdownTimeout bounds how long Shutdown waits for in-flight tasks.
	ShutdownTimeout time.Duration
	// RecoverInflightOnStartup runs queue.StartupRecovery.RecoverInflightIfIdle
	// (when the queue supports it) before the loop starts.
	RecoverInflightOnStartup bool
	// WorkerPresenceTTL is the presence TTL for queues that support
	// queue.WorkerPresence. Must be > WorkerPresenceRefresh when set.
	WorkerPresenceTTL time.Duration
	// WorkerPresenceRefresh is the presence heartbeat interval.
	WorkerPresenceRefresh time.Duration
	// DequeueRateLimit caps how many Dequeue attempts the loop may start per
	// second, independent of PollInterval's per-call block duration. Zero
	// means unlimited (the pre-existing behavior).
	DequeueRateLimit float64
	// DequeueBurst bounds how many Dequeue attempts may fire back-to-back
	// before DequeueRateLimit's steady-state rate applies. Defaults to 1
	// when DequeueRateLimit is set and this is left at zero.
	DequeueBurst int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 4
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.WorkerPresenceTTL <= 0 {
		c.WorkerPresenceTTL = 30 * time.Second
	}
	if c.WorkerPresenceRefresh <= 0 {
		c.WorkerPresenceRefresh = 10 * time.Second
	}
	return c
}

// Options constructs a Worker.
type Options struct {
	Queue queue.Queue
	// Runner executes runner.chat.v1 tasks. When set, that contract is
	// registered automatically unless ExecutionContracts overrides it.
	Runner             Executor
	Agents             map[string]*Agent
	ExecutionContracts map[string]Contract
	JobHandlers        map[string]JobHandler
	RetryPolicies      map[string]queue.RetryPolicy
	Metrics            telemetry.Metrics
	Logger             telemetry.Logger
	Config             Config
	OnComplete         Callback
	OnFailure          Callback
}

// Worker dequeues tasks from a queue.Queue and executes them via execution
// contracts, per the worker-loop contract (bounded concurrency, presence,
// startup recovery, graceful shutdown).
type Worker struct {
	queue     queue.Queue
	agents    map[string]*Agent
	contracts map[string]Contract
	wctx      Context
	retries   map[string]queue.RetryPolicy
	metrics   telemetry.Metrics
	logger    telemetry.Logger
	cfg       Config
	onComplete Callback
	onFailure  Callback

	workerID string
	presence queue.WorkerPresence
	recovery queue.StartupRecovery
	limiter  *rate.Limiter

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc // stops the dispatch loop: no new dequeues
	execCancel context.CancelFunc // stops in-flight task execution; only fired after ShutdownTimeout
	loopDone   chan struct{}
	heartDone  chan struct{}
	sem        chan struct{}
	activeWG   sync.WaitGroup
}

// New constructs a Worker. The built-in job.dispatch.v1 contract is always
// registered and runner.chat.v1 is registered when opts.Runner is set;
// opts.ExecutionContracts may override or extend them, subject to
// contract-id/key-match validation.
func New(opts Options) (*Worker, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("worker: queue is required")
	}
	cfg := opts.Config.withDefaults()

	contracts := map[string]Contract{
		JobDispatchContract: &JobDispatchContractImpl{},
	}
	if opts.Runner != nil {
		contracts[RunnerChatContract] = &RunnerChatContractImpl{Runner: opts.Runner}
	}
	for id, c := range opts.ExecutionContracts {
		if id == "" {
			return nil, fmt.Errorf("worker: execution contract ids must be non-empty")
		}
		if declared := c.ContractID(); declared != "" && declared != id {
			return nil, fmt.Errorf("worker: contract id mismatch: key %q != handler.ContractID() %q", id, declared)
		}
		contracts[id] = c
	}

	logger := opts.Logger
	metrics := opts.Metrics

	w := &Worker{
		queue:      opts.Queue,
		agents:     cloneAgents(opts.Agents),
		contracts:  contracts,
		wctx:       Context{JobHandlers: cloneHandlers(opts.JobHandlers)},
		retries:    cloneRetryPolicies(opts.RetryPolicies),
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
		onComplete: opts.OnComplete,
		onFailure:  opts.OnFailure,
		workerID:   uuid.NewString(),
	}
	if cfg.DequeueRateLimit > 0 {
		burst := cfg.DequeueBurst
		if burst <= 0 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.DequeueRateLimit), burst)
	}
	if p, ok := opts.Queue.(queue.WorkerPresence); ok {
		w.presence = p
	}
	if r, ok := opts.Queue.(queue.StartupRecovery); ok {
		w.recovery = r
	}
	return w, nil
}

func cloneAgents(m map[string]*Agent) map[string]*Agent {
	out := make(map[string]*Agent, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneHandlers(m map[string]JobHandler) map[string]JobHandler {
	out := make(map[string]JobHandler, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRetryPolicies(m map[string]queue.RetryPolicy) map[string]queue.RetryPolicy {
	out := make(map[string]queue.RetryPolicy, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Start launches the worker loop in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker: already running")
	}
	if w.presence != nil {
		if w.cfg.WorkerPresenceRefresh >= w.cfg.WorkerPresenceTTL {
			w.mu.Unlock()
			return fmt.Errorf("worker: presence refresh interval must be less than ttl")
		}
	}
	// runCtx governs the dispatch loop (dequeue/select); execCtx governs
	// in-flight task execution. They're cancelled independently so Shutdown
	// can stop new dispatch immediately while giving running tasks
	// ShutdownTimeout to finish under their own, still-live context.
	runCtx, cancel := context.WithCancel(ctx)
	execCtx, execCancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.execCancel = execCancel
	w.running = true
	w.sem = make(chan struct{}, w.cfg.MaxConcurrentTasks)
	w.loopDone = make(chan struct{})
	w.mu.Unlock()

	if w.presence != nil {
		if err := w.presence.RegisterWorker(ctx, w.workerID, w.cfg.WorkerPresenceTTL); err != nil {
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			cancel()
			execCancel()
			return fmt.Errorf("worker: register presence: %w", err)
		}
	}

	if w.cfg.RecoverInflightOnStartup && w.recovery != nil {
		moved, err := w.recovery.RecoverInflightIfIdle(ctx, w.workerID)
		if err != nil && w.logger != nil {
			w.logger.Error(ctx, "worker failed startup inflight recovery", "err", err)
		} else if moved > 0 {
			if w.metrics != nil {
				w.metrics.IncCounter("queue_worker_recovered_inflight_total", float64(moved))
			}
			if w.logger != nil {
				w.logger.Info(ctx, "worker recovered inflight tasks on startup", "count", moved)
			}
		}
	}

	go w.loop(runCtx, execCtx)
	if w.presence != nil {
		w.heartDone = make(chan struct{})
		go w.heartbeat(runCtx)
	}
	if w.logger != nil {
		w.logger.Info(ctx, "worker started", "max_concurrent", w.cfg.MaxConcurrentTasks, "worker_id", w.workerID)
	}
	return nil
}

func (w *Worker) heartbeat(ctx context.Context) {
	defer close(w.heartDone)
	ticker := time.NewTicker(w.cfg.WorkerPresenceRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.presence.RefreshWorker(ctx, w.workerID, w.cfg.WorkerPresenceTTL); err != nil && w.logger != nil {
				w.logger.Error(ctx, "worker presence heartbeat failed", "worker_id", w.workerID, "err", err)
			}
		}
	}
}

// loop dispatches tasks until ctx is cancelled. Each task executes under
// execCtx rather than ctx, so stopping the dispatch loop does not abort
// tasks already handed off for execution.
func (w *Worker) loop(ctx, execCtx context.Context) {
	defer close(w.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case w.sem <- struct{}{}:
		}

		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				<-w.sem
				return
			}
		}

		task, err := w.queue.Dequeue(ctx, w.cfg.PollInterval)
		if err != nil {
			<-w.sem
			if ctx.Err() != nil {
				return
			}
			if w.logger != nil {
				w.logger.Error(ctx, "worker dequeue error", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		if task == nil {
			<-w.sem
			continue
		}
		if w.metrics != nil {
			w.metrics.IncCounter("queue_worker_dequeued_total", 1)
		}

		w.activeWG.Add(1)
		go func(t *queue.Task) {
			defer w.activeWG.Done()
			defer func() { <-w.sem }()
			w.execute(execCtx, t)
		}(task)
	}
}

func (w *Worker) execute(ctx context.Context, task *queue.Task) {
	contractID, contract, agent, err := w.resolve(task)
	if err != nil {
		w.handleFailure(ctx, task, err.Error(), false, nil)
		return
	}

	output, err := contract.Execute(ctx, task, agent, w.wctx)
	if err != nil {
		if ce, ok := err.(*ContractError); ok && !ce.Retryable {
			if w.metrics != nil {
				w.metrics.IncCounter("queue_worker_failed_non_retryable_total", 1)
			}
			w.handleFailure(ctx, task, ce.Error(), false, nil)
			return
		}
		if w.metrics != nil {
			w.metrics.IncCounter("queue_worker_failed_retryable_total", 1)
		}
		w.handleFailure(ctx, task, err.Error(), true, w.retryPolicyFor(contractID, task))
		return
	}

	result := map[string]any{"contract": contractID, "output": output}
	if err := w.queue.Complete(ctx, task.ID, result); err != nil && w.logger != nil {
		w.logger.Error(ctx, "worker failed to record task completion", "task_id", task.ID, "err", err)
		return
	}
	if w.metrics != nil {
		w.metrics.IncCounter("queue_worker_completed_total", 1)
	}
	if w.logger != nil {
		w.logger.Info(ctx, "task completed", "task_id", task.ID, "contract", contractID, "agent", task.AgentName)
	}
	w.invokeCallback(ctx, w.onComplete, task)
}

func (w *Worker) resolve(task *queue.Task) (string, Contract, *Agent, error) {
	contractID, ok := task.ExecutionContract()
	if !ok {
		return "", nil, nil, resolutionError("missing execution contract metadata '%s'", queue.ExecutionContractKey)
	}
	contract, ok := w.contracts[contractID]
	if !ok {
		return "", nil, nil, resolutionError("unknown execution contract '%s'", contractID)
	}
	if !contract.RequiresAgent() {
		return contractID, contract, nil, nil
	}
	if task.AgentName == "" {
		return "", nil, nil, validationError("contract '%s' requires a non-empty task agent name", contractID)
	}
	agent, ok := w.agents[task.AgentName]
	if !ok {
		return "", nil, nil, validationError("agent '%s' not found for contract '%s'", task.AgentName, contractID)
	}
	return contractID, contract, agent, nil
}

func (w *Worker) retryPolicyFor(contractID string, task *queue.Task) *queue.RetryPolicy {
	if policy, ok := w.retries[contractID]; ok {
		return &policy
	}
	return nil
}

func (w *Worker) handleFailure(ctx context.Context, task *queue.Task, errMsg string, retryable bool, policy *queue.RetryPolicy) {
	if err := w.queue.Fail(ctx, task.ID, errMsg, retryable, policy); err != nil && w.logger != nil {
		w.logger.Error(ctx, "worker failed to record task failure", "task_id", task.ID, "err", err)
	}
	if w.logger != nil {
		w.logger.Error(ctx, "task failed", "task_id", task.ID, "retryable", retryable, "err", errMsg)
	}
	w.invokeCallback(ctx, w.onFailure, task)
}

func (w *Worker) invokeCallback(ctx context.Context, cb Callback, task *queue.Task) {
	if cb == nil {
		return
	}
	current, err := w.queue.Get(ctx, task.ID)
	if err != nil || current == nil {
		current = task
	}
	cb(ctx, current)
}

// Shutdown stops the dispatch loop immediately, then waits up to
// Config.ShutdownTimeout for in-flight tasks to finish under their own,
// still-live context; only tasks still running after the timeout are
// cancelled. Finally it unregisters presence.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	execCancel := w.execCancel
	loopDone := w.loopDone
	heartDone := w.heartDone
	w.mu.Unlock()

	cancel()
	<-loopDone
	if heartDone != nil {
		<-heartDone
	}

	waitDone := make(chan struct{})
	go func() {
		w.activeWG.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(w.cfg.ShutdownTimeout):
		if w.logger != nil {
			w.logger.Warn(ctx, "worker shutdown timed out waiting for in-flight tasks; cancelling them")
		}
		execCancel()
		<-waitDone
	}
	execCancel()

	if w.presence != nil {
		if err := w.presence.UnregisterWorker(ctx, w.workerID); err != nil && w.logger != nil {
			w.logger.Error(ctx, "worker failed to unregister presence on shutdown", "worker_id", w.workerID, "err", err)
		}
	}
	if w.logger != nil {
		w.logger.Info(ctx, "worker shut down", "worker_id", w.workerID)
	}
	return nil
}

// IsRunning reports whether the worker loop is active.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

package delegation

import (
	"context"

	"github.com/afk-project/afk-core/runtime/a2a"
)

// EngineOptions configures an Engine's dispatch and concurrency bounds.
type EngineOptions struct {
	Invoker         Invoker
	DeadLetter      DeadLetterRecorder
	NewRequest      RequestFactory
	AvailableTarget func(target string) bool

	MaxGlobalConcurrency int
	MaxPerParent         int
	MaxPerTargetAgent    int
	BackpressureLimit    int

	// MaxGlobalDispatchRate and MaxPerTargetDispatchRate add dispatch-rate
	// back-pressure (nodes started per second) on top of the concurrency
	// caps above. Zero leaves the corresponding dimension unlimited.
	MaxGlobalDispatchRate    float64
	MaxPerTargetDispatchRate float64
}

// Engine orchestrates a delegation plan end to end: create (or accept) a
// plan, validate its structure, schedule and execute its nodes with bounded
// parallelism and per-node retry, then aggregate the results.
type Engine struct {
	planner   Planner
	validator Validator
	scheduler *Scheduler
	executor  *Executor
	aggregate Aggregator

	availableTarget func(string) bool
}

// NewEngine constructs an Engine.
func NewEngine(opts EngineOptions) *Engine {
	scheduler := NewScheduler(opts.MaxGlobalConcurrency, opts.MaxPerParent, opts.MaxPerTargetAgent, opts.BackpressureLimit)
	if opts.MaxGlobalDispatchRate > 0 || opts.MaxPerTargetDispatchRate > 0 {
		scheduler.SetRateLimits(opts.MaxGlobalDispatchRate, opts.MaxPerTargetDispatchRate)
	}
	return &Engine{
		scheduler:       scheduler,
		executor:        NewExecutor(opts.Invoker, opts.DeadLetter, opts.NewRequest, nil, nil),
		availableTarget: opts.AvailableTarget,
	}
}

// Fanout plans and executes a trivial fan-out over targets, per Planner.CreatePlan.
func (e *Engine) Fanout(ctx context.Context, targets []string, parallel bool, planOpts PlanOptions, cancelRequested func() bool) (Result, error) {
	plan := e.planner.CreatePlan(targets, parallel, planOpts)
	return e.Execute(ctx, plan, cancelRequested)
}

// Execute validates plan, schedules and executes its nodes, and aggregates
// the outcome. A validation failure short-circuits with a FinalFailed Result
// carrying no node results and the validation error.
func (e *Engine) Execute(ctx context.Context, plan Plan, cancelRequested func() bool) (Result, error) {
	available := make(map[string]bool)
	if e.availableTarget != nil {
		for _, n := range plan.Nodes {
			if e.availableTarget(n.TargetAgent) {
				available[n.TargetAgent] = true
			}
		}
	} else {
		for _, n := range plan.Nodes {
			available[n.TargetAgent] = true
		}
	}

	order, err := e.validator.Validate(plan, available)
	if err != nil {
		return Result{FinalStatus: FinalFailed}, err
	}

	results, _, err := e.scheduler.Execute(ctx, plan, order, e.executor.ExecuteNode, cancelRequested)
	if err != nil {
		return Result{FinalStatus: FinalFailed}, err
	}

	return e.aggregate.Aggregate(plan, results, order), nil
}

// DefaultRequestFactory builds an a2a.Envelope from a node, its resolved
// payload, and the owning run/thread context; sourceAgent identifies the
// delegating agent and correlationID/idempotencyKey are derived per attempt
// so retries of the same node share an idempotency key (collapsing
// duplicate dispatches) but get distinct correlation ids (so GetTask/CancelTask
// address the specific in-flight attempt).
func DefaultRequestFactory(runID, threadID, sourceAgent string, correlationID func(node Node, attempt int) string, idempotencyKey func(node Node) string) RequestFactory {
	return func(node Node, payload map[string]any, attempt int) a2a.Envelope {
		return a2a.Envelope{
			MessageType:    a2a.MessageRequest,
			RunID:          runID,
			ThreadID:       threadID,
			CorrelationID:  correlationID(node, attempt),
			IdempotencyKey: idempotencyKey(node),
			SourceAgent:    sourceAgent,
			TargetAgent:    node.TargetAgent,
			Payload:        payload,
		}
	}
}

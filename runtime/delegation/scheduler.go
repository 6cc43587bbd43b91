package delegation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrBackpressure is returned when the combined ready+running node count
// exceeds the scheduler's configured backpressure limit.
var ErrBackpressure = errors.New("delegation: ready queue exceeded subagent queue backpressure limit")

// pollInterval bounds how long Scheduler.Execute waits between completions
// before re-checking cancelRequested.
const pollInterval = 25 * time.Millisecond

// ExecuteNodeFunc runs one node to its terminal NodeResult.
type ExecuteNodeFunc func(ctx context.Context, node Node, payload map[string]any) NodeResult

// Scheduler drains a validated plan's topological order with three bounds:
// a global cap shared across every in-flight node in the process, a
// per-plan cap (min of the plan's declared max parallelism and the
// scheduler's configured per-parent cap), and a per-target-agent cap to
// prevent thundering-herd dispatch at one child agent.
type Scheduler struct {
	global            *semaphore.Weighted
	maxPerParent      int
	maxPerTarget      int
	backpressureLimit int

	globalRate *rate.Limiter
	targetRate float64

	mu          sync.Mutex
	targetSem   map[string]*semaphore.Weighted
	targetLimit map[string]*rate.Limiter

	schemas *schemaValidator
}

// NewScheduler constructs a Scheduler. Every bound is clamped to at least 1.
func NewScheduler(maxGlobal, maxPerParent, maxPerTarget, backpressureLimit int) *Scheduler {
	return &Scheduler{
		global:            semaphore.NewWeighted(int64(atLeastOne(maxGlobal))),
		maxPerParent:      atLeastOne(maxPerParent),
		maxPerTarget:      atLeastOne(maxPerTarget),
		backpressureLimit: atLeastOne(backpressureLimit),
		targetSem:         make(map[string]*semaphore.Weighted),
		targetLimit:       make(map[string]*rate.Limiter),
		schemas:           newSchemaValidator(),
	}
}

// SetRateLimits configures dispatch-rate back-pressure on top of the
// scheduler's concurrency caps: globalRPS bounds how many nodes may start
// executing per second across the whole scheduler, perTargetRPS bounds how
// many nodes targeting the same agent may start per second. Either may be
// left at zero to leave that dimension unlimited (the pre-existing
// behavior). Call before Execute; it is not safe to change concurrently
// with a running Execute call.
func (s *Scheduler) SetRateLimits(globalRPS, perTargetRPS float64) {
	if globalRPS > 0 {
		s.globalRate = rate.NewLimiter(rate.Limit(globalRPS), 1)
	}
	s.targetRate = perTargetRPS
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func (s *Scheduler) targetSemaphore(target string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.targetSem[target]
	if !ok {
		sem = semaphore.NewWeighted(int64(s.maxPerTarget))
		s.targetSem[target] = sem
	}
	return sem
}

// targetLimiter returns the per-target-agent rate limiter, lazily
// constructing one the first time a given target is dispatched to. Returns
// nil when no per-target rate has been configured via SetRateLimits.
func (s *Scheduler) targetLimiter(target string) *rate.Limiter {
	if s.targetRate <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.targetLimit[target]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.targetRate), 1)
		s.targetLimit[target] = lim
	}
	return lim
}

type nodeOutcome struct {
	nodeID string
	result NodeResult
}

// Execute runs order's nodes with bounded parallelism, invoking executeNode
// for each dispatched node. cancelRequested is polled between completions;
// once it reports true, running node contexts are cancelled and all
// remaining/late-arriving nodes resolve to NodeCancelled, with a late
// completion additionally recorded as an ignored_late_response AuditRow.
func (s *Scheduler) Execute(ctx context.Context, plan Plan, order []string, executeNode ExecuteNodeFunc, cancelRequested func() bool) (map[string]NodeResult, []AuditRow, error) {
	if len(plan.Nodes) == 0 {
		return map[string]NodeResult{}, nil, nil
	}

	nodeByID := make(map[string]Node, len(plan.Nodes))
	for _, n := range plan.Nodes {
		nodeByID[n.NodeID] = n
	}
	children := make(map[string][]string, len(plan.Nodes))
	parents := make(map[string][]string, len(plan.Nodes))
	indegree := make(map[string]int, len(plan.Nodes))
	edgeByPair := make(map[[2]string]map[string]string)
	for _, n := range plan.Nodes {
		children[n.NodeID] = nil
		parents[n.NodeID] = nil
		indegree[n.NodeID] = 0
	}
	for _, e := range plan.Edges {
		children[e.FromNode] = append(children[e.FromNode], e.ToNode)
		parents[e.ToNode] = append(parents[e.ToNode], e.FromNode)
		indegree[e.ToNode]++
		edgeByPair[[2]string{e.FromNode, e.ToNode}] = e.OutputKeyMap
	}

	var ready []string
	for _, id := range order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	results := make(map[string]NodeResult)
	var audit []AuditRow
	running := make(map[string]context.CancelFunc)
	cancelled := false

	markSkipped := func(start, reason string) {
		stack := []string{start}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if _, done := results[cur]; done {
				continue
			}
			n := nodeByID[cur]
			results[cur] = NodeResult{NodeID: cur, TargetAgent: n.TargetAgent, Status: NodeSkipped, Error: reason}
			stack = append(stack, children[cur]...)
		}
	}

	buildPayload := func(nodeID string) map[string]any {
		n := nodeByID[nodeID]
		payload := make(map[string]any, len(n.InputBinding))
		for k, v := range n.InputBinding {
			payload[k] = v
		}
		parentIDs := append([]string(nil), parents[nodeID]...)
		sort.Strings(parentIDs)
		for _, parentID := range parentIDs {
			pr, ok := results[parentID]
			if !ok || !pr.Success {
				continue
			}
			mapping := edgeByPair[[2]string{parentID, nodeID}]
			if out, isMap := pr.Output.(map[string]any); isMap {
				if len(mapping) > 0 {
					for sourceKey, targetKey := range mapping {
						if v, ok := out[sourceKey]; ok {
							payload[targetKey] = v
						}
					}
					continue
				}
				keys := make([]string, 0, len(out))
				for k := range out {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					if _, exists := payload[k]; !exists {
						payload[k] = out[k]
					}
				}
				continue
			}
			if pr.Output != nil {
				payload[parentID] = pr.Output
			}
		}
		return payload
	}

	parentParallelism := plan.MaxParallelism
	if s.maxPerParent < parentParallelism {
		parentParallelism = s.maxPerParent
	}
	if parentParallelism < 1 {
		parentParallelism = 1
	}

	completions := make(chan nodeOutcome, len(plan.Nodes))

	checkCancel := func() {
		if cancelled || cancelRequested == nil || !cancelRequested() {
			return
		}
		cancelled = true
		for _, cancel := range running {
			cancel()
		}
	}

	firstFailedParent := func(nodeID string) string {
		for _, p := range parents[nodeID] {
			if pr, ok := results[p]; ok && !pr.Success {
				return p
			}
		}
		return ""
	}

	dispatchReady := func() error {
		for !cancelled && len(ready) > 0 && len(running) < parentParallelism {
			if len(ready)+len(running) > s.backpressureLimit {
				for _, cancel := range running {
					cancel()
				}
				return ErrBackpressure
			}
			nodeID := ready[0]
			ready = ready[1:]
			if _, done := results[nodeID]; done {
				continue
			}
			if blocked := firstFailedParent(nodeID); blocked != "" {
				markSkipped(nodeID, fmt.Sprintf("dependency %q did not complete successfully", blocked))
				continue
			}
			node := nodeByID[nodeID]
			payload := buildPayload(nodeID)
			if err := s.schemas.validate(nodeID, node, payload); err != nil {
				results[nodeID] = NodeResult{NodeID: nodeID, TargetAgent: node.TargetAgent, Status: NodeFailed, Error: err.Error()}
				for _, child := range children[nodeID] {
					markSkipped(child, fmt.Sprintf("dependency %q did not complete successfully", nodeID))
				}
				continue
			}
			nodeCtx, cancel := context.WithCancel(ctx)
			running[nodeID] = cancel
			go func(node Node, payload map[string]any, nodeCtx context.Context) {
				completions <- nodeOutcome{node.NodeID, s.runWithLimits(nodeCtx, node, payload, executeNode)}
			}(node, payload, nodeCtx)
		}
		return nil
	}

	for len(ready) > 0 || len(running) > 0 {
		checkCancel()
		if err := dispatchReady(); err != nil {
			return nil, nil, err
		}
		if len(running) == 0 {
			break
		}

		var oc nodeOutcome
		for {
			checkCancel()
			select {
			case oc = <-completions:
			case <-time.After(pollInterval):
				continue
			}
			break
		}

		delete(running, oc.nodeID)
		node := nodeByID[oc.nodeID]
		if cancelled {
			audit = append(audit, AuditRow{Type: "ignored_late_response", NodeID: oc.nodeID, TargetAgent: node.TargetAgent})
			if _, ok := results[oc.nodeID]; !ok {
				results[oc.nodeID] = NodeResult{NodeID: oc.nodeID, TargetAgent: node.TargetAgent, Status: NodeCancelled, Error: "cancelled by parent control flow"}
			}
			continue
		}

		results[oc.nodeID] = oc.result
		if !oc.result.Success {
			for _, child := range children[oc.nodeID] {
				markSkipped(child, fmt.Sprintf("dependency %q did not complete successfully", oc.nodeID))
			}
			continue
		}
		for _, child := range children[oc.nodeID] {
			indegree[child]--
			if indegree[child] == 0 {
				if _, done := results[child]; !done {
					if _, isRunning := running[child]; !isRunning {
						ready = append(ready, child)
					}
				}
			}
		}
		sort.Strings(ready)
	}

	if cancelled {
		for _, n := range plan.Nodes {
			if _, ok := results[n.NodeID]; !ok {
				results[n.NodeID] = NodeResult{NodeID: n.NodeID, TargetAgent: n.TargetAgent, Status: NodeCancelled, Error: "cancelled by parent control flow"}
			}
		}
	}
	for _, nodeID := range order {
		if _, ok := results[nodeID]; !ok {
			n := nodeByID[nodeID]
			results[nodeID] = NodeResult{NodeID: nodeID, TargetAgent: n.TargetAgent, Status: NodeSkipped, Error: "node was not scheduled"}
		}
	}
	return results, audit, nil
}

func (s *Scheduler) runWithLimits(ctx context.Context, node Node, payload map[string]any, executeNode ExecuteNodeFunc) NodeResult {
	if err := s.global.Acquire(ctx, 1); err != nil {
		return NodeResult{NodeID: node.NodeID, TargetAgent: node.TargetAgent, Status: NodeCancelled, Error: "cancelled by parent control flow"}
	}
	defer s.global.Release(1)

	sem := s.targetSemaphore(node.TargetAgent)
	if err := sem.Acquire(ctx, 1); err != nil {
		return NodeResult{NodeID: node.NodeID, TargetAgent: node.TargetAgent, Status: NodeCancelled, Error: "cancelled by parent control flow"}
	}
	defer sem.Release(1)

	if s.globalRate != nil {
		if err := s.globalRate.Wait(ctx); err != nil {
			return NodeResult{NodeID: node.NodeID, TargetAgent: node.TargetAgent, Status: NodeCancelled, Error: "cancelled by parent control flow"}
		}
	}
	if lim := s.targetLimiter(node.TargetAgent); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return NodeResult{NodeID: node.NodeID, TargetAgent: node.TargetAgent, Status: NodeCancelled, Error: "cancelled by parent control flow"}
		}
	}

	return executeNode(ctx, node, payload)
}

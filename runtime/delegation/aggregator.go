package delegation

// Aggregator merges a plan's per-node results into a final Result according
// to the plan's JoinPolicy. Cancellation overrides every other outcome: if
// any node was cancelled, the plan's FinalStatus is always FinalCancelled.
type Aggregator struct{}

// Aggregate merges results (keyed by node id) for plan into a Result.
// topologicalOrder fixes the order of res.OrderedOutputs: it must be the
// same dependency-respecting order the scheduler executed nodes in, not a
// re-sort by node id, so that callers observing OrderedOutputs (e.g. to
// emit subagent-completed events) see nodes in execution order.
func (Aggregator) Aggregate(plan Plan, results map[string]NodeResult, topologicalOrder []string) Result {
	ordered := make([]NodeResult, 0, len(results))
	for _, nodeID := range topologicalOrder {
		if r, ok := results[nodeID]; ok {
			ordered = append(ordered, r)
		}
	}

	res := Result{NodeResults: results, OrderedOutputs: ordered}

	anyCancelled := false
	requiredFailed := false
	optionalFailed := false
	for _, n := range plan.Nodes {
		r, ok := results[n.NodeID]
		if !ok {
			continue
		}
		if r.Status == NodeCancelled {
			anyCancelled = true
		}
		if r.Success {
			res.SuccessCount++
			continue
		}
		res.FailureCount++
		if n.Required {
			requiredFailed = true
		} else {
			optionalFailed = true
		}
	}

	switch {
	case anyCancelled:
		res.FinalStatus = FinalCancelled
	case plan.JoinPolicy == JoinFirstSuccess:
		if res.SuccessCount > 0 {
			res.FinalStatus = FinalCompleted
		} else {
			res.FinalStatus = FinalFailed
		}
	case plan.JoinPolicy == JoinQuorum:
		if res.SuccessCount >= plan.Quorum {
			res.FinalStatus = FinalCompleted
		} else {
			res.FinalStatus = FinalFailed
		}
	case plan.JoinPolicy == JoinAllowOptionalFailures:
		switch {
		case requiredFailed:
			res.FinalStatus = FinalFailed
		case optionalFailed:
			res.FinalStatus = FinalDegraded
		default:
			res.FinalStatus = FinalCompleted
		}
	default: // JoinAllRequired
		if requiredFailed {
			res.FinalStatus = FinalFailed
		} else {
			res.FinalStatus = FinalCompleted
		}
	}

	return res
}

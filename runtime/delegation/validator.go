package delegation

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidPlan wraps every structural defect Validator.Validate rejects:
// max_parallelism < 1, duplicate node ids, unknown targets, dangling edge
// endpoints, self-cycles, and non-DAG graphs.
var ErrInvalidPlan = errors.New("delegation: invalid plan")

// Validator checks a Plan's structural soundness and computes a stable
// topological order.
type Validator struct{}

// Validate rejects structurally invalid plans and otherwise returns a
// deterministic topological order: Kahn's algorithm with the ready set
// sorted lexicographically by node id at every step.
func (Validator) Validate(plan Plan, availableTargets map[string]bool) ([]string, error) {
	if plan.MaxParallelism < 1 {
		return nil, fmt.Errorf("%w: max_parallelism must be >= 1", ErrInvalidPlan)
	}

	nodeIDs := make(map[string]bool, len(plan.Nodes))
	for _, node := range plan.Nodes {
		if nodeIDs[node.NodeID] {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalidPlan, node.NodeID)
		}
		if !availableTargets[node.TargetAgent] {
			return nil, fmt.Errorf("%w: unknown target %q for node %q", ErrInvalidPlan, node.TargetAgent, node.NodeID)
		}
		nodeIDs[node.NodeID] = true
	}

	indegree := make(map[string]int, len(plan.Nodes))
	children := make(map[string][]string, len(plan.Nodes))
	for _, node := range plan.Nodes {
		indegree[node.NodeID] = 0
		children[node.NodeID] = nil
	}

	for _, edge := range plan.Edges {
		if !nodeIDs[edge.FromNode] {
			return nil, fmt.Errorf("%w: edge source %q is not a plan node", ErrInvalidPlan, edge.FromNode)
		}
		if !nodeIDs[edge.ToNode] {
			return nil, fmt.Errorf("%w: edge target %q is not a plan node", ErrInvalidPlan, edge.ToNode)
		}
		if edge.FromNode == edge.ToNode {
			return nil, fmt.Errorf("%w: self-cycle on node %q", ErrInvalidPlan, edge.FromNode)
		}
		indegree[edge.ToNode]++
		children[edge.FromNode] = append(children[edge.FromNode], edge.ToNode)
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(plan.Nodes))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		childList := append([]string(nil), children[current]...)
		sort.Strings(childList)
		for _, child := range childList {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(plan.Nodes) {
		return nil, fmt.Errorf("%w: plan contains a cycle", ErrInvalidPlan)
	}
	return order, nil
}

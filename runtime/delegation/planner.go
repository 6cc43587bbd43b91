package delegation

import (
	"fmt"
	"strings"
	"time"
)

// PlanOptions configures Planner.CreatePlan.
type PlanOptions struct {
	// DefaultTimeout is applied to every generated node. Zero means no
	// per-attempt timeout.
	DefaultTimeout time.Duration
	// DefaultRetryPolicy is applied to every generated node. Zero value
	// resolves to DefaultRetryPolicy().
	DefaultRetryPolicy RetryPolicy
	// MaxParallelism overrides the plan's computed parallelism. Zero means
	// "derive from parallel: len(targets) if parallel else 1".
	MaxParallelism int
}

// Planner builds trivial fan-out plans from a flat target list.
type Planner struct{}

// CreatePlan builds a plan with one node per target, deduplicated with a
// "#N" suffix, no edges, and JoinAllRequired.
func (Planner) CreatePlan(targets []string, parallel bool, opts PlanOptions) Plan {
	retry := opts.DefaultRetryPolicy
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}

	counts := make(map[string]int)
	var nodes []Node
	for _, name := range targets {
		normalized := strings.TrimSpace(name)
		if normalized == "" {
			continue
		}
		counts[normalized]++
		nodeID := normalized
		if n := counts[normalized]; n > 1 {
			nodeID = fmt.Sprintf("%s#%d", normalized, n)
		}
		nodes = append(nodes, Node{
			NodeID:      nodeID,
			TargetAgent: normalized,
			Timeout:     opts.DefaultTimeout,
			RetryPolicy: retry,
			Required:    true,
		})
	}

	if len(nodes) == 0 {
		return Plan{JoinPolicy: JoinAllRequired, MaxParallelism: 1}
	}

	maxParallel := opts.MaxParallelism
	if maxParallel == 0 {
		if parallel {
			maxParallel = len(nodes)
		} else {
			maxParallel = 1
		}
	}
	if maxParallel < 1 {
		maxParallel = 1
	}

	return Plan{Nodes: nodes, JoinPolicy: JoinAllRequired, MaxParallelism: maxParallel}
}

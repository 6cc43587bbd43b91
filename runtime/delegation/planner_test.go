package delegation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreatePlanDedupesWithHashSuffix(t *testing.T) {
	plan := Planner{}.CreatePlan([]string{"researcher", "writer", "researcher", "researcher"}, true, PlanOptions{})
	require.Len(t, plan.Nodes, 4)
	ids := make([]string, len(plan.Nodes))
	for i, n := range plan.Nodes {
		ids[i] = n.NodeID
	}
	require.Equal(t, []string{"researcher", "writer", "researcher#2", "researcher#3"}, ids)
	require.Equal(t, JoinAllRequired, plan.JoinPolicy)
}

func TestCreatePlanParallelismDerivedFromParallelFlag(t *testing.T) {
	parallel := Planner{}.CreatePlan([]string{"a", "b", "c"}, true, PlanOptions{})
	require.Equal(t, 3, parallel.MaxParallelism)

	serial := Planner{}.CreatePlan([]string{"a", "b", "c"}, false, PlanOptions{})
	require.Equal(t, 1, serial.MaxParallelism)
}

func TestCreatePlanMaxParallelismOverride(t *testing.T) {
	plan := Planner{}.CreatePlan([]string{"a", "b", "c"}, true, PlanOptions{MaxParallelism: 2})
	require.Equal(t, 2, plan.MaxParallelism)
}

func TestCreatePlanEmptyTargetsYieldsEmptyPlan(t *testing.T) {
	plan := Planner{}.CreatePlan(nil, true, PlanOptions{})
	require.Empty(t, plan.Nodes)
	require.Equal(t, 1, plan.MaxParallelism)
}

func TestCreatePlanDefaultsRetryPolicyWhenUnset(t *testing.T) {
	plan := Planner{}.CreatePlan([]string{"a"}, false, PlanOptions{})
	require.Equal(t, DefaultRetryPolicy(), plan.Nodes[0].RetryPolicy)
}

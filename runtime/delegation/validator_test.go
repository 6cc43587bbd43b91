package delegation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func allTargets(ids ...string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func TestValidateTopologicalOrderIsLexicographicallyStable(t *testing.T) {
	plan := Plan{
		Nodes: []Node{
			{NodeID: "c", TargetAgent: "x"},
			{NodeID: "a", TargetAgent: "x"},
			{NodeID: "b", TargetAgent: "x"},
		},
		MaxParallelism: 3,
	}
	order, err := Validator{}.Validate(plan, allTargets("x"))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestValidateRespectsEdgeOrdering(t *testing.T) {
	plan := Plan{
		Nodes: []Node{
			{NodeID: "a", TargetAgent: "x"},
			{NodeID: "b", TargetAgent: "x"},
			{NodeID: "c", TargetAgent: "x"},
		},
		Edges:          []Edge{{FromNode: "c", ToNode: "a"}},
		MaxParallelism: 3,
	}
	order, err := Validator{}.Validate(plan, allTargets("x"))
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "a"}, order)
}

func TestValidateRejectsMaxParallelismBelowOne(t *testing.T) {
	_, err := Validator{}.Validate(Plan{MaxParallelism: 0}, nil)
	require.ErrorIs(t, err, ErrInvalidPlan)
}

func TestValidateRejectsDuplicateNodeIDs(t *testing.T) {
	plan := Plan{
		Nodes:          []Node{{NodeID: "a", TargetAgent: "x"}, {NodeID: "a", TargetAgent: "x"}},
		MaxParallelism: 1,
	}
	_, err := Validator{}.Validate(plan, allTargets("x"))
	require.ErrorIs(t, err, ErrInvalidPlan)
}

func TestValidateRejectsUnknownTarget(t *testing.T) {
	plan := Plan{Nodes: []Node{{NodeID: "a", TargetAgent: "ghost"}}, MaxParallelism: 1}
	_, err := Validator{}.Validate(plan, allTargets("x"))
	require.ErrorIs(t, err, ErrInvalidPlan)
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	plan := Plan{
		Nodes:          []Node{{NodeID: "a", TargetAgent: "x"}},
		Edges:          []Edge{{FromNode: "a", ToNode: "ghost"}},
		MaxParallelism: 1,
	}
	_, err := Validator{}.Validate(plan, allTargets("x"))
	require.ErrorIs(t, err, ErrInvalidPlan)
}

func TestValidateRejectsSelfCycle(t *testing.T) {
	plan := Plan{
		Nodes:          []Node{{NodeID: "a", TargetAgent: "x"}},
		Edges:          []Edge{{FromNode: "a", ToNode: "a"}},
		MaxParallelism: 1,
	}
	_, err := Validator{}.Validate(plan, allTargets("x"))
	require.ErrorIs(t, err, ErrInvalidPlan)
}

func TestValidateRejectsCycle(t *testing.T) {
	plan := Plan{
		Nodes: []Node{
			{NodeID: "a", TargetAgent: "x"},
			{NodeID: "b", TargetAgent: "x"},
		},
		Edges:          []Edge{{FromNode: "a", ToNode: "b"}, {FromNode: "b", ToNode: "a"}},
		MaxParallelism: 2,
	}
	_, err := Validator{}.Validate(plan, allTargets("x"))
	require.ErrorIs(t, err, ErrInvalidPlan)
}

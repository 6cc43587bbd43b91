package delegation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func plainPlan(policy JoinPolicy, quorum int, nodes ...Node) Plan {
	return Plan{Nodes: nodes, JoinPolicy: policy, Quorum: quorum}
}

func TestAggregateAllRequiredFailsOnRequiredFailure(t *testing.T) {
	plan := plainPlan(JoinAllRequired, 0,
		Node{NodeID: "a", Required: true},
		Node{NodeID: "b", Required: true},
	)
	results := map[string]NodeResult{
		"a": {NodeID: "a", Status: NodeCompleted, Success: true},
		"b": {NodeID: "b", Status: NodeFailed, Success: false},
	}
	res := Aggregator{}.Aggregate(plan, results, []string{"a", "b"})
	require.Equal(t, FinalFailed, res.FinalStatus)
	require.Equal(t, 1, res.SuccessCount)
	require.Equal(t, 1, res.FailureCount)
}

func TestAggregateAllowOptionalFailuresDegradesOnOptionalFailure(t *testing.T) {
	plan := plainPlan(JoinAllowOptionalFailures, 0,
		Node{NodeID: "a", Required: true},
		Node{NodeID: "b", Required: false},
	)
	results := map[string]NodeResult{
		"a": {NodeID: "a", Status: NodeCompleted, Success: true},
		"b": {NodeID: "b", Status: NodeFailed, Success: false},
	}
	res := Aggregator{}.Aggregate(plan, results, []string{"a", "b"})
	require.Equal(t, FinalDegraded, res.FinalStatus)
}

func TestAggregateAllowOptionalFailuresFailsOnRequiredFailure(t *testing.T) {
	plan := plainPlan(JoinAllowOptionalFailures, 0,
		Node{NodeID: "a", Required: true},
		Node{NodeID: "b", Required: false},
	)
	results := map[string]NodeResult{
		"a": {NodeID: "a", Status: NodeFailed, Success: false},
		"b": {NodeID: "b", Status: NodeCompleted, Success: true},
	}
	res := Aggregator{}.Aggregate(plan, results, []string{"a", "b"})
	require.Equal(t, FinalFailed, res.FinalStatus)
}

func TestAggregateFirstSuccessCompletesWithOneSuccess(t *testing.T) {
	plan := plainPlan(JoinFirstSuccess, 0, Node{NodeID: "a"}, Node{NodeID: "b"})
	results := map[string]NodeResult{
		"a": {NodeID: "a", Status: NodeFailed, Success: false},
		"b": {NodeID: "b", Status: NodeCompleted, Success: true},
	}
	res := Aggregator{}.Aggregate(plan, results, []string{"a", "b"})
	require.Equal(t, FinalCompleted, res.FinalStatus)
}

func TestAggregateFirstSuccessFailsWhenAllFail(t *testing.T) {
	plan := plainPlan(JoinFirstSuccess, 0, Node{NodeID: "a"}, Node{NodeID: "b"})
	results := map[string]NodeResult{
		"a": {NodeID: "a", Status: NodeFailed, Success: false},
		"b": {NodeID: "b", Status: NodeFailed, Success: false},
	}
	res := Aggregator{}.Aggregate(plan, results, []string{"a", "b"})
	require.Equal(t, FinalFailed, res.FinalStatus)
}

func TestAggregateQuorumCompletesWhenThresholdReached(t *testing.T) {
	plan := plainPlan(JoinQuorum, 2, Node{NodeID: "a"}, Node{NodeID: "b"}, Node{NodeID: "c"})
	results := map[string]NodeResult{
		"a": {NodeID: "a", Status: NodeCompleted, Success: true},
		"b": {NodeID: "b", Status: NodeCompleted, Success: true},
		"c": {NodeID: "c", Status: NodeFailed, Success: false},
	}
	res := Aggregator{}.Aggregate(plan, results, []string{"a", "b", "c"})
	require.Equal(t, FinalCompleted, res.FinalStatus)
}

func TestAggregateQuorumFailsBelowThreshold(t *testing.T) {
	plan := plainPlan(JoinQuorum, 3, Node{NodeID: "a"}, Node{NodeID: "b"}, Node{NodeID: "c"})
	results := map[string]NodeResult{
		"a": {NodeID: "a", Status: NodeCompleted, Success: true},
		"b": {NodeID: "b", Status: NodeCompleted, Success: true},
		"c": {NodeID: "c", Status: NodeFailed, Success: false},
	}
	res := Aggregator{}.Aggregate(plan, results, []string{"a", "b", "c"})
	require.Equal(t, FinalFailed, res.FinalStatus)
}

func TestAggregateCancellationOverridesEverything(t *testing.T) {
	plan := plainPlan(JoinFirstSuccess, 0, Node{NodeID: "a"}, Node{NodeID: "b"})
	results := map[string]NodeResult{
		"a": {NodeID: "a", Status: NodeCompleted, Success: true},
		"b": {NodeID: "b", Status: NodeCancelled, Success: false},
	}
	res := Aggregator{}.Aggregate(plan, results, []string{"a", "b"})
	require.Equal(t, FinalCancelled, res.FinalStatus)
}

func TestAggregateOrderedOutputsFollowsTopologicalOrderNotNodeID(t *testing.T) {
	// Plan declares nodes "z" then "a", but "z" depends on nothing and "a"
	// depends on "z" (edge z -> a), so the topological order is [z, a].
	// OrderedOutputs must follow that order, not a lexical sort of node ids
	// (which would wrongly produce [a, z]).
	plan := plainPlan(JoinAllRequired, 0, Node{NodeID: "z"}, Node{NodeID: "a"})
	plan.Edges = []Edge{{FromNode: "z", ToNode: "a"}}
	results := map[string]NodeResult{
		"a": {NodeID: "a", Status: NodeCompleted, Success: true},
		"z": {NodeID: "z", Status: NodeCompleted, Success: true},
	}
	res := Aggregator{}.Aggregate(plan, results, []string{"z", "a"})
	require.Equal(t, "z", res.OrderedOutputs[0].NodeID)
	require.Equal(t, "a", res.OrderedOutputs[1].NodeID)
}

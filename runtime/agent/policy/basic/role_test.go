package basic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/afk-project/afk-core/runtime/agent/policy"
	"github.com/afk-project/afk-core/runtime/agent/tools"
)

func TestRoleBlocksBlockedTool(t *testing.T) {
	role := New(Options{BlockTools: []string{"svc.danger.delete"}})
	in := policy.Input{
		Requested: tools.Ident("svc.danger.delete"),
		Tools:     []policy.ToolMetadata{{ID: "svc.danger.delete"}},
	}
	d, err := role.Decide(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, policy.ActionDeny, d.Action)
}

func TestRoleAllowsUnlisted(t *testing.T) {
	role := New(Options{})
	in := policy.Input{
		Requested: tools.Ident("svc.safe.read"),
		Tools:     []policy.ToolMetadata{{ID: "svc.safe.read"}},
	}
	d, err := role.Decide(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, policy.ActionAllow, d.Action)
}

func TestRoleFiltersByAllowTag(t *testing.T) {
	role := New(Options{AllowTags: []string{"readonly"}})
	in := policy.Input{
		Tools: []policy.ToolMetadata{
			{ID: "svc.a", Tags: []string{"readonly"}},
			{ID: "svc.b", Tags: []string{"mutating"}},
		},
	}
	d, err := role.Decide(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, []tools.Ident{"svc.a"}, d.AllowedTools)
}

func TestRoleRetryHintRestrictsToTool(t *testing.T) {
	role := New(Options{})
	in := policy.Input{
		Tools: []policy.ToolMetadata{{ID: "svc.a"}, {ID: "svc.b"}},
		RetryHint: &policy.RetryHint{Tool: "svc.a", RestrictToTool: true},
	}
	d, err := role.Decide(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, []tools.Ident{"svc.a"}, d.AllowedTools)
}

func TestEngineFirstNonAllowWins(t *testing.T) {
	engine := policy.New(nil, []policy.Role{
		New(Options{BlockTools: []string{"svc.danger"}}),
	})
	d, err := engine.Decide(context.Background(), policy.Input{
		Requested: tools.Ident("svc.danger"),
		Tools:     []policy.ToolMetadata{{ID: "svc.danger"}},
	})
	require.NoError(t, err)
	require.Equal(t, policy.ActionDeny, d.Action)
	require.Equal(t, []string{"basic"}, d.MatchedRuleIDs)
}

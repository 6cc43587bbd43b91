// Package basic provides a lightweight policy.Role implementation covering
// allow/block tag and tool-id filtering plus retry-hint narrowing, without
// requiring a bespoke policy service.
package basic

import (
	"context"
	"strings"

	"github.com/afk-project/afk-core/runtime/agent/policy"
	"github.com/afk-project/afk-core/runtime/agent/tools"
)

// Options configures Role.
type Options struct {
	// AllowTags restricts tool execution to metadata tags. Empty means no tag filter.
	AllowTags []string
	// BlockTags excludes tools carrying any of these tags.
	BlockTags []string
	// AllowTools explicitly allowlists tool IDs. Takes precedence over tags.
	AllowTools []string
	// BlockTools explicitly blocks tool IDs.
	BlockTools []string
	// DisableRetryHints disables automatic narrowing on policy.RetryHint.
	DisableRetryHints bool
	// Name overrides the role's declared name; defaults to "basic".
	Name string
}

// Role implements policy.Role with allow/block filtering and retry-hint
// awareness.
type Role struct {
	allowTags  map[string]struct{}
	blockTags  map[string]struct{}
	allowTools map[tools.Ident]struct{}
	blockTools map[tools.Ident]struct{}
	honorHints bool
	name       string
}

// New builds a Role from opts.
func New(opts Options) *Role {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "basic"
	}
	return &Role{
		allowTags:  toSet[string](opts.AllowTags),
		blockTags:  toSet[string](opts.BlockTags),
		allowTools: toSet[tools.Ident](opts.AllowTools),
		blockTools: toSet[tools.Ident](opts.BlockTools),
		honorHints: !opts.DisableRetryHints,
		name:       name,
	}
}

// Name returns the role's declared name, used in policy.Decision.MatchedRuleIDs.
func (r *Role) Name() string { return r.name }

// Decide evaluates in.Requested (or, absent that, every candidate in
// in.Tools) against the configured allow/block lists, then applies
// in.RetryHint narrowing when enabled. Denies if a requested tool fails the
// allow/block check; otherwise allows, optionally narrowing in.AllowedTools
// for batch (LLM-before-call) evaluations.
func (r *Role) Decide(_ context.Context, in policy.Input) (policy.Decision, error) {
	meta := indexMetadata(in.Tools)

	if in.Requested != "" {
		md, ok := meta[in.Requested]
		if ok && !r.isAllowed(md) {
			return policy.Decision{Action: policy.ActionDeny, Reason: "blocked by policy", Caps: in.RemainingCaps}, nil
		}
		return policy.Decision{Action: policy.ActionAllow, Caps: in.RemainingCaps}, nil
	}

	allowed := r.filterAllowed(candidateHandles(meta), meta)
	caps := in.RemainingCaps
	if r.honorHints && in.RetryHint != nil {
		allowed, caps = r.applyRetryHint(allowed, meta, caps, in.RetryHint)
	}
	return policy.Decision{
		Action:       policy.ActionAllow,
		AllowedTools: allowed,
		Caps:         caps,
	}, nil
}

func (r *Role) filterAllowed(handles []tools.Ident, meta map[tools.Ident]policy.ToolMetadata) []tools.Ident {
	filtered := make([]tools.Ident, 0, len(handles))
	for _, h := range handles {
		md, ok := meta[h]
		if !ok || !r.isAllowed(md) {
			continue
		}
		filtered = append(filtered, h)
	}
	return filtered
}

func (r *Role) isAllowed(meta policy.ToolMetadata) bool {
	if len(r.blockTools) > 0 {
		if _, blocked := r.blockTools[meta.ID]; blocked {
			return false
		}
	}
	if len(r.blockTags) > 0 {
		for _, tag := range meta.Tags {
			if _, blocked := r.blockTags[tag]; blocked {
				return false
			}
		}
	}
	if len(r.allowTools) > 0 {
		_, ok := r.allowTools[meta.ID]
		return ok
	}
	if len(r.allowTags) > 0 {
		for _, tag := range meta.Tags {
			if _, ok := r.allowTags[tag]; ok {
				return true
			}
		}
		return false
	}
	return true
}

func (r *Role) applyRetryHint(
	allowed []tools.Ident, meta map[tools.Ident]policy.ToolMetadata,
	caps policy.CapsState, hint *policy.RetryHint,
) ([]tools.Ident, policy.CapsState) {
	if hint == nil || hint.Tool == "" {
		return allowed, caps
	}
	if hint.RestrictToTool {
		if _, ok := meta[hint.Tool]; ok {
			return []tools.Ident{hint.Tool}, caps
		}
		return nil, caps
	}
	return allowed, caps
}

func candidateHandles(meta map[tools.Ident]policy.ToolMetadata) []tools.Ident {
	handles := make([]tools.Ident, 0, len(meta))
	for id := range meta {
		handles = append(handles, id)
	}
	return handles
}

func indexMetadata(list []policy.ToolMetadata) map[tools.Ident]policy.ToolMetadata {
	index := make(map[tools.Ident]policy.ToolMetadata, len(list))
	for _, m := range list {
		index[m.ID] = m
	}
	return index
}

func toSet[T ~string](values []string) map[T]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[T]struct{}, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			set[T(trimmed)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

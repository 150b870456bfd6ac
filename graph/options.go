// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"strings"

	"github.com/conflux-run/conflux/ref"
	"github.com/zclconf/go-cty/cty"
)

// NodeOption configures a NodeDef beyond its name, handler, and declared
// args at registration time.
type NodeOption func(*NodeDef, *Registry)

// WithCacheMode overrides the default PerRun cache mode for this node.
func WithCacheMode(mode CacheMode) NodeOption {
	return func(n *NodeDef, _ *Registry) {
		n.CacheMode = mode
	}
}

// WithModifiers attaches post-handler modifier producers, piped in order.
func WithModifiers(mods ...ref.Ref) NodeOption {
	return func(n *NodeDef, _ *Registry) {
		n.Modifiers = append(n.Modifiers, mods...)
	}
}

// WithChildBuilds declares sub-node invocations this node performs before
// its own handler runs.
func WithChildBuilds(cbs ...ChildBuild) NodeOption {
	return func(n *NodeDef, _ *Registry) {
		n.ChildBuilds = append(n.ChildBuilds, cbs...)
	}
}

// WithReturns sets the subgraph return reference (SubgraphKind only).
func WithReturns(r ref.Ref) NodeOption {
	return func(n *NodeDef, _ *Registry) {
		n.ReturnsRef = &r
	}
}

// WithType declares this node's value type for enforceTypes checking.
func WithType(t cty.Type) NodeOption {
	return func(n *NodeDef, r *Registry) {
		r.nodeTypes[n.Name] = t
	}
}

// parseArgSpec interprets a declared-argument string carrying the `!`
// (important) and `?` (void) prefixes.
func parseArgSpec(s string) ArgSpec {
	spec := ArgSpec{Name: s}
	for {
		switch {
		case strings.HasPrefix(spec.Name, "!"):
			spec.Important = true
			spec.Name = spec.Name[1:]
		case strings.HasPrefix(spec.Name, "?"):
			spec.Void = true
			spec.Name = spec.Name[1:]
		default:
			return spec
		}
	}
}

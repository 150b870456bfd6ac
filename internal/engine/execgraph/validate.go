// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

package execgraph

import (
	"fmt"
	"sort"

	"github.com/conflux-run/conflux/graph"
	"github.com/conflux-run/conflux/internal/diagnostics"
)

// edgesOf returns every fingerprint c reads from, important or otherwise,
// for the purposes of cycle detection and purity propagation.
func edgesOf(c *CallInstance) []string {
	var out []string
	for _, in := range c.Inputs {
		out = append(out, in.Producer)
	}
	out = append(out, c.ImportantPreds...)
	if c.LazyTargetFingerprint != "" && c.Kind != LazyThunkKind {
		// A SubgraphKind handler call's reused LazyTargetFingerprint field
		// holds its resolved returns-reference producer: a real dependency.
		out = append(out, c.LazyTargetFingerprint)
	}
	return out
}

// checkCycles walks the plan looking for a reference cycle: a call
// instance that, transitively through its own inputs, depends on itself.
// LazyThunkKind edges are excluded from this walk since a lazy thunk's
// whole purpose is to defer evaluation of a cycle that would otherwise be
// immediate.
func (c *compiler) checkCycles() {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(c.plan.Calls))
	var stack []string

	var visit func(fp string) bool
	visit = func(fp string) bool {
		switch color[fp] {
		case black:
			return false
		case gray:
			return true
		}
		color[fp] = gray
		stack = append(stack, fp)
		call, ok := c.plan.Calls[fp]
		if ok && call.Kind != LazyThunkKind {
			for _, next := range edgesOf(call) {
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[fp] = black
		return false
	}

	names := make([]string, 0, len(c.plan.Order))
	names = append(names, c.plan.Order...)
	for _, fp := range names {
		if color[fp] == white {
			if visit(fp) {
				c.diags = c.diags.Append(diagnostics.Sourceless(diagnostics.Error,
					"reference cycle detected", fmt.Sprintf("cycle reaches call %s", shortFP(fp))))
				return
			}
		}
	}
}

// checkStrictInputs verifies every RuntimeInputCallKind leaf in the plan is
// named in the declared compile-input set, reporting
// the full missing set in one diagnostic rather than failing on the first.
func (c *compiler) checkStrictInputs(declared []string) {
	allowed := make(map[string]bool, len(declared))
	for _, name := range declared {
		allowed[name] = true
	}
	var missing []string
	seen := make(map[string]bool)
	for _, fp := range c.plan.Order {
		call := c.plan.Calls[fp]
		if call.Kind != RuntimeInputCallKind {
			continue
		}
		if allowed[call.RuntimeInputName] || seen[call.RuntimeInputName] {
			continue
		}
		seen[call.RuntimeInputName] = true
		missing = append(missing, call.RuntimeInputName)
	}
	if len(missing) == 0 {
		return
	}
	sort.Strings(missing)
	c.diags = c.diags.Append(diagnostics.Sourceless(diagnostics.Error,
		"undeclared compile inputs referenced", fmt.Sprint(missing)))
}

// checkSingletonPurity verifies every Singleton-cached call's full
// transitive dependency closure is itself Singleton or Literal, and never
// touches a runtime input.
func (c *compiler) checkSingletonPurity() {
	pure := make(map[string]bool, len(c.plan.Calls))
	var isPure func(fp string) bool
	isPure = func(fp string) bool {
		if v, ok := pure[fp]; ok {
			return v
		}
		call, ok := c.plan.Calls[fp]
		if !ok {
			return true
		}
		pure[fp] = true // provisional, breaks cycles (already reported separately)
		ok2 := true
		switch {
		case call.Kind == RuntimeInputCallKind:
			ok2 = false
		case call.Kind == LiteralCallKind:
			ok2 = true
		case call.CacheMode != graph.Singleton && call.Kind == HandlerCallKind:
			ok2 = false
		default:
			for _, next := range edgesOf(call) {
				if !isPure(next) {
					ok2 = false
					break
				}
			}
		}
		pure[fp] = ok2
		return ok2
	}

	for _, fp := range c.plan.Order {
		call := c.plan.Calls[fp]
		if call.CacheMode != graph.Singleton {
			continue
		}
		if !isPure(fp) {
			c.diags = c.diags.Append(diagnostics.FromSubject(diagnostics.Error, call.NodeName,
				"singleton node is not compile-time pure",
				"a singleton node's full dependency closure must be singleton or literal, and must not reference a runtime input"))
		}
	}
}

// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

package builder

import (
	"context"
	"io"
	"sort"

	"github.com/google/uuid"

	"github.com/conflux-run/conflux/graph"
	"github.com/conflux-run/conflux/internal/dag/graphviz"
	"github.com/conflux-run/conflux/internal/engine/execgraph"
	"github.com/conflux-run/conflux/internal/engine/singleton"
	"github.com/conflux-run/conflux/trace"
)

// Plan is a compiled, immutable requested-output bundle. Running it does
// not mutate it; two concurrent runs of the same plan share nothing but the
// process-wide singleton store.
type Plan struct {
	name       string
	reg        *graph.Registry
	compiled   *execgraph.CompiledPlan
	preHooks   []Hook
	postHooks  []Hook
	singletons *singleton.Store
	traceSink  trace.Sink
}

// Run executes the plan against a runtime input bundle and returns the map
// of output alias to resolved value, or the first failure to reach a
// requested output (a *execgraph.RunError for run-time failures, carrying
// the failure chain).
func (p *Plan) Run(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	outputs, _, err := p.RunDetailed(ctx, inputs)
	return outputs, err
}

// RunDetailed is Run plus the per-run introspection snapshot of values,
// errors, and start times keyed by call-instance fingerprint. The snapshot
// is valid (though possibly partial) even when the run fails, except when a
// pre-run hook fails: no call has been scheduled then, and it is nil.
func (p *Plan) RunDetailed(ctx context.Context, inputs map[string]any) (map[string]any, *execgraph.RunSnapshot, error) {
	// Hooks and the engine both see a private copy so that a caller's map
	// is never mutated behind its back.
	bundle := make(map[string]any, len(inputs))
	for k, v := range inputs {
		bundle[k] = v
	}
	var err error
	for _, h := range p.preHooks {
		bundle, err = h(ctx, bundle)
		if err != nil {
			return nil, nil, err
		}
	}

	outputs, snap, err := execgraph.Execute(ctx, p.compiled, bundle, execgraph.ExecOptions{
		Registry:   p.reg,
		Singletons: p.singletons,
		TraceID:    uuid.NewString(),
		Trace:      p.traceSink,
		Builder:    p.name,
	})
	if err != nil {
		return nil, snap, err
	}

	for _, h := range p.postHooks {
		outputs, err = h(ctx, outputs)
		if err != nil {
			return nil, snap, err
		}
	}
	return outputs, snap, nil
}

// CompiledNode is the introspection record for one call instance.
type CompiledNode struct {
	HandlerName string
	Inputs      []string
	CacheMode   graph.CacheMode
	Guarded     bool
}

// CompiledNodes returns the map of call-instance fingerprints to their
// introspection records, for external DOT/debugger/profiler consumers.
func (p *Plan) CompiledNodes() map[string]CompiledNode {
	out := make(map[string]CompiledNode, len(p.compiled.Calls))
	for fp, call := range p.compiled.Calls {
		info := CompiledNode{
			HandlerName: call.NodeName,
			CacheMode:   call.CacheMode,
			Guarded:     call.Guard != nil,
		}
		for _, in := range call.Inputs {
			info.Inputs = append(info.Inputs, in.Producer)
		}
		out[fp] = info
	}
	return out
}

// Dependencies returns the plan's adjacency listing: for each call-instance
// fingerprint, every fingerprint it reads from, important edges included.
func (p *Plan) Dependencies() map[string][]string {
	out := make(map[string][]string, len(p.compiled.Calls))
	for fp, call := range p.compiled.Calls {
		var deps []string
		for _, in := range call.Inputs {
			deps = append(deps, in.Producer)
		}
		deps = append(deps, call.ImportantPreds...)
		if call.LazyTargetFingerprint != "" {
			deps = append(deps, call.LazyTargetFingerprint)
		}
		out[fp] = deps
	}
	return out
}

// Outputs returns the plan's output assignments: alias to fingerprint.
func (p *Plan) Outputs() map[string]string {
	out := make(map[string]string, len(p.compiled.Outputs))
	for alias, fp := range p.compiled.Outputs {
		out[alias] = fp
	}
	return out
}

// DebugRepr renders the plan as a flat deterministic listing.
func (p *Plan) DebugRepr() string {
	return p.compiled.DebugRepr()
}

// WriteDot renders the plan as a Graphviz digraph on w, one vertex per call
// instance and one edge per dependency, with important edges dashed.
func (p *Plan) WriteDot(w io.Writer) error {
	var nodes []graphviz.Node
	var edges []graphviz.Edge
	for _, fp := range p.compiled.Order {
		call := p.compiled.Calls[fp]
		nodes = append(nodes, graphviz.Node{
			Name: fp,
			Attrs: graphviz.Attributes{
				"label": graphviz.Val(call.NodeName),
				"shape": graphviz.Val("box"),
			},
		})
		for _, in := range call.Inputs {
			edges = append(edges, graphviz.Edge{From: in.Producer, To: fp})
		}
		for _, pred := range call.ImportantPreds {
			edges = append(edges, graphviz.Edge{
				From:  pred,
				To:    fp,
				Attrs: graphviz.Attributes{"style": graphviz.Val("dashed")},
			})
		}
		if call.LazyTargetFingerprint != "" {
			edges = append(edges, graphviz.Edge{
				From:  call.LazyTargetFingerprint,
				To:    fp,
				Attrs: graphviz.Attributes{"style": graphviz.Val("dotted")},
			})
		}
	}
	aliases := make([]string, 0, len(p.compiled.Outputs))
	for alias := range p.compiled.Outputs {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		nodes = append(nodes, graphviz.Node{
			Name:  "out:" + alias,
			Attrs: graphviz.Attributes{"shape": graphviz.Val("ellipse")},
		})
		edges = append(edges, graphviz.Edge{From: p.compiled.Outputs[alias], To: "out:" + alias})
	}
	return graphviz.WriteDigraph(w, p.name, nodes, edges)
}

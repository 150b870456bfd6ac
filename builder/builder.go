// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

// Package builder is the public per-requested-output-bundle surface: a
// Builder collects build entries, per-call overrides, guards, hooks, and
// compile inputs, then compiles them into an immutable Plan that can be run
// any number of times against different runtime input bundles.
package builder

import (
	"context"
	"log"
	"strconv"
	"sync"

	"github.com/conflux-run/conflux/graph"
	"github.com/conflux-run/conflux/internal/diagnostics"
	"github.com/conflux-run/conflux/internal/engine/execgraph"
	"github.com/conflux-run/conflux/internal/engine/singleton"
	"github.com/conflux-run/conflux/ref"
	"github.com/conflux-run/conflux/trace"
)

// processSingletons backs every plan's Singleton-cached calls: one store
// for the whole process, per the singleton contract.
var processSingletons = singleton.NewStore()

// Hook is a data-rewriter run before (over the runtime input bundle) or
// after (over the assembled output map) plan execution. Hooks run
// sequentially in registration order, each seeing the previous hook's
// output; a hook may suspend internally before returning.
type Hook func(ctx context.Context, data map[string]any) (map[string]any, error)

// Builder accumulates one requested-output bundle. It is safe for
// concurrent use, though a builder is typically assembled from one
// goroutine and then compiled once.
type Builder struct {
	mu   sync.Mutex
	reg  *graph.Registry
	name string

	entries       []*CallSite
	configure     map[string]map[string]ref.Ref
	compileInputs []string
	preHooks      []Hook
	postHooks     []Hook
	traceSink     trace.Sink

	// guardStack carries the active If/Else block guards; entries added
	// while a frame is open inherit its guard.
	guardStack []guardFrame

	frozen    bool
	anonCount int
	diags     diagnostics.Diagnostics

	compiled *Plan
}

type guardFrame struct {
	guard  ref.Ref
	inElse bool
}

// New returns an empty builder over reg. name is a debugging label carried
// on surfaced run errors.
func New(reg *graph.Registry, name string) *Builder {
	return &Builder{
		reg:       reg,
		name:      name,
		configure: make(map[string]map[string]ref.Ref),
	}
}

// CallSite is one build entry: the requested reference plus its call-site
// configuration. All methods return the receiver for chaining.
type CallSite struct {
	b         *Builder
	alias     string
	target    ref.Ref
	overrides map[string]ref.Ref
}

// Builds appends a build entry for target, which may be a ref.Ref or a
// string in the prefixed reference mini-language ("!name", "?name",
// "args.foo.bar"). The entry's output alias defaults to the referenced
// name; use As to change it.
func (b *Builder) Builds(target any) *CallSite {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs := &CallSite{b: b, target: toRef(target)}
	if b.frozen {
		b.diags = b.diags.Append(diagnostics.Sourceless(diagnostics.Error,
			"builds entry added after FreezeOutputs", ""))
		return cs
	}
	for _, frame := range b.guardStack {
		if frame.inElse {
			cs.target = cs.target.Unless(frame.guard)
		} else {
			cs.target = cs.target.When(frame.guard)
		}
	}
	cs.alias = defaultAlias(b, cs.target)
	b.checkBuilderNameLocked(cs.target)
	b.entries = append(b.entries, cs)
	b.compiled = nil
	return cs
}

func defaultAlias(b *Builder, r ref.Ref) string {
	if r.Kind == ref.NodeKind || r.Kind == ref.ArgKind {
		return r.Name
	}
	b.anonCount++
	return "out$" + strconv.Itoa(b.anonCount)
}

func (b *Builder) checkBuilderNameLocked(r ref.Ref) {
	if r.Kind != ref.NodeKind {
		return
	}
	mode := b.reg.EnforceBuilderNamesMode()
	if mode == graph.Silent {
		return
	}
	if _, ok := b.reg.Lookup(r.Name); ok {
		return
	}
	if mode == graph.Error {
		b.diags = b.diags.Append(diagnostics.FromSubject(diagnostics.Error, r.Name,
			"builds entry references an unregistered node", ""))
		return
	}
	log.Printf("[WARN] builder %s: builds entry references unregistered node %q", b.name, r.Name)
}

// As renames the entry's output alias.
func (cs *CallSite) As(alias string) *CallSite {
	cs.b.mu.Lock()
	defer cs.b.mu.Unlock()
	cs.alias = alias
	return cs
}

// Using supplies per-call input overrides for this entry's declared args.
// Values may be ref.Ref, a reference string, or any other value (captured
// as a literal).
func (cs *CallSite) Using(overrides map[string]any) *CallSite {
	cs.b.mu.Lock()
	defer cs.b.mu.Unlock()
	if cs.overrides == nil {
		cs.overrides = make(map[string]ref.Ref, len(overrides))
	}
	for k, v := range overrides {
		cs.overrides[k] = toRef(v)
	}
	cs.b.compiled = nil
	return cs
}

// Modifiers pipes this entry's value through the named modifier producers
// in order.
func (cs *CallSite) Modifiers(mods ...any) *CallSite {
	cs.b.mu.Lock()
	defer cs.b.mu.Unlock()
	refs := make([]ref.Ref, len(mods))
	for i, m := range mods {
		refs[i] = toRef(m)
	}
	cs.target = cs.target.Through(refs...)
	cs.b.compiled = nil
	return cs
}

// When gates this entry on guard's truthiness.
func (cs *CallSite) When(guard any) *CallSite {
	cs.b.mu.Lock()
	defer cs.b.mu.Unlock()
	cs.target = cs.target.When(toRef(guard))
	cs.b.compiled = nil
	return cs
}

// Unless gates this entry on guard's falsiness.
func (cs *CallSite) Unless(guard any) *CallSite {
	cs.b.mu.Lock()
	defer cs.b.mu.Unlock()
	cs.target = cs.target.Unless(toRef(guard))
	cs.b.compiled = nil
	return cs
}

// Configured supplies subgraph-local configuration: overrides applied to a
// named node wherever it is reached during compilation, not only when it is
// a direct requested output.
type Configured struct {
	b    *Builder
	name string
}

// Configure begins subgraph-local configuration of the named node.
func (b *Builder) Configure(name string) *Configured {
	return &Configured{b: b, name: name}
}

// Using merges overrides into the configured node's override map.
func (c *Configured) Using(overrides map[string]any) *Configured {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	m := c.b.configure[c.name]
	if m == nil {
		m = make(map[string]ref.Ref, len(overrides))
		c.b.configure[c.name] = m
	}
	for k, v := range overrides {
		m[k] = toRef(v)
	}
	c.b.compiled = nil
	return c
}

// If opens a guarded block: entries added until the matching Else or End
// are gated on guard's truthiness.
func (b *Builder) If(guard any) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.guardStack = append(b.guardStack, guardFrame{guard: toRef(guard)})
	return b
}

// Else flips the innermost open If block: entries added until End are gated
// on the guard's falsiness instead.
func (b *Builder) Else() *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.guardStack) == 0 {
		b.diags = b.diags.Append(diagnostics.Sourceless(diagnostics.Error, "Else with no open If block", ""))
		return b
	}
	b.guardStack[len(b.guardStack)-1].inElse = true
	return b
}

// End closes the innermost open If block.
func (b *Builder) End() *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.guardStack) == 0 {
		b.diags = b.diags.Append(diagnostics.Sourceless(diagnostics.Error, "End with no open If block", ""))
		return b
	}
	b.guardStack = b.guardStack[:len(b.guardStack)-1]
	return b
}

// FreezeOutputs marks the output set complete: any further Builds entry is
// a compile error.
func (b *Builder) FreezeOutputs() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = true
}

// SetCompileInputs declares the complete runtime input name set; with it
// set, compilation fails if the plan references any runtime input not named
// here.
func (b *Builder) SetCompileInputs(names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.compileInputs = append([]string(nil), names...)
	b.compiled = nil
}

// PreRun appends a hook over the runtime input bundle, run before any call
// is scheduled.
func (b *Builder) PreRun(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.preHooks = append(b.preHooks, h)
	b.compiled = nil
}

// PostRun appends a hook over the assembled output map, run before the
// result is handed to the caller.
func (b *Builder) PostRun(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.postHooks = append(b.postHooks, h)
	b.compiled = nil
}

// SetTraceSink directs the structured trace event stream for runs of plans
// compiled from this builder. Nil discards.
func (b *Builder) SetTraceSink(s trace.Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.traceSink = s
	b.compiled = nil
}

// Compile resolves every entry against the registry and produces an
// immutable Plan, or the accumulated registration/compile diagnostics as an
// error.
func (b *Builder) Compile() (*Plan, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.compileLocked()
}

func (b *Builder) compileLocked() (*Plan, error) {
	if b.compiled != nil {
		return b.compiled, nil
	}
	if len(b.guardStack) != 0 {
		b.diags = b.diags.Append(diagnostics.Sourceless(diagnostics.Error,
			"unclosed If block at compile time", ""))
	}
	if b.diags.HasErrors() {
		return nil, b.diags.Err()
	}

	requests := make([]execgraph.BuildRequest, 0, len(b.entries))
	seenAliases := make(map[string]bool, len(b.entries))
	for _, cs := range b.entries {
		if seenAliases[cs.alias] {
			return nil, diagnostics.Diagnostics{}.Append(diagnostics.FromSubject(
				diagnostics.Error, cs.alias, "duplicate output alias",
				"use As to give each builds entry a distinct alias")).Err()
		}
		seenAliases[cs.alias] = true
		requests = append(requests, execgraph.BuildRequest{
			Alias:     cs.alias,
			Ref:       cs.target,
			Overrides: cs.overrides,
		})
	}
	compiled, diags := execgraph.Compile(b.reg, requests, execgraph.Options{
		ConfigureOverrides: b.configure,
		CompileInputs:      b.compileInputs,
		Strict:             len(b.compileInputs) > 0,
	})
	if diags.HasErrors() {
		return nil, diags.Err()
	}
	b.compiled = &Plan{
		name:       b.name,
		reg:        b.reg,
		compiled:   compiled,
		preHooks:   append([]Hook(nil), b.preHooks...),
		postHooks:  append([]Hook(nil), b.postHooks...),
		singletons: processSingletons,
		traceSink:  b.traceSink,
	}
	return b.compiled, nil
}

// Run compiles (once, cached until the builder changes) and executes
// against the given runtime input bundle.
func (b *Builder) Run(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	b.mu.Lock()
	plan, err := b.compileLocked()
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return plan.Run(ctx, inputs)
}

// toRef normalizes the values the builder surface accepts anywhere a
// reference is expected: a ref.Ref passes through, a string is parsed in
// the prefixed reference mini-language, and anything else is captured as a
// literal.
func toRef(v any) ref.Ref {
	switch x := v.(type) {
	case ref.Ref:
		return x
	case string:
		return ref.Parse(x)
	default:
		return ref.Literal(v)
	}
}

// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

// Package execgraph implements the dependency compiler and execution
// engine: the two halves that turn a node registry plus a requested output
// set into a flattened plan of call instances, and then run that plan
// concurrently.
//
// The compiler lowers every reference form (node references with dotted
// projections, call-site arguments, literals, inline functions, structural
// compositions, guards, modifiers, lazy wrappers) into a fingerprint-keyed
// table of call instances with fully-resolved input wiring; the engine
// walks that table pull-driven from the requested outputs, one goroutine
// and one workgraph promise per call instance.
package execgraph

import (
	"fmt"
	"strings"

	"github.com/zclconf/go-cty-debug/ctydebug"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/conflux-run/conflux/graph"
)

// CallKind tags which of the small, closed set of call-instance shapes a
// CallInstance is. Every Ref kind and every lowering the
// compiler performs (guards, modifiers, lazy thunks) ends up as one of
// these at the flattened-plan level.
type CallKind int

const (
	// HandlerCallKind invokes a registered node's user handler (or, for a
	// SubgraphKind node, forwards the value of the returns producer named by
	// LazyTargetFingerprint).
	HandlerCallKind CallKind = iota
	// LiteralCallKind resolves immediately to LiteralValue.
	LiteralCallKind
	// ModifierCallKind pipes a prior stage's value through a modifier
	// producer; it shares the modifier node's handler but never shares a
	// fingerprint with the node it modifies.
	ModifierCallKind
	// ObjectCallKind assembles a map[string]any from named input slots.
	ObjectCallKind
	// ArrayCallKind assembles a []any from ordered input slots.
	ArrayCallKind
	// InlineCallKind invokes a ref.Fn-supplied anonymous producer with its
	// declared dependencies resolved positionally.
	InlineCallKind
	// LazyThunkKind is the node an AddLazy registration creates: its value
	// is a graph.LazyThunk over the wrapped hidden sibling node (named by
	// LazyTargetFingerprint), evaluated only on invocation.
	LazyThunkKind
	// RuntimeInputCallKind reads a value (optionally dotted-path projected)
	// directly out of the run's runtime input bundle.
	RuntimeInputCallKind
	// GuardGateKind wraps another call instance (the "_base" input) behind
	// a when/unless guard (the "_guard" input): the gate resolves to its
	// base's value if the guard passes, to its fallback (if any, the
	// "_fallback" input) or to undefined otherwise. Guards are modeled as
	// a wrapping call instance, rather than a property of the base call,
	// so that the same base producer can be referenced both guarded and
	// unguarded without the guard forcing it to Skip everywhere it's used.
	GuardGateKind
	// ProjectionCallKind forces a still-pending dotted-path projection into
	// a concrete call instance, for positions (like requested outputs) that
	// need a bare fingerprint rather than an (fp, path) pair.
	ProjectionCallKind
)

func (k CallKind) String() string {
	switch k {
	case HandlerCallKind:
		return "handler"
	case LiteralCallKind:
		return "literal"
	case ModifierCallKind:
		return "modifier"
	case ObjectCallKind:
		return "object"
	case ArrayCallKind:
		return "array"
	case InlineCallKind:
		return "inline-fn"
	case LazyThunkKind:
		return "lazy-thunk"
	case RuntimeInputCallKind:
		return "runtime-input"
	case GuardGateKind:
		return "guard-gate"
	case ProjectionCallKind:
		return "projection"
	default:
		return "unknown"
	}
}

// InputSlot is one resolved input wire into a call instance: the producer
// to read (by fingerprint), the dotted path to project through its
// resolved value, and, for HandlerCallKind/InlineCallKind calls, the name
// (or position) the value is bound to.
type InputSlot struct {
	ArgName  string // the decimal position for InlineCallKind's and ArrayCallKind's positional slots
	Producer string // fingerprint of the call instance to read
	Path     []string
}

// GuardSpec conditions a GuardGateKind call instance on its "_guard" input
// slot's resolved truthiness. The gate's "_base" input is read when the
// guard passes; its optional "_fallback" input (present only when
// HasFallback) is read when it doesn't, in place of undefined - the
// if/elseif/else lowering of ref.Else.
type GuardSpec struct {
	Negate      bool // true => "unless" (gate passes when guard is falsy)
	HasFallback bool
}

// CallInstance is one concrete invocation of a producer within a compiled
// plan. Its Fingerprint is a stable identifier derived
// from its producer name, resolved input fingerprints, and cache mode;
// identical fingerprints within one run share a single completion.
type CallInstance struct {
	Fingerprint string
	NodeName    string // registry name, or a synthetic name for object/array/literal/inline calls
	DebugName   string
	Kind        CallKind
	CacheMode   graph.CacheMode

	Def *graph.NodeDef // nil except for HandlerCallKind/ModifierCallKind/LazyThunkKind

	Inputs         []InputSlot
	ImportantPreds []string // fingerprints that must Resolve before this call may enter InFlight; values discarded

	Guard *GuardSpec

	LiteralValue any // LiteralCallKind

	ObjectFields map[string]string // ObjectCallKind: field name -> producer fingerprint
	ArrayItems   []string          // ArrayCallKind: producer fingerprints in order

	LazyTargetFingerprint string // LazyThunkKind: the wrapped node's fingerprint; HandlerCallKind (SubgraphKind def): the returns producer's fingerprint

	InlineFn any // InlineCallKind: a graph.InlineHandler

	RuntimeInputName string // RuntimeInputCallKind
}

// CompiledPlan is the value-object the compiler produces: a
// flattened DAG of call instances plus the output assignments a builder
// requested.
type CompiledPlan struct {
	Calls   map[string]*CallInstance
	Order   []string // Calls in first-seen (deterministic) order, for DebugRepr
	Outputs map[string]string // alias -> fingerprint
}

func (p *CompiledPlan) addCall(c *CallInstance) {
	if _, exists := p.Calls[c.Fingerprint]; exists {
		return
	}
	p.Calls[c.Fingerprint] = c
	p.Order = append(p.Order, c.Fingerprint)
}

// DebugRepr renders the compiled plan as a flat, deterministic listing
// for DOT/debugger/profiler consumers of the introspection surface.
func (p *CompiledPlan) DebugRepr() string {
	var b strings.Builder
	for _, fp := range p.Order {
		c := p.Calls[fp]
		if c.Kind == LiteralCallKind {
			fmt.Fprintf(&b, "call[%s] = %s ; kind=%s cache=%s\n", shortFP(fp), literalValueString(c.LiteralValue), c.Kind, c.CacheMode)
			continue
		}
		fmt.Fprintf(&b, "call[%s] = %s(%s) ; kind=%s cache=%s\n", shortFP(fp), c.NodeName, describeInputs(c), c.Kind, c.CacheMode)
	}
	aliases := make([]string, 0, len(p.Outputs))
	for alias := range p.Outputs {
		aliases = append(aliases, alias)
	}
	for _, alias := range sortedStrings(aliases) {
		fmt.Fprintf(&b, "out[%s] = call[%s]\n", alias, shortFP(p.Outputs[alias]))
	}
	return b.String()
}

func describeInputs(c *CallInstance) string {
	parts := make([]string, 0, len(c.Inputs))
	for _, in := range c.Inputs {
		name := in.ArgName
		if name == "" {
			name = "_"
		}
		path := ""
		if len(in.Path) > 0 {
			path = "." + strings.Join(in.Path, ".")
		}
		parts = append(parts, fmt.Sprintf("%s=call[%s]%s", name, shortFP(in.Producer), path))
	}
	return strings.Join(parts, ", ")
}

// literalValueString renders a captured literal the way the constant table
// is rendered for debugging: through cty when the value has a natural cty
// equivalent, falling back to Go syntax when it doesn't.
func literalValueString(v any) string {
	ty, err := gocty.ImpliedType(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	cv, err := gocty.ToCtyValue(v, ty)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return strings.TrimSpace(ctydebug.ValueString(cv))
}

func shortFP(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}

func sortedStrings(ss []string) []string {
	out := append([]string(nil), ss...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

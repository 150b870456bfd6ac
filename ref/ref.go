// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

// Package ref models the value-reference mini-language used to wire nodes
// together: a node reference to another producer (with optional dotted-path
// projection, importance, and void markers), a captured literal, an inline
// anonymous function with its own dependencies, or a structural composition
// of other references (an object or array of refs).
package ref

import "strings"

// Kind tags which variant of the reference sum type a Ref holds.
type Kind int

const (
	// NodeKind references another registered producer by name, optionally
	// projecting into its value via a dotted path.
	NodeKind Kind = iota
	// ArgKind references a call-site argument (args.K), or, when Wildcard
	// is set, all of the caller's arguments (args.*).
	ArgKind
	// LiteralKind wraps a captured constant value.
	LiteralKind
	// InlineFnKind is an anonymous producer defined at the reference site.
	InlineFnKind
	// ObjectKind builds a map value from named sub-references.
	ObjectKind
	// ArrayKind builds a slice value from ordered sub-references.
	ArrayKind
)

func (k Kind) String() string {
	switch k {
	case NodeKind:
		return "node"
	case ArgKind:
		return "arg"
	case LiteralKind:
		return "literal"
	case InlineFnKind:
		return "inline-fn"
	case ObjectKind:
		return "object"
	case ArrayKind:
		return "array"
	default:
		return "unknown"
	}
}

// Ref is a value-type tagged union. Only the fields relevant to Kind are
// meaningful; the zero Ref is not valid (Kind NodeKind with an empty Name).
type Ref struct {
	Kind Kind

	// NodeKind / ArgKind
	Name     string
	Path     []string
	Wildcard bool // ArgKind only: args.*

	// LiteralKind
	Value any

	// InlineFnKind
	Fn   any
	Deps []Ref

	// ObjectKind / ArrayKind
	Fields map[string]Ref
	Items  []Ref

	// Modifiers shared across all kinds: prefixes/guards attached at the
	// reference site rather than at the node definition.
	Important bool
	Void      bool
	WhenGuard *Ref
	UnlessRef *Ref
	PipedThru []Ref

	// FallbackRef is consulted when a WhenGuard/UnlessRef attached to this
	// reference gates it off: instead of resolving to undefined, the
	// reference resolves to FallbackRef instead. Else sets it; chaining
	// several guarded refs through FallbackRef builds an if/elseif/else
	// sequence: each branch is a guard plus a fallback to the next branch,
	// terminating in an unconditional else (or undefined, if there is
	// none). The builder's If/Else/End block form does not use it: it gates
	// each entry with When or Unless instead.
	FallbackRef *Ref
}

// Node builds a reference to a registered producer, optionally with a
// dotted-path projection ("name.a.b").
func Node(name string, path ...string) Ref {
	return Ref{Kind: NodeKind, Name: name, Path: append([]string(nil), path...)}
}

// Arg builds a reference to a call-site argument.
func Arg(name string, path ...string) Ref {
	return Ref{Kind: ArgKind, Name: name, Path: append([]string(nil), path...)}
}

// ArgsWildcard builds the args.* reference, meaning "all of the caller's
// arguments, fanned out".
func ArgsWildcard() Ref {
	return Ref{Kind: ArgKind, Wildcard: true}
}

// Literal wraps a captured constant value, including nil.
func Literal(v any) Ref {
	return Ref{Kind: LiteralKind, Value: v}
}

// Fn builds an inline anonymous producer over the given dependencies. f
// must have the graph.InlineHandler shape, receiving its resolved
// dependencies positionally; this package does not depend on graph to
// avoid an import cycle, so f is held as any and type-asserted by the
// engine.
func Fn(f any, deps ...Ref) Ref {
	return Ref{Kind: InlineFnKind, Fn: f, Deps: append([]Ref(nil), deps...)}
}

// Obj builds a structural composition that, at call time, evaluates each
// field reference and assembles the results into a map[string]any.
func Obj(fields map[string]Ref) Ref {
	cp := make(map[string]Ref, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Ref{Kind: ObjectKind, Fields: cp}
}

// Arr builds a structural composition that, at call time, evaluates each
// item reference and assembles the results into a []any in order.
func Arr(items ...Ref) Ref {
	return Ref{Kind: ArrayKind, Items: append([]Ref(nil), items...)}
}

// MarkImportant marks r as an important (happens-before-only) edge: the
// downstream call waits for r to resolve successfully but discards its
// value.
func (r Ref) MarkImportant() Ref {
	r.Important = true
	return r
}

// MarkVoid marks r as void/optional: a missing or guarded-off target
// resolves to nil rather than failing compilation or evaluation.
func (r Ref) MarkVoid() Ref {
	r.Void = true
	return r
}

// When attaches a guard: r is only evaluated when guard's value is truthy.
func (r Ref) When(guard Ref) Ref {
	g := guard
	r.WhenGuard = &g
	return r
}

// Unless attaches a guard: r is only evaluated when guard's value is
// falsy.
func (r Ref) Unless(guard Ref) Ref {
	g := guard
	r.UnlessRef = &g
	return r
}

// Else attaches a fallback reference, consulted when r's guard gates it
// off. Chain calls to build an if/elseif/else branch sequence.
func (r Ref) Else(fallback Ref) Ref {
	f := fallback
	r.FallbackRef = &f
	return r
}

// Through pipes r's resolved value through the given modifier producers in
// order, each receiving the prior stage's value bound to its sole declared
// argument.
func (r Ref) Through(modifiers ...Ref) Ref {
	r.PipedThru = append(append([]Ref(nil), r.PipedThru...), modifiers...)
	return r
}

// Parse reads the `!`/`?`/`args.` prefixed string form of a reference used
// in builder call sites and child-build declarations, e.g. "!args.foo.bar",
// "?some-node", "args.*".
func Parse(s string) Ref {
	important := false
	void := false
	for {
		switch {
		case strings.HasPrefix(s, "!"):
			important = true
			s = s[1:]
		case strings.HasPrefix(s, "?"):
			void = true
			s = s[1:]
		default:
			goto prefixesDone
		}
	}
prefixesDone:

	var r Ref
	switch {
	case s == "args.*":
		r = ArgsWildcard()
	case strings.HasPrefix(s, "args."):
		segs := strings.Split(s[len("args."):], ".")
		r = Arg(segs[0], segs[1:]...)
	default:
		segs := strings.Split(s, ".")
		r = Node(segs[0], segs[1:]...)
	}
	r.Important = important
	r.Void = void
	return r
}

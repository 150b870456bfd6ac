// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

package graph

import "github.com/conflux-run/conflux/ref"

// CacheMode controls how a node's call instances are deduplicated and
// cached across a run, and across runs for Singleton.
type CacheMode int

const (
	// PerRun is the default: identical fingerprints within a single run
	// share one completion; nothing is cached across runs.
	PerRun CacheMode = iota
	// Disabled fingerprints every call site uniquely (the node runs once
	// per call site per run, never merged with a sibling call site),
	// but still deduplicates against another call to the exact same site.
	Disabled
	// Singleton caches the node's single completion for the lifetime of
	// the process. Requires compile-time purity: the node and its full
	// transitive dependency closure must themselves be Singleton or
	// Literal, and must not depend on any runtime input.
	Singleton
)

func (m CacheMode) String() string {
	switch m {
	case PerRun:
		return "per-run"
	case Disabled:
		return "disabled"
	case Singleton:
		return "singleton"
	default:
		return "unknown"
	}
}

// EnforceMode controls how strictly the registry treats a configurable
// consistency rule.
type EnforceMode int

const (
	Silent EnforceMode = iota
	Warn
	Error
)

// Visibility governs whether a node name is reachable from outside its
// declaring scope.
type Visibility int

const (
	Public Visibility = iota
	Private
)

// HandlerKind tags which of the small, closed set of producer shapes a
// NodeDef is.
type HandlerKind int

const (
	UserFnKind HandlerKind = iota
	SubgraphKind
	LazyKind
	LiteralKind
)

func (k HandlerKind) String() string {
	switch k {
	case UserFnKind:
		return "user-fn"
	case SubgraphKind:
		return "subgraph"
	case LazyKind:
		return "lazy"
	case LiteralKind:
		return "literal"
	default:
		return "unknown"
	}
}

// subgraphSentinel is the special handler value that marks a node as
// subgraph-mode: "my value equals my declared return child's value."
type subgraphSentinel struct{}

// Subgraph is passed as the handler argument to Add to declare a
// subgraph-mode node. Its own childBuilds and ReturnsRef option carry the
// actual composition.
var Subgraph = subgraphSentinel{}

// ArgSpec is one declared formal parameter of a node's handler.
type ArgSpec struct {
	Name      string
	Important bool
	Void      bool
}

// ChildBuild is a sub-node invocation a node performs before its own
// handler runs: a declarative child-build entry attached to a NodeDef
// rather than to a builder call site.
type ChildBuild struct {
	Ref          ref.Ref
	Alias        string
	WhenGuards   []ref.Ref
	UnlessGuards []ref.Ref
	Modifiers    []ref.Ref
}

// NodeDef is a registered producer.
type NodeDef struct {
	Name       string
	Scope      string
	Visibility Visibility
	Kind       HandlerKind

	SyncFn     SyncHandler
	FutureFn   FutureHandler
	CallbackFn CallbackHandler

	DeclaredArgs []ArgSpec
	ChildBuilds  []ChildBuild
	Modifiers    []ref.Ref
	CacheMode    CacheMode

	// ReturnsRef is meaningful only for SubgraphKind: the reference whose
	// value becomes this node's value. Nil means "the last non-important
	// child", resolved by the compiler.
	ReturnsRef *ref.Ref

	// LazyTarget is meaningful only for LazyKind: the name of the hidden
	// sibling node the lazy thunk wraps.
	LazyTarget string

	// LiteralValue is meaningful only for LiteralKind.
	LiteralValue any
}

func isPrivateName(name string) bool {
	return len(name) > 0 && name[len(name)-1] == '_'
}

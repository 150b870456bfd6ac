// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

// Package graph implements the node registry: the mutable, user-facing
// collection of registered producers that the compiler later reads to
// build a compiled plan. The registry is a mutex-guarded struct with one
// method per kind of registration rather than a config object.
package graph

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/conflux-run/conflux/internal/diagnostics"
	"github.com/conflux-run/conflux/ref"
	"github.com/zclconf/go-cty/cty"
)

// Registry is a collection of node definitions, keyed by unique name.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	nodes map[string]*NodeDef
	scope string

	anonCounter  int
	literalNames map[string]string // structural value key -> generated node name

	enforceTwoPartNames   EnforceMode
	enforceTypes          EnforceMode
	enforceMatchingParams bool
	enforceBuilderNames   EnforceMode
	nodeTypes             map[string]cty.Type

	onReadyFns []func(context.Context) error
	readyDone  bool
}

// NewRegistry returns an empty registry ready for registration.
func NewRegistry() *Registry {
	return &Registry{
		nodes:        make(map[string]*NodeDef),
		literalNames: make(map[string]string),
		nodeTypes:    make(map[string]cty.Type),
	}
}

// EnforceTwoPartNames requires every non-anonymous node name to contain
// exactly one "-" separator, at the given strictness.
func (r *Registry) EnforceTwoPartNames(mode EnforceMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enforceTwoPartNames = mode
}

// EnforceTypes requires every node registered with WithType to have its
// resolved value checked against that declared cty.Type at run time, at
// the given strictness.
func (r *Registry) EnforceTypes(mode EnforceMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enforceTypes = mode
}

// EnforceMatchingParams requires every child-build alias to resolve to a
// declared argument name, and every declared argument name to be unique.
// This is a self-consistency check rather than a function-arity check:
// parameter names of a function value cannot be introspected at runtime,
// and the three explicitly-typed handler shapes already fix arity.
func (r *Registry) EnforceMatchingParams(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enforceMatchingParams = enabled
}

// EnforceBuilderNames requires the node names a builder's entries
// reference to resolve to a node actually present in the registry, at the
// given strictness, ahead of a full compile.
func (r *Registry) EnforceBuilderNames(mode EnforceMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enforceBuilderNames = mode
}

// SetScope sets the scope new registrations are tagged with, and the
// scope used to check visibility of private (trailing-underscore) names.
func (r *Registry) SetScope(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scope = name
}

// Scope returns the registry's current scope.
func (r *Registry) Scope() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scope
}

// Add registers a node under name. handler may be a SyncHandler,
// FutureHandler, or CallbackHandler (a normal producer); the Subgraph
// sentinel (a subgraph-mode node, configured via WithReturns/
// WithChildBuilds); a string (an alias: the node's value becomes another
// named producer's value); a ref.Ref (a literal ref registers a literal
// node, anything else a subgraph returning that reference); or any other
// value, treated as a captured literal.
//
// A leading "+" on name is an explicit override: it replaces a prior
// definition instead of failing on the duplicate-name check. A trailing
// "_" marks the node private to its scope.
func (r *Registry) Add(name string, handler any, declaredArgs []string, opts ...NodeOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(name, handler, declaredArgs, opts...)
}

func (r *Registry) addLocked(name string, handler any, declaredArgs []string, opts ...NodeOption) error {
	override := strings.HasPrefix(name, "+")
	bare := strings.TrimPrefix(name, "+")

	if _, exists := r.nodes[bare]; exists && !override {
		return diagnostics.FromSubject(diagnostics.Error, bare,
			"duplicate node name", "use \"+\"+name to explicitly override an existing definition")
	}
	if _, exists := r.nodes[bare]; !exists && override {
		return diagnostics.FromSubject(diagnostics.Error, bare,
			"no existing definition to override", "")
	}
	if r.enforceTwoPartNames != Silent && strings.Count(bare, "-") != 1 {
		diag := diagnostics.FromSubject(diagnostics.Error, bare,
			"node name does not follow the two-part naming convention",
			"expected exactly one \"-\" separator")
		if r.enforceTwoPartNames == Error {
			return diag
		}
		log.Printf("[WARN] registry: %s (%s)", diag.Error(), bare)
	}

	n := &NodeDef{
		Name:       bare,
		Scope:      r.scope,
		Visibility: visibilityOf(bare),
		CacheMode:  PerRun,
	}
	for _, a := range declaredArgs {
		n.DeclaredArgs = append(n.DeclaredArgs, parseArgSpec(a))
	}

	switch h := handler.(type) {
	case SyncHandler:
		n.Kind = UserFnKind
		n.SyncFn = h
	case FutureHandler:
		n.Kind = UserFnKind
		n.FutureFn = h
	case CallbackHandler:
		n.Kind = UserFnKind
		n.CallbackFn = h
	case subgraphSentinel:
		n.Kind = SubgraphKind
	case string:
		n.Kind = SubgraphKind
		target := ref.Node(h)
		n.ReturnsRef = &target
	case ref.Ref:
		if h.Kind == ref.LiteralKind {
			n.Kind = LiteralKind
			n.LiteralValue = h.Value
		} else {
			n.Kind = SubgraphKind
			target := h
			n.ReturnsRef = &target
		}
	default:
		n.Kind = LiteralKind
		n.LiteralValue = handler
	}

	for _, opt := range opts {
		opt(n, r)
	}

	if r.enforceMatchingParams {
		if err := checkMatchingParams(n); err != nil {
			return err
		}
	}

	r.nodes[bare] = n
	return nil
}

func checkMatchingParams(n *NodeDef) error {
	seen := make(map[string]bool, len(n.DeclaredArgs))
	for _, a := range n.DeclaredArgs {
		if seen[a.Name] {
			return diagnostics.FromSubject(diagnostics.Error, n.Name,
				"duplicate declared argument name", a.Name)
		}
		seen[a.Name] = true
	}
	for _, cb := range n.ChildBuilds {
		if cb.Alias == "" {
			continue
		}
		if !seen[cb.Alias] {
			return diagnostics.FromSubject(diagnostics.Error, n.Name,
				"child-build alias does not match any declared argument", cb.Alias)
		}
	}
	return nil
}

func visibilityOf(name string) Visibility {
	if isPrivateName(name) {
		return Private
	}
	return Public
}

// AddAnonymous generates a unique internal name from hint and registers a
// node under it, returning the generated name.
func (r *Registry) AddAnonymous(hint string, handler any, declaredArgs []string, opts ...NodeOption) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := r.generateName(hint)
	if err := r.addLocked(name, handler, declaredArgs, opts...); err != nil {
		return "", err
	}
	return name, nil
}

func (r *Registry) generateName(hint string) string {
	r.anonCounter++
	if hint == "" {
		hint = "anon"
	}
	return hint + "$" + strconv.Itoa(r.anonCounter)
}

// AddLazy registers a node whose value is a zero-argument thunk: calling
// the thunk triggers evaluation of a hidden sibling node (registered with
// the same handler and declaredArgs) and returns its completion.
func (r *Registry) AddLazy(name string, handler any, declaredArgs []string, opts ...NodeOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	target := name + "$lazy-target"
	if err := r.addLocked(target, handler, declaredArgs, opts...); err != nil {
		return err
	}
	n := &NodeDef{
		Name:       name,
		Scope:      r.scope,
		Visibility: visibilityOf(name),
		Kind:       LazyKind,
		CacheMode:  PerRun,
		LazyTarget: target,
	}
	r.nodes[name] = n
	return nil
}

// Literal wraps v as a captured-value reference. Identical literal values
// (compared structurally, via fmt.Sprintf("%#v", v)) deduplicate to the
// same generated producer at compile time; this method itself does no
// registration, since LiteralKind refs need no node-table entry — the
// compiler synthesizes one per distinct value.
func (r *Registry) Literal(v any) ref.Ref {
	return ref.Literal(v)
}

// Lookup returns the node definition registered under name, if any.
func (r *Registry) Lookup(name string) (*NodeDef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[name]
	return n, ok
}

// TypeOf returns the declared cty.Type for name, if WithType was used.
func (r *Registry) TypeOf(name string) (cty.Type, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.nodeTypes[name]
	return t, ok
}

// EnforceTypesMode reports the registry's current type-enforcement mode.
func (r *Registry) EnforceTypesMode() EnforceMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enforceTypes
}

// EnforceBuilderNamesMode reports the registry's current builder-name
// enforcement mode.
func (r *Registry) EnforceBuilderNamesMode() EnforceMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enforceBuilderNames
}

// Names returns every registered node name, in no particular order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		names = append(names, name)
	}
	return names
}

// OnReady queues a callback to run, in registration order, when Ready is
// called.
func (r *Registry) OnReady(fn func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReadyFns = append(r.onReadyFns, fn)
}

// Ready resolves all queued OnReady callbacks in registration order,
// stopping at the first one that returns an error. After Ready returns
// successfully, the registry is treated as frozen by convention: callers
// should not register further nodes, though this is not enforced at
// runtime.
func (r *Registry) Ready(ctx context.Context) error {
	r.mu.Lock()
	fns := append([]func(context.Context) error(nil), r.onReadyFns...)
	r.readyDone = true
	r.mu.Unlock()

	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("onReady callback failed: %w", err)
		}
	}
	return nil
}

// Clone returns a deep copy of r sharing no mutable state: node
// definitions, the literal-name cache, and the scope are all copied, so
// further registrations against the clone never affect the original.
func (r *Registry) Clone() *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := &Registry{
		nodes:                 make(map[string]*NodeDef, len(r.nodes)),
		scope:                 r.scope,
		anonCounter:           r.anonCounter,
		literalNames:          make(map[string]string, len(r.literalNames)),
		enforceTwoPartNames:   r.enforceTwoPartNames,
		enforceTypes:          r.enforceTypes,
		enforceMatchingParams: r.enforceMatchingParams,
		enforceBuilderNames:   r.enforceBuilderNames,
		nodeTypes:             make(map[string]cty.Type, len(r.nodeTypes)),
	}
	for name, n := range r.nodes {
		cp := *n
		cp.DeclaredArgs = append([]ArgSpec(nil), n.DeclaredArgs...)
		cp.ChildBuilds = append([]ChildBuild(nil), n.ChildBuilds...)
		cp.Modifiers = append([]ref.Ref(nil), n.Modifiers...)
		clone.nodes[name] = &cp
	}
	for k, v := range r.literalNames {
		clone.literalNames[k] = v
	}
	for k, v := range r.nodeTypes {
		clone.nodeTypes[k] = v
	}
	return clone
}

// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

package execgraph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/conflux-run/conflux/graph"
	"github.com/conflux-run/conflux/internal/diagnostics"
	"github.com/conflux-run/conflux/ref"
)

// BuildRequest is one requested output: an output alias, the reference to
// build for it, and the per-call-site override map a builder's Using(...)
// attaches to that reference when it names a node directly.
type BuildRequest struct {
	Alias     string
	Ref       ref.Ref
	Overrides map[string]ref.Ref
}

// Options configures a single Compile call.
type Options struct {
	// ConfigureOverrides is a node name -> (declared arg name -> ref) map
	// populated by the builder's Configure(name).Using(...) surface: it
	// supplies argument bindings for a node wherever it is reached during
	// compilation, not only when it is a direct requested output.
	ConfigureOverrides map[string]map[string]ref.Ref

	// CompileInputs is the declared compile-input name set. It is checked
	// only when Strict is set and the set is non-empty: every runtime-input
	// leaf in the plan must then be named here or compilation fails. Leaves
	// reached through args.K references are reported together as one
	// missing set; a node's declared argument that falls through to the
	// runtime input bundle unnamed fails compilation at that argument, so
	// further unnamed arguments of the same node are not reported.
	CompileInputs []string
	Strict        bool
}

// Compile produces a CompiledPlan from reg for the given requested
// outputs: references resolved, subgraphs inlined, overrides applied,
// modifiers and guards lowered, redundant calls merged, and the plan-wide
// cycle, strict-input, and singleton-purity checks applied.
func Compile(reg *graph.Registry, requests []BuildRequest, opts Options) (*CompiledPlan, diagnostics.Diagnostics) {
	c := &compiler{
		reg:           reg,
		plan:          &CompiledPlan{Calls: make(map[string]*CallInstance), Outputs: make(map[string]string)},
		configure:     opts.ConfigureOverrides,
		literalFPs:    make(map[string]string),
		runtimeInputs: make(map[string]bool),
		entering:      make(map[string]bool),
	}
	for _, name := range opts.CompileInputs {
		c.runtimeInputs[name] = true
	}
	c.strict = opts.Strict && len(opts.CompileInputs) > 0

	topScope := reg.Scope()
	for _, req := range requests {
		e := env{overrides: req.Overrides, scope: topScope}
		res := c.resolve(e, req.Ref, "out:"+req.Alias)
		if res.fp == "" {
			continue
		}
		fp := c.materializeSlot(res, "out:"+req.Alias)
		c.plan.Outputs[req.Alias] = fp
	}

	c.checkCycles()
	if c.strict {
		c.checkStrictInputs(opts.CompileInputs)
	}
	c.checkSingletonPurity()

	if c.diags.HasErrors() {
		return nil, c.diags
	}
	return c.plan, c.diags
}

// env is the override context active while resolving references that occur
// "inside" a particular node instantiation: the declared-arg override map
// a direct call site (builder Using(...) or Configure(...).Using(...))
// supplied, and the scope that node was instantiated in (for private-name
// visibility checks on further node references).
type env struct {
	overrides map[string]ref.Ref
	scope     string
}

type compiler struct {
	reg   *graph.Registry
	plan  *CompiledPlan
	diags diagnostics.Diagnostics

	configure     map[string]map[string]ref.Ref
	runtimeInputs map[string]bool
	strict        bool

	literalFPs  map[string]string
	litCounter  int
	anonCounter int

	// entering guards against infinite recursion while resolving a cyclic
	// NodeRef chain; actual SCC cycle detection over the finished plan
	// happens in checkCycles.
	entering map[string]bool
}

// resolved is what resolve() produces for one Ref: the fingerprint (and
// pending dotted-path projection) of whatever the reference bottoms out at,
// plus the two edge-level annotations (Important/Void) that only the
// consuming InputSlot can act on.
type resolved struct {
	fp        string
	path      []string
	important bool
	void      bool
}

// materializeSlot forces any still-pending path projection into a concrete
// call instance, for positions (like requested outputs) that need a bare
// fingerprint rather than an (fp, path) pair.
func (c *compiler) materializeSlot(r resolved, salt string) string {
	if len(r.path) == 0 {
		return r.fp
	}
	return c.projectionCall(r.fp, r.path, salt)
}

func (c *compiler) projectionCall(base string, path []string, salt string) string {
	fp := "proj:" + base + ":" + strings.Join(path, ".") + "@" + salt
	if _, ok := c.plan.Calls[fp]; ok {
		return fp
	}
	c.plan.addCall(&CallInstance{
		Fingerprint: fp,
		NodeName:    "$projection",
		DebugName:   "." + strings.Join(path, "."),
		Kind:        ProjectionCallKind,
		CacheMode:   graph.PerRun,
		Inputs:      []InputSlot{{ArgName: "_value", Producer: base, Path: path}},
	})
	return fp
}

// resolve is the heart of the dependency compiler: it turns any ref.Ref
// into a (fingerprint, pending-path) pair, applying modifiers and guards
// along the way.
func (c *compiler) resolve(e env, r ref.Ref, salt string) resolved {
	var base resolved
	switch r.Kind {
	case ref.LiteralKind:
		base = resolved{fp: c.literalFingerprint(r.Value)}
	case ref.ArgKind:
		base = c.resolveArg(e, r, salt)
	case ref.NodeKind:
		if _, ok := c.reg.Lookup(r.Name); !ok && r.Void {
			// A void reference tolerates a missing producer: it resolves
			// to the value undefined instead of failing compilation.
			base = resolved{fp: c.literalFingerprint(nil)}
			break
		}
		fp, path := c.compileNodeRef(e, r.Name, r.Path, salt)
		base = resolved{fp: fp, path: path}
	case ref.InlineFnKind:
		base = resolved{fp: c.compileInlineFn(e, r, salt)}
	case ref.ObjectKind:
		base = resolved{fp: c.compileObject(e, r, salt)}
	case ref.ArrayKind:
		base = resolved{fp: c.compileArray(e, r, salt)}
	default:
		c.diags = c.diags.Append(diagnostics.Sourceless(diagnostics.Error, "invalid reference", fmt.Sprintf("unrecognized reference kind %v", r.Kind)))
		return resolved{}
	}
	if base.fp == "" {
		return resolved{}
	}

	// Apply modifiers: each stage consumes the prior stage's (projected)
	// value, in order.
	base = c.wrapModifiers(e, base, r.PipedThru, salt)
	if base.fp == "" {
		return resolved{}
	}

	// Apply the when/unless guard, if any, wrapping the (possibly
	// modifier-piped) base into a GuardGateKind call.
	if r.WhenGuard != nil || r.UnlessRef != nil {
		guardRef := r.WhenGuard
		negate := false
		if guardRef == nil {
			guardRef = r.UnlessRef
			negate = true
		}
		guardRes := c.resolve(env{overrides: e.overrides, scope: e.scope}, *guardRef, salt+"#guardexpr")
		if guardRes.fp == "" {
			return resolved{}
		}
		guardFP := c.materializeSlot(guardRes, salt+"#guardexpr")

		inputs := []InputSlot{
			{ArgName: "_guard", Producer: guardFP},
			{ArgName: "_base", Producer: base.fp, Path: base.path},
		}
		spec := &GuardSpec{Negate: negate}
		if r.FallbackRef != nil {
			fbRes := c.resolve(env{overrides: e.overrides, scope: e.scope}, *r.FallbackRef, salt+"#fallback")
			if fbRes.fp == "" {
				return resolved{}
			}
			inputs = append(inputs, InputSlot{ArgName: "_fallback", Producer: fbRes.fp, Path: fbRes.path})
			spec.HasFallback = true
		}
		gateFP := c.fingerprint("$guard", append([]string{guardFP, base.fp}, inputFPs(inputs)...), graph.PerRun, salt)
		c.plan.addCall(&CallInstance{
			Fingerprint: gateFP,
			NodeName:    "$guard",
			Kind:        GuardGateKind,
			CacheMode:   graph.PerRun,
			Inputs:      inputs,
			Guard:       spec,
		})
		base = resolved{fp: gateFP}
	}

	base.important = r.Important
	base.void = r.Void
	return base
}

// wrapModifiers pipes base through each modifier producer in order,
// synthesizing a ModifierCallKind call per stage.
// Used both for a reference's own Through(...) chain and for a node
// definition's declared default modifiers.
func (c *compiler) wrapModifiers(e env, base resolved, mods []ref.Ref, salt string) resolved {
	for i, mod := range mods {
		modDef, ok := c.reg.Lookup(mod.Name)
		if !ok {
			c.diags = c.diags.Append(diagnostics.FromSubject(diagnostics.Error, mod.Name, "missing modifier producer", "no node registered under this name"))
			return resolved{}
		}
		if modDef.Visibility == graph.Private && modDef.Scope != e.scope {
			c.diags = c.diags.Append(diagnostics.FromSubject(diagnostics.Error, mod.Name, "private modifier referenced from a different scope", ""))
			return resolved{}
		}
		argName := "_in"
		if len(modDef.DeclaredArgs) > 0 {
			argName = modDef.DeclaredArgs[0].Name
		}
		// A modifier stage is a fresh invocation of the modifier node bound
		// to exactly one input - the prior stage's value - rather than a
		// normal reference to the node (which would resolve its declared
		// args through the usual childbuild/override/runtime-input
		// machinery): modifiers are single-argument transforms applied at
		// the piping site, not independently-wired producers.
		stageFP := c.fingerprint(mod.Name+"$mod", []string{base.fp}, graph.PerRun, fmt.Sprintf("%s#mod%d", salt, i))
		c.plan.addCall(&CallInstance{
			Fingerprint: stageFP,
			NodeName:    mod.Name,
			DebugName:   "modifier:" + mod.Name,
			Kind:        ModifierCallKind,
			CacheMode:   graph.PerRun,
			Def:         modDef,
			Inputs:      []InputSlot{{ArgName: argName, Producer: base.fp, Path: base.path}},
		})
		base = resolved{fp: stageFP}
	}
	return base
}

func inputFPs(slots []InputSlot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.Producer
	}
	return out
}

func (c *compiler) resolveArg(e env, r ref.Ref, salt string) resolved {
	if r.Wildcard {
		return resolved{fp: c.compileArgsWildcard(e, salt)}
	}
	if target, ok := e.overrides[r.Name]; ok {
		merged := appendPath(target, r.Path)
		sub := c.resolve(env{scope: e.scope}, merged, salt+"#ov")
		return sub
	}
	// Falls through to a direct runtime-input lookup: the "caller" for the
	// outermost requested output is the run() caller itself, so an unbound
	// args.K names a runtime input by the same name.
	return resolved{fp: c.runtimeInputCall(r.Name, salt), path: r.Path}
}

func appendPath(r ref.Ref, extra []string) ref.Ref {
	if len(extra) == 0 {
		return r
	}
	r2 := r
	r2.Path = append(append([]string(nil), r.Path...), extra...)
	return r2
}

func (c *compiler) runtimeInputCall(name string, salt string) string {
	fp := "input:" + name
	if _, ok := c.plan.Calls[fp]; ok {
		return fp
	}
	c.plan.addCall(&CallInstance{
		Fingerprint:      fp,
		NodeName:         "$runtime-input",
		DebugName:        "args." + name,
		Kind:             RuntimeInputCallKind,
		CacheMode:        graph.PerRun,
		RuntimeInputName: name,
	})
	return fp
}

func (c *compiler) compileArgsWildcard(e env, salt string) string {
	fields := make(map[string]string, len(e.overrides))
	inputs := make([]InputSlot, 0, len(e.overrides))
	names := make([]string, 0, len(e.overrides))
	for name := range e.overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		res := c.resolve(env{scope: e.scope}, e.overrides[name], salt+"#wild:"+name)
		if res.fp == "" {
			continue
		}
		fp := c.materializeSlot(res, salt+"#wild:"+name)
		fields[name] = fp
		inputs = append(inputs, InputSlot{ArgName: name, Producer: fp})
	}
	fp := c.fingerprint("$args-wildcard", inputFPs(inputs), graph.PerRun, salt)
	c.plan.addCall(&CallInstance{
		Fingerprint:  fp,
		NodeName:     "$args-wildcard",
		Kind:         ObjectCallKind,
		CacheMode:    graph.PerRun,
		Inputs:       inputs,
		ObjectFields: fields,
	})
	return fp
}

func (c *compiler) compileObject(e env, r ref.Ref, salt string) string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make(map[string]string, len(keys))
	inputs := make([]InputSlot, 0, len(keys))
	for _, k := range keys {
		res := c.resolve(e, r.Fields[k], fmt.Sprintf("%s#field:%s", salt, k))
		if res.fp == "" {
			return ""
		}
		fp := c.materializeSlot(res, fmt.Sprintf("%s#field:%s", salt, k))
		fields[k] = fp
		inputs = append(inputs, InputSlot{ArgName: k, Producer: fp})
	}
	fp := c.fingerprint("$object", inputFPs(inputs), graph.PerRun, salt)
	c.plan.addCall(&CallInstance{Fingerprint: fp, NodeName: "$object", Kind: ObjectCallKind, CacheMode: graph.PerRun, Inputs: inputs, ObjectFields: fields})
	return fp
}

func (c *compiler) compileArray(e env, r ref.Ref, salt string) string {
	items := make([]string, 0, len(r.Items))
	inputs := make([]InputSlot, 0, len(r.Items))
	for i, item := range r.Items {
		res := c.resolve(e, item, fmt.Sprintf("%s#item%d", salt, i))
		if res.fp == "" {
			return ""
		}
		fp := c.materializeSlot(res, fmt.Sprintf("%s#item%d", salt, i))
		items = append(items, fp)
		inputs = append(inputs, InputSlot{ArgName: strconv.Itoa(i), Producer: fp})
	}
	fp := c.fingerprint("$array", items, graph.PerRun, salt)
	c.plan.addCall(&CallInstance{Fingerprint: fp, NodeName: "$array", Kind: ArrayCallKind, CacheMode: graph.PerRun, Inputs: inputs, ArrayItems: items})
	return fp
}

func (c *compiler) compileInlineFn(e env, r ref.Ref, salt string) string {
	c.anonCounter++
	depFPs := make([]string, 0, len(r.Deps))
	inputs := make([]InputSlot, 0, len(r.Deps))
	for i, dep := range r.Deps {
		res := c.resolve(e, dep, fmt.Sprintf("%s#dep%d", salt, i))
		if res.fp == "" {
			return ""
		}
		fp := c.materializeSlot(res, fmt.Sprintf("%s#dep%d", salt, i))
		depFPs = append(depFPs, fp)
		inputs = append(inputs, InputSlot{ArgName: strconv.Itoa(i), Producer: fp})
	}
	name := fmt.Sprintf("inline$%d", c.anonCounter)
	fp := c.fingerprint(name, depFPs, graph.PerRun, salt)
	c.plan.addCall(&CallInstance{
		Fingerprint: fp,
		NodeName:    name,
		Kind:        InlineCallKind,
		CacheMode:   graph.PerRun,
		Inputs:      inputs,
		InlineFn:    r.Fn,
	})
	return fp
}

// compileNodeRef instantiates (or reuses, if an identical fingerprint
// already exists) a node reference, returning its fingerprint plus any
// still-pending dotted-path projection.
func (c *compiler) compileNodeRef(e env, name string, path []string, salt string) (string, []string) {
	def, ok := c.reg.Lookup(name)
	if !ok {
		c.diags = c.diags.Append(diagnostics.FromSubject(diagnostics.Error, name, "missing producer", "no node registered under this name"))
		return "", nil
	}
	if def.Visibility == graph.Private && def.Scope != e.scope {
		c.diags = c.diags.Append(diagnostics.FromSubject(diagnostics.Error, name, "private node referenced from a different scope", fmt.Sprintf("declared in scope %q, referenced from %q", def.Scope, e.scope)))
		return "", nil
	}

	switch def.Kind {
	case graph.LiteralKind:
		return c.literalFingerprint(def.LiteralValue), path
	case graph.LazyKind:
		return c.compileLazyNode(def, salt), path
	default: // UserFnKind, SubgraphKind
		// The caller's argument environment flows into the node so that a
		// declared arg (or an args.K reference) with no binding of its own
		// resolves against the nearest enclosing call site; explicit
		// Configure(...).Using(...) bindings for this node win over the
		// ambient environment.
		overrides := mergeOverrides(e.overrides, c.configure[name])
		nodeEnv := env{overrides: overrides, scope: def.Scope}
		fp := c.compileHandlerNode(def, nodeEnv, salt)
		return fp, path
	}
}

func mergeOverrides(base, extra map[string]ref.Ref) map[string]ref.Ref {
	out := make(map[string]ref.Ref, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (c *compiler) compileLazyNode(def *graph.NodeDef, salt string) string {
	targetDef, ok := c.reg.Lookup(def.LazyTarget)
	if !ok {
		c.diags = c.diags.Append(diagnostics.FromSubject(diagnostics.Error, def.Name, "lazy node has no wrapped target", def.LazyTarget))
		return ""
	}
	targetFP := c.compileHandlerNode(targetDef, env{overrides: c.configure[targetDef.Name], scope: targetDef.Scope}, salt+"#target")
	if targetFP == "" {
		return ""
	}
	fp := c.fingerprint(def.Name, []string{targetFP}, def.CacheMode, salt)
	c.plan.addCall(&CallInstance{
		Fingerprint:           fp,
		NodeName:              def.Name,
		Kind:                  LazyThunkKind,
		CacheMode:             def.CacheMode,
		Def:                   def,
		LazyTargetFingerprint: targetFP,
	})
	return fp
}

// compileHandlerNode instantiates a UserFnKind or SubgraphKind node's call
// instance, resolving its declared args and wiring its
// modifiers.
func (c *compiler) compileHandlerNode(def *graph.NodeDef, nodeEnv env, salt string) string {
	if c.entering[def.Name] {
		c.diags = c.diags.Append(diagnostics.FromSubject(diagnostics.Error, def.Name,
			"reference cycle detected",
			"this node depends, directly or indirectly, on its own value"))
		return ""
	}
	c.entering[def.Name] = true
	defer delete(c.entering, def.Name)

	inputs := make([]InputSlot, 0, len(def.DeclaredArgs))
	var importantPreds []string
	argFPs := make(map[string]string, len(def.DeclaredArgs))

	for _, arg := range def.DeclaredArgs {
		fp, path, ok := c.resolveDeclaredArg(def, nodeEnv, arg, salt)
		if !ok {
			if arg.Void {
				continue
			}
			return ""
		}
		if fp == "" {
			continue // void-tolerated miss
		}
		if arg.Important {
			importantPreds = append(importantPreds, fp)
			continue
		}
		inputs = append(inputs, InputSlot{ArgName: arg.Name, Producer: fp, Path: path})
		argFPs[arg.Name] = fp
	}

	// Auxiliary child builds with no matching declared arg are before-handler
	// side-effecting builds: they contribute only an important-edge, never
	// a value.
	for i, cb := range def.ChildBuilds {
		if hasArgNamed(def.DeclaredArgs, cb.Alias) {
			continue
		}
		r := applyChildBuildGuardsAndModifiers(cb)
		res := c.resolve(nodeEnv, r, fmt.Sprintf("node:%s#cb%d", def.Name, i))
		if res.fp == "" {
			continue
		}
		fp := c.materializeSlot(res, fmt.Sprintf("node:%s#cb%d", def.Name, i))
		importantPreds = append(importantPreds, fp)
	}

	var returnsFP string
	if def.Kind == graph.SubgraphKind {
		returnsRef := def.ReturnsRef
		if returnsRef == nil {
			returnsRef = lastNonImportantChildBuildRef(def)
		}
		if returnsRef == nil {
			c.diags = c.diags.Append(diagnostics.FromSubject(diagnostics.Error, def.Name, "subgraph node has no returns reference", ""))
			return ""
		}
		res := c.resolve(nodeEnv, *returnsRef, fmt.Sprintf("node:%s#returns", def.Name))
		if res.fp == "" {
			return ""
		}
		returnsFP = c.materializeSlot(res, fmt.Sprintf("node:%s#returns", def.Name))
	}

	fpSeed := append(append([]string{}, inputFPs(inputs)...), importantPreds...)
	if returnsFP != "" {
		fpSeed = append(fpSeed, returnsFP)
	}
	fp := c.fingerprint(def.Name, fpSeed, def.CacheMode, salt)
	c.plan.addCall(&CallInstance{
		Fingerprint:    fp,
		NodeName:       def.Name,
		Kind:           HandlerCallKind,
		CacheMode:      def.CacheMode,
		Def:            def,
		Inputs:         inputs,
		ImportantPreds: importantPreds,
		// LazyTargetFingerprint is reused here for SubgraphKind nodes: it
		// holds the resolved returns-reference producer whose value this
		// call's execution simply forwards (see execgraph's engine).
		LazyTargetFingerprint: returnsFP,
	})

	// A node's own declared modifiers (as opposed to a reference-site
	// Through(...) chain, handled in resolve) wrap its raw result the same
	// way: each stage consumes the prior stage's value.
	wrapped := c.wrapModifiers(nodeEnv, resolved{fp: fp}, def.Modifiers, "node:"+def.Name+"#defmod")
	if wrapped.fp == "" {
		return ""
	}
	return wrapped.fp
}

func hasArgNamed(args []graph.ArgSpec, name string) bool {
	if name == "" {
		return false
	}
	for _, a := range args {
		if a.Name == name {
			return true
		}
	}
	return false
}

func lastNonImportantChildBuildRef(def *graph.NodeDef) *ref.Ref {
	for i := len(def.ChildBuilds) - 1; i >= 0; i-- {
		r := applyChildBuildGuardsAndModifiers(def.ChildBuilds[i])
		if !r.Important {
			return &r
		}
	}
	return nil
}

func applyChildBuildGuardsAndModifiers(cb graph.ChildBuild) ref.Ref {
	r := cb.Ref
	if r.WhenGuard == nil && len(cb.WhenGuards) > 0 {
		g := cb.WhenGuards[0]
		r.WhenGuard = &g
	}
	if r.UnlessRef == nil && len(cb.UnlessGuards) > 0 {
		g := cb.UnlessGuards[0]
		r.UnlessRef = &g
	}
	if len(cb.Modifiers) > 0 {
		r.PipedThru = append(append([]ref.Ref(nil), r.PipedThru...), cb.Modifiers...)
	}
	return r
}

// resolveDeclaredArg resolves one declared argument of def: first by a
// matching ChildBuild alias, then by nodeEnv's override map (the caller's
// per-call-site remapping), then by a registered node of that name (with
// an optional dotted projection), and finally by treating the name as a
// runtime input. The third return value is false only for a
// hard failure (diagnostics already appended); a void miss returns
// ("", nil, true).
func (c *compiler) resolveDeclaredArg(def *graph.NodeDef, nodeEnv env, arg graph.ArgSpec, salt string) (string, []string, bool) {
	for i, cb := range def.ChildBuilds {
		if cb.Alias != arg.Name {
			continue
		}
		r := applyChildBuildGuardsAndModifiers(cb)
		res := c.resolve(nodeEnv, r, fmt.Sprintf("node:%s#cb%d", def.Name, i))
		if res.fp == "" {
			if arg.Void || res.void {
				return "", nil, true
			}
			return "", nil, false
		}
		fp := res.fp
		return fp, res.path, true
	}
	if target, ok := nodeEnv.overrides[arg.Name]; ok {
		res := c.resolve(env{scope: nodeEnv.scope}, target, salt+"#arg:"+arg.Name)
		if res.fp == "" {
			if arg.Void {
				return "", nil, true
			}
			return "", nil, false
		}
		return res.fp, res.path, true
	}
	// A declared arg that names a registered node (possibly with a dotted
	// projection) is a dependency on that node; only names that match
	// nothing in the registry fall through to the runtime input bundle.
	segs := strings.Split(arg.Name, ".")
	if _, ok := c.reg.Lookup(segs[0]); ok {
		res := c.resolve(env{scope: nodeEnv.scope}, ref.Node(segs[0], segs[1:]...), salt+"#arg:"+arg.Name)
		if res.fp == "" {
			if arg.Void {
				return "", nil, true
			}
			return "", nil, false
		}
		return res.fp, res.path, true
	}
	if c.strict && !c.runtimeInputs[arg.Name] && !arg.Void {
		c.diags = c.diags.Append(diagnostics.FromSubject(diagnostics.Error, def.Name, "missing compile input", arg.Name))
		return "", nil, false
	}
	return c.runtimeInputCall(arg.Name, salt), nil, true
}

// literalFingerprint deduplicates captured values by their structural
// representation.
func (c *compiler) literalFingerprint(v any) string {
	key := fmt.Sprintf("%#v", v)
	if fp, ok := c.literalFPs[key]; ok {
		return fp
	}
	c.litCounter++
	fp := "lit:" + strconv.Itoa(c.litCounter)
	c.literalFPs[key] = fp
	c.plan.addCall(&CallInstance{
		Fingerprint:  fp,
		NodeName:     "$literal",
		Kind:         LiteralCallKind,
		CacheMode:    graph.Singleton,
		LiteralValue: v,
	})
	return fp
}

// fingerprint derives the stable identifier for a call instance: node
// name, ordered input fingerprints, and cache mode. A
// Disabled-cache node folds the compiler-assigned salt (its declared
// position in the source graph) into the fingerprint so that separate call
// sites never merge, while still deduplicating a site against itself
//.
func (c *compiler) fingerprint(name string, inputFPs []string, mode graph.CacheMode, salt string) string {
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('(')
	for i, fp := range inputFPs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(fp)
	}
	b.WriteByte(')')
	b.WriteByte('@')
	b.WriteString(mode.String())
	if mode == graph.Disabled {
		b.WriteString("::")
		b.WriteString(salt)
	}
	return b.String()
}

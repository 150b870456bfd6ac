// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

package execgraph

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apparentlymart/go-workgraph/workgraph"
	"github.com/zclconf/go-cty/cty/gocty"
	"golang.org/x/sync/errgroup"

	"github.com/conflux-run/conflux/graph"
	"github.com/conflux-run/conflux/internal/engine/singleton"
	"github.com/conflux-run/conflux/trace"
)

// ExecOptions configures a single Execute call.
type ExecOptions struct {
	// Registry is consulted for declared value types when the registry's
	// enforceTypes toggle is active. May be nil.
	Registry *graph.Registry

	// Singletons is the process-wide store backing Singleton-cached calls.
	// May be nil, in which case Singleton calls behave like PerRun calls.
	Singletons *singleton.Store

	// TraceID identifies this run in emitted trace events.
	TraceID string

	// Trace receives one event per call-instance state transition. Nil
	// means discard.
	Trace trace.Sink

	// Builder is a debugging label attached to surfaced RunErrors.
	Builder string
}

// RunSnapshot is the read-only per-run introspection record: resolved
// values, rejection errors, and handler start times, keyed by call-instance
// fingerprint. It continues to be filled in while the run is live; the
// accessors return copies.
type RunSnapshot struct {
	mu         sync.Mutex
	values     map[string]any
	errors     map[string]error
	startTimes map[string]time.Time
}

func newRunSnapshot() *RunSnapshot {
	return &RunSnapshot{
		values:     make(map[string]any),
		errors:     make(map[string]error),
		startTimes: make(map[string]time.Time),
	}
}

// Values returns the resolved value per terminal call instance.
func (s *RunSnapshot) Values() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Errors returns the rejection error per rejected call instance.
func (s *RunSnapshot) Errors() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]error, len(s.errors))
	for k, v := range s.errors {
		out[k] = v
	}
	return out
}

// StartTimes returns the InFlight entry time per invoked call instance.
func (s *RunSnapshot) StartTimes() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.startTimes))
	for k, v := range s.startTimes {
		out[k] = v
	}
	return out
}

// callResult is the terminal outcome of one call instance. Exactly one of
// the three states holds: Resolved (Err nil, Skipped false), Rejected (Err
// non-nil), or Skipped. A Skipped result additionally carries the important
// predecessor's failure in SkipCause when that failure is what caused the
// skip; a guard-driven skip has a nil SkipCause and propagates as the value
// undefined rather than as a failure.
type callResult struct {
	Value     any
	Err       *RunError
	Skipped   bool
	SkipCause *RunError
}

type callState struct {
	once     sync.Once
	resolver workgraph.Resolver[callResult]
	promise  workgraph.Promise[callResult]
}

type run struct {
	plan   *CompiledPlan
	inputs map[string]any
	opts   ExecOptions
	snap   *RunSnapshot

	// cleanup initially owns every call instance's resolver. Each call's
	// step transfers responsibility to its own worker when it starts, so in
	// the happy path cleanup ends up responsible for nothing; any calls the
	// run never demanded have their requests force-failed when the run is
	// garbage collected, which keeps late lazy-thunk awaiters from hanging
	// forever on a request nobody will resolve.
	cleanup *workgraph.Worker

	states map[string]*callState
}

// Execute runs a compiled plan against a runtime input bundle, returning
// the map of output alias to resolved value, or the first failure to reach
// a requested output. The returned snapshot is valid in both cases.
//
// Each call instance runs in its own goroutine, started on first demand
// and exactly once per fingerprint; dependents await its single completion
// through a workgraph promise, one worker per call instance. Demand is
// pull-driven from the requested outputs, which is what keeps a lazy
// node's wrapped target from executing until its thunk is invoked.
func Execute(ctx context.Context, plan *CompiledPlan, inputs map[string]any, opts ExecOptions) (map[string]any, *RunSnapshot, error) {
	if opts.Trace == nil {
		opts.Trace = trace.Discard{}
	}
	r := &run{
		plan:    plan,
		inputs:  inputs,
		opts:    opts,
		snap:    newRunSnapshot(),
		cleanup: workgraph.NewWorker(),
		states:  make(map[string]*callState, len(plan.Calls)),
	}
	for _, fp := range plan.Order {
		resolver, promise := workgraph.NewRequest[callResult](r.cleanup)
		r.states[fp] = &callState{resolver: resolver, promise: promise}
	}

	// One awaiting goroutine per requested output; the errgroup's context
	// is the run's cancellation token, cancelled by the first rejection to
	// reach any output. Calls still Waiting at that point observe the
	// cancellation and transition to Skipped; anything already InFlight
	// runs to completion and has its result discarded.
	g, gctx := errgroup.WithContext(ctx)
	var outMu sync.Mutex
	outputs := make(map[string]any, len(plan.Outputs))
	for alias, fp := range plan.Outputs {
		g.Go(func() error {
			wctx := contextWithNewCallWorker(gctx)
			res := r.await(wctx, fp)
			switch {
			case res.Err != nil:
				return res.Err
			case res.Skipped && res.SkipCause != nil:
				return res.SkipCause
			}
			outMu.Lock()
			outputs[alias] = res.Value
			outMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if re, ok := err.(*RunError); ok && re.Builder == "" && opts.Builder != "" {
			cp := *re
			cp.Builder = opts.Builder
			err = &cp
		}
		return nil, r.snap, err
	}
	return outputs, r.snap, nil
}

// demand starts fp's step goroutine if it hasn't started yet and returns
// its state. The step runs under the first demander's context, which is
// what a later lazy-thunk invocation relies on: a target not demanded
// during the run proper starts fresh under the thunk caller's context.
func (r *run) demand(ctx context.Context, fp string) *callState {
	st := r.states[fp]
	if st == nil {
		return nil
	}
	st.once.Do(func() {
		call := r.plan.Calls[fp]
		r.emit(fp, trace.ActionWaiting)
		go r.step(ctx, call, st)
	})
	return st
}

// await demands fp and blocks until its single completion is available.
func (r *run) await(ctx context.Context, fp string) callResult {
	st := r.demand(ctx, fp)
	if st == nil {
		return callResult{Err: &RunError{
			Kind:         InternalError,
			Message:      fmt.Sprintf("no call instance with fingerprint %s in this plan", shortFP(fp)),
			FailureChain: []string{fp},
		}}
	}
	result, err := st.promise.Await(callWorkerFromContext(ctx))
	if err != nil {
		return callResult{Err: r.awaitError(fp, err)}
	}
	return result
}

// awaitError turns a workgraph-level await failure into a RunError that
// names the affected call instances, by matching the reported request IDs
// against the run's own resolvers. Both cases are "should not happen" for a
// plan that passed compile-time cycle checking; self-awaits can still arise
// at run time through a lazy thunk invoked from inside its own target.
func (r *run) awaitError(fp string, err error) *RunError {
	var msg string
	switch err := err.(type) {
	case workgraph.ErrSelfDependency:
		msg = "call instances await their own results, directly or indirectly: " +
			strings.Join(r.callNamesForRequests(err.RequestIDs), ", ")
	case workgraph.ErrUnresolved:
		msg = fmt.Sprintf("no goroutine can resolve %s; its step likely panicked",
			strings.Join(r.callNamesForRequests([]workgraph.RequestID{err.RequestID}), ", "))
	default:
		msg = fmt.Sprintf("awaiting %s failed: %s", shortFP(fp), err)
	}
	return &RunError{
		Kind:         InternalError,
		Message:      msg,
		FailureChain: []string{fp},
		err:          err,
	}
}

// callNamesForRequests maps workgraph request IDs back to call-instance
// debug names. A request that matches none of the run's resolvers is
// reported as unknown rather than dropped, so the count of involved calls
// stays visible.
func (r *run) callNamesForRequests(ids []workgraph.RequestID) []string {
	byID := make(map[workgraph.RequestID]string, len(r.states))
	for fp, st := range r.states {
		byID[st.resolver.RequestID()] = fp
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		fp, ok := byID[id]
		if !ok {
			names = append(names, "<unknown call>")
			continue
		}
		name := shortFP(fp)
		if call := r.plan.Calls[fp]; call != nil && call.DebugName != "" {
			name = call.DebugName
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *run) step(ctx context.Context, call *CallInstance, st *callState) {
	// The step's own worker takes responsibility for resolving this call's
	// promise, so that workgraph can detect a call that comes to depend on
	// its own result at run time.
	worker := workgraph.NewWorker(st.resolver)
	ctx = contextWithCallWorker(ctx, worker)
	res := r.evaluate(ctx, call)
	r.record(call, res)
	st.resolver.ReportSuccess(worker, res)
}

func (r *run) record(call *CallInstance, res callResult) {
	r.snap.mu.Lock()
	switch {
	case res.Err != nil:
		r.snap.errors[call.Fingerprint] = res.Err
	case res.Skipped:
		// Skipped calls appear in neither values nor errors.
	default:
		r.snap.values[call.Fingerprint] = res.Value
	}
	r.snap.mu.Unlock()

	switch {
	case res.Err != nil:
		r.emit(call.Fingerprint, trace.ActionRejected)
	case res.Skipped:
		r.emit(call.Fingerprint, trace.ActionSkipped)
	default:
		r.emit(call.Fingerprint, trace.ActionResolved)
	}
}

func (r *run) emit(fp string, action trace.Action) {
	r.opts.Trace.Emit(trace.Event{
		TraceID:     r.opts.TraceID,
		Fingerprint: fp,
		Action:      action,
		Timestamp:   time.Now(),
	})
}

func (r *run) evaluate(ctx context.Context, call *CallInstance) callResult {
	switch call.Kind {
	case LiteralCallKind:
		return callResult{Value: call.LiteralValue}
	case RuntimeInputCallKind:
		return callResult{Value: r.inputs[call.RuntimeInputName]}
	case ProjectionCallKind:
		v, early := r.gatherSlot(ctx, call, call.Inputs[0])
		if early != nil {
			return *early
		}
		return callResult{Value: v}
	case ObjectCallKind:
		return r.evaluateObject(ctx, call)
	case ArrayCallKind:
		return r.evaluateArray(ctx, call)
	case InlineCallKind:
		return r.evaluateInline(ctx, call)
	case GuardGateKind:
		return r.evaluateGuard(ctx, call)
	case ModifierCallKind:
		return r.evaluateModifier(ctx, call)
	case LazyThunkKind:
		return r.evaluateLazyThunk(ctx, call)
	case HandlerCallKind:
		return r.evaluateHandler(ctx, call)
	default:
		return callResult{Err: &RunError{
			Kind:         InternalError,
			Message:      fmt.Sprintf("unsupported call kind %s", call.Kind),
			FailureChain: []string{call.Fingerprint},
		}}
	}
}

// gatherSlot awaits one input slot's producer and interprets the outcome
// under value-edge semantics: a rejection propagates as a rejection with
// this call appended to the failure chain, a skip caused by an important
// predecessor's failure propagates as the same skip, and a guard-driven
// skip propagates as the value undefined. The dotted-path projection is
// applied lazily here, at read time.
func (r *run) gatherSlot(ctx context.Context, call *CallInstance, slot InputSlot) (any, *callResult) {
	res := r.await(ctx, slot.Producer)
	switch {
	case res.Err != nil:
		return nil, &callResult{Err: res.Err.extend(call.Fingerprint)}
	case res.Skipped && res.SkipCause != nil:
		return nil, &callResult{Skipped: true, SkipCause: res.SkipCause}
	case res.Skipped:
		return nil, nil
	}
	return projectPath(res.Value, slot.Path), nil
}

func (r *run) demandInputs(ctx context.Context, call *CallInstance) {
	for _, fp := range call.ImportantPreds {
		r.demand(ctx, fp)
	}
	for _, in := range call.Inputs {
		r.demand(ctx, in.Producer)
	}
}

func (r *run) evaluateObject(ctx context.Context, call *CallInstance) callResult {
	r.demandInputs(ctx, call)
	out := make(map[string]any, len(call.Inputs))
	for _, in := range call.Inputs {
		v, early := r.gatherSlot(ctx, call, in)
		if early != nil {
			return *early
		}
		out[in.ArgName] = v
	}
	return callResult{Value: out}
}

func (r *run) evaluateArray(ctx context.Context, call *CallInstance) callResult {
	r.demandInputs(ctx, call)
	out := make([]any, len(call.Inputs))
	for i, in := range call.Inputs {
		v, early := r.gatherSlot(ctx, call, in)
		if early != nil {
			return *early
		}
		out[i] = v
	}
	return callResult{Value: out}
}

func (r *run) evaluateInline(ctx context.Context, call *CallInstance) callResult {
	r.demandInputs(ctx, call)
	deps := make([]any, len(call.Inputs))
	for i, in := range call.Inputs {
		v, early := r.gatherSlot(ctx, call, in)
		if early != nil {
			return *early
		}
		deps[i] = v
	}
	r.emit(call.Fingerprint, trace.ActionReady)
	if err := ctx.Err(); err != nil {
		return skippedByCancellation(call.Fingerprint, err)
	}
	r.startInFlight(call.Fingerprint)

	var v any
	var err error
	switch fn := call.InlineFn.(type) {
	case graph.InlineHandler:
		v, err = fn(ctx, deps)
	case func(context.Context, []any) (any, error):
		v, err = fn(ctx, deps)
	default:
		return callResult{Err: &RunError{
			Kind:         InternalError,
			Message:      fmt.Sprintf("inline producer %s has an unsupported function shape %T", call.NodeName, call.InlineFn),
			FailureChain: []string{call.Fingerprint},
		}}
	}
	if err != nil {
		return callResult{Err: NewRunError(HandlerError, call.Fingerprint, err)}
	}
	return callResult{Value: v}
}

func (r *run) evaluateGuard(ctx context.Context, call *CallInstance) callResult {
	var guardSlot, baseSlot, fallbackSlot *InputSlot
	for i := range call.Inputs {
		switch call.Inputs[i].ArgName {
		case "_guard":
			guardSlot = &call.Inputs[i]
		case "_base":
			baseSlot = &call.Inputs[i]
		case "_fallback":
			fallbackSlot = &call.Inputs[i]
		}
	}
	// Only the guard itself is demanded eagerly: the gated base must not
	// start evaluating unless the guard passes.
	gv, early := r.gatherSlot(ctx, call, *guardSlot)
	if early != nil {
		return *early
	}
	pass := truthy(gv)
	if call.Guard.Negate {
		pass = !pass
	}
	if pass {
		v, early := r.gatherSlot(ctx, call, *baseSlot)
		if early != nil {
			return *early
		}
		return callResult{Value: v}
	}
	if call.Guard.HasFallback {
		v, early := r.gatherSlot(ctx, call, *fallbackSlot)
		if early != nil {
			return *early
		}
		return callResult{Value: v}
	}
	return callResult{Skipped: true}
}

func (r *run) evaluateModifier(ctx context.Context, call *CallInstance) callResult {
	in := call.Inputs[0]
	v, early := r.gatherSlot(ctx, call, in)
	if early != nil {
		return *early
	}
	r.emit(call.Fingerprint, trace.ActionReady)
	if err := ctx.Err(); err != nil {
		return skippedByCancellation(call.Fingerprint, err)
	}
	r.startInFlight(call.Fingerprint)
	out, err := invokeHandler(ctx, call.Def, graph.NewArgs(map[string]any{in.ArgName: v}))
	if err != nil {
		return callResult{Err: NewRunError(HandlerError, call.Fingerprint, err)}
	}
	return callResult{Value: out}
}

func (r *run) evaluateLazyThunk(ctx context.Context, call *CallInstance) callResult {
	targetFP := call.LazyTargetFingerprint
	// The thunk captures the run, so a late invocation (after run()
	// resolves) still evaluates the wrapped target against the same plan
	// and shares the target's single completion with every other caller.
	thunk := graph.LazyThunk(func(tctx context.Context) (any, error) {
		wctx := contextWithNewCallWorker(tctx)
		res := r.await(wctx, targetFP)
		switch {
		case res.Err != nil:
			return nil, res.Err
		case res.Skipped && res.SkipCause != nil:
			return nil, res.SkipCause
		}
		return res.Value, nil
	})
	return callResult{Value: thunk}
}

func (r *run) evaluateHandler(ctx context.Context, call *CallInstance) callResult {
	r.demandInputs(ctx, call)

	// Every important predecessor must terminate, successfully, before this
	// call may enter InFlight; its value is discarded here. A rejected or
	// skipped important predecessor turns this call Skipped, carrying the
	// failure (if any) so it can surface at the output if no other path
	// produces it.
	for _, predFP := range call.ImportantPreds {
		res := r.await(ctx, predFP)
		switch {
		case res.Err != nil:
			return callResult{Skipped: true, SkipCause: res.Err}
		case res.Skipped:
			return callResult{Skipped: true, SkipCause: res.SkipCause}
		}
	}

	if call.Def != nil && call.Def.Kind == graph.SubgraphKind {
		// A subgraph node's value is its returns reference's value,
		// forwarded as-is; the node itself has no handler to invoke.
		res := r.await(ctx, call.LazyTargetFingerprint)
		if res.Err != nil {
			return callResult{Err: res.Err.extend(call.Fingerprint)}
		}
		return res
	}

	args := make(map[string]any, len(call.Inputs))
	for _, in := range call.Inputs {
		v, early := r.gatherSlot(ctx, call, in)
		if early != nil {
			return *early
		}
		args[in.ArgName] = v
	}
	r.emit(call.Fingerprint, trace.ActionReady)
	if err := ctx.Err(); err != nil {
		return skippedByCancellation(call.Fingerprint, err)
	}
	r.startInFlight(call.Fingerprint)

	compute := func(cctx context.Context) (any, error) {
		return invokeHandler(cctx, call.Def, graph.NewArgs(args))
	}
	var v any
	var err error
	if call.CacheMode == graph.Singleton && r.opts.Singletons != nil {
		v, err = r.opts.Singletons.Get(ctx, call.NodeName, compute)
	} else {
		v, err = compute(ctx)
	}
	if err != nil {
		return callResult{Err: NewRunError(HandlerError, call.Fingerprint, err)}
	}
	if typeErr := r.checkDeclaredType(call, v); typeErr != nil {
		return callResult{Err: typeErr}
	}
	return callResult{Value: v}
}

func (r *run) startInFlight(fp string) {
	r.snap.mu.Lock()
	r.snap.startTimes[fp] = time.Now()
	r.snap.mu.Unlock()
	r.emit(fp, trace.ActionInFlight)
}

func (r *run) checkDeclaredType(call *CallInstance, v any) *RunError {
	reg := r.opts.Registry
	if reg == nil {
		return nil
	}
	mode := reg.EnforceTypesMode()
	if mode == graph.Silent {
		return nil
	}
	t, ok := reg.TypeOf(call.NodeName)
	if !ok {
		return nil
	}
	if _, err := gocty.ToCtyValue(v, t); err != nil {
		if mode == graph.Error {
			return NewRunError(HandlerError, call.Fingerprint,
				fmt.Errorf("value for %q does not conform to its declared type: %w", call.NodeName, err))
		}
		log.Printf("[WARN] execgraph: value for %q does not conform to its declared type: %s", call.NodeName, err)
	}
	return nil
}

func skippedByCancellation(fp string, err error) callResult {
	return callResult{Skipped: true, SkipCause: &RunError{
		Kind:         CancellationError,
		Message:      "run cancelled before call could start",
		FailureChain: []string{fp},
		err:          err,
	}}
}

// invokeHandler adapts the three handler return disciplines into a single
// completion: a synchronous value, a suspending future awaited before the
// call resolves, or a node-style (error, value) completion callback awaited
// for exactly one invocation.
func invokeHandler(ctx context.Context, def *graph.NodeDef, args graph.Args) (any, error) {
	if def == nil {
		return nil, fmt.Errorf("call instance has no node definition")
	}
	switch {
	case def.SyncFn != nil:
		return def.SyncFn(ctx, args)
	case def.FutureFn != nil:
		fut, err := def.FutureFn(ctx, args)
		if err != nil {
			return nil, err
		}
		if fut == nil {
			return nil, nil
		}
		return fut.Await(ctx)
	case def.CallbackFn != nil:
		type outcome struct {
			v   any
			err error
		}
		ch := make(chan outcome, 1)
		var once sync.Once
		def.CallbackFn(ctx, args, func(err error, v any) {
			// Only the first completion counts; a handler that calls its
			// callback more than once has its later calls ignored.
			once.Do(func() { ch <- outcome{v, err} })
		})
		select {
		case o := <-ch:
			return o.v, o.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("node %q has no invokable handler", def.Name)
}

// projectPath walks a dotted path through v, segment by segment, reading
// map keys and exported struct fields. Property access on nil short-circuits
// to nil rather than erroring, as does a missing key or field.
func projectPath(v any, path []string) any {
	for _, seg := range path {
		if v == nil {
			return nil
		}
		switch m := v.(type) {
		case map[string]any:
			v = m[seg]
			continue
		}
		rv := reflect.ValueOf(v)
		for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
			if rv.IsNil() {
				return nil
			}
			rv = rv.Elem()
		}
		switch rv.Kind() {
		case reflect.Map:
			if rv.Type().Key().Kind() != reflect.String {
				return nil
			}
			item := rv.MapIndex(reflect.ValueOf(seg))
			if !item.IsValid() {
				return nil
			}
			v = item.Interface()
		case reflect.Struct:
			field := rv.FieldByName(seg)
			if !field.IsValid() || !field.CanInterface() {
				return nil
			}
			v = field.Interface()
		default:
			return nil
		}
	}
	return v
}

// truthy applies the guard truthiness rule: nil, false, zero numbers, and
// empty strings gate a when() off; everything else passes.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map:
		return !rv.IsNil()
	}
	return true
}

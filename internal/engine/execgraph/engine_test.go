// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

package execgraph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/conflux-run/conflux/graph"
	"github.com/conflux-run/conflux/ref"
)

func compileForTest(t *testing.T, r *graph.Registry, requests []BuildRequest) *CompiledPlan {
	t.Helper()
	plan, diags := Compile(r, requests, Options{})
	if diags.HasErrors() {
		t.Fatalf("compile failed: %s", diags.Err())
	}
	return plan
}

func runForTest(t *testing.T, plan *CompiledPlan, inputs map[string]any) map[string]any {
	t.Helper()
	out, _, err := Execute(context.Background(), plan, inputs, ExecOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return out
}

func TestExecuteUpperPipeline(t *testing.T) {
	r := graph.NewRegistry()
	mustAdd(t, r, "name-fromLiteral", ref.Literal("Jeremy"), nil)
	mustAdd(t, r, "str-toUpper", graph.SyncHandler(func(ctx context.Context, args graph.Args) (any, error) {
		return strings.ToUpper(args.Get("s").(string)), nil
	}), []string{"s"})

	plan := compileForTest(t, r, []BuildRequest{
		{Alias: "str-toUpper", Ref: ref.Node("str-toUpper"), Overrides: map[string]ref.Ref{
			"s": ref.Node("name-fromLiteral"),
		}},
	})
	out := runForTest(t, plan, nil)
	if out["str-toUpper"] != "JEREMY" {
		t.Errorf("wrong output %#v; want JEREMY", out["str-toUpper"])
	}
}

func TestExecuteHandlerOncePerFingerprint(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	r := graph.NewRegistry()
	mustAdd(t, r, "counter", graph.SyncHandler(func(ctx context.Context, args graph.Args) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return calls, nil
	}), nil)

	plan := compileForTest(t, r, []BuildRequest{
		{Alias: "c1", Ref: ref.Node("counter")},
		{Alias: "c2", Ref: ref.Node("counter")},
		{Alias: "c3", Ref: ref.Node("counter")},
	})
	out := runForTest(t, plan, nil)
	for _, alias := range []string{"c1", "c2", "c3"} {
		if out[alias] != 1 {
			t.Errorf("%s = %#v; want 1 (deduplicated single invocation)", alias, out[alias])
		}
	}
	if calls != 1 {
		t.Errorf("handler invoked %d times; want exactly once", calls)
	}
}

func TestExecuteDisabledCacheRunsPerCallSite(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	r := graph.NewRegistry()
	mustAdd(t, r, "counter", graph.SyncHandler(func(ctx context.Context, args graph.Args) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return calls, nil
	}), nil, graph.WithCacheMode(graph.Disabled))

	plan := compileForTest(t, r, []BuildRequest{
		{Alias: "c1", Ref: ref.Node("counter")},
		{Alias: "c2", Ref: ref.Node("counter")},
		{Alias: "c3", Ref: ref.Node("counter")},
	})
	out := runForTest(t, plan, nil)
	if calls != 3 {
		t.Fatalf("handler invoked %d times; want once per call site", calls)
	}
	seen := map[any]bool{}
	for _, alias := range []string{"c1", "c2", "c3"} {
		seen[out[alias]] = true
	}
	for _, want := range []any{1, 2, 3} {
		if !seen[want] {
			t.Errorf("outputs %#v do not cover value %v", out, want)
		}
	}
}

func TestExecuteImportantOrdering(t *testing.T) {
	var mu sync.Mutex
	var logText strings.Builder
	appendLetter := func(letter string) graph.SyncHandler {
		return func(ctx context.Context, args graph.Args) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			logText.WriteString(letter)
			return true, nil
		}
	}
	r := graph.NewRegistry()
	mustAdd(t, r, "a", appendLetter("a"), nil)
	mustAdd(t, r, "b", appendLetter("b"), []string{"a"})
	mustAdd(t, r, "c", appendLetter("c"), []string{"!b"})
	mustAdd(t, r, "d", appendLetter("d"), []string{"a", "b", "!c"})
	mustAdd(t, r, "e", appendLetter("e"), []string{"a", "b", "c", "d"})

	plan := compileForTest(t, r, []BuildRequest{{Alias: "e", Ref: ref.Node("e")}})
	runForTest(t, plan, nil)
	if got := logText.String(); got != "abcde" {
		t.Errorf("execution log = %q; want abcde", got)
	}
}

func TestExecuteRuntimeInputFlowsIn(t *testing.T) {
	r := graph.NewRegistry()
	mustAdd(t, r, "greeter", graph.SyncHandler(func(ctx context.Context, args graph.Args) (any, error) {
		return "hello " + args.Get("who").(string), nil
	}), []string{"who"})

	plan := compileForTest(t, r, []BuildRequest{{Alias: "out", Ref: ref.Node("greeter")}})
	out := runForTest(t, plan, map[string]any{"who": "world"})
	if out["out"] != "hello world" {
		t.Errorf("wrong output %#v", out["out"])
	}
}

func TestExecuteDottedPathShortCircuitsOnNil(t *testing.T) {
	r := graph.NewRegistry()
	mustAdd(t, r, "null-holder", graph.SyncHandler(func(ctx context.Context, args graph.Args) (any, error) {
		return map[string]any{"a": nil}, nil
	}), nil)
	mustAdd(t, r, "echo-value", graph.SyncHandler(func(ctx context.Context, args graph.Args) (any, error) {
		return args.Get("v"), nil
	}), []string{"v"})

	plan := compileForTest(t, r, []BuildRequest{
		{Alias: "out", Ref: ref.Node("echo-value"), Overrides: map[string]ref.Ref{
			"v": ref.Node("null-holder", "a", "b", "c"),
		}},
	})
	out := runForTest(t, plan, nil)
	if out["out"] != nil {
		t.Errorf("a.b.c through nil = %#v; want nil", out["out"])
	}
}

func TestExecuteGuardSkippedIsNotRejected(t *testing.T) {
	r := graph.NewRegistry()
	mustAdd(t, r, "always-fails", graph.SyncHandler(func(ctx context.Context, args graph.Args) (any, error) {
		return nil, errors.New("should never run")
	}), nil)
	mustAdd(t, r, "echo-value", graph.SyncHandler(func(ctx context.Context, args graph.Args) (any, error) {
		return args.Get("v"), nil
	}), []string{"v"})

	plan := compileForTest(t, r, []BuildRequest{
		{Alias: "out", Ref: ref.Node("echo-value"), Overrides: map[string]ref.Ref{
			"v": ref.Node("always-fails").When(ref.Literal(false)),
		}},
	})
	out := runForTest(t, plan, nil)
	if out["out"] != nil {
		t.Errorf("guarded-off branch = %#v; want nil", out["out"])
	}
}

func TestExecuteGuardFallbackChain(t *testing.T) {
	r := graph.NewRegistry()
	mustAdd(t, r, "val-upper", ref.Literal("UP"), nil)
	mustAdd(t, r, "val-lower", ref.Literal("low"), nil)

	chain := ref.Node("val-upper").
		When(ref.Arg("method", "isUpper")).
		Else(ref.Node("val-lower"))

	plan := compileForTest(t, r, []BuildRequest{{Alias: "out", Ref: chain}})

	out := runForTest(t, plan, map[string]any{"method": map[string]any{"isUpper": true}})
	if out["out"] != "UP" {
		t.Errorf("truthy guard = %#v; want UP", out["out"])
	}
	out = runForTest(t, plan, map[string]any{"method": map[string]any{"isUpper": false}})
	if out["out"] != "low" {
		t.Errorf("falsy guard fallback = %#v; want low", out["out"])
	}
}

func TestExecuteFailureChainOrdersRootCauseFirst(t *testing.T) {
	boom := errors.New("boom")
	r := graph.NewRegistry()
	mustAdd(t, r, "root-failure", graph.SyncHandler(func(ctx context.Context, args graph.Args) (any, error) {
		return nil, boom
	}), nil)
	mustAdd(t, r, "middle", graph.SyncHandler(func(ctx context.Context, args graph.Args) (any, error) {
		return args.Get("root-failure"), nil
	}), []string{"root-failure"})
	mustAdd(t, r, "top", graph.SyncHandler(func(ctx context.Context, args graph.Args) (any, error) {
		return args.Get("middle"), nil
	}), []string{"middle"})

	plan := compileForTest(t, r, []BuildRequest{{Alias: "out", Ref: ref.Node("top")}})
	_, _, err := Execute(context.Background(), plan, nil, ExecOptions{})
	if err == nil {
		t.Fatalf("expected the run to reject")
	}
	var re *RunError
	if !errors.As(err, &re) {
		t.Fatalf("error is not a *RunError: %v", err)
	}
	if re.Kind != HandlerError {
		t.Errorf("Kind = %v; want HandlerError", re.Kind)
	}
	if !errors.Is(re, boom) {
		t.Errorf("RunError does not wrap the originating handler error")
	}
	if len(re.FailureChain) < 3 {
		t.Fatalf("failure chain too short: %v", re.FailureChain)
	}
	if !strings.HasPrefix(re.FailureChain[0], "root-failure(") {
		t.Errorf("chain does not start at the root cause: %v", re.FailureChain)
	}
	if !strings.HasPrefix(re.FailureChain[len(re.FailureChain)-1], "top(") {
		t.Errorf("chain does not end at the requested output: %v", re.FailureChain)
	}
}

func TestExecuteImportantFailureSkipsDependentAndSurfaces(t *testing.T) {
	boom := errors.New("setup failed")
	var dependentRan bool
	r := graph.NewRegistry()
	mustAdd(t, r, "setup", graph.SyncHandler(func(ctx context.Context, args graph.Args) (any, error) {
		return nil, boom
	}), nil)
	mustAdd(t, r, "worker", graph.SyncHandler(func(ctx context.Context, args graph.Args) (any, error) {
		dependentRan = true
		return "done", nil
	}), []string{"!setup"})

	plan := compileForTest(t, r, []BuildRequest{{Alias: "out", Ref: ref.Node("worker")}})
	_, _, err := Execute(context.Background(), plan, nil, ExecOptions{})
	if err == nil {
		t.Fatalf("expected the run to surface the important parent's failure")
	}
	if !errors.Is(err, boom) {
		t.Errorf("surfaced error does not wrap the important parent's failure: %v", err)
	}
	if dependentRan {
		t.Errorf("dependent handler ran despite a rejected important predecessor")
	}
}

func TestExecuteLazyThunkDefersAndShares(t *testing.T) {
	var mu sync.Mutex
	var order []any
	record := func(tag any, v any) graph.SyncHandler {
		return func(ctx context.Context, args graph.Args) (any, error) {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
			return v, nil
		}
	}
	r := graph.NewRegistry()
	mustAdd(t, r, "one", record(1, 1), nil)
	mustAdd(t, r, "two", record(2, 2), nil)
	mustAdd(t, r, "three", graph.SyncHandler(func(ctx context.Context, args graph.Args) (any, error) {
		mu.Lock()
		order = append(order, "add(1,2)")
		mu.Unlock()
		return args.Get("one").(int) + args.Get("two").(int), nil
	}), []string{"one", "two"})
	if err := r.AddLazy("lazyThree", "three", nil); err != nil {
		t.Fatalf("AddLazy failed: %v", err)
	}

	plan := compileForTest(t, r, []BuildRequest{{Alias: "lazyThree", Ref: ref.Node("lazyThree")}})
	out := runForTest(t, plan, nil)

	mu.Lock()
	ranEarly := len(order)
	mu.Unlock()
	if ranEarly != 0 {
		t.Fatalf("wrapped handlers executed before the thunk was invoked: %v", order)
	}

	thunk, ok := out["lazyThree"].(graph.LazyThunk)
	if !ok {
		t.Fatalf("lazy output is %T; want graph.LazyThunk", out["lazyThree"])
	}
	v, err := thunk(context.Background())
	if err != nil {
		t.Fatalf("thunk failed: %v", err)
	}
	if v != 3 {
		t.Errorf("thunk value = %#v; want 3", v)
	}
	mu.Lock()
	if len(order) != 3 || order[len(order)-1] != "add(1,2)" {
		t.Errorf("execution order %v; want both addends then add(1,2)", order)
	}
	count := len(order)
	mu.Unlock()

	v2, err := thunk(context.Background())
	if err != nil || v2 != 3 {
		t.Fatalf("second invocation = (%v, %v); want (3, nil)", v2, err)
	}
	mu.Lock()
	if len(order) != count {
		t.Errorf("second thunk invocation re-executed handlers: %v", order)
	}
	mu.Unlock()
}

func TestExecuteCallbackHandlerDiscipline(t *testing.T) {
	r := graph.NewRegistry()
	mustAdd(t, r, "cb-node", graph.CallbackHandler(func(ctx context.Context, args graph.Args, done func(error, any)) {
		go func() {
			time.Sleep(time.Millisecond)
			done(nil, "from-callback")
		}()
	}), nil)

	plan := compileForTest(t, r, []BuildRequest{{Alias: "out", Ref: ref.Node("cb-node")}})
	out := runForTest(t, plan, nil)
	if out["out"] != "from-callback" {
		t.Errorf("wrong value %#v", out["out"])
	}
}

type chanFuture chan any

func (f chanFuture) Await(ctx context.Context) (any, error) {
	select {
	case v := <-f:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestExecuteFutureHandlerDiscipline(t *testing.T) {
	r := graph.NewRegistry()
	mustAdd(t, r, "future-node", graph.FutureHandler(func(ctx context.Context, args graph.Args) (graph.Future, error) {
		f := make(chanFuture, 1)
		go func() { f <- "from-future" }()
		return f, nil
	}), nil)

	plan := compileForTest(t, r, []BuildRequest{{Alias: "out", Ref: ref.Node("future-node")}})
	out := runForTest(t, plan, nil)
	if out["out"] != "from-future" {
		t.Errorf("wrong value %#v", out["out"])
	}
}

func TestExecuteObjectAndArrayComposition(t *testing.T) {
	r := graph.NewRegistry()
	mustAdd(t, r, "left-val", ref.Literal("L"), nil)
	mustAdd(t, r, "right-val", ref.Literal("R"), nil)

	plan := compileForTest(t, r, []BuildRequest{
		{Alias: "obj", Ref: ref.Obj(map[string]ref.Ref{
			"l": ref.Node("left-val"),
			"r": ref.Node("right-val"),
		})},
		{Alias: "arr", Ref: ref.Arr(ref.Node("left-val"), ref.Node("right-val"))},
	})
	out := runForTest(t, plan, nil)
	obj, ok := out["obj"].(map[string]any)
	if !ok || obj["l"] != "L" || obj["r"] != "R" {
		t.Errorf("object composition = %#v", out["obj"])
	}
	arr, ok := out["arr"].([]any)
	if !ok || len(arr) != 2 || arr[0] != "L" || arr[1] != "R" {
		t.Errorf("array composition = %#v", out["arr"])
	}
}

func TestExecuteInlineFn(t *testing.T) {
	r := graph.NewRegistry()
	mustAdd(t, r, "seven", ref.Literal(7), nil)

	plan := compileForTest(t, r, []BuildRequest{
		{Alias: "out", Ref: ref.Fn(func(ctx context.Context, deps []any) (any, error) {
			return deps[0].(int) * 2, nil
		}, ref.Node("seven"))},
	})
	out := runForTest(t, plan, nil)
	if out["out"] != 14 {
		t.Errorf("inline fn = %#v; want 14", out["out"])
	}
}

func TestExecuteSnapshotRecordsStartTimesAndValues(t *testing.T) {
	r := graph.NewRegistry()
	mustAdd(t, r, "slow-node", graph.SyncHandler(func(ctx context.Context, args graph.Args) (any, error) {
		time.Sleep(time.Millisecond)
		return "v", nil
	}), nil)

	plan := compileForTest(t, r, []BuildRequest{{Alias: "out", Ref: ref.Node("slow-node")}})
	_, snap, err := Execute(context.Background(), plan, nil, ExecOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	fp := plan.Outputs["out"]
	if _, ok := snap.StartTimes()[fp]; !ok {
		t.Errorf("no start time recorded for %s", fp)
	}
	if snap.Values()[fp] != "v" {
		t.Errorf("no resolved value recorded for %s", fp)
	}
}

func TestExecuteEnforcedTypeMismatchRejects(t *testing.T) {
	r := graph.NewRegistry()
	r.EnforceTypes(graph.Error)
	mustAdd(t, r, "typed-node", syncValue(42), nil, graph.WithType(cty.String))

	plan := compileForTest(t, r, []BuildRequest{{Alias: "out", Ref: ref.Node("typed-node")}})
	_, _, err := Execute(context.Background(), plan, nil, ExecOptions{Registry: r})
	if err == nil {
		t.Fatalf("expected a declared-type conformance failure")
	}
	if !strings.Contains(err.Error(), "declared type") {
		t.Errorf("wrong error: %v", err)
	}
}

func TestExecuteEnforcedTypeMatchPasses(t *testing.T) {
	r := graph.NewRegistry()
	r.EnforceTypes(graph.Error)
	mustAdd(t, r, "typed-node", syncValue("hello"), nil, graph.WithType(cty.String))

	plan := compileForTest(t, r, []BuildRequest{{Alias: "out", Ref: ref.Node("typed-node")}})
	out, _, err := Execute(context.Background(), plan, nil, ExecOptions{Registry: r})
	if err != nil {
		t.Fatalf("conforming value rejected: %v", err)
	}
	if out["out"] != "hello" {
		t.Errorf("wrong value %#v", out["out"])
	}
}

func TestExecuteRunTwiceIsIndependent(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	r := graph.NewRegistry()
	mustAdd(t, r, "count-node", graph.SyncHandler(func(ctx context.Context, args graph.Args) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return calls, nil
	}), nil)

	plan := compileForTest(t, r, []BuildRequest{{Alias: "out", Ref: ref.Node("count-node")}})
	first := runForTest(t, plan, nil)
	second := runForTest(t, plan, nil)
	if first["out"] != 1 || second["out"] != 2 {
		t.Errorf("per-run cache leaked across runs: %v then %v", first["out"], second["out"])
	}
}

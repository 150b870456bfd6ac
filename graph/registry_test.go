// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"context"
	"testing"

	"github.com/conflux-run/conflux/ref"
)

func TestAddDuplicateRequiresOverride(t *testing.T) {
	r := NewRegistry()
	h := SyncHandler(func(ctx context.Context, args Args) (any, error) { return 1, nil })

	if err := r.Add("a-node", h, nil); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if err := r.Add("a-node", h, nil); err == nil {
		t.Fatalf("expected duplicate Add to fail")
	}
	if err := r.Add("+a-node", h, nil); err != nil {
		t.Fatalf("override Add failed: %v", err)
	}
	if err := r.Add("+no-such-node", h, nil); err == nil {
		t.Fatalf("expected override of nonexistent node to fail")
	}
}

func TestPrivateVisibilityFromTrailingUnderscore(t *testing.T) {
	r := NewRegistry()
	h := SyncHandler(func(ctx context.Context, args Args) (any, error) { return 1, nil })
	if err := r.Add("secret_", h, nil); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	n, ok := r.Lookup("secret_")
	if !ok {
		t.Fatalf("node not found")
	}
	if n.Visibility != Private {
		t.Fatalf("expected Private visibility for trailing-underscore name")
	}
}

func TestAddAnonymousGeneratesUniqueNames(t *testing.T) {
	r := NewRegistry()
	h := SyncHandler(func(ctx context.Context, args Args) (any, error) { return 1, nil })
	n1, err := r.AddAnonymous("hint", h, nil)
	if err != nil {
		t.Fatalf("AddAnonymous failed: %v", err)
	}
	n2, err := r.AddAnonymous("hint", h, nil)
	if err != nil {
		t.Fatalf("AddAnonymous failed: %v", err)
	}
	if n1 == n2 {
		t.Fatalf("expected distinct generated names, got %q twice", n1)
	}
}

func TestAddLazyRegistersHiddenSibling(t *testing.T) {
	r := NewRegistry()
	h := SyncHandler(func(ctx context.Context, args Args) (any, error) { return 3, nil })
	if err := r.AddLazy("lazy-three", h, nil); err != nil {
		t.Fatalf("AddLazy failed: %v", err)
	}
	n, ok := r.Lookup("lazy-three")
	if !ok {
		t.Fatalf("lazy node not registered")
	}
	if n.Kind != LazyKind {
		t.Fatalf("expected LazyKind, got %v", n.Kind)
	}
	if _, ok := r.Lookup(n.LazyTarget); !ok {
		t.Fatalf("hidden sibling %q not registered", n.LazyTarget)
	}
}

func TestEnforceTwoPartNames(t *testing.T) {
	r := NewRegistry()
	r.EnforceTwoPartNames(Error)
	h := SyncHandler(func(ctx context.Context, args Args) (any, error) { return 1, nil })
	if err := r.Add("onepart", h, nil); err == nil {
		t.Fatalf("expected two-part name enforcement to reject a one-part name")
	}
	if err := r.Add("two-part", h, nil); err != nil {
		t.Fatalf("two-part name should be accepted: %v", err)
	}
}

func TestEnforceMatchingParamsRejectsUnknownAlias(t *testing.T) {
	r := NewRegistry()
	r.EnforceMatchingParams(true)
	h := SyncHandler(func(ctx context.Context, args Args) (any, error) { return 1, nil })
	err := r.Add("str-transform", h, []string{"str"}, WithChildBuilds(ChildBuild{
		Ref:   ref.Node("str-toUpper"),
		Alias: "method", // not a declared arg
	}))
	if err == nil {
		t.Fatalf("expected EnforceMatchingParams to reject an alias with no matching declared arg")
	}
}

func TestCloneSharesNoMutableState(t *testing.T) {
	r := NewRegistry()
	h := SyncHandler(func(ctx context.Context, args Args) (any, error) { return 1, nil })
	if err := r.Add("a-node", h, nil); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	clone := r.Clone()
	if err := clone.Add("b-node", h, nil); err != nil {
		t.Fatalf("Add on clone failed: %v", err)
	}
	if _, ok := r.Lookup("b-node"); ok {
		t.Fatalf("registration on clone leaked back to original")
	}
	if _, ok := clone.Lookup("a-node"); !ok {
		t.Fatalf("clone did not carry over prior registrations")
	}
}

func TestDebugReprListsNodesDeterministically(t *testing.T) {
	r := NewRegistry()
	h := SyncHandler(func(ctx context.Context, args Args) (any, error) { return 1, nil })
	if err := r.Add("b-node", h, []string{"x", "!y"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := r.Add("a-node", h, nil, WithCacheMode(Singleton)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	got := r.DebugRepr()
	want := "node[a-node] kind=user-fn cache=singleton\n" +
		"node[b-node] kind=user-fn cache=per-run args=(x,!y)\n"
	if got != want {
		t.Fatalf("wrong listing:\n%s\nwant:\n%s", got, want)
	}
}

func TestReadyRunsCallbacksInOrder(t *testing.T) {
	r := NewRegistry()
	var order []int
	r.OnReady(func(ctx context.Context) error {
		order = append(order, 1)
		return nil
	})
	r.OnReady(func(ctx context.Context) error {
		order = append(order, 2)
		return nil
	})
	if err := r.Ready(context.Background()); err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("callbacks did not run in registration order: %v", order)
	}
}

// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

package graph

import "context"

// Args is the resolved input tuple handed to a handler: one value per
// declared argument name, assembled by the execution engine from the
// call instance's input slots (after dotted-path projection).
type Args struct {
	values map[string]any
}

// NewArgs builds an Args from a plain map. Engine code uses this; user
// code consuming Args only needs Get.
func NewArgs(values map[string]any) Args {
	return Args{values: values}
}

// Get returns the value bound to the named declared argument, or nil if
// absent (which is indistinguishable from an explicit nil/void value, by
// design: handlers that care about the difference should declare the
// argument void and check for a sentinel of their own).
func (a Args) Get(name string) any {
	if a.values == nil {
		return nil
	}
	return a.values[name]
}

// Len reports how many argument slots were bound, primarily useful for
// args.* wildcard consumers that don't know the argument names in advance.
func (a Args) Len() int {
	return len(a.values)
}

// Names returns the bound argument names in no particular order.
func (a Args) Names() []string {
	names := make([]string, 0, len(a.values))
	for k := range a.values {
		names = append(names, k)
	}
	return names
}

// Future is the suspension contract a handler may return instead of a
// plain value: anything exposing a single-shot, awaitable completion. This
// is the abstract equivalent of a then-style continuation, generalized
// away from any particular ecosystem's promise type per the engine's
// handler adapter design.
type Future interface {
	// Await blocks the calling goroutine until the future completes or ctx
	// is done, returning the resolved value or the failure.
	Await(ctx context.Context) (any, error)
}

// SyncHandler is a handler that computes and returns its value
// synchronously with respect to the calling goroutine.
type SyncHandler func(ctx context.Context, args Args) (any, error)

// FutureHandler is a handler whose return discipline is a suspending
// future: the engine awaits it before the call instance resolves.
type FutureHandler func(ctx context.Context, args Args) (Future, error)

// CallbackHandler is a handler that completes by invoking a callback
// exactly once with either an error or a value, in the node-style
// (error, value) shape, rather than by returning.
type CallbackHandler func(ctx context.Context, args Args, done func(error, any))

// InlineHandler is the shape accepted by ref.Fn: an anonymous producer
// defined at the reference site, receiving its declared dependencies'
// resolved values positionally (in the order they were listed) rather than
// by name, since an inline function has no registered declaredArgs.
type InlineHandler func(ctx context.Context, deps []any) (any, error)

// LazyThunk is the value a lazy node (Registry.AddLazy) resolves to:
// calling it triggers evaluation of the wrapped target node and blocks
// until it completes, sharing that single completion across every caller
// that invokes the same thunk instance concurrently.
type LazyThunk func(ctx context.Context) (any, error)

// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

package execgraph

import (
	"context"

	"github.com/apparentlymart/go-workgraph/workgraph"
)

// Every goroutine that awaits call-instance promises carries its own
// workgraph worker in its context: the step goroutine for a call, the
// per-output awaiters started by Execute, and a lazy thunk's caller. The
// worker is what lets workgraph notice a call that, directly or through
// other calls, ends up awaiting its own promise, instead of deadlocking.

type callWorkerKey struct{}

// contextWithCallWorker associates worker with the returned context, for a
// goroutine that already owns a worker (a call's step, which must use the
// worker responsible for its own resolver).
func contextWithCallWorker(parent context.Context, worker *workgraph.Worker) context.Context {
	return context.WithValue(parent, callWorkerKey{}, worker)
}

// contextWithNewCallWorker creates a fresh worker for a goroutine that only
// awaits results and resolves nothing itself: an output awaiter or a lazy
// thunk invocation.
func contextWithNewCallWorker(parent context.Context) context.Context {
	return contextWithCallWorker(parent, workgraph.NewWorker())
}

// callWorkerFromContext returns the worker carried by ctx. Awaiting without
// a worker would defeat self-await detection, so a missing worker is a bug
// in this package and panics rather than degrading silently.
func callWorkerFromContext(ctx context.Context) *workgraph.Worker {
	worker, ok := ctx.Value(callWorkerKey{}).(*workgraph.Worker)
	if !ok {
		panic("await outside a worker-carrying context")
	}
	return worker
}

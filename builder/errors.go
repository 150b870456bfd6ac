// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

package builder

import (
	"errors"

	"github.com/conflux-run/conflux/internal/engine/execgraph"
)

// RunError is the failure a Plan's Run surfaces for run-time problems: a
// message, the error-taxonomy kind, and the failure chain of call-instance
// fingerprints from the originating failure to the requested output.
// Aliased here so callers outside this module can name the engine's type.
type RunError = execgraph.RunError

// RunSnapshot is the per-run introspection record returned by RunDetailed.
type RunSnapshot = execgraph.RunSnapshot

// ErrorKind re-exports the engine's run-time error taxonomy.
type ErrorKind = execgraph.ErrorKind

const (
	HandlerError      ErrorKind = execgraph.HandlerError
	CancellationError ErrorKind = execgraph.CancellationError
	InternalError     ErrorKind = execgraph.InternalError
)

// AsRunError unwraps err to a *RunError, if one is in its chain.
func AsRunError(err error) (*RunError, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

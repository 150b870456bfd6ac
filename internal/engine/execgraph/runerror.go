// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

package execgraph

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a run-time failure per the engine's error taxonomy.
// Registration and compile errors never become a RunError: they are reported
// as diagnostics before a run can begin.
type ErrorKind int

const (
	// HandlerError is any failure originating inside a user handler,
	// wrapped with a failure chain.
	HandlerError ErrorKind = iota
	// CancellationError is raised inside Waiting calls transitioned to
	// Skipped by a terminated run.
	CancellationError
	// InternalError covers failures of the execution machinery itself:
	// a self-dependency detected at run time, an unresolvable promise, or
	// an invokable call instance with no usable handler.
	InternalError
)

func (k ErrorKind) String() string {
	switch k {
	case HandlerError:
		return "handler-error"
	case CancellationError:
		return "cancellation"
	case InternalError:
		return "internal"
	default:
		return "unknown"
	}
}

// RunError is the failure surfaced through a run's outcome: a message, the
// taxonomy kind, and the failure chain - the ordered list of call
// fingerprints whose failure caused this one, starting from the originating
// handler's fingerprint and ending with the call nearest the requested
// output.
type RunError struct {
	Kind         ErrorKind
	Message      string
	FailureChain []string

	// Builder is a debugging label for the builder that compiled the
	// failing plan, when known.
	Builder string

	err error
}

// NewRunError wraps err as the originating failure of the call instance
// identified by fp.
func NewRunError(kind ErrorKind, fp string, err error) *RunError {
	return &RunError{
		Kind:         kind,
		Message:      err.Error(),
		FailureChain: []string{fp},
		err:          err,
	}
}

func (e *RunError) Error() string {
	if len(e.FailureChain) > 1 {
		return fmt.Sprintf("%s (via %s)", e.Message, strings.Join(shortChain(e.FailureChain), " -> "))
	}
	return e.Message
}

func (e *RunError) Unwrap() error {
	return e.err
}

// extend returns a copy of e whose failure chain ends with fp, recording
// that fp's failure was caused by e. The receiver is not modified: sibling
// dependents of one failing call each build their own chain.
func (e *RunError) extend(fp string) *RunError {
	cp := *e
	cp.FailureChain = append(append([]string(nil), e.FailureChain...), fp)
	return &cp
}

func shortChain(fps []string) []string {
	out := make([]string, len(fps))
	for i, fp := range fps {
		out[i] = shortFP(fp)
	}
	return out
}

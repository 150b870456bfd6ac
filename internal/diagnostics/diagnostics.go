// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

// Package diagnostics models fallible registration and compilation steps as
// an accumulating list of severity-tagged diagnostics, rather than a single
// error value, so that a registry or compiler pass can report every problem
// it finds in one go instead of stopping at the first one.
package diagnostics

import (
	"fmt"
	"strings"
)

// Severity classifies a Diagnostic. Only Error severities cause
// Diagnostics.HasErrors to report true; Warning severities are carried
// through for reporting but never fail a run by themselves.
type Severity int

const (
	// Error indicates the diagnostic describes a condition that prevents
	// the surrounding operation (registration, compilation, a run) from
	// completing successfully.
	Error Severity = iota
	// Warning indicates the diagnostic describes a condition worth
	// surfacing but that did not by itself prevent completion.
	Warning
)

func (s Severity) String() string {
	switch s {
	case Error:
		return "Error"
	case Warning:
		return "Warning"
	default:
		return "Unknown"
	}
}

// SourceRef is a best-effort pointer back to whatever caused a diagnostic:
// a node name, a call-site reference string, or similar. It carries no
// file/line information because this package has no notion of source text.
type SourceRef struct {
	Subject string
}

func (r *SourceRef) String() string {
	if r == nil || r.Subject == "" {
		return ""
	}
	return r.Subject
}

// Diagnostic is a single severity-tagged problem report.
type Diagnostic struct {
	Severity Severity
	Summary  string
	Detail   string
	Subject  *SourceRef
}

func (d *Diagnostic) Error() string {
	if d.Detail == "" {
		return d.Summary
	}
	return fmt.Sprintf("%s: %s", d.Summary, d.Detail)
}

// Sourceless builds a Diagnostic with no associated SourceRef, for problems
// that are not tied to any one node or reference (e.g. registry-wide
// consistency failures).
func Sourceless(severity Severity, summary, detail string) *Diagnostic {
	return &Diagnostic{Severity: severity, Summary: summary, Detail: detail}
}

// FromSubject builds a Diagnostic tied to a specific subject, such as a
// node name or a reference string.
func FromSubject(severity Severity, subject, summary, detail string) *Diagnostic {
	return &Diagnostic{Severity: severity, Summary: summary, Detail: detail, Subject: &SourceRef{Subject: subject}}
}

// Diagnostics is an ordered collection of Diagnostic values.
type Diagnostics []*Diagnostic

// Append adds one or more diagnostics, skipping nils, and returns the
// (possibly newly-allocated) slice so callers can write
// diags = diags.Append(...).
func (diags Diagnostics) Append(news ...*Diagnostic) Diagnostics {
	for _, n := range news {
		if n == nil {
			continue
		}
		diags = append(diags, n)
	}
	return diags
}

// HasErrors reports whether any diagnostic in the collection has Error
// severity.
func (diags Diagnostics) HasErrors() bool {
	for _, d := range diags {
		if d.Severity == Error {
			return true
		}
	}
	return false
}

// Err returns diags as an error if it HasErrors, or nil otherwise. This is
// the usual way to turn an accumulated Diagnostics value into something
// that satisfies ordinary Go error-handling conventions at an API boundary.
func (diags Diagnostics) Err() error {
	if !diags.HasErrors() {
		return nil
	}
	return &diagnosticsError{diags}
}

type diagnosticsError struct {
	diags Diagnostics
}

func (e *diagnosticsError) Error() string {
	return FormatError(e.diags)
}

// FormatError renders diags as a single multi-line human-readable message,
// one line per diagnostic, prefixed with its severity.
func FormatError(diags Diagnostics) string {
	if len(diags) == 0 {
		return ""
	}
	var b strings.Builder
	for i, d := range diags {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s", d.Severity, d.Summary)
		if d.Subject != nil && d.Subject.Subject != "" {
			fmt.Fprintf(&b, " (%s)", d.Subject.Subject)
		}
		if d.Detail != "" {
			fmt.Fprintf(&b, ": %s", d.Detail)
		}
	}
	return b.String()
}

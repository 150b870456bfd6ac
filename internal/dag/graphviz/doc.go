// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

// Package graphviz renders a compiled plan's introspection snapshot as a
// Graphviz "digraph" document.
//
// Visualization itself is out of scope for this module: this package exists
// only to show that the introspection surface exposed by the engine (call
// instances, their dependencies, and their state) is enough for an external
// tool to build a rendering on top of, without this module needing to
// understand Graphviz beyond emitting valid DOT text. It is not a
// general-purpose graph-drawing library, and it has no notion of layout.
package graphviz

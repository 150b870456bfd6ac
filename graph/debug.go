// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zclconf/go-cty-debug/ctydebug"
)

// DebugRepr returns a flat, deterministic listing of every registered node,
// one line each, for inclusion in debug output and test failure messages.
func (r *Registry) DebugRepr() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		n := r.nodes[name]
		fmt.Fprintf(&b, "node[%s] kind=%s cache=%s", name, n.Kind, n.CacheMode)
		if n.Scope != "" {
			fmt.Fprintf(&b, " scope=%s", n.Scope)
		}
		if n.Visibility == Private {
			b.WriteString(" private")
		}
		if len(n.DeclaredArgs) > 0 {
			args := make([]string, len(n.DeclaredArgs))
			for i, a := range n.DeclaredArgs {
				args[i] = a.Name
				if a.Important {
					args[i] = "!" + args[i]
				}
				if a.Void {
					args[i] = "?" + args[i]
				}
			}
			fmt.Fprintf(&b, " args=(%s)", strings.Join(args, ","))
		}
		if t, ok := r.nodeTypes[name]; ok {
			fmt.Fprintf(&b, " type=%s", strings.TrimSpace(ctydebug.TypeString(t)))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

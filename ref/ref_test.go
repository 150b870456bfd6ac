// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

package ref

import "testing"

func TestParsePrefixes(t *testing.T) {
	tests := []struct {
		in            string
		wantKind      Kind
		wantImportant bool
		wantVoid      bool
		wantName      string
		wantPath      []string
		wantWildcard  bool
	}{
		{in: "name-fromLiteral", wantKind: NodeKind, wantName: "name-fromLiteral"},
		{in: "!b", wantKind: NodeKind, wantImportant: true, wantName: "b"},
		{in: "?optional-thing", wantKind: NodeKind, wantVoid: true, wantName: "optional-thing"},
		{in: "!?both", wantKind: NodeKind, wantImportant: true, wantVoid: true, wantName: "both"},
		{in: "args.foo", wantKind: ArgKind, wantName: "foo"},
		{in: "args.foo.bar", wantKind: ArgKind, wantName: "foo", wantPath: []string{"bar"}},
		{in: "args.*", wantKind: ArgKind, wantWildcard: true},
		{in: "a.b.c", wantKind: NodeKind, wantName: "a", wantPath: []string{"b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Parse(tt.in)
			if got.Kind != tt.wantKind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if got.Important != tt.wantImportant {
				t.Fatalf("Important = %v, want %v", got.Important, tt.wantImportant)
			}
			if got.Void != tt.wantVoid {
				t.Fatalf("Void = %v, want %v", got.Void, tt.wantVoid)
			}
			if got.Name != tt.wantName {
				t.Fatalf("Name = %q, want %q", got.Name, tt.wantName)
			}
			if got.Wildcard != tt.wantWildcard {
				t.Fatalf("Wildcard = %v, want %v", got.Wildcard, tt.wantWildcard)
			}
			if len(got.Path) != len(tt.wantPath) {
				t.Fatalf("Path = %v, want %v", got.Path, tt.wantPath)
			}
			for i := range got.Path {
				if got.Path[i] != tt.wantPath[i] {
					t.Fatalf("Path[%d] = %q, want %q", i, got.Path[i], tt.wantPath[i])
				}
			}
		})
	}
}

func TestObjAndArrCopyIsolation(t *testing.T) {
	fields := map[string]Ref{"a": Node("a")}
	o := Obj(fields)
	fields["a"] = Node("mutated")
	if o.Fields["a"].Name != "a" {
		t.Fatalf("Obj did not copy its fields map defensively")
	}

	items := []Ref{Node("x")}
	a := Arr(items...)
	items[0] = Node("mutated")
	if a.Items[0].Name != "x" {
		t.Fatalf("Arr did not copy its items slice defensively")
	}
}

func TestModifiersAreValueSemantics(t *testing.T) {
	base := Node("n")
	important := base.MarkImportant()
	if base.Important {
		t.Fatalf("MarkImportant mutated the receiver")
	}
	if !important.Important {
		t.Fatalf("MarkImportant did not set the flag on the returned value")
	}
}

// ABOUTME: Tests for the in-memory graph, reference liveness and go-moremath views
// ABOUTME: Covers ephemeron fixpoints, weak edges, strongly connected cycles and dot output

package graph

import (
	"bytes"
	"reflect"
	"sort"
	"strings"
	"testing"
)

// array builds a strong-only FixedArray node
func array(id ObjID, size uint64, ptrs ...ObjID) *Object {
	return &Object{ID: id, Kind: "FixedArray", Space: "old", Size: size, Ptrs: ptrs}
}

func build(roots []ObjID, objs ...*Object) *MemGraph {
	g := NewMemGraph()
	for _, o := range objs {
		g.AddObject(o)
	}
	g.SetRoots(Roots{IDs: roots})
	return g
}

func TestMemGraph(t *testing.T) {
	g := build([]ObjID{0x30}, array(0x30, 32, 0x10), array(0x10, 16), array(0x20, 24))

	if g.NumObjects() != 3 {
		t.Errorf("Expected 3 objects, got %d", g.NumObjects())
	}
	if obj := g.GetObject(0x10); obj == nil || obj.Size != 16 {
		t.Errorf("Expected object 0x10 of 16 bytes, got %+v", obj)
	}
	if g.GetObject(0x40) != nil {
		t.Error("Expected nil for a missing object")
	}

	var order []ObjID
	g.ForEachObject(func(obj *Object) { order = append(order, obj.ID) })
	if want := []ObjID{0x10, 0x20, 0x30}; !reflect.DeepEqual(order, want) {
		t.Errorf("Expected address order %v, got %v", want, order)
	}

	// Replacing an object keeps a single entry
	g.AddObject(array(0x20, 48))
	if g.NumObjects() != 3 || TotalSize(g) != 96 {
		t.Errorf("Expected 3 objects of 96 bytes, got %d of %d", g.NumObjects(), TotalSize(g))
	}
}

func TestReachable(t *testing.T) {
	tests := []struct {
		name  string
		graph *MemGraph
		want  []ObjID
	}{
		{
			name:  "chain",
			graph: build([]ObjID{1}, array(1, 16, 2), array(2, 16, 3), array(3, 16), array(4, 16)),
			want:  []ObjID{1, 2, 3},
		},
		{
			name: "weak edges do not retain",
			graph: build([]ObjID{1},
				&Object{ID: 1, Kind: "WeakRef", Size: 24, Weak: []ObjID{2}},
				array(2, 16)),
			want: []ObjID{1},
		},
		{
			name: "ephemeron value follows a live key",
			graph: build([]ObjID{1, 2},
				&Object{ID: 1, Kind: "EphemeronTable", Size: 32, Ephemerons: []Ephemeron{{Key: 2, Value: 3}}},
				array(2, 16), array(3, 16)),
			want: []ObjID{1, 2, 3},
		},
		{
			name: "ephemeron value dies with its key",
			graph: build([]ObjID{1},
				&Object{ID: 1, Kind: "EphemeronTable", Size: 32, Ephemerons: []Ephemeron{{Key: 2, Value: 3}}},
				array(2, 16), array(3, 16)),
			want: []ObjID{1},
		},
		{
			name: "key reached through another ephemeron",
			graph: build([]ObjID{1, 4},
				&Object{ID: 1, Kind: "EphemeronTable", Size: 48,
					Ephemerons: []Ephemeron{{Key: 2, Value: 3}, {Key: 4, Value: 2}}},
				array(2, 16), array(3, 16), array(4, 16)),
			want: []ObjID{1, 2, 3, 4},
		},
		{
			name:  "dangling root",
			graph: build([]ObjID{9, 1}, array(1, 16)),
			want:  []ObjID{1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live := Reachable(tt.graph)
			if len(live) != len(tt.want) {
				t.Errorf("Expected %d live objects, got %v", len(tt.want), live)
			}
			for _, id := range tt.want {
				if !live[id] {
					t.Errorf("Expected %d to be live", id)
				}
			}
		})
	}
}

func TestLiveSize(t *testing.T) {
	g := build([]ObjID{1}, array(1, 16, 2), array(2, 40), array(3, 64))
	if got := LiveSize(g); got != 56 {
		t.Errorf("Expected 56 live bytes, got %d", got)
	}
}

func TestCycles(t *testing.T) {
	g := build([]ObjID{1},
		array(1, 16, 2),
		array(2, 16, 3),
		array(3, 16, 2, 4),
		array(4, 16, 4),
		array(5, 16, 6),
		array(6, 16, 5),
	)
	cycles := Cycles(g)
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	want := [][]ObjID{{2, 3}, {5, 6}}
	if !reflect.DeepEqual(cycles, want) {
		t.Errorf("Expected cycles %v, got %v", want, cycles)
	}
}

func TestIndexedDropsDanglingEdges(t *testing.T) {
	g := build(nil, array(0x10, 16, 0x20, 0x99), array(0x20, 16))
	ix := NewIndexed(g)
	if ix.NumNodes() != 2 {
		t.Fatalf("Expected 2 nodes, got %d", ix.NumNodes())
	}
	n, ok := ix.Node(0x10)
	if !ok || ix.ID(n) != 0x10 {
		t.Fatalf("Expected node for 0x10, got %d %v", n, ok)
	}
	if out := ix.Out(n); len(out) != 1 || ix.ID(out[0]) != 0x20 {
		t.Errorf("Expected a single edge to 0x20, got %v", out)
	}
	if label := ix.Label(n); label != "FixedArray@0x10" {
		t.Errorf("Expected label FixedArray@0x10, got %s", label)
	}
}

func TestWriteDot(t *testing.T) {
	g := build([]ObjID{0x10},
		&Object{ID: 0x10, Kind: "WeakRef", Space: "old", Size: 24, Weak: []ObjID{0x20}},
		array(0x20, 16))
	var buf bytes.Buffer
	if err := WriteDot(&buf, g); err != nil {
		t.Fatalf("WriteDot failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"WeakRef@0x10", "FixedArray@0x20", "dashed", "box"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected dot output to contain %q, got:\n%s", want, out)
		}
	}
}

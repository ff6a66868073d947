// ABOUTME: Tests for Lengauer-Tarjan dominators and dominator tree queries
// ABOUTME: Checks common heap shapes and agreement with a naive reachability definition

package graph

import (
	"math/rand"
	"reflect"
	"sort"
	"testing"
	"time"
)

func TestDominators(t *testing.T) {
	tests := []struct {
		name  string
		graph *MemGraph
		want  map[ObjID]ObjID
	}{
		{
			name:  "chain",
			graph: build([]ObjID{2}, array(1, 16), array(2, 16, 3), array(3, 16, 4), array(4, 16)),
			want:  map[ObjID]ObjID{2: 0, 3: 2, 4: 3},
		},
		{
			name:  "diamond",
			graph: build([]ObjID{1}, array(1, 16, 2, 3), array(2, 16, 4), array(3, 16, 4), array(4, 16)),
			want:  map[ObjID]ObjID{1: 0, 2: 1, 3: 1, 4: 1},
		},
		{
			name: "several paths",
			graph: build([]ObjID{1},
				array(1, 16, 2, 3), array(2, 16, 4), array(3, 16, 4, 5),
				array(4, 16, 6), array(5, 16, 6), array(6, 16)),
			want: map[ObjID]ObjID{1: 0, 2: 1, 3: 1, 4: 1, 5: 3, 6: 1},
		},
		{
			name:  "unreachable objects are left out",
			graph: build([]ObjID{1}, array(1, 16, 2), array(2, 16), array(3, 16, 2)),
			want:  map[ObjID]ObjID{1: 0, 2: 1},
		},
		{
			name: "back edge",
			graph: build([]ObjID{1},
				array(1, 16, 2), array(2, 16, 3), array(3, 16, 4), array(4, 16, 2, 5), array(5, 16)),
			want: map[ObjID]ObjID{1: 0, 2: 1, 3: 2, 4: 3, 5: 4},
		},
		{
			name:  "shared by two roots",
			graph: build([]ObjID{1, 2}, array(1, 16, 3), array(2, 16, 3), array(3, 16)),
			want:  map[ObjID]ObjID{1: 0, 2: 0, 3: 0},
		},
		{
			name: "ephemeron value hangs off its table",
			graph: build([]ObjID{1},
				array(1, 16, 2, 3),
				&Object{ID: 2, Kind: "EphemeronTable", Size: 32, Ephemerons: []Ephemeron{{Key: 3, Value: 4}}},
				array(3, 16), array(4, 16)),
			want: map[ObjID]ObjID{1: 0, 2: 1, 3: 1, 4: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Dominators(tt.graph)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected dominators %v, got %v", tt.want, got)
			}
		})
	}
}

// naiveDominates reports whether dom dominates node by removing dom and
// checking reachability
func naiveDominates(g *MemGraph, dom, node ObjID) bool {
	seen := map[ObjID]bool{dom: true}
	var stack []ObjID
	for _, r := range g.GetRoots().IDs {
		if !seen[r] {
			seen[r] = true
			stack = append(stack, r)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == node {
			return false
		}
		for _, p := range g.GetObject(id).Ptrs {
			if !seen[p] {
				seen[p] = true
				stack = append(stack, p)
			}
		}
	}
	return true
}

func TestDominatorsAgainstNaive(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const n = 60
	g := NewMemGraph()
	for i := 1; i <= n; i++ {
		obj := array(ObjID(i), 16)
		edges := rng.Intn(3)
		for j := 0; j < edges; j++ {
			obj.Ptrs = append(obj.Ptrs, ObjID(1+rng.Intn(n)))
		}
		g.AddObject(obj)
	}
	g.SetRoots(Roots{IDs: []ObjID{1, 2, 3}})

	idom := Dominators(g)
	live := Reachable(g)
	if len(idom) != len(live) {
		t.Fatalf("Expected a dominator for each of %d live objects, got %d", len(live), len(idom))
	}
	for node, dom := range idom {
		if dom != 0 && !naiveDominates(g, dom, node) {
			t.Errorf("%d does not dominate %d", dom, node)
		}
		for other := range live {
			if other != node && naiveDominates(g, other, node) && !IsDominated(idom, node, other) {
				t.Errorf("%d dominates %d but is missing from its dominator chain", other, node)
			}
		}
	}
}

func TestDominatorTree(t *testing.T) {
	g := build([]ObjID{1}, array(1, 16, 2, 3), array(2, 16, 4), array(3, 16, 4, 5), array(4, 16), array(5, 16))
	idom := Dominators(g)
	tree := DominatorTree(idom)

	want := map[ObjID][]ObjID{0: {1}, 1: {2, 3, 4}, 2: {}, 3: {5}, 4: {}, 5: {}}
	for _, children := range tree {
		sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
	}
	if !reflect.DeepEqual(tree, want) {
		t.Errorf("Expected tree %v, got %v", want, tree)
	}

	depth := DominatorDepth(tree)
	if depth[5] != 3 || depth[4] != 2 || depth[0] != 0 {
		t.Errorf("Expected depths 5:3 4:2 0:0, got %v", depth)
	}
	if path := DominatorPath(idom, 5); !reflect.DeepEqual(path, []ObjID{5, 3, 1, 0}) {
		t.Errorf("Expected path [5 3 1 0], got %v", path)
	}
	if !IsDominated(idom, 5, 1) || IsDominated(idom, 4, 3) || !IsDominated(idom, 4, 4) {
		t.Errorf("Unexpected dominance relation in %v", idom)
	}
}

func TestDominatorsPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping performance test in short mode")
	}
	for _, n := range []int{1000, 10000, 100000} {
		g := NewMemGraph()
		for i := 1; i <= n; i++ {
			obj := array(ObjID(i), 16)
			if i < n {
				obj.Ptrs = append(obj.Ptrs, ObjID(i+1))
			}
			if i*2 <= n {
				obj.Ptrs = append(obj.Ptrs, ObjID(i*2))
			}
			g.AddObject(obj)
		}
		g.SetRoots(Roots{IDs: []ObjID{1}})

		start := time.Now()
		idom := Dominators(g)
		elapsed := time.Since(start)
		if len(idom) != n {
			t.Errorf("Expected %d dominators, got %d", n, len(idom))
		}
		t.Logf("n=%d: %v", n, elapsed)
	}
}

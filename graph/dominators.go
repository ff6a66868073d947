// ABOUTME: Lengauer-Tarjan immediate dominators over the strong edges of a heap graph
// ABOUTME: A super-root (ID 0) points at every root so multi-root graphs have one entry

package graph

// Dominators computes the immediate dominator of every object reachable
// from the roots. Roots, and objects reachable from more than one root
// without a common dominator, map to the super-root 0.
func Dominators(g Graph) map[ObjID]ObjID {
	ix := NewIndexed(g)
	d := newDomState(ix, g.GetRoots())
	d.number()
	d.solve()

	idom := make(map[ObjID]ObjID, len(d.vertex))
	for _, v := range d.vertex[1:] {
		idom[d.id(v)] = d.id(d.idom[v])
	}
	return idom
}

// domState works on super-graph nodes: 0 is the super-root, n+1 is node n
// of the indexed graph.
type domState struct {
	ix    *Indexed
	succ  [][]int
	preds [][]int

	dfnum    []int // -1 while unvisited
	vertex   []int // preorder number -> node
	parent   []int
	semi     []int
	ancestor []int
	best     []int
	samedom  []int
	idom     []int
}

func newDomState(ix *Indexed, roots Roots) *domState {
	n := ix.NumNodes() + 1
	d := &domState{
		ix:       ix,
		succ:     make([][]int, n),
		preds:    make([][]int, n),
		dfnum:    make([]int, n),
		parent:   make([]int, n),
		semi:     make([]int, n),
		ancestor: make([]int, n),
		best:     make([]int, n),
		samedom:  make([]int, n),
		idom:     make([]int, n),
	}
	for _, id := range roots.IDs {
		if r, ok := ix.Node(id); ok {
			d.succ[0] = append(d.succ[0], r+1)
		}
	}
	for v := 0; v < ix.NumNodes(); v++ {
		for _, w := range ix.Out(v) {
			d.succ[v+1] = append(d.succ[v+1], w+1)
		}
	}
	for v, ws := range d.succ {
		for _, w := range ws {
			d.preds[w] = append(d.preds[w], v)
		}
	}
	for i := range d.dfnum {
		d.dfnum[i] = -1
		d.ancestor[i] = -1
		d.samedom[i] = -1
	}
	return d
}

func (d *domState) id(v int) ObjID {
	if v == 0 {
		return 0
	}
	return d.ix.ID(v - 1)
}

// number builds a depth-first spanning tree from the super-root
func (d *domState) number() {
	type frame struct{ v, parent int }
	stack := []frame{{0, -1}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if d.dfnum[f.v] >= 0 {
			continue
		}
		d.dfnum[f.v] = len(d.vertex)
		d.vertex = append(d.vertex, f.v)
		d.parent[f.v] = f.parent
		ws := d.succ[f.v]
		for i := len(ws) - 1; i >= 0; i-- {
			if d.dfnum[ws[i]] < 0 {
				stack = append(stack, frame{ws[i], f.v})
			}
		}
	}
}

// eval returns the ancestor of v with the lowest semidominator,
// compressing the path on the way
func (d *domState) eval(v int) int {
	a := d.ancestor[v]
	if d.ancestor[a] >= 0 {
		b := d.eval(a)
		d.ancestor[v] = d.ancestor[a]
		if d.dfnum[d.semi[b]] < d.dfnum[d.semi[d.best[v]]] {
			d.best[v] = b
		}
	}
	return d.best[v]
}

func (d *domState) solve() {
	bucket := make([][]int, len(d.dfnum))
	for i := len(d.vertex) - 1; i > 0; i-- {
		w := d.vertex[i]
		p := d.parent[w]
		s := p
		for _, v := range d.preds[w] {
			if d.dfnum[v] < 0 {
				continue
			}
			sv := v
			if d.dfnum[v] > d.dfnum[w] {
				sv = d.semi[d.eval(v)]
			}
			if d.dfnum[sv] < d.dfnum[s] {
				s = sv
			}
		}
		d.semi[w] = s
		bucket[s] = append(bucket[s], w)
		d.ancestor[w] = p
		d.best[w] = w

		for _, v := range bucket[p] {
			y := d.eval(v)
			if d.semi[y] == d.semi[v] {
				d.idom[v] = p
			} else {
				d.samedom[v] = y
			}
		}
		bucket[p] = nil
	}
	for _, w := range d.vertex[1:] {
		if d.samedom[w] >= 0 {
			d.idom[w] = d.idom[d.samedom[w]]
		}
	}
}

// DominatorTree inverts immediate dominators into child lists. The
// super-root 0 is always present.
func DominatorTree(idom map[ObjID]ObjID) map[ObjID][]ObjID {
	tree := map[ObjID][]ObjID{0: {}}
	for node := range idom {
		if _, ok := tree[node]; !ok {
			tree[node] = []ObjID{}
		}
	}
	for node, dom := range idom {
		tree[dom] = append(tree[dom], node)
	}
	return tree
}

// ABOUTME: Dense integer view of a Graph for the go-moremath graph algorithms
// ABOUTME: Provides strongly connected cycles and Graphviz output of a heap snapshot

package graph

import (
	"bytes"
	"fmt"
	"io"

	mgraph "github.com/aclements/go-moremath/graph"
	"github.com/aclements/go-moremath/graph/graphalg"
	"github.com/aclements/go-moremath/graph/graphout"
)

// Indexed numbers the objects of a Graph 0..n-1 in address order and
// satisfies the go-moremath graph.Graph interface. Only strong edges are
// included; an ephemeron contributes an edge from its table to the value.
type Indexed struct {
	ids   []ObjID
	index map[ObjID]int
	out   [][]int
	objs  []*Object
}

var _ mgraph.Graph = (*Indexed)(nil)

// NewIndexed builds the dense view of g. Edges to objects missing from g
// are dropped.
func NewIndexed(g Graph) *Indexed {
	ix := &Indexed{index: make(map[ObjID]int, g.NumObjects())}
	g.ForEachObject(func(obj *Object) {
		ix.index[obj.ID] = len(ix.ids)
		ix.ids = append(ix.ids, obj.ID)
		ix.objs = append(ix.objs, obj)
	})
	ix.out = make([][]int, len(ix.ids))
	for n, obj := range ix.objs {
		for _, p := range obj.Ptrs {
			if to, ok := ix.index[p]; ok {
				ix.out[n] = append(ix.out[n], to)
			}
		}
		for _, e := range obj.Ephemerons {
			if to, ok := ix.index[e.Value]; ok {
				ix.out[n] = append(ix.out[n], to)
			}
		}
	}
	return ix
}

func (ix *Indexed) NumNodes() int { return len(ix.ids) }
func (ix *Indexed) Out(node int) []int { return ix.out[node] }

// ID returns the object of node
func (ix *Indexed) ID(node int) ObjID { return ix.ids[node] }

// Node returns the node of id
func (ix *Indexed) Node(id ObjID) (int, bool) {
	n, ok := ix.index[id]
	return n, ok
}

// Object returns the object behind node
func (ix *Indexed) Object(node int) *Object { return ix.objs[node] }

// Label names node by kind and address
func (ix *Indexed) Label(node int) string {
	obj := ix.objs[node]
	return fmt.Sprintf("%s@%#x", obj.Kind, uint64(obj.ID))
}

// Cycles returns the strongly connected groups of objects that keep each
// other alive, each in address order. Self-references are not reported.
func Cycles(g Graph) [][]ObjID {
	ix := NewIndexed(g)
	scc := graphalg.SCC(ix, graphalg.SCCSubnodeComponent)
	var cycles [][]ObjID
	for cid := 0; cid < scc.NumNodes(); cid++ {
		nodes := scc.Subnodes(cid)
		if len(nodes) <= 1 {
			continue
		}
		marks := graphalg.NewNodeMarks()
		for _, n := range nodes {
			marks.Mark(n)
		}
		cycle := make([]ObjID, 0, len(nodes))
		for n := marks.Next(-1); n >= 0; n = marks.Next(n) {
			cycle = append(cycle, ix.ID(n))
		}
		cycles = append(cycles, cycle)
	}
	return cycles
}

// WriteDot renders g in Graphviz format. Roots are drawn as boxes and
// weak edges dashed.
func WriteDot(w io.Writer, g Graph) error {
	ix := NewIndexed(g)
	roots := make(map[int]bool)
	for _, id := range g.GetRoots().IDs {
		if n, ok := ix.Node(id); ok {
			roots[n] = true
		}
	}
	nodeAttrs := func(node int) []graphout.DotAttr {
		attrs := []graphout.DotAttr{{Name: "tooltip", Val: ix.Object(node).Space}}
		if roots[node] {
			attrs = append(attrs, graphout.DotAttr{Name: "shape", Val: "box"})
		}
		return attrs
	}
	weak := &weakView{ix: ix}
	edgeAttrs := func(node, edge int) []graphout.DotAttr {
		if edge >= len(ix.out[node]) {
			return []graphout.DotAttr{{Name: "style", Val: "dashed"}}
		}
		return nil
	}
	var buf bytes.Buffer
	graphout.Dot{Label: ix.Label, NodeAttrs: nodeAttrs, EdgeAttrs: edgeAttrs}.Fprint(&buf, weak)
	_, err := w.Write(buf.Bytes())
	return err
}

// weakView appends the weak edges of every node after its strong ones
type weakView struct {
	ix  *Indexed
	out [][]int
}

func (v *weakView) NumNodes() int { return v.ix.NumNodes() }

func (v *weakView) Out(node int) []int {
	if v.out == nil {
		v.out = make([][]int, v.ix.NumNodes())
		for n := range v.out {
			edges := append([]int(nil), v.ix.out[n]...)
			for _, id := range v.ix.objs[n].Weak {
				if to, ok := v.ix.index[id]; ok {
					edges = append(edges, to)
				}
			}
			v.out[n] = edges
		}
	}
	return v.out[node]
}

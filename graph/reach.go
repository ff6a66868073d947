// ABOUTME: Reference liveness computed from a graph snapshot
// ABOUTME: Traces strong edges from the roots and resolves ephemerons to a fixpoint

package graph

import "github.com/aclements/go-moremath/graph/graphalg"

// Reachable returns the objects a precise full collection keeps alive:
// everything reachable from the roots over strong edges, plus the values
// of ephemerons whose key is alive. Weak edges never retain.
func Reachable(g Graph) map[ObjID]bool {
	ix := NewIndexed(g)
	marks := graphalg.NewNodeMarks()
	var stack []int
	push := func(id ObjID) {
		if n, ok := ix.Node(id); ok && !marks.Test(n) {
			marks.Mark(n)
			stack = append(stack, n)
		}
	}
	for _, id := range g.GetRoots().IDs {
		push(id)
	}

	var pending []Ephemeron
	for {
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			obj := ix.Object(n)
			for _, p := range obj.Ptrs {
				push(p)
			}
			pending = append(pending, obj.Ephemerons...)
		}
		rest := pending[:0]
		for _, e := range pending {
			if k, ok := ix.Node(e.Key); ok && marks.Test(k) {
				push(e.Value)
			} else {
				rest = append(rest, e)
			}
		}
		pending = rest
		if len(stack) == 0 {
			break
		}
	}

	live := make(map[ObjID]bool)
	for n := marks.Next(-1); n >= 0; n = marks.Next(n) {
		live[ix.ID(n)] = true
	}
	return live
}

// LiveSize sums the sizes of the reachable objects of g
func LiveSize(g Graph) uint64 {
	var total uint64
	for id := range Reachable(g) {
		total += g.GetObject(id).Size
	}
	return total
}

// ABOUTME: Retained sizes from the dominator tree of a heap graph
// ABOUTME: An object retains itself and everything it dominates

package graph

// RetainedSize returns, for every reachable object, the bytes a collection
// would free if that object became unreachable
func RetainedSize(g Graph) map[ObjID]uint64 {
	r := newRetainer(g)
	for node := range r.tree {
		r.retained(node)
	}
	delete(r.cache, 0)
	return r.cache
}

// RetainedSizeSubsets computes retained sizes for targetIDs only. Targets
// that are unknown or unreachable are left out.
func RetainedSizeSubsets(g Graph, targetIDs []ObjID) map[ObjID]uint64 {
	result := make(map[ObjID]uint64)
	if len(targetIDs) == 0 {
		return result
	}
	r := newRetainer(g)
	for _, id := range targetIDs {
		if _, ok := r.tree[id]; ok && id != 0 {
			result[id] = r.retained(id)
		}
	}
	return result
}

type retainer struct {
	g     Graph
	tree  map[ObjID][]ObjID
	cache map[ObjID]uint64
}

func newRetainer(g Graph) *retainer {
	return &retainer{
		g:     g,
		tree:  DominatorTree(Dominators(g)),
		cache: make(map[ObjID]uint64),
	}
}

func (r *retainer) retained(node ObjID) uint64 {
	if size, ok := r.cache[node]; ok {
		return size
	}
	var size uint64
	if node != 0 {
		size = r.g.GetObject(node).Size
	}
	for _, child := range r.tree[node] {
		size += r.retained(child)
	}
	r.cache[node] = size
	return size
}

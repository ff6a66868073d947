// ABOUTME: Queries over immediate dominators and the dominator tree
// ABOUTME: Depths, dominator chains and dominance tests relative to the super-root

package graph

// DominatorDepth returns the depth of every node of tree, with the
// super-root at depth 0
func DominatorDepth(tree map[ObjID][]ObjID) map[ObjID]int {
	depth := map[ObjID]int{0: 0}
	queue := []ObjID{0}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, child := range tree[node] {
			depth[child] = depth[node] + 1
			queue = append(queue, child)
		}
	}
	return depth
}

// DominatorPath returns node followed by its dominators, ending with the
// super-root
func DominatorPath(idom map[ObjID]ObjID, node ObjID) []ObjID {
	path := []ObjID{node}
	for node != 0 {
		dom, ok := idom[node]
		if !ok {
			dom = 0
		}
		path = append(path, dom)
		node = dom
	}
	return path
}

// IsDominated reports whether every path from the roots to node passes
// through dominator. A node dominates itself.
func IsDominated(idom map[ObjID]ObjID, node, dominator ObjID) bool {
	for {
		if node == dominator {
			return true
		}
		dom, ok := idom[node]
		if !ok {
			return false
		}
		node = dom
	}
}

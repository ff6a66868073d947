// ABOUTME: Breadth-first search for the retaining paths of an object
// ABOUTME: Walks reverse strong edges until it reaches a root, shortest paths first

package graph

// Path lists object IDs from a target back to the root retaining it
type Path struct {
	IDs []ObjID
}

// PathsToRoots returns up to maxPaths retaining paths of from, shortest
// first. A path never visits an object twice.
func PathsToRoots(g Graph, from ObjID, maxPaths int) []Path {
	if maxPaths <= 0 {
		return nil
	}
	isRoot := make(map[ObjID]bool)
	for _, id := range g.GetRoots().IDs {
		isRoot[id] = true
	}
	if isRoot[from] {
		return []Path{{IDs: []ObjID{from}}}
	}

	reverse := BuildReverseEdges(g)
	var result []Path
	queue := [][]ObjID{{from}}
	for len(queue) > 0 && len(result) < maxPaths {
		path := queue[0]
		queue = queue[1:]
		for _, ref := range reverse[path[len(path)-1]] {
			if contains(path, ref) {
				continue
			}
			next := make([]ObjID, len(path)+1)
			copy(next, path)
			next[len(path)] = ref
			if !isRoot[ref] {
				queue = append(queue, next)
				continue
			}
			result = append(result, Path{IDs: next})
			if len(result) == maxPaths {
				break
			}
		}
	}
	return result
}

func contains(ids []ObjID, id ObjID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

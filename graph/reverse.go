// ABOUTME: Builds reverse strong edges for graph traversal
// ABOUTME: Maps objects to their referrers for paths-to-roots

package graph

// ReverseEdges maps each object to the objects that retain it
type ReverseEdges map[ObjID][]ObjID

// BuildReverseEdges inverts the strong edges of g. An ephemeron counts as
// an edge from its table to the value.
func BuildReverseEdges(g Graph) ReverseEdges {
	reverse := make(ReverseEdges)
	g.ForEachObject(func(obj *Object) {
		for _, target := range obj.Ptrs {
			reverse[target] = append(reverse[target], obj.ID)
		}
		for _, e := range obj.Ephemerons {
			reverse[e.Value] = append(reverse[e.Value], obj.ID)
		}
	})
	return reverse
}

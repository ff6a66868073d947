// ABOUTME: Clears weak references and ephemeron entries whose targets died in a full cycle
// ABOUTME: Surviving weak slots into evacuation candidates are recorded for pointer updating

package collector

import (
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/marking"
	"github.com/prateek/gcheap/vmem"
)

type weakStats struct {
	refsCleared       int
	ephemeronsCleared int
}

func (c *Collector) clearWeak() weakStats {
	var stats weakStats
	h := c.heap
	state := marking.NewState(h)
	weak := c.marker.WeakObjects()

	weak.WeakReferences.ForEach(func(ref vmem.Address) {
		target := h.WeakTarget(ref)
		if target == vmem.Null {
			return
		}
		if !state.IsMarked(target) {
			h.ClearWeakTarget(ref)
			stats.refsCleared++
			return
		}
		c.recordSlot(ref, h.WeakTargetSlot(ref), target)
	})

	weak.EphemeronTables.ForEach(func(table vmem.Address) {
		for i := 0; i < h.Length(table); i++ {
			key := h.EphemeronKey(table, i)
			keySlot := h.EphemeronKeySlot(table, i)
			if heap.IsObject(key) {
				if !state.IsMarked(vmem.Address(key)) {
					h.ClearEphemeron(table, i)
					stats.ephemeronsCleared++
					continue
				}
				c.recordSlot(table, keySlot, vmem.Address(key))
			}
			if value := h.EphemeronValue(table, i); heap.IsObject(value) {
				c.recordSlot(table, keySlot+heap.WordSize, vmem.Address(value))
			}
		}
	})
	return stats
}

// recordSlot remembers slot of host when its target is about to move
func (c *Collector) recordSlot(host, slot, target vmem.Address) {
	if len(c.candidates) == 0 {
		return
	}
	hc := c.heap.ChunkOf(host)
	if hc.IsEvacuationCandidate() {
		return
	}
	if tc := c.heap.ChunkOf(target); tc != nil && tc.IsEvacuationCandidate() {
		hc.OldToOld().Insert(slot)
	}
}

// ABOUTME: Per-task marking scratch state merged into chunks after the job is joined
// ABOUTME: Keeps live-byte deltas and typed slots per chunk so visits avoid shared atomics

package marking

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/heap"
)

// MemoryChunkData is what one task learned about one chunk
type MemoryChunkData struct {
	LiveBytes  int64
	TypedSlots *chunk.TypedSlots
}

// TaskState is owned by exactly one running task at a time
type TaskState struct {
	_           cpu.CacheLinePad
	markedBytes atomic.Uint64
	_           cpu.CacheLinePad

	chunkData map[*chunk.Chunk]*MemoryChunkData
	kindStats [heap.NumKinds]uint64
}

func newTaskState() *TaskState {
	return &TaskState{chunkData: make(map[*chunk.Chunk]*MemoryChunkData)}
}

func (t *TaskState) data(c *chunk.Chunk) *MemoryChunkData {
	d, ok := t.chunkData[c]
	if !ok {
		d = &MemoryChunkData{}
		t.chunkData[c] = d
	}
	return d
}

func (t *TaskState) recordTypedSlot(c *chunk.Chunk, typ chunk.SlotType, offset uint32) {
	d := t.data(c)
	if d.TypedSlots == nil {
		d.TypedSlots = &chunk.TypedSlots{}
	}
	d.TypedSlots.Insert(typ, offset)
}

// MarkedBytes returns the bytes visited by tasks using this state
func (t *TaskState) MarkedBytes() uint64 { return t.markedBytes.Load() }

// flush merges the chunk data into the chunks and forgets it
func (t *TaskState) flush() {
	for c, d := range t.chunkData {
		if d.LiveBytes != 0 {
			c.IncrementLiveBytesAtomically(d.LiveBytes)
		}
		if d.TypedSlots != nil {
			c.TypedSlots().Merge(d.TypedSlots)
		}
	}
	clear(t.chunkData)
}

// ABOUTME: Memory layout of regular data and code chunks
// ABOUTME: Computes header size, guard page offsets and the allocatable object area

package chunk

import "github.com/prateek/gcheap/vmem"

// Layout describes where objects live inside a chunk. Data chunks are
// [header][area]; code chunks are [header][guard][area][guard].
type Layout struct {
	ChunkSize      uint64
	CommitPageSize uint64
}

// NewLayout builds a layout for the given chunk and commit page sizes
func NewLayout(chunkSize, commitPageSize uint64) Layout {
	return Layout{ChunkSize: chunkSize, CommitPageSize: commitPageSize}
}

// HeaderSize is the committed metadata prefix of every chunk
func (l Layout) HeaderSize() uint64 { return l.CommitPageSize }

// GuardSize is the size of one inaccessible guard region
func (l Layout) GuardSize() uint64 { return l.CommitPageSize }

// CodePageGuardStartOffset is the offset of the guard before the code area
func (l Layout) CodePageGuardStartOffset() uint64 { return l.HeaderSize() }

// ObjectStartOffset returns the offset of the first object
func (l Layout) ObjectStartOffset(executable bool) uint64 {
	if executable {
		return l.HeaderSize() + l.GuardSize()
	}
	return l.HeaderSize()
}

// AllocatableMemory returns the object area size of a regular chunk
func (l Layout) AllocatableMemory(executable bool) uint64 {
	if executable {
		return l.ChunkSize - l.ObjectStartOffset(true) - l.GuardSize()
	}
	return l.ChunkSize - l.HeaderSize()
}

// ChunkSizeFor returns the reservation size needed for areaSize bytes of
// objects, rounded up to whole commit pages.
func (l Layout) ChunkSizeFor(areaSize uint64, executable bool) uint64 {
	size := l.ObjectStartOffset(executable) + areaSize
	if executable {
		size = vmem.RoundUp(size, l.CommitPageSize) + l.GuardSize()
	}
	return vmem.RoundUp(size, l.CommitPageSize)
}

// IsStandard reports whether a chunk of this size is a regular page
func (l Layout) IsStandard(size uint64) bool {
	return size == l.ChunkSize
}

// ABOUTME: Chunk metadata: bounds, owning space, flags, allocation statistics
// ABOUTME: Also owns the chunk's mark bitmap and remembered sets

// Package chunk describes aligned heap pages. Every chunk starts at an
// address aligned to the chunk size of its heap, so the chunk of any interior
// address of a regular page is found by masking off the low bits.
package chunk

import (
	"fmt"
	"sync/atomic"

	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/vmem"
)

// Chunk is the metadata of one heap page
type Chunk struct {
	reservation vmem.Reservation
	base        vmem.Address
	size        atomic.Uint64
	areaStart   vmem.Address
	areaEnd     atomic.Uint64
	space       SpaceID
	owner       any

	flags          atomic.Uint32
	allocatedBytes atomic.Int64
	highWaterMark  atomic.Uint64
	liveBytes      atomic.Int64

	markBits   *Bitmap
	oldToNew   *SlotSet
	oldToOld   *SlotSet
	typedSlots TypedSlots
}

// New creates the metadata for a chunk occupying reservation, with objects
// in [areaStart, areaEnd).
func New(reservation vmem.Reservation, areaStart, areaEnd vmem.Address, space SpaceID, flags Flag) *Chunk {
	base := reservation.Address()
	size := reservation.Size()
	check.That(areaStart >= base && areaEnd <= base+vmem.Address(size) && areaStart <= areaEnd,
		"chunk area [%#x, %#x) outside reservation [%#x, +%d)", areaStart, areaEnd, base, size)

	c := &Chunk{
		reservation: reservation,
		base:        base,
		areaStart:   areaStart,
		space:       space,
		markBits:    NewBitmap(base, size),
		oldToNew:    NewSlotSet(base, size),
		oldToOld:    NewSlotSet(base, size),
	}
	c.size.Store(size)
	c.areaEnd.Store(uint64(areaEnd))
	c.highWaterMark.Store(uint64(areaStart))
	if space.IsLarge() {
		flags |= LargePage
	}
	if space.IsYoung() {
		flags |= Young
	}
	c.flags.Store(uint32(flags))
	return c
}

func (c *Chunk) String() string {
	return fmt.Sprintf("chunk[%s %#x+%d %s]", c.space, c.base, c.Size(), c.Flags())
}

func (c *Chunk) Base() vmem.Address { return c.base }
func (c *Chunk) Size() uint64 { return c.size.Load() }
func (c *Chunk) End() vmem.Address { return c.base + vmem.Address(c.Size()) }
func (c *Chunk) AreaStart() vmem.Address { return c.areaStart }
func (c *Chunk) AreaEnd() vmem.Address { return vmem.Address(c.areaEnd.Load()) }
func (c *Chunk) AreaSize() uint64 { return uint64(c.AreaEnd() - c.areaStart) }
func (c *Chunk) Space() SpaceID { return c.space }
func (c *Chunk) Reservation() *vmem.Reservation { return &c.reservation }
func (c *Chunk) MarkBits() *Bitmap { return c.markBits }
func (c *Chunk) OldToNew() *SlotSet { return c.oldToNew }
func (c *Chunk) OldToOld() *SlotSet { return c.oldToOld }
func (c *Chunk) TypedSlots() *TypedSlots { return &c.typedSlots }
func (c *Chunk) Owner() any { return c.owner }
func (c *Chunk) SetOwner(owner any) { c.owner = owner }
func (c *Chunk) Flags() Flag { return Flag(c.flags.Load()) }
func (c *Chunk) IsFlagSet(f Flag) bool { return c.Flags()&f != 0 }
func (c *Chunk) IsLarge() bool { return c.IsFlagSet(LargePage) }
func (c *Chunk) IsExecutable() bool { return c.IsFlagSet(Executable) }
func (c *Chunk) IsYoung() bool { return c.IsFlagSet(Young) }
func (c *Chunk) IsReadOnly() bool { return c.IsFlagSet(ReadOnly) }
func (c *Chunk) IsEvacuationCandidate() bool { return c.IsFlagSet(EvacuationCandidate) }
func (c *Chunk) IsFromPage() bool { return c.IsFlagSet(FromPage) }

// SetFlag sets f
func (c *Chunk) SetFlag(f Flag) {
	for {
		old := c.flags.Load()
		if c.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// ClearFlag clears f
func (c *Chunk) ClearFlag(f Flag) {
	for {
		old := c.flags.Load()
		if c.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// Contains reports whether addr lies in [AreaStart, AreaEnd)
func (c *Chunk) Contains(addr vmem.Address) bool {
	return addr >= c.areaStart && addr < c.AreaEnd()
}

// ContainsLimit reports whether addr lies in [AreaStart, AreaEnd]
func (c *Chunk) ContainsLimit(addr vmem.Address) bool {
	return addr >= c.areaStart && addr <= c.AreaEnd()
}

// ContainsRange reports whether [a, a+n) lies inside the object area
func (c *Chunk) ContainsRange(a vmem.Address, n uint64) bool {
	return c.Contains(a) && a+vmem.Address(n) <= c.AreaEnd()
}

// ContainsAny reports whether addr lies anywhere in the chunk, header included
func (c *Chunk) ContainsAny(addr vmem.Address) bool {
	return addr >= c.base && addr < c.End()
}

// IncreaseAllocatedBytes accounts for n newly allocated bytes
func (c *Chunk) IncreaseAllocatedBytes(n uint64) {
	v := c.allocatedBytes.Add(int64(n))
	check.That(uint64(v) <= c.AreaSize(), "%s: allocated bytes %d exceed area size %d", c, v, c.AreaSize())
}

// DecreaseAllocatedBytes accounts for n freed bytes
func (c *Chunk) DecreaseAllocatedBytes(n uint64) {
	v := c.allocatedBytes.Add(-int64(n))
	check.That(v >= 0, "%s: allocated bytes dropped below zero", c)
}

// SetAllocatedBytes overwrites the allocation counter, used after sweeping
func (c *Chunk) SetAllocatedBytes(n uint64) {
	check.That(n <= c.AreaSize(), "%s: allocated bytes %d exceed area size %d", c, n, c.AreaSize())
	c.allocatedBytes.Store(int64(n))
}

// AllocatedBytes returns the bytes currently allocated on the chunk
func (c *Chunk) AllocatedBytes() uint64 {
	return uint64(c.allocatedBytes.Load())
}

// UpdateHighWaterMark raises the high water mark to mark if it is higher
func (c *Chunk) UpdateHighWaterMark(mark vmem.Address) {
	if mark == vmem.Null {
		return
	}
	for {
		old := c.highWaterMark.Load()
		if uint64(mark) <= old {
			return
		}
		if c.highWaterMark.CompareAndSwap(old, uint64(mark)) {
			return
		}
	}
}

// HighWaterMark returns the highest address ever allocated on the chunk
func (c *Chunk) HighWaterMark() vmem.Address {
	return vmem.Address(c.highWaterMark.Load())
}

// ResetHighWaterMark lowers the mark, used when a young page is reset
func (c *Chunk) ResetHighWaterMark(mark vmem.Address) {
	c.highWaterMark.Store(uint64(mark))
}

// IncrementLiveBytesAtomically adds delta to the live byte counter
func (c *Chunk) IncrementLiveBytesAtomically(delta int64) {
	c.liveBytes.Add(delta)
}

func (c *Chunk) LiveBytes() uint64 { return uint64(c.liveBytes.Load()) }
func (c *Chunk) SetLiveBytes(n uint64) { c.liveBytes.Store(int64(n)) }

// SetSpace moves the chunk to another space, used when young pages are
// promoted. Must only be called at a safepoint.
func (c *Chunk) SetSpace(space SpaceID) {
	c.space = space
	if space.IsYoung() {
		c.SetFlag(Young)
	} else {
		c.ClearFlag(Young)
	}
}

// ClearLiveness resets mark bits and live bytes before a marking cycle
func (c *Chunk) ClearLiveness() {
	c.markBits.ClearAll()
	c.liveBytes.Store(0)
}

// ShrinkArea moves the end of a large chunk's area and its size down after a
// partial free.
func (c *Chunk) ShrinkArea(newAreaEnd vmem.Address, newSize uint64) {
	check.That(newAreaEnd >= c.areaStart && newAreaEnd <= c.AreaEnd(), "%s: bad area end %#x", c, newAreaEnd)
	c.areaEnd.Store(uint64(newAreaEnd))
	c.size.Store(newSize)
}

// Offset returns the offset of addr from the chunk base
func (c *Chunk) Offset(addr vmem.Address) uint32 {
	return uint32(addr - c.base)
}

// BaseOf returns the aligned chunk base for any interior address
func BaseOf(addr vmem.Address, alignment uint64) vmem.Address {
	return vmem.Address(uint64(addr) &^ (alignment - 1))
}

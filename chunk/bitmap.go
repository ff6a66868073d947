// ABOUTME: Atomic mark bitmap with one bit per heap word
// ABOUTME: Set is a compare-and-swap so exactly one marker wins each object

package chunk

import (
	"math/bits"
	"sync/atomic"

	"github.com/prateek/gcheap/vmem"
)

const (
	wordSize     = 8
	wordSizeLog2 = 3
	cellBits     = 64
)

// Bitmap holds one mark bit per word of a chunk
type Bitmap struct {
	base  vmem.Address
	cells []atomic.Uint64
}

// NewBitmap covers [base, base+size)
func NewBitmap(base vmem.Address, size uint64) *Bitmap {
	words := size >> wordSizeLog2
	return &Bitmap{
		base:  base,
		cells: make([]atomic.Uint64, (words+cellBits-1)/cellBits),
	}
}

func (b *Bitmap) index(addr vmem.Address) (cell int, mask uint64) {
	i := uint64(addr-b.base) >> wordSizeLog2
	return int(i / cellBits), 1 << (i % cellBits)
}

// Set marks addr and reports whether this call changed the bit
func (b *Bitmap) Set(addr vmem.Address) bool {
	cell, mask := b.index(addr)
	c := &b.cells[cell]
	for {
		old := c.Load()
		if old&mask != 0 {
			return false
		}
		if c.CompareAndSwap(old, old|mask) {
			return true
		}
	}
}

// IsSet reports whether addr is marked
func (b *Bitmap) IsSet(addr vmem.Address) bool {
	cell, mask := b.index(addr)
	return b.cells[cell].Load()&mask != 0
}

// Clear unmarks addr
func (b *Bitmap) Clear(addr vmem.Address) {
	cell, mask := b.index(addr)
	c := &b.cells[cell]
	for {
		old := c.Load()
		if old&mask == 0 || c.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// ClearRange unmarks every word in [start, end)
func (b *Bitmap) ClearRange(start, end vmem.Address) {
	for a := start; a < end; {
		cell, mask := b.index(a)
		i := uint64(a-b.base) >> wordSizeLog2
		if i%cellBits == 0 && end-a >= cellBits*wordSize {
			b.cells[cell].Store(0)
			a += cellBits * wordSize
			continue
		}
		c := &b.cells[cell]
		for {
			old := c.Load()
			if c.CompareAndSwap(old, old&^mask) {
				break
			}
		}
		a += wordSize
	}
}

// ClearAll unmarks the whole chunk
func (b *Bitmap) ClearAll() {
	for i := range b.cells {
		b.cells[i].Store(0)
	}
}

// FindPreviousSet returns the highest marked address at or below addr
func (b *Bitmap) FindPreviousSet(addr vmem.Address) (vmem.Address, bool) {
	if addr < b.base {
		return vmem.Null, false
	}
	i := uint64(addr-b.base) >> wordSizeLog2
	cell := int(i / cellBits)
	if cell >= len(b.cells) {
		cell = len(b.cells) - 1
		i = uint64(len(b.cells))*cellBits - 1
	}
	// Keep bits up to and including i
	shift := cellBits - 1 - i%cellBits
	v := b.cells[cell].Load() << shift >> shift
	for {
		if v != 0 {
			bit := uint64(cellBits - 1 - bits.LeadingZeros64(v))
			return b.base + vmem.Address((uint64(cell)*cellBits+bit)<<wordSizeLog2), true
		}
		cell--
		if cell < 0 {
			return vmem.Null, false
		}
		v = b.cells[cell].Load()
	}
}

// ForEachSet calls fn for every marked address in [start, end)
func (b *Bitmap) ForEachSet(start, end vmem.Address, fn func(vmem.Address)) {
	if start < b.base {
		start = b.base
	}
	first := uint64(start-b.base) >> wordSizeLog2
	last := uint64(end-b.base) >> wordSizeLog2
	for cell := first / cellBits; cell < uint64(len(b.cells)) && cell*cellBits < last; cell++ {
		v := b.cells[cell].Load()
		for v != 0 {
			bit := uint64(bits.TrailingZeros64(v))
			v &= v - 1
			i := cell*cellBits + bit
			if i < first || i >= last {
				continue
			}
			fn(b.base + vmem.Address(i<<wordSizeLog2))
		}
	}
}

// Count returns the number of marked words
func (b *Bitmap) Count() int {
	n := 0
	for i := range b.cells {
		n += bits.OnesCount64(b.cells[i].Load())
	}
	return n
}

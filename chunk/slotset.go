// ABOUTME: Remembered set of slot addresses within one chunk
// ABOUTME: Buckets are allocated lazily and published with compare-and-swap

package chunk

import (
	"math/bits"
	"sync/atomic"

	"github.com/prateek/gcheap/vmem"
)

const (
	bucketCells = 32
	bucketWords = bucketCells * cellBits
)

type bucket [bucketCells]atomic.Uint64

// SlotCallbackResult tells Iterate whether to keep a slot
type SlotCallbackResult int

const (
	KeepSlot SlotCallbackResult = iota
	RemoveSlot
)

// SlotSet records word-aligned slot addresses of a chunk. Insert is safe to
// call concurrently; Iterate and RemoveRange require that no inserts race
// on the same slots.
type SlotSet struct {
	base    vmem.Address
	buckets []atomic.Pointer[bucket]
}

// NewSlotSet covers [base, base+size)
func NewSlotSet(base vmem.Address, size uint64) *SlotSet {
	words := size >> wordSizeLog2
	return &SlotSet{
		base:    base,
		buckets: make([]atomic.Pointer[bucket], (words+bucketWords-1)/bucketWords),
	}
}

func (s *SlotSet) locate(slot vmem.Address) (b, cell int, mask uint64) {
	i := uint64(slot-s.base) >> wordSizeLog2
	b = int(i / bucketWords)
	i %= bucketWords
	return b, int(i / cellBits), 1 << (i % cellBits)
}

func (s *SlotSet) bucketFor(i int) *bucket {
	if bk := s.buckets[i].Load(); bk != nil {
		return bk
	}
	fresh := new(bucket)
	if s.buckets[i].CompareAndSwap(nil, fresh) {
		return fresh
	}
	return s.buckets[i].Load()
}

// Insert records slot
func (s *SlotSet) Insert(slot vmem.Address) {
	b, cell, mask := s.locate(slot)
	c := &s.bucketFor(b)[cell]
	for {
		old := c.Load()
		if old&mask != 0 || c.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

// Contains reports whether slot is recorded
func (s *SlotSet) Contains(slot vmem.Address) bool {
	b, cell, mask := s.locate(slot)
	bk := s.buckets[b].Load()
	return bk != nil && bk[cell].Load()&mask != 0
}

// Remove forgets slot
func (s *SlotSet) Remove(slot vmem.Address) {
	b, cell, mask := s.locate(slot)
	bk := s.buckets[b].Load()
	if bk == nil {
		return
	}
	c := &bk[cell]
	for {
		old := c.Load()
		if old&mask == 0 || c.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// RemoveRange forgets every slot in [start, end)
func (s *SlotSet) RemoveRange(start, end vmem.Address) {
	for a := start; a < end; a += wordSize {
		b, _, _ := s.locate(a)
		if s.buckets[b].Load() == nil {
			// Skip to the next bucket boundary
			next := s.base + vmem.Address(uint64(b+1)*bucketWords*wordSize)
			if next <= a {
				break
			}
			a = next - wordSize
			continue
		}
		s.Remove(a)
	}
}

// Iterate calls fn for every slot and drops those for which it returns
// RemoveSlot. Empty buckets are released. Returns the number of slots kept.
func (s *SlotSet) Iterate(fn func(slot vmem.Address) SlotCallbackResult) int {
	kept := 0
	for b := range s.buckets {
		bk := s.buckets[b].Load()
		if bk == nil {
			continue
		}
		empty := true
		for cell := range bk {
			v := bk[cell].Load()
			removed := uint64(0)
			for w := v; w != 0; w &= w - 1 {
				bit := bits.TrailingZeros64(w)
				i := uint64(b)*bucketWords + uint64(cell)*cellBits + uint64(bit)
				if fn(s.base+vmem.Address(i<<wordSizeLog2)) == RemoveSlot {
					removed |= 1 << bit
				} else {
					kept++
				}
			}
			if removed != 0 {
				for {
					old := bk[cell].Load()
					if bk[cell].CompareAndSwap(old, old&^removed) {
						break
					}
				}
			}
			if bk[cell].Load() != 0 {
				empty = false
			}
		}
		if empty {
			s.buckets[b].CompareAndSwap(bk, nil)
		}
	}
	return kept
}

// IsEmpty reports whether no slot is recorded
func (s *SlotSet) IsEmpty() bool {
	return s.Count() == 0
}

// Count returns the number of recorded slots
func (s *SlotSet) Count() int {
	n := 0
	for b := range s.buckets {
		bk := s.buckets[b].Load()
		if bk == nil {
			continue
		}
		for cell := range bk {
			n += bits.OnesCount64(bk[cell].Load())
		}
	}
	return n
}

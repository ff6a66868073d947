// ABOUTME: External pointer table: entries in a reserved region, grouped into segments
// ABOUTME: Spaces allocate lock-free from an atomic freelist and grow under a mutex

// Package ept implements a table of external pointers referenced from heap
// objects by handle. Dead entries are swept into a freelist after marking,
// and a sparse tail of the table can be compacted by moving live entries to
// free slots at lower indices and rewriting their handles.
package ept

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/config"
	"github.com/prateek/gcheap/vmem"
)

var (
	// ErrTableFull is returned when no segment can be added to a space
	ErrTableFull = errors.New("external pointer table full")
	// ErrInvalidHandle is returned for handles outside the table
	ErrInvalidHandle = errors.New("invalid external pointer handle")
)

const entrySize = 8

// Memory gives the table access to the words holding handles
type Memory interface {
	Load64(addr vmem.Address) uint64
	Store64(addr vmem.Address, v uint64)
}

// Table is the backing store shared by all spaces
type Table struct {
	cfg    config.Config
	logger *slog.Logger
	mem    Memory
	region *vmem.Region

	segmentEntries uint32
	numSegments    uint32

	mu        sync.Mutex
	used      []bool // per segment
	pageUsers []int  // per OS page, number of segments committed on it

	counters Counters
}

// New reserves a table of cfg.EPTReservationEntries entries
func New(cfg config.Config, mem Memory) (*Table, error) {
	region, err := vmem.Reserve(uint64(cfg.EPTReservationEntries)*entrySize, 0)
	if err != nil {
		return nil, fmt.Errorf("reserving external pointer table: %w", err)
	}
	t := &Table{
		cfg:            cfg,
		logger:         cfg.EffectiveLogger().With("component", "ept"),
		mem:            mem,
		region:         region,
		segmentEntries: cfg.EPTSegmentEntries,
		numSegments:    cfg.EPTReservationEntries / cfg.EPTSegmentEntries,
	}
	t.used = make([]bool, t.numSegments)
	t.pageUsers = make([]int, region.Size()/region.PageSize())

	// Segment 0 holds the null entry and never belongs to a space
	if err := t.commitSegment(0); err != nil {
		_ = region.Free()
		return nil, err
	}
	t.used[0] = true
	return t, nil
}

// TearDown releases the table's memory
func (t *Table) TearDown() {
	if err := t.region.Free(); err != nil {
		t.logger.Warn("freeing table failed", "err", err)
	}
}

func (t *Table) entryAddr(index uint32) vmem.Address {
	return t.region.Base() + vmem.Address(uint64(index)*entrySize)
}

func (t *Table) load(index uint32) entry {
	return entry(t.region.Load64(t.entryAddr(index)))
}

func (t *Table) store(index uint32, e entry) {
	t.region.Store64(t.entryAddr(index), uint64(e))
}

func (t *Table) cas(index uint32, old, new entry) bool {
	return t.region.CompareAndSwap64(t.entryAddr(index), uint64(old), uint64(new))
}

func (t *Table) segmentPages(seg uint32) (first, last int) {
	page := t.region.PageSize()
	start := uint64(seg) * uint64(t.segmentEntries) * entrySize
	end := start + uint64(t.segmentEntries)*entrySize
	return int(start / page), int((end - 1) / page)
}

func (t *Table) commitSegment(seg uint32) error {
	first, last := t.segmentPages(seg)
	page := t.region.PageSize()
	for p := first; p <= last; p++ {
		if t.pageUsers[p] == 0 {
			addr := t.region.Base() + vmem.Address(uint64(p)*page)
			if err := t.region.SetPermissions(addr, page, vmem.ReadWrite); err != nil {
				return err
			}
		}
		t.pageUsers[p]++
	}
	return nil
}

func (t *Table) decommitSegment(seg uint32) {
	first, last := t.segmentPages(seg)
	page := t.region.PageSize()
	for p := first; p <= last; p++ {
		t.pageUsers[p]--
		if t.pageUsers[p] == 0 {
			addr := t.region.Base() + vmem.Address(uint64(p)*page)
			if err := t.region.Decommit(addr, page); err != nil {
				t.logger.Warn("decommitting segment page failed", "err", err)
			}
		}
	}
	// Entries sharing a still-committed page keep stale contents; clear them
	for i := seg * t.segmentEntries; i < (seg+1)*t.segmentEntries; i++ {
		if t.region.Permission(t.entryAddr(i)).Accessible() {
			t.store(i, 0)
		}
	}
}

// allocateSegment returns the lowest free segment, committed
func (t *Table) allocateSegment() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for seg := uint32(1); seg < t.numSegments; seg++ {
		if t.used[seg] {
			continue
		}
		if err := t.commitSegment(seg); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrTableFull, err)
		}
		t.used[seg] = true
		return seg, nil
	}
	return 0, ErrTableFull
}

func (t *Table) freeSegment(seg uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	check.That(t.used[seg], "double free of table segment %d", seg)
	t.used[seg] = false
	t.decommitSegment(seg)
}

func (t *Table) checkHandle(h Handle) uint32 {
	i := indexOf(h)
	if uint32(h)&(1<<handleShift-1) != 0 || i >= t.numSegments*t.segmentEntries {
		check.Fatalf("%v: %#x", ErrInvalidHandle, uint32(h))
	}
	return i
}

// Get returns the value of an entry. The null handle reads as zero.
func (t *Table) Get(h Handle) uint64 {
	i := t.checkHandle(h)
	if i == 0 {
		return 0
	}
	e := t.load(i)
	check.That(e.isExternal(), "read of non-external entry %d (%#x)", i, uint64(e))
	return e.payload()
}

// Set replaces the value of a live entry, keeping its mark
func (t *Table) Set(h Handle, value uint64) {
	i := t.checkHandle(h)
	check.That(i != 0, "write to the null entry")
	check.That(value <= MaxValue, "external value %#x too large", value)
	for {
		old := t.load(i)
		check.That(old.isExternal(), "write to non-external entry %d", i)
		if t.cas(i, old, externalEntry(value, old.isMarked())) {
			return
		}
	}
}

// Counters returns a copy of the compaction counters
func (t *Table) Counters() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}

func (t *Table) record(fn func(*Counters)) {
	t.mu.Lock()
	fn(&t.counters)
	t.mu.Unlock()
}

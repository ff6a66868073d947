// ABOUTME: Virtual memory regions: reserve, commit, protect, discard and free address ranges
// ABOUTME: Memory is addressed by absolute Address values checked against the region bounds

// Package vmem wraps OS virtual memory reservations. A Region owns the range
// [Base, Base+Size); sub-ranges are committed by granting permissions and
// decommitted by revoking them and discarding the backing pages.
package vmem

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/prateek/gcheap/check"
)

var (
	// ErrReservationFailed is returned when the OS refuses an address range
	ErrReservationFailed = errors.New("virtual memory reservation failed")
	// ErrPermission is returned when changing page permissions fails
	ErrPermission = errors.New("setting page permissions failed")
	// ErrOutOfRange is returned for sub-ranges outside the region
	ErrOutOfRange = errors.New("range outside of region")
)

// Address is an absolute virtual address
type Address uint64

// Null is the zero address
const Null Address = 0

// Permission is an access mode for a range of pages
type Permission uint8

const (
	NoAccess Permission = iota
	Read
	ReadWrite
	ReadExecute
	ReadWriteExecute
)

func (p Permission) String() string {
	switch p {
	case NoAccess:
		return "---"
	case Read:
		return "r--"
	case ReadWrite:
		return "rw-"
	case ReadExecute:
		return "r-x"
	case ReadWriteExecute:
		return "rwx"
	}
	return fmt.Sprintf("Permission(%d)", uint8(p))
}

// Accessible reports whether memory with this permission can be read
func (p Permission) Accessible() bool {
	return p != NoAccess
}

// Region is a reserved range of virtual memory
type Region struct {
	mapping  []byte // the whole OS mapping, including alignment slack
	mem      []byte // the aligned window [base, base+size)
	base     Address
	size     uint64
	pageSize uint64

	mu    sync.Mutex
	perms []Permission // one entry per commit page
	freed bool

	committed atomic.Int64
}

// Reserve reserves size bytes of address space aligned to alignment. The
// range starts out inaccessible.
func Reserve(size, alignment uint64) (*Region, error) {
	pageSize := OSPageSize()
	if alignment < pageSize {
		alignment = pageSize
	}
	size = RoundUp(size, pageSize)
	if size == 0 {
		return nil, fmt.Errorf("%w: empty reservation", ErrReservationFailed)
	}

	// Over-reserve so an aligned window of the requested size always fits
	mapping, err := sysReserve(size + alignment)
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes: %v", ErrReservationFailed, size, err)
	}
	start := addressOf(mapping)
	aligned := Address(RoundUp(uint64(start), alignment))
	offset := uint64(aligned - start)

	r := &Region{
		mapping:  mapping,
		mem:      mapping[offset : offset+size : offset+size],
		base:     aligned,
		size:     size,
		pageSize: pageSize,
		perms:    make([]Permission, size/pageSize),
	}
	return r, nil
}

func addressOf(b []byte) Address {
	return Address(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}

// Base returns the first address of the region
func (r *Region) Base() Address { return r.base }

// Size returns the size of the region in bytes
func (r *Region) Size() uint64 { return r.size }

// End returns the first address past the region
func (r *Region) End() Address { return r.base + Address(r.size) }

// PageSize returns the commit granularity of the region
func (r *Region) PageSize() uint64 { return r.pageSize }

// Contains reports whether addr lies inside the region
func (r *Region) Contains(addr Address) bool {
	return addr >= r.base && addr < r.End()
}

// ContainsRange reports whether [addr, addr+size) lies inside the region
func (r *Region) ContainsRange(addr Address, size uint64) bool {
	return addr >= r.base && size <= r.size && uint64(addr-r.base) <= r.size-size
}

// CommittedBytes returns the number of bytes currently accessible
func (r *Region) CommittedBytes() uint64 {
	return uint64(r.committed.Load())
}

func (r *Region) checkRange(addr Address, size uint64) error {
	if !r.ContainsRange(addr, size) {
		return fmt.Errorf("%w: [%#x, +%d) not in [%#x, %#x)", ErrOutOfRange, addr, size, r.base, r.End())
	}
	check.That(uint64(addr)%r.pageSize == 0 && size%r.pageSize == 0,
		"unaligned page range [%#x, +%d) for page size %d", addr, size, r.pageSize)
	return nil
}

// SetPermissions changes the access mode of [addr, addr+size)
func (r *Region) SetPermissions(addr Address, size uint64, p Permission) error {
	if size == 0 {
		return nil
	}
	if err := r.checkRange(addr, size); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	check.That(!r.freed, "permission change on freed region %#x", r.base)

	off := uint64(addr - r.base)
	if err := sysProtect(r.mem[off:off+size], p); err != nil {
		return fmt.Errorf("%w: [%#x, +%d) to %v: %v", ErrPermission, addr, size, p, err)
	}
	first := off / r.pageSize
	for i := first; i < first+size/r.pageSize; i++ {
		was := r.perms[i].Accessible()
		now := p.Accessible()
		switch {
		case !was && now:
			r.committed.Add(int64(r.pageSize))
		case was && !now:
			r.committed.Add(-int64(r.pageSize))
		}
		r.perms[i] = p
	}
	return nil
}

// Permission returns the access mode of the page containing addr
func (r *Region) Permission(addr Address) Permission {
	if !r.Contains(addr) {
		return NoAccess
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.perms[uint64(addr-r.base)/r.pageSize]
}

// DiscardSystemPages returns the physical pages behind [addr, addr+size) to
// the OS while keeping their permissions. The contents read back as zero.
func (r *Region) DiscardSystemPages(addr Address, size uint64) error {
	if size == 0 {
		return nil
	}
	if err := r.checkRange(addr, size); err != nil {
		return err
	}
	off := uint64(addr - r.base)
	return sysDiscard(r.mem[off : off+size])
}

// Decommit revokes access to [addr, addr+size) and discards its pages
func (r *Region) Decommit(addr Address, size uint64) error {
	if err := r.DiscardSystemPages(addr, size); err != nil {
		return err
	}
	return r.SetPermissions(addr, size, NoAccess)
}

// Free releases the whole reservation back to the OS
func (r *Region) Free() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	check.That(!r.freed, "double free of region %#x", r.base)
	r.freed = true
	r.committed.Store(0)
	err := sysFree(r.mapping)
	r.mapping, r.mem = nil, nil
	return err
}

func (r *Region) word(addr Address) *uint64 {
	off := uint64(addr - r.base)
	if addr < r.base || off+8 > r.size || off%8 != 0 {
		check.Fatalf("word access at %#x outside region [%#x, %#x)", addr, r.base, r.End())
	}
	return (*uint64)(unsafe.Pointer(&r.mem[off]))
}

// Load64 atomically loads the word at addr
func (r *Region) Load64(addr Address) uint64 {
	return atomic.LoadUint64(r.word(addr))
}

// Store64 atomically stores the word at addr
func (r *Region) Store64(addr Address, v uint64) {
	atomic.StoreUint64(r.word(addr), v)
}

// CompareAndSwap64 atomically replaces old with new at addr
func (r *Region) CompareAndSwap64(addr Address, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(r.word(addr), old, new)
}

// Bytes returns the n bytes starting at addr. The caller must not touch
// them concurrently with atomic word accesses to the same range.
func (r *Region) Bytes(addr Address, n uint64) []byte {
	off := uint64(addr - r.base)
	if addr < r.base || off+n > r.size {
		check.Fatalf("byte access [%#x, +%d) outside region [%#x, %#x)", addr, n, r.base, r.End())
	}
	return r.mem[off : off+n : off+n]
}

// RoundUp rounds x up to a multiple of the power of two align
func RoundUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

// RoundDown rounds x down to a multiple of the power of two align
func RoundDown(x, align uint64) uint64 {
	return x &^ (align - 1)
}

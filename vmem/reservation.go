// ABOUTME: Reservation is the address range backing a single chunk
// ABOUTME: It remembers which page allocator it came from so it can be released

package vmem

// Reservation is a page run owned by a chunk
type Reservation struct {
	alloc *BoundedPageAllocator
	addr  Address
	size  uint64
}

// NewReservation allocates an aligned run from alloc
func NewReservation(alloc *BoundedPageAllocator, size, alignment uint64) (Reservation, error) {
	addr, err := alloc.AllocatePages(size, alignment)
	if err != nil {
		return Reservation{}, err
	}
	return Reservation{alloc: alloc, addr: addr, size: RoundUp(size, alloc.PageSize())}, nil
}

func (r *Reservation) IsReserved() bool { return r.alloc != nil }
func (r *Reservation) Address() Address { return r.addr }
func (r *Reservation) Size() uint64 { return r.size }
func (r *Reservation) End() Address { return r.addr + Address(r.size) }

// Allocator returns the page allocator the range came from
func (r *Reservation) Allocator() *BoundedPageAllocator { return r.alloc }

// SetPermissions changes the access mode of a sub-range
func (r *Reservation) SetPermissions(addr Address, size uint64, p Permission) error {
	return r.alloc.SetPermissions(addr, size, p)
}

// Release gives back everything from freeStart to the end of the
// reservation and returns the number of bytes released.
func (r *Reservation) Release(freeStart Address) (uint64, error) {
	newSize := RoundUp(uint64(freeStart-r.addr), r.alloc.PageSize())
	if newSize >= r.size {
		return 0, nil
	}
	if err := r.alloc.ReleasePages(r.addr, r.size, newSize); err != nil {
		return 0, err
	}
	released := r.size - newSize
	r.size = newSize
	return released, nil
}

// Free returns the whole range and resets the reservation
func (r *Reservation) Free() error {
	if r.alloc == nil {
		return nil
	}
	err := r.alloc.FreePages(r.addr, r.size)
	*r = Reservation{}
	return err
}

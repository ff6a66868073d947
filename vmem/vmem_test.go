// ABOUTME: Tests for regions, the bounded page allocator and reservations
// ABOUTME: Exercises real mappings: commit, word access, discard and next-fit reuse

package vmem

import (
	"errors"
	"testing"

	"github.com/prateek/gcheap/check"
)

func newRegion(t *testing.T, size, alignment uint64) *Region {
	t.Helper()
	r, err := Reserve(size, alignment)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Free() })
	return r
}

func expectViolation(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); !check.IsViolation(r) {
			t.Errorf("Expected fatal violation, got %v", r)
		}
	}()
	fn()
}

func TestReserveAlignment(t *testing.T) {
	const align = 256 << 10
	r := newRegion(t, 1<<20, align)
	if uint64(r.Base())%align != 0 {
		t.Errorf("Expected base aligned to %d, got %#x", align, r.Base())
	}
	if r.Size() != 1<<20 {
		t.Errorf("Expected size 1MB, got %d", r.Size())
	}
	if r.CommittedBytes() != 0 {
		t.Errorf("Expected nothing committed, got %d", r.CommittedBytes())
	}
	if r.Permission(r.Base()) != NoAccess {
		t.Errorf("Expected fresh reservation to be inaccessible")
	}
}

func TestCommitAndWordAccess(t *testing.T) {
	r := newRegion(t, 1<<20, 0)
	page := r.PageSize()
	addr := r.Base() + Address(page)

	if err := r.SetPermissions(addr, page, ReadWrite); err != nil {
		t.Fatalf("SetPermissions failed: %v", err)
	}
	if r.CommittedBytes() != page {
		t.Errorf("Expected %d committed bytes, got %d", page, r.CommittedBytes())
	}

	r.Store64(addr+8, 0xdeadbeef)
	if got := r.Load64(addr + 8); got != 0xdeadbeef {
		t.Errorf("Expected 0xdeadbeef, got %#x", got)
	}
	if !r.CompareAndSwap64(addr+8, 0xdeadbeef, 7) {
		t.Error("CAS with matching old value should succeed")
	}
	if r.CompareAndSwap64(addr+8, 0xdeadbeef, 9) {
		t.Error("CAS with stale old value should fail")
	}

	if err := r.DiscardSystemPages(addr, page); err != nil {
		t.Fatalf("DiscardSystemPages failed: %v", err)
	}
	if got := r.Load64(addr + 8); got != 0 {
		t.Errorf("Expected discarded page to read zero, got %#x", got)
	}

	if err := r.Decommit(addr, page); err != nil {
		t.Fatalf("Decommit failed: %v", err)
	}
	if r.CommittedBytes() != 0 {
		t.Errorf("Expected decommit to drop committed bytes, got %d", r.CommittedBytes())
	}
}

func TestOutOfRange(t *testing.T) {
	r := newRegion(t, 1<<20, 0)
	err := r.SetPermissions(r.End(), r.PageSize(), ReadWrite)
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Expected ErrOutOfRange, got %v", err)
	}
	expectViolation(t, func() { r.Load64(r.End()) })
}

func TestUnalignedRangeIsFatal(t *testing.T) {
	r := newRegion(t, 1<<20, 0)
	expectViolation(t, func() { _ = r.SetPermissions(r.Base()+1, r.PageSize(), ReadWrite) })
}

func TestBoundedAllocatorNextFit(t *testing.T) {
	r := newRegion(t, 4<<20, 0)
	a := NewBoundedPageAllocator(r)
	const chunk = 256 << 10

	first, err := a.AllocatePages(chunk, chunk)
	if err != nil {
		t.Fatalf("AllocatePages failed: %v", err)
	}
	if uint64(first)%chunk != 0 {
		t.Errorf("Expected aligned run, got %#x", first)
	}
	if err := a.FreePages(first, chunk); err != nil {
		t.Fatalf("FreePages failed: %v", err)
	}

	second, err := a.AllocatePages(chunk, chunk)
	if err != nil {
		t.Fatalf("AllocatePages failed: %v", err)
	}
	if second == first {
		t.Errorf("Expected next-fit to avoid the just-freed run %#x", first)
	}
	if a.Allocated() != chunk {
		t.Errorf("Expected %d allocated, got %d", chunk, a.Allocated())
	}
}

func TestBoundedAllocatorExhaustion(t *testing.T) {
	r := newRegion(t, 1<<20, 0)
	a := NewBoundedPageAllocator(r)
	const chunk = 256 << 10

	var runs []Address
	for {
		addr, err := a.AllocatePages(chunk, chunk)
		if err != nil {
			if !errors.Is(err, ErrNoSpace) {
				t.Fatalf("Expected ErrNoSpace, got %v", err)
			}
			break
		}
		runs = append(runs, addr)
	}
	if len(runs) == 0 {
		t.Fatal("Expected at least one run")
	}

	// Freed space is found again after wrapping around
	if err := a.FreePages(runs[0], chunk); err != nil {
		t.Fatal(err)
	}
	addr, err := a.AllocatePages(chunk, chunk)
	if err != nil {
		t.Fatalf("Expected wrap-around to find freed run, got %v", err)
	}
	if addr != runs[0] {
		t.Errorf("Expected %#x, got %#x", runs[0], addr)
	}
}

func TestBoundedAllocatorDoubleFree(t *testing.T) {
	r := newRegion(t, 1<<20, 0)
	a := NewBoundedPageAllocator(r)
	addr, err := a.AllocatePages(r.PageSize(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.FreePages(addr, r.PageSize()); err != nil {
		t.Fatal(err)
	}
	expectViolation(t, func() { _ = a.FreePages(addr, r.PageSize()) })
}

func TestReservationRelease(t *testing.T) {
	r := newRegion(t, 1<<20, 0)
	a := NewBoundedPageAllocator(r)
	page := r.PageSize()

	res, err := NewReservation(a, 8*page, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := res.SetPermissions(res.Address(), res.Size(), ReadWrite); err != nil {
		t.Fatal(err)
	}

	released, err := res.Release(res.Address() + Address(3*page) - 1)
	if err != nil {
		t.Fatal(err)
	}
	if released != 5*page {
		t.Errorf("Expected %d released, got %d", 5*page, released)
	}
	if res.Size() != 3*page {
		t.Errorf("Expected size %d, got %d", 3*page, res.Size())
	}
	if r.CommittedBytes() != 3*page {
		t.Errorf("Expected %d committed, got %d", 3*page, r.CommittedBytes())
	}

	if err := res.Free(); err != nil {
		t.Fatal(err)
	}
	if res.IsReserved() {
		t.Error("Expected freed reservation to be unreserved")
	}
	if a.Allocated() != 0 {
		t.Errorf("Expected nothing allocated, got %d", a.Allocated())
	}
}

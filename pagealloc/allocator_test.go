// ABOUTME: Tests for the page allocator: layouts, pooling, registry lookups and fatal misuse
// ABOUTME: Uses a fake owner space that records InitializePage callbacks

package pagealloc

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/config"
	"github.com/prateek/gcheap/vmem"
)

type fakeSpace struct {
	id          chunk.SpaceID
	initialized []*chunk.Chunk
}

func (s *fakeSpace) Identity() chunk.SpaceID { return s.id }

func (s *fakeSpace) InitializePage(c *chunk.Chunk) {
	c.SetOwner(s)
	s.initialized = append(s.initialized, c)
}

func newTestAllocator(t *testing.T, mutate ...func(*config.Config)) *Allocator {
	t.Helper()
	cfg := config.ForTesting()
	for _, m := range mutate {
		m(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	a.SetBootstrapped()
	t.Cleanup(a.TearDown)
	return a
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

func TestAllocatePageLayouts(t *testing.T) {
	a := newTestAllocator(t)
	tests := []struct {
		name  string
		space chunk.SpaceID
		exec  bool
	}{
		{"old", chunk.OldSpace, false},
		{"new", chunk.NewSpace, false},
		{"trusted", chunk.TrustedSpace, false},
		{"code", chunk.CodeSpace, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner := &fakeSpace{id: tt.space}
			c, err := a.AllocatePage(Regular, owner)
			if err != nil {
				t.Fatalf("AllocatePage failed: %v", err)
			}
			if len(owner.initialized) != 1 || owner.initialized[0] != c {
				t.Error("InitializePage should run once for the new chunk")
			}
			if uint64(c.Base())%a.cfg.ChunkSize != 0 {
				t.Errorf("Expected chunk-aligned base, got %#x", c.Base())
			}
			if c.Size() != a.cfg.ChunkSize {
				t.Errorf("Expected regular size, got %d", c.Size())
			}
			if c.IsExecutable() != tt.exec {
				t.Errorf("Expected executable=%v", tt.exec)
			}
			want := a.layout.ObjectStartOffset(tt.exec)
			if uint64(c.AreaStart()-c.Base()) != want {
				t.Errorf("Expected object start offset %d, got %d", want, c.AreaStart()-c.Base())
			}

			region := a.regionFor(c.Base())
			if region.Permission(c.AreaStart()) != vmem.ReadWrite {
				t.Errorf("Expected writable area, got %v", region.Permission(c.AreaStart()))
			}
			if tt.exec {
				guard := c.Base() + vmem.Address(a.layout.CodePageGuardStartOffset())
				if region.Permission(guard) != vmem.NoAccess {
					t.Error("Expected pre-code guard page to be inaccessible")
				}
				if region.Permission(c.End()-8) != vmem.NoAccess {
					t.Error("Expected trailing guard page to be inaccessible")
				}
				if !a.jit.registered(c.AreaStart()) {
					t.Error("Expected code area registered as jit page")
				}
			}
			if a.LookupChunkContainingAddress(c.AreaStart()+16) != c {
				t.Error("Lookup should find the new chunk")
			}
			a.Free(FreeImmediately, c)
		})
	}
	if a.Size() != 0 || a.SizeExecutable() != 0 {
		t.Errorf("Expected all memory returned, size=%d exec=%d", a.Size(), a.SizeExecutable())
	}
}

func TestPoolRoundTripReusesAddress(t *testing.T) {
	a := newTestAllocator(t)
	owner := &fakeSpace{id: chunk.OldSpace}

	c, err := a.AllocatePage(UsePool, owner)
	if err != nil {
		t.Fatal(err)
	}
	base := c.Base()
	a.Store64(c.AreaStart(), 42)
	a.Free(FreePool, c)
	if a.PooledChunks() != 1 || a.CommittedBufferedMemory() != a.cfg.ChunkSize {
		t.Errorf("Expected one pooled chunk, got %d", a.PooledChunks())
	}

	again, err := a.AllocatePage(UsePool, owner)
	if err != nil {
		t.Fatal(err)
	}
	if again.Base() != base {
		t.Errorf("Expected pooled page at %#x, got %#x", base, again.Base())
	}
	if a.PooledChunks() != 0 {
		t.Error("pool should be empty after reuse")
	}
	if got := a.Load64(again.AreaStart()); got != 0 {
		t.Errorf("Expected discarded pooled page to read zero, got %d", got)
	}
}

func TestImmediateFreeGetsDifferentAddress(t *testing.T) {
	a := newTestAllocator(t)
	owner := &fakeSpace{id: chunk.OldSpace}

	c, err := a.AllocatePage(UsePool, owner)
	if err != nil {
		t.Fatal(err)
	}
	base := c.Base()
	a.Free(FreeImmediately, c)

	again, err := a.AllocatePage(UsePool, owner)
	if err != nil {
		t.Fatal(err)
	}
	if again.Base() == base {
		t.Errorf("Expected a different address after immediate free, got %#x again", base)
	}
}

func TestPostponedFree(t *testing.T) {
	a := newTestAllocator(t)
	c, err := a.AllocatePage(Regular, &fakeSpace{id: chunk.OldSpace})
	if err != nil {
		t.Fatal(err)
	}
	a.Free(FreePostpone, c)
	if a.LookupChunkContainingAddress(c.AreaStart()) != nil {
		t.Error("postponed chunk must be unregistered immediately")
	}
	if a.ChunkFromAddress(c.AreaStart()) != nil {
		t.Error("postponed chunk must leave the lookup table immediately")
	}
	if a.Size() == 0 {
		t.Error("postponed chunk memory should still be accounted")
	}
	if n := a.ReleaseQueuedPages(); n != 1 {
		t.Errorf("Expected one released page, got %d", n)
	}
	if a.Size() != 0 {
		t.Errorf("Expected size 0 after release, got %d", a.Size())
	}
}

func TestInnerPointerLookup(t *testing.T) {
	a := newTestAllocator(t)
	var chunks []*chunk.Chunk
	for i := 0; i < 3; i++ {
		c, err := a.AllocatePage(Regular, &fakeSpace{id: chunk.OldSpace})
		if err != nil {
			t.Fatal(err)
		}
		chunks = append(chunks, c)
	}
	large, err := a.AllocateLargePage(&fakeSpace{id: chunk.LargeObjectSpace}, 3*a.cfg.ChunkSize)
	if err != nil {
		t.Fatal(err)
	}
	chunks = append(chunks, large)

	for _, c := range chunks {
		for _, addr := range []vmem.Address{c.Base(), c.AreaStart(), c.AreaEnd() - 8, c.End() - 1} {
			if got := a.LookupChunkContainingAddress(addr); got != c {
				t.Errorf("Lookup(%#x): expected %s, got %v", addr, c, got)
			}
			if got := a.ChunkFromAddress(addr); got != c {
				t.Errorf("ChunkFromAddress(%#x): expected %s, got %v", addr, c, got)
			}
			if !a.InAllocatedRange(addr) {
				t.Errorf("%#x should be in the allocated range", addr)
			}
		}
	}
	if a.InAllocatedRange(0x10) {
		t.Error("low address should not be in allocated range")
	}
}

func TestPartialFreeLargePage(t *testing.T) {
	a := newTestAllocator(t)
	page := a.layout.CommitPageSize
	tests := []struct {
		name  string
		space chunk.SpaceID
	}{
		{"data", chunk.LargeObjectSpace},
		{"code", chunk.CodeLargeObjectSpace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := a.AllocateLargePage(&fakeSpace{id: tt.space}, 2*a.cfg.ChunkSize)
			if err != nil {
				t.Fatal(err)
			}
			before := a.Size()

			newAreaEnd := c.AreaStart() + vmem.Address(4*page)
			startFree := newAreaEnd
			if c.IsExecutable() {
				startFree += vmem.Address(a.layout.GuardSize())
			}
			freed := uint64(c.End() - startFree)
			a.PartialFreeMemory(c, startFree, freed, newAreaEnd)

			if c.AreaEnd() != newAreaEnd {
				t.Errorf("Expected area end %#x, got %#x", newAreaEnd, c.AreaEnd())
			}
			if a.Size() != before-freed {
				t.Errorf("Expected size %d, got %d", before-freed, a.Size())
			}
			if c.IsExecutable() && a.regionFor(c.Base()).Permission(newAreaEnd) != vmem.NoAccess {
				t.Error("Expected guard page after shrunk code area")
			}
			if a.LookupChunkContainingAddress(c.AreaStart()) != c {
				t.Error("shrunk chunk should still be found")
			}
			a.Free(FreeImmediately, c)
		})
	}
}

func TestCapacityExceeded(t *testing.T) {
	a := newTestAllocator(t, func(c *config.Config) { c.Capacity = c.ChunkSize })
	owner := &fakeSpace{id: chunk.OldSpace}
	if _, err := a.AllocatePage(Regular, owner); err != nil {
		t.Fatal(err)
	}
	_, err := a.AllocatePage(Regular, owner)
	if !errors.Is(err, ErrOutOfMemory) || !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("Expected out of memory due to capacity, got %v", err)
	}
}

func TestOutOfMemoryBeforeBootstrapIsFatal(t *testing.T) {
	cfg := config.ForTesting()
	cfg.Capacity = cfg.ChunkSize
	a, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.TearDown)

	owner := &fakeSpace{id: chunk.OldSpace}
	if _, err := a.AllocatePage(Regular, owner); err != nil {
		t.Fatal(err)
	}
	expectViolation(t, func() { _, _ = a.AllocatePage(Regular, owner) })
}

func TestFatalMisuse(t *testing.T) {
	a := newTestAllocator(t)

	t.Run("double free", func(t *testing.T) {
		c, err := a.AllocatePage(Regular, &fakeSpace{id: chunk.OldSpace})
		if err != nil {
			t.Fatal(err)
		}
		a.Free(FreePostpone, c)
		expectViolation(t, func() { a.Free(FreeImmediately, c) })
		a.ReleaseQueuedPages()
	})

	t.Run("pool code page", func(t *testing.T) {
		c, err := a.AllocatePage(Regular, &fakeSpace{id: chunk.CodeSpace})
		if err != nil {
			t.Fatal(err)
		}
		expectViolation(t, func() { a.Free(FreePool, c) })
	})

	t.Run("free with jit page registered", func(t *testing.T) {
		c, err := a.AllocatePage(Regular, &fakeSpace{id: chunk.CodeSpace})
		if err != nil {
			t.Fatal(err)
		}
		c.SetFlag(chunk.PreFreed)
		expectViolation(t, func() { a.performFree(c) })
	})

	t.Run("registry double insert", func(t *testing.T) {
		c, err := a.AllocatePage(Regular, &fakeSpace{id: chunk.OldSpace})
		if err != nil {
			t.Fatal(err)
		}
		expectViolation(t, func() { a.registry.insert(c) })
	})
}

func TestCodeExecutableFlip(t *testing.T) {
	a := newTestAllocator(t, func(c *config.Config) { c.CodeExecutableOnAllocation = true })
	c, err := a.AllocatePage(Regular, &fakeSpace{id: chunk.CodeSpace})
	if err != nil {
		t.Fatal(err)
	}
	region := a.regionFor(c.Base())
	if region.Permission(c.AreaStart()) != vmem.ReadExecute {
		t.Fatalf("Expected r-x code area, got %v", region.Permission(c.AreaStart()))
	}
	err = a.WithCodeWritable(c, func() {
		if region.Permission(c.AreaStart()) != vmem.ReadWrite {
			t.Errorf("Expected rw- inside scope, got %v", region.Permission(c.AreaStart()))
		}
		a.Store64(c.AreaStart(), 1)
	})
	if err != nil {
		t.Fatal(err)
	}
	if region.Permission(c.AreaStart()) != vmem.ReadExecute {
		t.Errorf("Expected r-x after scope, got %v", region.Permission(c.AreaStart()))
	}
}

func TestCodePermissionFlips(t *testing.T) {
	tests := []struct {
		name          string
		execOnAlloc   bool
		makeExecuting bool
		initial       vmem.Permission
	}{
		{"executable on allocation", true, false, vmem.ReadExecute},
		{"writable on allocation", false, false, vmem.ReadWrite},
		{"flipped to executable later", false, true, vmem.ReadExecute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAllocator(t, func(c *config.Config) { c.CodeExecutableOnAllocation = tt.execOnAlloc })
			c, err := a.AllocatePage(Regular, &fakeSpace{id: chunk.CodeSpace})
			if err != nil {
				t.Fatal(err)
			}
			if tt.makeExecuting {
				if err := a.SetCodeExecutable(c, true); err != nil {
					t.Fatal(err)
				}
			}
			region := a.regionFor(c.Base())
			if got := region.Permission(c.AreaStart()); got != tt.initial {
				t.Fatalf("Expected %v code area, got %v", tt.initial, got)
			}

			if err := a.SetCodeExecutable(c, false); err != nil {
				t.Fatal(err)
			}
			if got := region.Permission(c.AreaStart()); got != vmem.ReadWrite {
				t.Errorf("Expected rw- after clearing executable, got %v", got)
			}
			a.Store64(c.AreaStart(), 7)
			if err := a.SetCodeExecutable(c, tt.initial == vmem.ReadExecute); err != nil {
				t.Fatal(err)
			}

			err = a.WithCodeWritable(c, func() { a.Store64(c.AreaStart()+8, 9) })
			if err != nil {
				t.Fatal(err)
			}
			if got := region.Permission(c.AreaStart()); got != tt.initial {
				t.Errorf("Expected %v restored, got %v", tt.initial, got)
			}
			if a.Load64(c.AreaStart()) != 7 || a.Load64(c.AreaStart()+8) != 9 {
				t.Error("writes to the code area were lost")
			}
		})
	}
}

func TestReadOnlyPages(t *testing.T) {
	a := newTestAllocator(t)
	owner := &fakeSpace{id: chunk.ReadOnlySpace}
	before := a.Size()
	c, err := a.AllocateReadOnlyPage(owner)
	if err != nil {
		t.Fatalf("AllocateReadOnlyPage failed: %v", err)
	}
	if !c.IsReadOnly() || c.IsExecutable() || c.IsYoung() {
		t.Errorf("Expected a read-only data page, got flags %v", c.Flags())
	}
	if len(owner.initialized) != 1 {
		t.Error("InitializePage should run for the read-only page")
	}
	if a.Size() != before+c.Size() {
		t.Errorf("Expected size %d, got %d", before+c.Size(), a.Size())
	}
	if got := a.ChunkFromAddress(c.AreaStart()); got != c {
		t.Errorf("Expected address lookup to find the page, got %v", got)
	}
	if got := a.LookupChunkContainingAddress(c.AreaStart()); got != nil {
		t.Errorf("read-only pages must not be registered for inner pointers, got %v", got)
	}

	a.Store64(c.AreaStart(), 42)
	if err := a.SealReadOnlyPage(c); err != nil {
		t.Fatalf("SealReadOnlyPage failed: %v", err)
	}
	region := a.regionFor(c.Base())
	if got := region.Permission(c.AreaStart()); got != vmem.Read {
		t.Errorf("Expected r-- after sealing, got %v", got)
	}
	if a.Load64(c.AreaStart()) != 42 {
		t.Error("sealed page lost its contents")
	}

	expectViolation(t, func() { a.Free(FreeImmediately, c) })

	a.UnregisterReadOnlyPage(c)
	if a.ChunkFromAddress(c.AreaStart()) != nil {
		t.Error("unregistered read-only page is still found")
	}
	a.FreeReadOnlyPage(c)
	if a.Size() != before {
		t.Errorf("Expected size %d after free, got %d", before, a.Size())
	}
	expectViolation(t, func() { a.FreeReadOnlyPage(c) })

	expectViolation(t, func() { a.AllocateReadOnlyPage(&fakeSpace{id: chunk.OldSpace}) })
}

func TestPoolDiscardIsLogged(t *testing.T) {
	tests := []struct {
		name    string
		discard bool
		want    uint64
	}{
		{name: "discarded", discard: true, want: 0},
		{name: "kept", discard: false, want: 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			a := newTestAllocator(t, func(c *config.Config) {
				c.DiscardFreeMemory = tt.discard
				c.ZapGarbage = false
				c.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
			})
			owner := &fakeSpace{id: chunk.OldSpace}

			c, err := a.AllocatePage(UsePool, owner)
			if err != nil {
				t.Fatal(err)
			}
			a.Store64(c.AreaStart(), 42)
			a.Free(FreePool, c)
			again, err := a.AllocatePage(UsePool, owner)
			if err != nil {
				t.Fatal(err)
			}
			if got := a.Load64(again.AreaStart()); got != tt.want {
				t.Errorf("Expected pooled page to read %d, got %d", tt.want, got)
			}
			if strings.Contains(logs.String(), "discarding pooled page failed") {
				t.Errorf("Expected no discard failure, got log %q", logs.String())
			}
		})
	}
}

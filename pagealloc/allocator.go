// ABOUTME: Page allocator carving aligned chunks out of per-class virtual memory reservations
// ABOUTME: Handles chunk layouts, permissions, pooling, registration and deferred release

// Package pagealloc allocates and frees heap chunks. Data, code and trusted
// chunks come from separate reservations so their permissions never mix.
package pagealloc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/prateek/gcheap/check"
	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/config"
	"github.com/prateek/gcheap/vmem"
)

var (
	// ErrOutOfMemory is returned when a chunk cannot be reserved or committed
	ErrOutOfMemory = errors.New("page allocator out of memory")
	// ErrCapacityExceeded is returned when an allocation would exceed the
	// configured capacity
	ErrCapacityExceeded = errors.New("heap capacity exceeded")
)

const (
	headerMagic = 0x6763686561706368
	zapValue    = 0xcccccccccccccccc
)

// AllocationMode selects whether a regular page may come from the pool
type AllocationMode int

const (
	Regular AllocationMode = iota
	UsePool
)

// FreeMode selects how a chunk's memory is returned
type FreeMode int

const (
	// FreeImmediately unregisters and releases the memory now
	FreeImmediately FreeMode = iota
	// FreePostpone unregisters now and releases in ReleaseQueuedPages
	FreePostpone
	// FreePool keeps a standard data page reserved for reuse
	FreePool
)

// PageSize is the size class of a chunk
type PageSize int

const (
	RegularPage PageSize = iota
	LargePage
)

// Owner is the space a chunk is allocated for
type Owner interface {
	Identity() chunk.SpaceID
	// InitializePage runs right after the chunk is carved out and before it
	// is registered.
	InitializePage(c *chunk.Chunk)
}

// AllocationResult describes a freshly reserved chunk
type AllocationResult struct {
	Reservation vmem.Reservation
	AreaStart   vmem.Address
	AreaEnd     vmem.Address
	Executable  bool
}

// Base returns the first address of the chunk
func (r AllocationResult) Base() vmem.Address { return r.Reservation.Address() }

// Size returns the chunk size
func (r AllocationResult) Size() uint64 { return r.Reservation.Size() }

type class struct {
	region *vmem.Region
	pages  *vmem.BoundedPageAllocator
	table  *chunkTable
}

// Allocator is the page allocator of one heap
type Allocator struct {
	cfg    config.Config
	layout chunk.Layout
	logger *slog.Logger

	data, code, trusted *class
	classes             []*class

	capacity       uint64
	size           atomic.Uint64
	sizeExecutable atomic.Uint64
	lowestEver     atomic.Uint64
	highestEver    atomic.Uint64
	bootstrapped   atomic.Bool

	registry *registry
	pool     pool
	jit      *jitPages

	queueMu sync.Mutex
	queued  []*chunk.Chunk
}

// New reserves the address space of every allocation class
func New(cfg config.Config) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	commit := vmem.OSPageSize()
	if cfg.CommitPageSize > commit {
		commit = cfg.CommitPageSize
	}

	a := &Allocator{
		cfg:      cfg,
		layout:   chunk.NewLayout(cfg.ChunkSize, commit),
		logger:   cfg.EffectiveLogger().With("component", "pagealloc"),
		registry: newRegistry(),
		pool:     pool{capacity: cfg.PoolCapacity},
		jit:      newJitPages(),
	}
	a.lowestEver.Store(^uint64(0))

	var err error
	if a.data, err = a.reserveClass(cfg.DataReservation); err != nil {
		a.TearDown()
		return nil, err
	}
	if a.code, err = a.reserveClass(cfg.CodeReservation); err != nil {
		a.TearDown()
		return nil, err
	}
	if a.trusted, err = a.reserveClass(cfg.TrustedReservation); err != nil {
		a.TearDown()
		return nil, err
	}

	a.capacity = cfg.Capacity
	if a.capacity == 0 {
		a.capacity = cfg.DataReservation + cfg.CodeReservation + cfg.TrustedReservation
	}
	a.logger.Debug("reserved heap", "data", cfg.DataReservation, "code", cfg.CodeReservation,
		"trusted", cfg.TrustedReservation, "commit_page", commit)
	return a, nil
}

func (a *Allocator) reserveClass(size uint64) (*class, error) {
	if size == 0 {
		return nil, nil
	}
	region, err := vmem.Reserve(size, a.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	c := &class{
		region: region,
		pages:  vmem.NewBoundedPageAllocator(region),
		table:  newChunkTable(region, a.cfg.ChunkSize),
	}
	a.classes = append(a.classes, c)
	return c, nil
}

// Layout returns the chunk layout used by this allocator
func (a *Allocator) Layout() chunk.Layout { return a.layout }

// SetBootstrapped marks the end of heap setup. Before it, running out of
// memory is fatal.
func (a *Allocator) SetBootstrapped() { a.bootstrapped.Store(true) }

func (a *Allocator) classFor(space chunk.SpaceID) *class {
	switch {
	case space.IsExecutable():
		return a.code
	case space == chunk.TrustedSpace:
		return a.trusted
	}
	return a.data
}

func (a *Allocator) outOfMemory(space chunk.SpaceID, err error) error {
	if !a.bootstrapped.Load() {
		check.FatalOOM(fmt.Sprintf("AllocateChunk(%s): %v", space, err))
	}
	a.logger.Warn("chunk allocation failed", "space", space, "err", err)
	return fmt.Errorf("%w: %s: %w", ErrOutOfMemory, space, err)
}

// AllocateChunk reserves and commits a chunk able to hold areaSize bytes of
// objects. Regular pages always get the full chunk size.
func (a *Allocator) AllocateChunk(space chunk.SpaceID, areaSize uint64, executable bool, pageSize PageSize) (AllocationResult, error) {
	cls := a.classFor(space)
	if cls == nil {
		return AllocationResult{}, a.outOfMemory(space, errors.New("no reservation for allocation class"))
	}

	chunkSize := a.layout.ChunkSizeFor(areaSize, executable)
	if pageSize == RegularPage {
		chunkSize = a.cfg.ChunkSize
	}
	if a.size.Load()+chunkSize > a.capacity {
		return AllocationResult{}, a.outOfMemory(space, ErrCapacityExceeded)
	}

	res, err := vmem.NewReservation(cls.pages, chunkSize, a.cfg.ChunkSize)
	if err != nil {
		return AllocationResult{}, a.outOfMemory(space, err)
	}

	base := res.Address()
	start := base + vmem.Address(a.layout.ObjectStartOffset(executable))
	end := start + vmem.Address(areaSize)
	if pageSize == RegularPage {
		end = start + vmem.Address(a.layout.AllocatableMemory(executable))
	}

	if err := a.commit(&res, start, end, executable); err != nil {
		_ = res.Free()
		return AllocationResult{}, a.outOfMemory(space, err)
	}

	a.size.Add(res.Size())
	if executable {
		a.sizeExecutable.Add(res.Size())
	}
	a.updateAllocatedSpaceLimits(base, res.End())
	if a.cfg.ZapGarbage && a.commitPermission(executable) == vmem.ReadWrite {
		a.Zap(start, end)
	}
	return AllocationResult{Reservation: res, AreaStart: start, AreaEnd: end, Executable: executable}, nil
}

// commit sets permissions on a fresh chunk. Data chunks are one read-write
// range; code chunks are [header rw][guard][area][guard].
func (a *Allocator) commit(res *vmem.Reservation, start, end vmem.Address, executable bool) error {
	base := res.Address()
	if !executable {
		return res.SetPermissions(base, res.Size(), vmem.ReadWrite)
	}
	if err := res.SetPermissions(base, a.layout.HeaderSize(), vmem.ReadWrite); err != nil {
		return err
	}
	areaPages := vmem.RoundUp(uint64(end-start), a.layout.CommitPageSize)
	if err := res.SetPermissions(start, areaPages, a.commitPermission(true)); err != nil {
		return err
	}
	a.jit.register(start, areaPages)
	return nil
}

// commitPermission is the permission a fresh area starts with
func (a *Allocator) commitPermission(executable bool) vmem.Permission {
	if executable && a.cfg.CodeExecutableOnAllocation {
		return vmem.ReadExecute
	}
	return vmem.ReadWrite
}

func codePermission(executing bool) vmem.Permission {
	if executing {
		return vmem.ReadExecute
	}
	return vmem.ReadWrite
}

func (a *Allocator) updateAllocatedSpaceLimits(low, high vmem.Address) {
	for {
		old := a.lowestEver.Load()
		if uint64(low) >= old || a.lowestEver.CompareAndSwap(old, uint64(low)) {
			break
		}
	}
	for {
		old := a.highestEver.Load()
		if uint64(high) <= old || a.highestEver.CompareAndSwap(old, uint64(high)) {
			break
		}
	}
}

// Zap fills [start, end) with the garbage pattern
func (a *Allocator) Zap(start, end vmem.Address) {
	for p := start; p+8 <= end; p += 8 {
		a.Store64(p, zapValue)
	}
}

// AllocatePageFromPool pops a pooled standard data chunk
func (a *Allocator) AllocatePageFromPool(space chunk.SpaceID) (AllocationResult, bool) {
	if space.IsExecutable() || space == chunk.TrustedSpace {
		return AllocationResult{}, false
	}
	res, ok := a.pool.take()
	if !ok {
		return AllocationResult{}, false
	}
	start := res.Address() + vmem.Address(a.layout.ObjectStartOffset(false))
	end := start + vmem.Address(a.layout.AllocatableMemory(false))
	if a.cfg.ZapGarbage {
		a.Zap(start, end)
	}
	a.size.Add(res.Size())
	return AllocationResult{Reservation: res, AreaStart: start, AreaEnd: end}, true
}

// AllocatePage allocates a regular page for owner and registers it
func (a *Allocator) AllocatePage(mode AllocationMode, owner Owner) (*chunk.Chunk, error) {
	space := owner.Identity()
	executable := space.IsExecutable()

	var (
		result AllocationResult
		ok     bool
	)
	if mode == UsePool {
		result, ok = a.AllocatePageFromPool(space)
	}
	if !ok {
		var err error
		result, err = a.AllocateChunk(space, a.layout.AllocatableMemory(executable), executable, RegularPage)
		if err != nil {
			return nil, err
		}
	}
	return a.setup(result, owner), nil
}

// AllocateLargePage allocates a chunk sized for one object of objectSize bytes
func (a *Allocator) AllocateLargePage(owner Owner, objectSize uint64) (*chunk.Chunk, error) {
	space := owner.Identity()
	check.That(space.IsLarge(), "large page requested for %s", space)
	result, err := a.AllocateChunk(space, objectSize, space.IsExecutable(), LargePage)
	if err != nil {
		return nil, err
	}
	return a.setup(result, owner), nil
}

func (a *Allocator) setup(result AllocationResult, owner Owner) *chunk.Chunk {
	var flags chunk.Flag
	if result.Executable {
		flags |= chunk.Executable
	}
	c := chunk.New(result.Reservation, result.AreaStart, result.AreaEnd, owner.Identity(), flags)
	a.writeHeader(c)
	owner.InitializePage(c)
	a.registry.insert(c)
	a.tableFor(c.Base()).set(c.Base(), c.End(), c)
	a.logger.Debug("allocated chunk", "chunk", c)
	return c
}

// AllocateReadOnlyPage allocates a regular data page for the read-only
// space. It is reachable through ChunkFromAddress but never registered for
// inner-pointer lookup, so conservative scanning ignores it.
func (a *Allocator) AllocateReadOnlyPage(owner Owner) (*chunk.Chunk, error) {
	check.That(owner.Identity() == chunk.ReadOnlySpace, "read-only page requested for %s", owner.Identity())
	result, err := a.AllocateChunk(chunk.ReadOnlySpace, a.layout.AllocatableMemory(false), false, RegularPage)
	if err != nil {
		return nil, err
	}
	c := chunk.New(result.Reservation, result.AreaStart, result.AreaEnd, chunk.ReadOnlySpace, chunk.ReadOnly)
	a.writeHeader(c)
	owner.InitializePage(c)
	a.tableFor(c.Base()).set(c.Base(), c.End(), c)
	a.logger.Debug("allocated read-only chunk", "chunk", c)
	return c, nil
}

// SealReadOnlyPage maps the object area of c read-only
func (a *Allocator) SealReadOnlyPage(c *chunk.Chunk) error {
	check.That(c.IsReadOnly(), "sealing %s which is not read-only", c)
	size := vmem.RoundUp(uint64(c.AreaEnd()-c.AreaStart()), a.layout.CommitPageSize)
	return c.Reservation().SetPermissions(c.AreaStart(), size, vmem.Read)
}

// UnregisterReadOnlyPage hides c from address lookups. Its memory stays
// mapped until FreeReadOnlyPage.
func (a *Allocator) UnregisterReadOnlyPage(c *chunk.Chunk) {
	check.That(c.IsReadOnly(), "%s is not read-only", c)
	check.That(!c.IsFlagSet(chunk.Unregistered), "read-only %s unregistered twice", c)
	c.SetFlag(chunk.Unregistered)
	if t := a.tableFor(c.Base()); t != nil {
		t.set(c.Base(), c.End(), nil)
	}
}

// FreeReadOnlyPage unregisters c if needed and releases its memory
func (a *Allocator) FreeReadOnlyPage(c *chunk.Chunk) {
	check.That(c.IsReadOnly(), "%s is not read-only", c)
	check.That(!c.IsFlagSet(chunk.PreFreed), "double free of %s", c)
	if !c.IsFlagSet(chunk.Unregistered) {
		a.UnregisterReadOnlyPage(c)
	}
	c.SetFlag(chunk.PreFreed)
	a.performFree(c)
}

func (a *Allocator) writeHeader(c *chunk.Chunk) {
	base := c.Base()
	a.Store64(base, headerMagic^uint64(base))
	a.Store64(base+8, c.Size())
	a.Store64(base+16, uint64(c.AreaStart()))
	a.Store64(base+24, uint64(c.AreaEnd()))
	a.Store64(base+32, uint64(c.Space()))
}

func (a *Allocator) headerValid(c *chunk.Chunk) bool {
	return a.Load64(c.Base()) == headerMagic^uint64(c.Base()) &&
		a.Load64(c.Base()+24) == uint64(c.AreaEnd())
}

func (a *Allocator) tableFor(addr vmem.Address) *chunkTable {
	for _, cls := range a.classes {
		if cls.region.Contains(addr) {
			return cls.table
		}
	}
	return nil
}

// Free returns c according to mode. The chunk is unregistered first so
// concurrent lookups stop seeing it before any memory is touched.
func (a *Allocator) Free(mode FreeMode, c *chunk.Chunk) {
	check.That(!c.IsReadOnly(), "%s must be released with FreeReadOnlyPage", c)
	a.preFree(c)
	switch mode {
	case FreeImmediately:
		a.performFree(c)
	case FreePostpone:
		a.queueMu.Lock()
		a.queued = append(a.queued, c)
		a.queueMu.Unlock()
	case FreePool:
		check.That(a.layout.IsStandard(c.Size()) && !c.IsExecutable() && c.Space() != chunk.TrustedSpace,
			"only standard data pages can be pooled, got %s", c)
		if a.cfg.DiscardFreeMemory {
			area := c.Reservation().Address() + vmem.Address(a.layout.HeaderSize())
			if err := c.Reservation().Allocator().DiscardSystemPages(area, c.Size()-a.layout.HeaderSize()); err != nil {
				a.logger.Debug("discarding pooled page failed", "chunk", c, "err", err)
			}
		}
		if !a.pool.add(*c.Reservation()) {
			a.performFree(c)
			return
		}
		a.size.Add(^(c.Size() - 1))
	}
}

func (a *Allocator) preFree(c *chunk.Chunk) {
	check.That(!c.IsFlagSet(chunk.PreFreed), "double free of %s", c)
	c.SetFlag(chunk.Unregistered)
	a.registry.erase(c)
	if t := a.tableFor(c.Base()); t != nil {
		t.set(c.Base(), c.End(), nil)
	}
	if c.IsExecutable() {
		a.jit.unregister(c.AreaStart())
	}
	c.SetFlag(chunk.PreFreed)
}

func (a *Allocator) performFree(c *chunk.Chunk) {
	check.That(c.IsFlagSet(chunk.PreFreed), "%s freed without unregistering", c)
	if c.IsExecutable() {
		check.That(!a.jit.registered(c.AreaStart()), "%s freed with jit page still registered", c)
	}
	size := c.Size()
	if err := c.Reservation().Free(); err != nil {
		a.logger.Warn("releasing chunk memory failed", "chunk", c, "err", err)
	}
	a.size.Add(^(size - 1))
	if c.IsExecutable() {
		a.sizeExecutable.Add(^(size - 1))
	}
}

// ReleaseQueuedPages releases postponed chunks. Call at a safepoint.
func (a *Allocator) ReleaseQueuedPages() int {
	a.queueMu.Lock()
	queued := a.queued
	a.queued = nil
	a.queueMu.Unlock()
	for _, c := range queued {
		a.performFree(c)
	}
	return len(queued)
}

// ReleasePooledChunks gives every pooled chunk back to the OS
func (a *Allocator) ReleasePooledChunks() {
	for _, res := range a.pool.drain() {
		_ = res.Free()
	}
}

// PartialFreeMemory releases the tail [startFree, startFree+bytesToFree) of
// a large chunk whose object shrank to end at newAreaEnd. Code chunks keep
// a guard page after the new area end.
func (a *Allocator) PartialFreeMemory(c *chunk.Chunk, startFree vmem.Address, bytesToFree uint64, newAreaEnd vmem.Address) {
	check.That(c.IsLarge(), "partial free of regular %s", c)
	check.That(startFree+vmem.Address(bytesToFree) == c.End(), "partial free must release the tail of %s", c)

	if c.IsExecutable() {
		guard := a.layout.GuardSize()
		check.That(startFree == newAreaEnd+vmem.Address(guard), "code chunk %s must keep its guard page", c)
		if err := c.Reservation().SetPermissions(newAreaEnd, guard, vmem.NoAccess); err != nil {
			check.Fatalf("cannot protect guard page of %s: %v", c, err)
		}
		a.jit.resize(c.AreaStart(), uint64(newAreaEnd-c.AreaStart()))
	}

	released, err := c.Reservation().Release(startFree)
	if err != nil {
		check.Fatalf("partial free of %s failed: %v", c, err)
	}
	oldEnd := c.End()
	c.ShrinkArea(newAreaEnd, c.Reservation().Size())
	a.Store64(c.Base()+24, uint64(newAreaEnd))
	if t := a.tableFor(c.Base()); t != nil {
		t.set(vmem.Address(vmem.RoundUp(uint64(c.End()), a.cfg.ChunkSize)), oldEnd, nil)
	}

	a.size.Add(^(released - 1))
	if c.IsExecutable() {
		a.sizeExecutable.Add(^(released - 1))
	}
}

// SetCodeExecutable flips a code chunk's area between writable and
// executable.
func (a *Allocator) SetCodeExecutable(c *chunk.Chunk, executable bool) error {
	check.That(c.IsExecutable(), "%s is not a code chunk", c)
	size := vmem.RoundUp(uint64(c.AreaEnd()-c.AreaStart()), a.layout.CommitPageSize)
	return c.Reservation().SetPermissions(c.AreaStart(), size, codePermission(executable))
}

// WithCodeWritable runs fn with c's code area writable and makes it
// executable again afterwards if it was. Data chunks are always writable.
func (a *Allocator) WithCodeWritable(c *chunk.Chunk, fn func()) error {
	if !c.IsExecutable() || a.regionFor(c.Base()).Permission(c.AreaStart()) != vmem.ReadExecute {
		fn()
		return nil
	}
	if err := a.SetCodeExecutable(c, false); err != nil {
		return err
	}
	fn()
	return a.SetCodeExecutable(c, true)
}

// LookupChunkContainingAddress finds the registered chunk containing addr.
func (a *Allocator) LookupChunkContainingAddress(addr vmem.Address) *chunk.Chunk {
	c := a.registry.lookup(addr, a.cfg.ChunkSize)
	if c != nil {
		check.That(a.headerValid(c), "corrupt chunk header at %#x", c.Base())
	}
	return c
}

// ChunkFromAddress returns the chunk covering addr without locking, or nil
func (a *Allocator) ChunkFromAddress(addr vmem.Address) *chunk.Chunk {
	t := a.tableFor(addr)
	if t == nil {
		return nil
	}
	return t.get(addr)
}

// InAllocatedRange reports whether addr lies between the lowest and highest
// addresses ever handed out.
func (a *Allocator) InAllocatedRange(addr vmem.Address) bool {
	return uint64(addr) >= a.lowestEver.Load() && uint64(addr) < a.highestEver.Load()
}

// Chunks returns every registered chunk
func (a *Allocator) Chunks() []*chunk.Chunk { return a.registry.all() }

func (a *Allocator) regionFor(addr vmem.Address) *vmem.Region {
	for _, cls := range a.classes {
		if cls.region.Contains(addr) {
			return cls.region
		}
	}
	check.Fatalf("address %#x outside every heap reservation", addr)
	return nil
}

// Load64 atomically reads the heap word at addr
func (a *Allocator) Load64(addr vmem.Address) uint64 {
	return a.regionFor(addr).Load64(addr)
}

// Store64 atomically writes the heap word at addr
func (a *Allocator) Store64(addr vmem.Address, v uint64) {
	a.regionFor(addr).Store64(addr, v)
}

// CompareAndSwap64 atomically swaps the heap word at addr
func (a *Allocator) CompareAndSwap64(addr vmem.Address, old, new uint64) bool {
	return a.regionFor(addr).CompareAndSwap64(addr, old, new)
}

// Bytes returns n bytes of heap memory at addr
func (a *Allocator) Bytes(addr vmem.Address, n uint64) []byte {
	return a.regionFor(addr).Bytes(addr, n)
}

func (a *Allocator) Size() uint64 { return a.size.Load() }
func (a *Allocator) SizeExecutable() uint64 { return a.sizeExecutable.Load() }
func (a *Allocator) Capacity() uint64 { return a.capacity }
func (a *Allocator) PooledChunks() int { return a.pool.len() }

// Available returns the bytes that can still be allocated
func (a *Allocator) Available() uint64 {
	if s := a.Size(); s < a.capacity {
		return a.capacity - s
	}
	return 0
}

// CommittedBufferedMemory returns the memory held by the pool
func (a *Allocator) CommittedBufferedMemory() uint64 {
	return uint64(a.pool.len()) * a.cfg.ChunkSize
}

// TearDown releases every reservation. The allocator is unusable afterwards.
func (a *Allocator) TearDown() {
	a.ReleaseQueuedPages()
	a.pool.drain()
	for _, cls := range a.classes {
		if err := cls.region.Free(); err != nil {
			a.logger.Warn("freeing reservation failed", "err", err)
		}
	}
	a.classes = nil
	a.data, a.code, a.trusted = nil, nil, nil
}

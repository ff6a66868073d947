// ABOUTME: Heap-wide configuration with defaults and validation
// ABOUTME: Exposes the tuning constants of allocation, marking and compaction

// Package config holds the tunables of a heap. Values are passed to
// constructors explicitly so that independent heaps can coexist.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
)

var (
	// ErrInvalidConfig is returned by Validate for inconsistent settings
	ErrInvalidConfig = errors.New("invalid heap configuration")
)

const (
	KB = 1 << 10
	MB = 1 << 20
)

// Config describes a heap instance
type Config struct {
	// ChunkSize is the size and alignment of a regular page. Power of two.
	ChunkSize uint64
	// CommitPageSize overrides the OS commit granularity when non-zero.
	CommitPageSize uint64

	// Address space reserved per allocation class.
	DataReservation    uint64
	CodeReservation    uint64
	TrustedReservation uint64

	// Capacity caps the bytes the page allocator hands out. Zero means the
	// sum of the reservations.
	Capacity uint64
	// PoolCapacity caps the number of pooled pages. Zero means unlimited.
	PoolCapacity int
	// ZapGarbage fills fresh and freed memory with a recognizable pattern.
	ZapGarbage bool
	// DiscardFreeMemory returns the OS pages backing large free ranges.
	DiscardFreeMemory bool
	// CodeExecutableOnAllocation commits code areas read+execute instead of
	// read+write. Code pages can be flipped later either way.
	CodeExecutableOnAllocation bool

	// MaxRegularObjectSize is the largest object placed on a regular page.
	// Zero means half of the allocatable area.
	MaxRegularObjectSize uint64

	// Marking batch budgets; a task checks for yield after each batch.
	MarkingBytesBudget   uint64
	MarkingObjectsBudget int
	// MaxMarkingTasks bounds the task states of the marker. Zero means the
	// platform's worker count.
	MaxMarkingTasks int
	// OptimizeForBattery limits marking to a single task.
	OptimizeForBattery bool

	// External pointer table.
	EPTSegmentEntries     uint32
	EPTReservationEntries uint32
	EPTMinCompactionBytes uint64
	EPTMinFreeRatio       float64

	// Object compaction: old pages whose allocated ratio is below
	// EvacuationLiveRatio become evacuation candidates.
	EvacuationLiveRatio     float64
	MaxEvacuationCandidates int

	TraceMarking bool
	TraceGC      bool

	// Logger receives structured diagnostics. Nil discards them.
	Logger *slog.Logger
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		ChunkSize:               256 * KB,
		DataReservation:         256 * MB,
		CodeReservation:         32 * MB,
		TrustedReservation:      32 * MB,
		DiscardFreeMemory:       true,
		MarkingBytesBudget:      64 * KB,
		MarkingObjectsBudget:    1000,
		EPTSegmentEntries:       1024,
		EPTReservationEntries:   1 << 20,
		EPTMinCompactionBytes:   1 * MB,
		EPTMinFreeRatio:         0.10,
		EvacuationLiveRatio:     0.25,
		MaxEvacuationCandidates: 8,
	}
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if c.ChunkSize == 0 || bits.OnesCount64(c.ChunkSize) != 1 {
		return fmt.Errorf("%w: chunk size %d is not a power of two", ErrInvalidConfig, c.ChunkSize)
	}
	if c.CommitPageSize != 0 {
		if bits.OnesCount64(c.CommitPageSize) != 1 {
			return fmt.Errorf("%w: commit page size %d is not a power of two", ErrInvalidConfig, c.CommitPageSize)
		}
		if c.CommitPageSize*8 > c.ChunkSize {
			return fmt.Errorf("%w: chunk size %d too small for commit page size %d", ErrInvalidConfig, c.ChunkSize, c.CommitPageSize)
		}
	}
	if c.DataReservation < c.ChunkSize {
		return fmt.Errorf("%w: data reservation smaller than one chunk", ErrInvalidConfig)
	}
	if c.CodeReservation != 0 && c.CodeReservation < c.ChunkSize {
		return fmt.Errorf("%w: code reservation smaller than one chunk", ErrInvalidConfig)
	}
	if c.TrustedReservation != 0 && c.TrustedReservation < c.ChunkSize {
		return fmt.Errorf("%w: trusted reservation smaller than one chunk", ErrInvalidConfig)
	}
	if c.MarkingBytesBudget == 0 || c.MarkingObjectsBudget <= 0 {
		return fmt.Errorf("%w: marking budgets must be positive", ErrInvalidConfig)
	}
	if c.MaxMarkingTasks < 0 || c.PoolCapacity < 0 || c.MaxEvacuationCandidates < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidConfig)
	}
	if c.EPTSegmentEntries == 0 || bits.OnesCount32(c.EPTSegmentEntries) != 1 {
		return fmt.Errorf("%w: ept segment entries %d is not a power of two", ErrInvalidConfig, c.EPTSegmentEntries)
	}
	if c.EPTReservationEntries < 2*c.EPTSegmentEntries || c.EPTReservationEntries%c.EPTSegmentEntries != 0 {
		return fmt.Errorf("%w: ept reservation must hold a whole number of segments (at least two)", ErrInvalidConfig)
	}
	if c.EPTMinFreeRatio < 0 || c.EPTMinFreeRatio > 1 {
		return fmt.Errorf("%w: ept free ratio %v out of [0,1]", ErrInvalidConfig, c.EPTMinFreeRatio)
	}
	if c.EvacuationLiveRatio < 0 || c.EvacuationLiveRatio > 1 {
		return fmt.Errorf("%w: evacuation live ratio %v out of [0,1]", ErrInvalidConfig, c.EvacuationLiveRatio)
	}
	return nil
}

// EffectiveLogger returns the configured logger or one that discards output
func (c Config) EffectiveLogger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ForTesting returns a configuration with small reservations suitable for
// unit tests that create many heaps.
func ForTesting() Config {
	c := Default()
	c.DataReservation = 32 * MB
	c.CodeReservation = 4 * MB
	c.TrustedReservation = 4 * MB
	c.EPTSegmentEntries = 64
	c.EPTReservationEntries = 64 * 64
	c.EPTMinCompactionBytes = 0
	return c
}

// ABOUTME: Root package wiring a heap, its worker platform and its collector together
// ABOUTME: Entry point for embedders that want a ready-to-use garbage collected heap

// Package gcheap provides a managed object heap with a concurrent
// mark-sweep-compact garbage collector.
//
// The heap reserves its address space up front and hands it out in
// aligned chunks. Full collections mark concurrently on a pool of worker
// goroutines, clear weak references and ephemerons, compact sparse pages
// and the external pointer table, and sweep. Young-generation collections
// mark the new space only and promote survivors.
package gcheap

import (
	"fmt"
	"runtime"

	"github.com/prateek/gcheap/collector"
	"github.com/prateek/gcheap/config"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/platform"
)

// Version is the semantic version of gcheap
const Version = "0.1.0-dev"

// Runtime owns a heap and the machinery collecting it
type Runtime struct {
	heap      *heap.Heap
	platform  *platform.Platform
	collector *collector.Collector
}

// New creates a bootstrapped heap with a collector. The platform gets
// MaxMarkingTasks workers, or one per CPU when unset.
func New(cfg config.Config) (*Runtime, error) {
	h, err := heap.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating heap: %w", err)
	}
	h.SetBootstrapped()
	workers := cfg.MaxMarkingTasks
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	p := platform.New(workers, platform.WithLogger(cfg.EffectiveLogger().With("component", "platform")))
	return &Runtime{heap: h, platform: p, collector: collector.New(h, p)}, nil
}

func (r *Runtime) Heap() *heap.Heap { return r.heap }
func (r *Runtime) Collector() *collector.Collector { return r.collector }

// Close finishes a running cycle, stops the workers and releases the heap
func (r *Runtime) Close() error {
	var err error
	if r.collector.InCycle() {
		_, err = r.collector.FinishCycle()
	}
	r.platform.Shutdown()
	r.heap.TearDown()
	return err
}

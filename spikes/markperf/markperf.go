// ABOUTME: Spike measuring concurrent marking throughput on heap-like object graphs
// ABOUTME: Compares worker counts and checks marked bytes against the snapshot oracle

package main

import (
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"time"

	"github.com/prateek/gcheap"
	"github.com/prateek/gcheap/chunk"
	"github.com/prateek/gcheap/config"
	"github.com/prateek/gcheap/graph"
	"github.com/prateek/gcheap/heap"
	"github.com/prateek/gcheap/marking"
	"github.com/prateek/gcheap/vmem"
)

// generateHeapLike fills rt with n arrays pointing at earlier objects and
// roots a hundredth of them
func generateHeapLike(rt *gcheap.Runtime, n int, rng *rand.Rand) error {
	h := rt.Heap()
	objs := make([]vmem.Address, 0, n)
	for i := 0; i < n; i++ {
		obj, err := rt.Collector().Allocate(chunk.OldSpace, heap.KindFixedArray, heap.HeaderSize+5*heap.WordSize)
		if err != nil {
			return err
		}
		ptrs := rng.Intn(5) + 1
		for j := 0; j < ptrs && i > 0; j++ {
			h.Set(obj, j, uint64(objs[rng.Intn(i)]))
		}
		objs = append(objs, obj)
	}
	roots := n / 100
	if roots < 10 {
		roots = 10
	}
	for i := 0; i < roots; i++ {
		h.Handles().New(objs[n-1-rng.Intn(n/2+1)])
	}
	return nil
}

func measureMemory() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}

func testPerformance(n, workers int) error {
	cfg := config.Default()
	cfg.MaxMarkingTasks = workers
	cfg.MaxEvacuationCandidates = 0
	rt, err := gcheap.New(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := generateHeapLike(rt, n, rand.New(rand.NewSource(1))); err != nil {
		return err
	}
	snapshot := graph.Snapshot(rt.Heap())
	want := graph.LiveSize(snapshot)

	runtime.GC()
	memBefore := measureMemory()
	start := time.Now()
	stats, err := rt.Collector().CollectGarbage(marking.Major)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	memUsedMB := float64(int64(measureMemory())-int64(memBefore)) / (1024 * 1024)

	status := "ok"
	if stats.MarkedBytes != want {
		status = fmt.Sprintf("MISMATCH (oracle %d)", want)
	}
	fmt.Printf("workers=%d marked=%d KB freed=%d KB cycle=%v go-heap=%+.1f MB %s\n",
		workers, stats.MarkedBytes/1024, stats.Sweep.FreedBytes/1024, elapsed, memUsedMB, status)

	if n <= 100000 {
		start = time.Now()
		idom := graph.Dominators(snapshot)
		fmt.Printf("  dominators of %d live objects in %v\n", len(idom), time.Since(start))
	}
	return nil
}

func main() {
	fmt.Println("=== Concurrent Marking Spike ===")
	for _, n := range []int{10000, 100000, 1000000} {
		fmt.Printf("\n======== %d objects ========\n", n)
		for _, workers := range []int{1, 2, 4, runtime.NumCPU()} {
			if err := testPerformance(n, workers); err != nil {
				fmt.Fprintf(os.Stderr, "spike failed: %v\n", err)
				os.Exit(1)
			}
		}
	}
}

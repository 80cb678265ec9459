// Package frametrack implements the run-length log of used physical frame
// ranges handed from the loader to the kernel at a well-known virtual
// address (bootabi.FrameTrackerVirt).
//
// Runs (not per-frame bitmaps) are used because early allocations are
// monotonic and contiguous in practice; coalescing adjacent runs keeps the
// table small enough to live in a single 4 KiB page. Explicit usage tags let
// the kernel distinguish reclaimable frames from sacred ones (page tables).
package frametrack

import (
	"fmt"
	"unsafe"

	"github.com/kestrelos/kestrel/internal/bootabi"
)

var recordSize = int(unsafe.Sizeof(bootabi.UsedFrameRun{}))

// Array is a bounded array of UsedFrameRun records materialized directly
// over a caller-supplied byte buffer — normally a single physical page
// reached through an offset-mapped pointer. It owns no hidden allocation:
// records aliases storage for as long as the Array is alive.
type Array struct {
	records []bootabi.UsedFrameRun
	length  int
}

// New creates an empty tracker over storage, with capacity
// len(storage)/sizeof(UsedFrameRun).
func New(storage []byte) *Array {
	if len(storage) < recordSize {
		panic("frametrack: storage smaller than one record")
	}
	cap := len(storage) / recordSize
	records := unsafe.Slice((*bootabi.UsedFrameRun)(unsafe.Pointer(&storage[0])), cap)
	return &Array{records: records, length: 0}
}

// NewExisting reconstructs a tracker over storage that already holds
// length valid records — the shape the kernel uses to adopt the loader's
// tracker after handoff (spec.md §4.6), where length arrives as the single
// argument passed to the kernel entry point.
func NewExisting(storage []byte, length int) *Array {
	a := New(storage)
	if length > a.Cap() {
		panic("frametrack: existing length exceeds storage capacity")
	}
	a.length = length
	return a
}

// Len reports the number of runs currently tracked.
func (a *Array) Len() int { return a.length }

// Cap reports the tracker's fixed capacity.
func (a *Array) Cap() int { return len(a.records) }

// BufferAddr returns the address of the tracker's backing storage.
func (a *Array) BufferAddr() uintptr {
	return uintptr(unsafe.Pointer(&a.records[0]))
}

// PushUsed appends run to the tracker. Appending beyond capacity is a fatal
// invariant violation (spec.md §4.1, §7): it indicates a bug in sizing the
// tracker's backing page, not a runtime condition callers can recover from.
func (a *Array) PushUsed(run bootabi.UsedFrameRun) {
	if a.length >= len(a.records) {
		panic(fmt.Sprintf("frametrack: tracker capacity %d exceeded", len(a.records)))
	}
	a.records[a.length] = run
	a.length++
}

// SortInPlace sorts the runs by ascending Frame address using a simple
// insertion sort: the table is small (a handful of runs per 4 KiB page) and
// almost-sorted in practice, so insertion sort's near-linear best case beats
// a general-purpose sort here. Stability is not required.
func (a *Array) SortInPlace() {
	runs := a.records[:a.length]
	for i := 1; i < len(runs); i++ {
		cur := runs[i]
		j := i - 1
		for j >= 0 && runs[j].Frame > cur.Frame {
			runs[j+1] = runs[j]
			j--
		}
		runs[j+1] = cur
	}
}

// MergeAll sorts the runs by address, then makes one linear pass coalescing
// adjacent merge-eligible runs into the leftmost, compacting the array and
// updating its length. Runs tagged Unknown participate in sorting but never
// in merging (they are preserved verbatim, per spec.md §4.1).
func (a *Array) MergeAll() {
	a.SortInPlace()

	runs := a.records[:a.length]
	if len(runs) == 0 {
		return
	}

	out := 0
	for i := 1; i < len(runs); i++ {
		if runs[out].CanMergeWith(runs[i]) {
			runs[out].Count += runs[i].Count
			continue
		}
		out++
		runs[out] = runs[i]
	}
	a.length = out + 1
}

// Slice returns a read-only view over the current runs.
func (a *Array) Slice() []bootabi.UsedFrameRun { return a.records[:a.length] }

// MutSlice returns a mutable view over the current runs, e.g. for the
// kernel's Unknown -> PageTable reclassification pass (spec.md §4.4).
func (a *Array) MutSlice() []bootabi.UsedFrameRun { return a.records[:a.length] }

// Contains reports whether frame lies inside any tracked run.
func (a *Array) Contains(frame bootabi.PhysAddr) bool {
	for _, r := range a.Slice() {
		if frame >= r.Frame && frame < r.End() {
			return true
		}
	}
	return false
}

// Validate checks the invariants spec.md §8 requires after MergeAll:
// sortedness, non-overlap, and maximality of merge. It is a test helper, not
// exercised on the hot boot path.
func (a *Array) Validate() error {
	runs := a.Slice()
	for i := 0; i+1 < len(runs); i++ {
		if runs[i].Frame >= runs[i+1].Frame {
			return fmt.Errorf("frametrack: runs not sorted at index %d", i)
		}
		if runs[i].Overlaps(runs[i+1]) {
			return fmt.Errorf("frametrack: runs %d and %d overlap", i, i+1)
		}
		if runs[i].CanMergeWith(runs[i+1]) {
			return fmt.Errorf("frametrack: runs %d and %d should have merged", i, i+1)
		}
	}
	return nil
}

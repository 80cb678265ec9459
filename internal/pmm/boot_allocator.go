// Package pmm implements the two-stage physical frame allocator described in
// spec.md §4.2/§4.6: a pre-ExitBootServices BootFrameAllocator that walks the
// firmware memory map directly, and a post-handoff KernelFrameAllocator that
// additionally excludes whatever the loader already tracked.
package pmm

import (
	"fmt"

	"github.com/kestrelos/kestrel/internal/bootabi"
	"github.com/kestrelos/kestrel/internal/frametrack"
)

// FrameAllocator is the interface the address-space builder and ELF loader
// drive: a single place new frames come from, each one recorded in the
// tracker as it's handed out.
type FrameAllocator interface {
	AllocateFrame() bootabi.PhysAddr
	AllocateFrameTyped(tag bootabi.FrameUsageTag) bootabi.PhysAddr
	Tracker() *frametrack.Array
}

// BootAllocator is the pre-ExitBootServices allocator. It walks the
// "usable frame" iterator (Conventional | BootServicesCode | BootServicesData,
// rejecting the zero frame) in firmware-map order and advances a cursor —
// no free list, no reuse, because nothing is ever freed this early.
type BootAllocator struct {
	mmap      []bootabi.MemoryDescriptor
	nextFrame uint64
	tracker   *frametrack.Array
}

// NewBootAllocator bootstraps the allocator and its FrameTrackerArray in one
// step: the tracker's own backing page is allocated as the allocator's very
// first frame (self-hosting, spec.md §4.2/§9), recorded with tag
// FrameUsageBuffer, and the tracker is constructed directly over that frame
// through offsetView (offset + frame address -> a byte slice of PageSize).
func NewBootAllocator(mmap []bootabi.MemoryDescriptor, offsetView func(bootabi.PhysAddr, int) []byte) *BootAllocator {
	a := &BootAllocator{mmap: mmap}

	first, ok := a.nthUsableFrame(0)
	if !ok {
		panic("pmm: out of conventional memory bootstrapping frame tracker")
	}
	a.nextFrame = 1

	storage := offsetView(first, bootabi.PageSize)
	a.tracker = frametrack.New(storage)
	a.tracker.PushUsed(bootabi.UsedFrameRun{Frame: first, Count: 1, Tag: bootabi.FrameUsageBuffer})

	return a
}

// Tracker returns the allocator's FrameTrackerArray.
func (a *BootAllocator) Tracker() *frametrack.Array { return a.tracker }

// nthUsableFrame reports whether the n-th usable frame (0-indexed, in
// firmware-map order, zero frame excluded) exists, and its address.
func (a *BootAllocator) nthUsableFrame(n uint64) (bootabi.PhysAddr, bool) {
	var i uint64
	for _, d := range a.mmap {
		if !isUsableBootType(d.Type) {
			continue
		}
		for f := uint64(0); f < d.PageCount; f++ {
			frame := bootabi.PhysAddr(uint64(d.PhysStart) + f*bootabi.PageSize)
			if frame == 0 {
				// The zero frame is mandatory to skip: some firmwares report
				// it as conventional, and mapping it would break null-pointer
				// checks in the kernel.
				continue
			}
			if i == n {
				return frame, true
			}
			i++
		}
	}
	return 0, false
}

func isUsableBootType(t bootabi.MemoryType) bool {
	switch t {
	case bootabi.Conventional, bootabi.BootServicesCode, bootabi.BootServicesData:
		return true
	default:
		return false
	}
}

// AllocateFrame returns the next usable frame and records it in the tracker
// with tag Unknown (spec.md §4.2): the caller hasn't decided this frame's
// final use yet. Page-table frames created by mapTo do not come through
// here; they are allocated with AllocateFrameTyped(PageTable).
func (a *BootAllocator) AllocateFrame() bootabi.PhysAddr {
	return a.AllocateFrameTyped(bootabi.Unknown)
}

// AllocateFrameTyped returns the next usable frame, recording it with tag
// directly so later coalescing doesn't need a reclassification pass.
func (a *BootAllocator) AllocateFrameTyped(tag bootabi.FrameUsageTag) bootabi.PhysAddr {
	frame, ok := a.nthUsableFrame(a.nextFrame)
	if !ok {
		panic(fmt.Sprintf("pmm: out of conventional memory after %d frames", a.nextFrame))
	}
	a.nextFrame++
	a.tracker.PushUsed(bootabi.UsedFrameRun{Frame: frame, Count: 1, Tag: tag})
	return frame
}

var _ FrameAllocator = (*BootAllocator)(nil)

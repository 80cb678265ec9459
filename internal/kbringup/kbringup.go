// Package kbringup is the kernel-side half of the handoff: it reconstructs
// the BootInfo record and FrameTrackerArray the loader built, unmaps the
// pages that were only needed to carry them across the handoff, brings up
// the kernel heap, and tears down the bootstrap identity map.
package kbringup

import (
	"fmt"

	"github.com/kestrelos/kestrel/internal/bootabi"
	"github.com/kestrelos/kestrel/internal/frametrack"
	"github.com/kestrelos/kestrel/internal/heap"
	"github.com/kestrelos/kestrel/internal/pmm"
	"github.com/kestrelos/kestrel/internal/vmm"
)

// heapBatchFrames is the number of 2 MiB frames allocated per InitHeap call,
// matching bootabi.KernelHeapSize (16 MiB = 8 x 2 MiB).
const heapBatchFrames = bootabi.KernelHeapSize / bootabi.HugePageSize2MiB

// CPU is the subset of privileged operations kernel bring-up needs that
// cannot be expressed in portable Go: flushing the whole TLB after the
// address space is mutated out from under the running CPU.
type CPU interface {
	FlushTLB()
}

// VirtView reads size bytes starting at a currently-mapped virtual address
// — the kernel-side counterpart of vmm.PhysView, used before the physical
// offset map is the only way left to reach a frame.
type VirtView func(bootabi.VirtAddr, int) []byte

// Bringup holds everything kernel initialization assembles out of the
// handoff: the adopted page table, the post-handoff frame allocator, and
// the decoded BootInfo.
type Bringup struct {
	PageTable *vmm.OffsetPageTable
	Allocator *pmm.KernelAllocator
	BootInfo  bootabi.BootInfo

	cpu CPU
}

// Start decodes the BootInfo and FrameTrackerArray the loader left at their
// fixed virtual addresses, adopts them, unmaps the now-unneeded BootInfo
// page, and flushes the TLB once. frameTrackLen is the argument the naked
// entry stub received in RCX and passed on in RDI (the loader's
// Plan.FrameTrackLen).
func Start(frameTrackLen int, virt VirtView, pt *vmm.OffsetPageTable, cpu CPU) (*Bringup, error) {
	infoBuf := virt(bootabi.BootInfoVirt, bootabi.PageSize)
	info, err := bootabi.DecodeBootInfo(infoBuf)
	if err != nil {
		return nil, fmt.Errorf("kbringup: decode boot info: %w", err)
	}

	trackerBuf := virt(bootabi.FrameTrackerVirt, bootabi.PageSize)
	tracker := frametrack.NewExisting(trackerBuf, frameTrackLen)

	alloc := pmm.NewKernelAllocator(info.Mmap, tracker)

	if err := pt.Unmap(bootabi.BootInfoVirt); err != nil {
		return nil, fmt.Errorf("kbringup: unmap boot info page: %w", err)
	}
	cpu.FlushTLB()

	return &Bringup{PageTable: pt, Allocator: alloc, BootInfo: info, cpu: cpu}, nil
}

// InitHeap allocates bootabi.KernelHeapSize worth of 2 MiB frames tagged
// KernelHeap in one batch, maps them starting at bootabi.KernelHeapVirt, and
// hands the range to the heap package. It implements the batch-then-merge
// discipline: AllocateFramesTyped merges the tracker once for the whole
// batch rather than once per frame.
func (b *Bringup) InitHeap() (*heap.Allocator, error) {
	frames := make([]bootabi.PhysAddr, heapBatchFrames)
	n := b.Allocator.AllocateFramesTyped(frames, bootabi.HugePageSize2MiB, bootabi.KernelHeap)
	if n != heapBatchFrames {
		return nil, fmt.Errorf("kbringup: allocated %d/%d heap frames", n, heapBatchFrames)
	}

	flags := vmm.PageFlags{Writable: true, NoExec: true}
	for i, frame := range frames {
		virt := bootabi.KernelHeapVirt + bootabi.VirtAddr(uint64(i)*bootabi.HugePageSize2MiB)
		if err := b.PageTable.MapTo(virt, frame, bootabi.HugePageSize2MiB, flags); err != nil {
			return nil, fmt.Errorf("kbringup: map heap frame %d: %w", i, err)
		}
	}
	b.cpu.FlushTLB()

	return heap.New(bootabi.KernelHeapVirt, bootabi.KernelHeapSize), nil
}

// Cleanup zeroes the lower-half (identity-mapped) PML4 entries the firmware
// needed and flushes the TLB once more, the final step before the kernel's
// own execution no longer depends on anything the loader set up.
func (b *Bringup) Cleanup() {
	b.PageTable.ZeroLowerHalf()
	b.cpu.FlushTLB()
}

// AcpiPhysicalMapper adapts the physical-memory offset map to whatever
// interface an ACPI table-parsing consumer expects for reaching physical
// memory: every physical region is already reachable at MemOffset+phys, so
// mapping is just arithmetic and unmapping is a no-op.
type AcpiPhysicalMapper struct{}

// MapPhysicalRegion returns the virtual address at which phys is already
// mapped through the physical-memory offset map.
func (AcpiPhysicalMapper) MapPhysicalRegion(phys bootabi.PhysAddr, size uint64) bootabi.VirtAddr {
	return bootabi.VirtAddr(uint64(bootabi.MemOffset) + uint64(phys))
}

// UnmapPhysicalRegion is a no-op: the offset map is never torn down for
// individual regions, only the lower-half identity map is (Cleanup).
func (AcpiPhysicalMapper) UnmapPhysicalRegion(virt bootabi.VirtAddr, size uint64) {}

package vmm

import (
	"fmt"
	"unsafe"

	"github.com/kestrelos/kestrel/internal/bootabi"
	"github.com/kestrelos/kestrel/internal/elfkernel"
	"github.com/kestrelos/kestrel/internal/frametrack"
)

// AddressSpaceBuilder sequences the fixed set of mappings a fresh kernel
// address space needs, in the order the loader must perform them: kernel
// segments first (so the entry point is reachable the instant CR3 loads),
// then the physical-memory offset map, then the two single-page handoff
// mappings.
type AddressSpaceBuilder struct {
	pt    *OffsetPageTable
	alloc FrameSource
	view  PhysView
}

// NewAddressSpaceBuilder allocates a fresh, zeroed PML4 frame and returns a
// builder rooted at it.
func NewAddressSpaceBuilder(alloc FrameSource, view PhysView) *AddressSpaceBuilder {
	root := alloc.AllocateFrameTyped(bootabi.PageTable)
	*view(root) = Table{}
	return &AddressSpaceBuilder{
		pt:    NewOffsetPageTable(root, view, alloc),
		alloc: alloc,
		view:  view,
	}
}

// PageTable returns the page table under construction.
func (b *AddressSpaceBuilder) PageTable() *OffsetPageTable { return b.pt }

// MapKernel maps every PT_LOAD segment of kernel at its linked virtual
// address, allocating one physical frame at a time and copying the
// segment's bytes through the loader-side view passed to NewAddressSpaceBuilder
// (still valid because the loader hasn't switched CR3 yet).
func (b *AddressSpaceBuilder) MapKernel(kernel *elfkernel.Kernel) error {
	return kernel.CopyInto(func(virt bootabi.VirtAddr, seg elfkernel.Segment) ([]byte, error) {
		flags := PageFlags{
			Writable: seg.Flags.Writable,
			NoExec:   !seg.Flags.Executable,
		}
		frame := b.alloc.AllocateFrameTyped(bootabi.KernelCode)
		if err := b.pt.MapTo(virt, frame, bootabi.PageSize, flags); err != nil {
			return nil, fmt.Errorf("map kernel page @%#x: %w", uint64(virt), err)
		}
		page := b.view(frame)
		raw := (*[bootabi.PageSize]byte)(unsafe.Pointer(page))
		return raw[:], nil
	})
}

// MapPhysicalOffset maps all of physical memory up to maxPhys, in 1 GiB
// pages, starting at bootabi.MemOffset: MemOffset+p always translates to
// physical address p once this is active.
func (b *AddressSpaceBuilder) MapPhysicalOffset(maxPhys bootabi.PhysAddr) error {
	flags := PageFlags{Writable: true, NoExec: true}
	for phys := bootabi.PhysAddr(0); phys < maxPhys; phys += bootabi.GiantPageSize1GiB {
		virt := bootabi.VirtAddr(uint64(bootabi.MemOffset) + uint64(phys))
		if err := b.pt.MapTo(virt, phys, bootabi.GiantPageSize1GiB, flags); err != nil {
			return fmt.Errorf("map physical offset @%#x: %w", phys, err)
		}
	}
	return nil
}

// MapBootInfo maps the single BootInfo page at bootabi.BootInfoVirt.
func (b *AddressSpaceBuilder) MapBootInfo(phys bootabi.PhysAddr) error {
	return b.pt.MapTo(bootabi.BootInfoVirt, phys, bootabi.PageSize, PageFlags{Writable: true, NoExec: true})
}

// MapFrameTracker maps the single FrameTrackerArray backing page at
// bootabi.FrameTrackerVirt.
func (b *AddressSpaceBuilder) MapFrameTracker(phys bootabi.PhysAddr) error {
	return b.pt.MapTo(bootabi.FrameTrackerVirt, phys, bootabi.PageSize, PageFlags{Writable: true, NoExec: true})
}

// Reclassify walks tracker and retags every run still marked Unknown (frames
// handed out through the untyped AllocateFrame) as PageTable. The builder's
// own allocations are already tagged: nextTable tags its frames PageTable and
// MapKernel tags its frames KernelCode. It then merges adjacent runs once
// reclassified.
func Reclassify(tracker *frametrack.Array) {
	for i, run := range tracker.MutSlice() {
		if run.Tag == bootabi.Unknown {
			tracker.MutSlice()[i].Tag = bootabi.PageTable
		}
	}
	tracker.MergeAll()
}

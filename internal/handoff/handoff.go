// Package handoff drives the loader's end-to-end sequence: read the kernel
// ELF, build its address space, exit boot services, relocate the final
// memory map into kernel-owned pages, and compute the values the
// architecture-specific entry stub needs to transfer control.
package handoff

import (
	"fmt"

	"github.com/kestrelos/kestrel/internal/bootabi"
	"github.com/kestrelos/kestrel/internal/efi"
	"github.com/kestrelos/kestrel/internal/elfkernel"
	"github.com/kestrelos/kestrel/internal/pmm"
	"github.com/kestrelos/kestrel/internal/vmm"
)

// Plan is everything the naked entry stub needs to transfer control to the
// kernel: the PML4 to load into CR3, the kernel's virtual entry point, and
// the single argument (the FrameTrackerArray's run count) passed through to
// the kernel's first Go function per the System V calling convention.
type Plan struct {
	CR3            bootabi.PhysAddr
	Entry          bootabi.VirtAddr
	FrameTrackLen  int
	ExitBootsRetry int
}

// KernelPath is the firmware-relative path the disk image places the kernel
// ELF at; both the imager and the loader must agree on it.
const KernelPath = `\EFI\BOOT\kernel.elf`

const exitBootServicesAttempts = 4

// Run executes the full loader sequence against bs, using view to read and
// write physical memory directly (the identity map firmware guarantees is
// active for all of conventional memory before ExitBootServices).
func Run(bs efi.BootServices, view vmm.PhysView, readView func(bootabi.PhysAddr, int) []byte) (Plan, error) {
	kernelFile, err := bs.OpenKernelFile(KernelPath)
	if err != nil {
		return Plan{}, fmt.Errorf("handoff: open kernel: %w", err)
	}
	kernel, err := elfkernel.Load(kernelFile)
	if err != nil {
		return Plan{}, fmt.Errorf("handoff: load kernel: %w", err)
	}

	mmap, _, err := bs.GetMemoryMap()
	if err != nil {
		return Plan{}, fmt.Errorf("handoff: get memory map: %w", err)
	}
	maxPhys := bootabi.MaxPhysAddr(mmap)

	boot := pmm.NewBootAllocator(mmap, readView)

	builder := vmm.NewAddressSpaceBuilder(boot, view)
	if err := builder.MapKernel(kernel); err != nil {
		return Plan{}, fmt.Errorf("handoff: map kernel: %w", err)
	}
	if err := builder.MapPhysicalOffset(maxPhys); err != nil {
		return Plan{}, fmt.Errorf("handoff: map physical offset: %w", err)
	}

	bootInfoFrame := boot.AllocateFrameTyped(bootabi.FrameUsageBuffer)
	if err := builder.MapBootInfo(bootInfoFrame); err != nil {
		return Plan{}, fmt.Errorf("handoff: map boot info: %w", err)
	}

	graphics, fbPhys, err := bs.OpenGraphicsOutput()
	if err != nil && err != efi.ErrNoGraphicsOutput {
		return Plan{}, fmt.Errorf("handoff: open graphics output: %w", err)
	}
	var fbVirt bootabi.VirtAddr
	if err == nil {
		fbVirt = bootabi.VirtAddr(uint64(bootabi.MemOffset) + uint64(fbPhys))
	}

	rsdp, err := bs.LocateRSDP()
	if err != nil && err != efi.ErrNoACPIConfigTable {
		return Plan{}, fmt.Errorf("handoff: locate RSDP: %w", err)
	}

	vmm.Reclassify(boot.Tracker())
	frameTrackLen := boot.Tracker().Len()

	trackerAddr := boot.Tracker().BufferAddr()
	trackerFrame := bootabi.PhysAddr(trackerAddr)
	if err := builder.MapFrameTracker(trackerFrame); err != nil {
		return Plan{}, fmt.Errorf("handoff: map frame tracker: %w", err)
	}

	finalMmap, err := efi.ExitBootServicesWithRetry(bs, exitBootServicesAttempts)
	if err != nil {
		return Plan{}, fmt.Errorf("handoff: exit boot services: %w", err)
	}

	info := bootabi.BootInfo{
		Mmap:                finalMmap,
		GraphicsModeInfo:    graphics,
		GraphicsFramebuffer: fbVirt,
		RSDPAddr:            rsdp.Addr,
	}
	if err := writeBootInfo(readView, bootInfoFrame, info); err != nil {
		return Plan{}, fmt.Errorf("handoff: write boot info: %w", err)
	}

	return Plan{
		CR3:            builder.PageTable().Root(),
		Entry:          kernel.Entry,
		FrameTrackLen:  frameTrackLen,
		ExitBootsRetry: exitBootServicesAttempts,
	}, nil
}

// writeBootInfo encodes info directly into the page backing frame, reached
// through readView the same way the frame tracker's own backing page is.
func writeBootInfo(readView func(bootabi.PhysAddr, int) []byte, frame bootabi.PhysAddr, info bootabi.BootInfo) error {
	buf := readView(frame, bootabi.PageSize)
	return bootabi.EncodeBootInfo(info, buf)
}

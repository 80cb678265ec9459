package bootabi

// MemoryType classifies a firmware-reported memory descriptor.
type MemoryType uint32

const (
	Reserved MemoryType = iota
	Conventional
	BootServicesCode
	BootServicesData
	Mmio
	MmioPortSpace
	Unaccepted
)

// MemoryDescriptor mirrors a UEFI EFI_MEMORY_DESCRIPTOR: a contiguous run of
// PageCount 4 KiB physical frames of a single firmware-reported type.
type MemoryDescriptor struct {
	Type      MemoryType
	PhysStart PhysAddr
	PageCount uint64
}

// End returns the physical address one past the descriptor's last frame.
func (d MemoryDescriptor) End() PhysAddr {
	return d.PhysStart + PhysAddr(d.PageCount*PageSize)
}

// MaxPhysAddr returns the highest physical address referenced by mmap,
// floored at 4 GiB. The floor is required so the offset map built over it
// still reaches MMIO for LAPIC/IOAPIC/PCI on memory-starved machines (spec.md
// §4.4 mapping 2); see scenario S5.
func MaxPhysAddr(mmap []MemoryDescriptor) PhysAddr {
	const floor = PhysAddr(4 * GiantPageSize1GiB)
	max := floor
	for _, d := range mmap {
		if end := d.End(); end > max {
			max = end
		}
	}
	return max
}

// PixelFormat matches the UEFI Graphics Output Protocol pixel layouts this
// system understands.
type PixelFormat uint8

const (
	PixelFormatRGB PixelFormat = iota
	PixelFormatBGR
)

// GraphicsModeInfo describes the active GOP mode.
type GraphicsModeInfo struct {
	Width       uint32
	Height      uint32
	Stride      uint32 // pixels per scan line
	PixelFormat PixelFormat
}

// BootInfo is the page-aligned record handed from loader to kernel at
// BootInfoVirt. Every pointer-shaped field inside it is a higher-half
// virtual address, valid only once the offset map has been installed.
type BootInfo struct {
	Mmap                []MemoryDescriptor
	GraphicsModeInfo    GraphicsModeInfo
	GraphicsFramebuffer VirtAddr
	RSDPAddr            PhysAddr
}

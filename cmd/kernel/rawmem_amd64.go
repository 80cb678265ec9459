//go:build kestrel_freestanding && amd64

package main

import (
	"unsafe"

	"github.com/kestrelos/kestrel/internal/bootabi"
	"github.com/kestrelos/kestrel/internal/vmm"
)

// physView resolves a physical address through the physical-memory offset
// map the loader already installed before the jump: by the time kmain
// runs, MemOffset+p is always mapped to physical address p.
func physView(phys bootabi.PhysAddr) *vmm.Table {
	addr := uintptr(bootabi.MemOffset) + uintptr(phys)
	return (*vmm.Table)(unsafe.Pointer(addr))
}

// virtView reads size bytes at a virtual address already mapped in the
// address space the loader built and the kernel adopted.
func virtView(virt bootabi.VirtAddr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(virt))), size)
}

//go:build kestrel_freestanding && amd64

// Command kernel is the post-handoff half of the system: it adopts the
// address space and BootInfo the loader built, brings the heap up, and
// tears down the bootstrap identity map. It is never run by go run or go
// test; _start is the ELF entry point a linker script points at, and
// kmain is the first ordinary Go function it calls.
package main

import (
	"github.com/kestrelos/kestrel/internal/bootabi"
	"github.com/kestrelos/kestrel/internal/earlylog"
	"github.com/kestrelos/kestrel/internal/kbringup"
	"github.com/kestrelos/kestrel/internal/pmm"
	"github.com/kestrelos/kestrel/internal/vmm"
)

// kernelStack backs the stack _start switches onto; its address is a
// compile-time constant, so no runtime support is needed to find it.
var kernelStack [65536]byte

const (
	consoleCols = 100
	consoleRows = 40
)

// bootLog is the only logging sink available before kbringup.Start returns
// a usable BootInfo and framebuffer address to draw a real console into.
var bootLog = earlylog.NewSlog(noopFramebuffer{}, 80, 1)

type noopFramebuffer struct{}

func (noopFramebuffer) Clear()              {}
func (noopFramebuffer) DrawRow(int, string) {}

// lateAllocator breaks the construction cycle between the kernel's
// OffsetPageTable, which needs a FrameSource the moment it is built, and
// kbringup.Start, which builds the real pmm.KernelAllocator but requires an
// already-constructed page table as an argument. The table is built first
// with an empty lateAllocator; once Start returns, alloc is filled in, and
// every MapTo call the table makes afterward (InitHeap's) reaches the real
// allocator.
type lateAllocator struct {
	alloc *pmm.KernelAllocator
}

func (l *lateAllocator) AllocateFrameTyped(tag bootabi.FrameUsageTag) bootabi.PhysAddr {
	return l.alloc.AllocateFrameTyped(tag)
}

// kmain is the kernel's first Go function, called by _start with the
// loader's FrameTrackerArray run count already shuffled from RCX into RDI
// per the System V calling convention this binary is compiled for.
func kmain(frameTrackLen int) {
	root := bootabi.PhysAddr(readCR3())
	late := &lateAllocator{}
	pt := vmm.NewOffsetPageTable(root, physView, late)

	b, err := kbringup.Start(frameTrackLen, virtView, pt, cpu{})
	if err != nil {
		earlylog.Fatal(bootLog, "kernel bring-up failed", "error", err)
	}
	late.alloc = b.Allocator

	console := newBitmapConsole(b.BootInfo.GraphicsModeInfo, b.BootInfo.GraphicsFramebuffer)
	log := earlylog.NewSlog(console, consoleCols, consoleRows)

	if _, err := b.InitHeap(); err != nil {
		earlylog.Fatal(log, "heap init failed", "error", err)
	}
	b.Cleanup()

	log.Info("kernel bring-up complete")
	halt()
}

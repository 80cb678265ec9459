//go:build goos_uefi

// Command bootx64 is the UEFI application that locates the kernel ELF
// image, builds its address space, and hands off execution to it. It
// carries zero third-party dependencies: nothing in the Go ecosystem runs
// before ExitBootServices, the same wall gopher-os and mazarin hit.
package main

import (
	"github.com/kestrelos/kestrel/internal/bootabi"
	"github.com/kestrelos/kestrel/internal/earlylog"
	"github.com/kestrelos/kestrel/internal/efi/x64"
	"github.com/kestrelos/kestrel/internal/handoff"
	"github.com/kestrelos/kestrel/internal/vmm"
)

// main is the UEFI application entry point. The goos_uefi runtime's own
// crt0 handles the PE32+ calling convention and EFI_STATUS return value;
// it populates x64.ImageHandle/x64.SystemTable before calling main, the
// same way a hosted runtime populates os.Args before calling a normal
// program's main.
func main() {
	fw := x64.New(x64.ImageHandle, x64.SystemTable)

	plan, err := handoff.Run(fw, physView, readPhys)
	if err != nil {
		earlylog.Fatal(consoleLog, "handoff failed", "error", err)
	}

	jumpToKernel(uint64(plan.CR3), uint64(plan.Entry), plan.FrameTrackLen)
}

// consoleLog is the loader's only logging sink: a one-row scroll buffer
// over noopFramebuffer, which draws nothing, so the loader's log lines are
// not displayed anywhere.
var consoleLog = earlylog.NewSlog(noopFramebuffer{}, 80, 1)

type noopFramebuffer struct{}

func (noopFramebuffer) Clear()                  {}
func (noopFramebuffer) DrawRow(int, string) {}

// physView reinterprets a physical address as a live page table, valid
// only before ExitBootServices tears down the firmware's identity map of
// low memory.
func physView(phys bootabi.PhysAddr) *vmm.Table {
	return (*vmm.Table)(rawPointer(uintptr(phys)))
}

// readPhys reinterprets size bytes at phys as a byte slice; handoff uses it
// for the frame tracker's backing page and to marshal BootInfo into its
// page before handoff.
func readPhys(phys bootabi.PhysAddr, size int) []byte {
	return rawSlice(uintptr(phys), size)
}

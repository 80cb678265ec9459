//go:build kestrel_freestanding && amd64

package main

// readCR3, flushTLB, and halt are implemented in cpu_amd64.s: none of the
// three has a portable Go expression, and halt is the kernel's idle loop
// once bring-up finishes since there is no scheduler to hand control to.
func readCR3() uint64
func flushTLB()
func halt()

// cpu is the kbringup.CPU implementation for real hardware.
type cpu struct{}

func (cpu) FlushTLB() { flushTLB() }

//go:build goos_uefi && amd64

package main

// jumpToKernel is implemented in jump_amd64.s.
func jumpToKernel(cr3 uint64, entry uint64, frameTrackLen int)

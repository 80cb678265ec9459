//go:build goos_uefi && amd64

package main

import "unsafe"

// rawPointer reinterprets addr as a pointer, valid only while the
// firmware's identity map of low memory is still in effect.
func rawPointer(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}

// rawSlice reinterprets size bytes starting at addr as a byte slice.
func rawSlice(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

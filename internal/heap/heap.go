// Package heap is a first-fit free-list allocator over a single contiguous
// virtual range — the kernel's only dynamic allocator, guarded by a mutex
// standing in for the spinlock a single-core, non-preemptive kernel would
// otherwise need (spec carries no SMP or interrupts, so a plain mutex never
// actually contends, but every mutation still goes through it).
package heap

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/kestrelos/kestrel/internal/bootabi"
)

// headerSize is the size in bytes of the in-band block header placed
// immediately before every block's payload.
const headerSize = 24

// blockHeader is written directly into the heap's own backing bytes, ahead
// of every block's payload: Size is the payload size, Free is 1 for a free
// block, Next is the virtual address of the following block's header (0 at
// the end of the list).
type blockHeader struct {
	Size uint64
	Free uint64
	Next uint64
}

// Allocator is a single free list threaded through the heap's own backing
// storage, starting life as one giant free block spanning the whole range.
type Allocator struct {
	mu      sync.Mutex
	base    bootabi.VirtAddr
	size    uint64
	storage []byte
}

// New wraps the live virtual range [base, base+size) as a heap, viewing it
// through unsafe as directly-addressable memory — valid once base has
// actually been mapped, which kbringup guarantees before calling this.
func New(base bootabi.VirtAddr, size uint64) *Allocator {
	storage := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(base))), size)
	return NewWithStorage(base, storage)
}

// NewWithStorage wraps an explicit backing buffer instead of reinterpreting
// a raw virtual address, the shape tests use to exercise the allocator
// without touching real memory.
func NewWithStorage(base bootabi.VirtAddr, storage []byte) *Allocator {
	if uint64(len(storage)) < headerSize {
		panic("heap: storage smaller than one block header")
	}
	a := &Allocator{base: base, size: uint64(len(storage)), storage: storage}
	a.header(base).Size = uint64(len(storage)) - headerSize
	a.header(base).Free = 1
	a.header(base).Next = 0
	return a
}

func (a *Allocator) header(addr bootabi.VirtAddr) *blockHeader {
	off := uint64(addr) - uint64(a.base)
	return (*blockHeader)(unsafe.Pointer(&a.storage[off]))
}

func (a *Allocator) payload(addr bootabi.VirtAddr) bootabi.VirtAddr {
	return addr + headerSize
}

// backPointer returns a pointer to the 8 bytes immediately before payload,
// which Alloc always reserves (as part of padding) to hold the owning
// block's header address, so Free can recover it regardless of how much
// alignment padding sits between the header and the returned address.
func (a *Allocator) backPointer(payload bootabi.VirtAddr) *uint64 {
	off := uint64(payload) - 8 - uint64(a.base)
	return (*uint64)(unsafe.Pointer(&a.storage[off]))
}

var ErrOutOfMemory = errors.New("heap: out of memory")

const minAlign = 8

// Alloc reserves size bytes aligned to align (rounded up to at least 8),
// returning the payload's virtual address. It walks the free list
// first-fit, splitting the chosen block if the remainder is large enough to
// hold another header plus at least one byte of payload.
//
// The returned address always has at least 8 bytes of padding behind it,
// even when align == minAlign would otherwise need none: Alloc always
// writes the owning block's header address into those 8 bytes (see
// backPointer), since for align > minAlign the returned address is not
// addr-headerSize away from its header and Free has no other way to find
// it back.
func (a *Allocator) Alloc(size uint64, align uint64) (bootabi.VirtAddr, error) {
	if align < minAlign {
		align = minAlign
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.base
	for {
		h := a.header(cur)
		if h.Free == 1 {
			payload := a.payload(cur)
			alignedPayload := alignUp(uint64(payload)+8, align)
			padding := alignedPayload - uint64(payload)
			need := padding + size

			if h.Size >= need {
				a.splitAndAllocate(cur, need)
				result := bootabi.VirtAddr(alignedPayload)
				*a.backPointer(result) = uint64(cur)
				return result, nil
			}
		}
		if h.Next == 0 {
			return 0, ErrOutOfMemory
		}
		cur = bootabi.VirtAddr(h.Next)
	}
}

// splitAndAllocate marks block as used, splitting off a new free block from
// its tail if the leftover space can hold another header and a non-zero
// payload.
func (a *Allocator) splitAndAllocate(block bootabi.VirtAddr, need uint64) {
	h := a.header(block)
	remaining := h.Size - need

	if remaining > headerSize {
		newBlockAddr := bootabi.VirtAddr(uint64(a.payload(block)) + need)
		newHeader := a.header(newBlockAddr)
		newHeader.Size = remaining - headerSize
		newHeader.Free = 1
		newHeader.Next = h.Next

		h.Size = need
		h.Next = uint64(newBlockAddr)
	}
	h.Free = 0
}

// Free marks the block owning payload addr as free again and merges it with
// an immediately-following free block, if any. It does not merge backward:
// the singly linked list has no previous pointer, matching spec's explicit
// exclusion of fragmentation-aware allocation.
func (a *Allocator) Free(addr bootabi.VirtAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	block := bootabi.VirtAddr(*a.backPointer(addr))
	h := a.header(block)
	h.Free = 1

	if h.Next != 0 {
		next := a.header(bootabi.VirtAddr(h.Next))
		if next.Free == 1 {
			h.Size += headerSize + next.Size
			h.Next = next.Next
		}
	}
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

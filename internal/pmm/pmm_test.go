package pmm

import (
	"testing"

	"github.com/kestrelos/kestrel/internal/bootabi"
)

func identityOffsetView(pages map[bootabi.PhysAddr][]byte) func(bootabi.PhysAddr, int) []byte {
	return func(addr bootabi.PhysAddr, size int) []byte {
		buf, ok := pages[addr]
		if !ok {
			buf = make([]byte, size)
			pages[addr] = buf
		}
		return buf
	}
}

// S4 — Usable-frames excludes zero.
func TestBootAllocatorExcludesZeroFrame(t *testing.T) {
	mmap := []bootabi.MemoryDescriptor{
		{Type: bootabi.Conventional, PhysStart: 0, PageCount: 16},
	}
	pages := map[bootabi.PhysAddr][]byte{}
	alloc := NewBootAllocator(mmap, identityOffsetView(pages))

	// Bootstrapping the tracker consumed frame 0x1000 (the first usable
	// frame is the zero frame's successor) as FrameUsageBuffer.
	if got := alloc.Tracker().Slice()[0].Frame; got != 0x1000 {
		t.Fatalf("tracker bootstrap frame = %#x, want 0x1000", got)
	}

	var got []bootabi.PhysAddr
	for i := 0; i < 14; i++ {
		got = append(got, alloc.AllocateFrame())
	}
	for i, addr := range got {
		want := bootabi.PhysAddr(0x2000 + i*0x1000)
		if addr != want {
			t.Fatalf("frame %d = %#x, want %#x", i, addr, want)
		}
	}
}

func TestBootAllocatorNonAliasing(t *testing.T) {
	mmap := []bootabi.MemoryDescriptor{
		{Type: bootabi.Conventional, PhysStart: 0, PageCount: 64},
	}
	pages := map[bootabi.PhysAddr][]byte{}
	alloc := NewBootAllocator(mmap, identityOffsetView(pages))

	seen := map[bootabi.PhysAddr]bool{alloc.Tracker().Slice()[0].Frame: true}
	for i := 0; i < 32; i++ {
		f := alloc.AllocateFrame()
		if f == 0 {
			t.Fatal("allocated the zero frame")
		}
		if seen[f] {
			t.Fatalf("frame %#x allocated twice", f)
		}
		seen[f] = true
	}
}

func TestBootAllocatorOutOfMemoryPanics(t *testing.T) {
	mmap := []bootabi.MemoryDescriptor{
		{Type: bootabi.Conventional, PhysStart: 0, PageCount: 2},
	}
	pages := map[bootabi.PhysAddr][]byte{}
	alloc := NewBootAllocator(mmap, identityOffsetView(pages))

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on OOM")
		}
	}()
	alloc.AllocateFrame()
}

// S5 — MaxPhysAddr floor.
func TestMaxPhysAddrFloor(t *testing.T) {
	mmap := []bootabi.MemoryDescriptor{
		{Type: bootabi.Conventional, PhysStart: 0, PageCount: 32},
	}
	if got, want := bootabi.MaxPhysAddr(mmap), bootabi.PhysAddr(0x1_0000_0000); got != want {
		t.Fatalf("MaxPhysAddr = %#x, want %#x", got, want)
	}
}

func TestMaxPhysAddrAboveFloor(t *testing.T) {
	mmap := []bootabi.MemoryDescriptor{
		{Type: bootabi.Conventional, PhysStart: 0x2_0000_0000, PageCount: 0x100000},
	}
	got := bootabi.MaxPhysAddr(mmap)
	want := bootabi.PhysAddr(0x2_0000_0000 + 0x100000*bootabi.PageSize)
	if got != want {
		t.Fatalf("MaxPhysAddr = %#x, want %#x", got, want)
	}
}

func TestKernelAllocatorExcludesTrackedFrames(t *testing.T) {
	mmap := []bootabi.MemoryDescriptor{
		{Type: bootabi.Conventional, PhysStart: 0x1000, PageCount: 8},
	}
	pages := map[bootabi.PhysAddr][]byte{}
	boot := NewBootAllocator(mmap, identityOffsetView(pages))
	boot.AllocateFrameTyped(bootabi.KernelCode)
	boot.AllocateFrameTyped(bootabi.KernelCode)
	boot.Tracker().MergeAll()

	kern := NewKernelAllocator(mmap, boot.Tracker())
	frame := kern.AllocateFrame()
	if kern.Tracker().Contains(frame) == false {
		t.Fatal("allocated frame should now be tracked")
	}
	for _, r := range boot.Tracker().Slice() {
		if frame >= r.Frame && frame < r.End() && r.Tag == bootabi.KernelCode {
			t.Fatalf("kernel allocator returned an already-tracked frame %#x", frame)
		}
	}
}

func TestKernelAllocatorBatchMerge(t *testing.T) {
	mmap := []bootabi.MemoryDescriptor{
		{Type: bootabi.Conventional, PhysStart: 0x10_0000, PageCount: 8192},
	}
	pages := map[bootabi.PhysAddr][]byte{}
	boot := NewBootAllocator(mmap, identityOffsetView(pages))
	kern := NewKernelAllocator(mmap, boot.Tracker())

	out := make([]bootabi.PhysAddr, 8)
	n := kern.AllocateFramesTyped(out, bootabi.HugePageSize2MiB, bootabi.KernelHeap)
	if n != 8 {
		t.Fatalf("allocated %d frames, want 8", n)
	}
	if err := kern.Tracker().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

package frametrack

import (
	"testing"
	"unsafe"

	"github.com/kestrelos/kestrel/internal/bootabi"
)

// unsafeBackingBytes exposes an Array's backing storage for tests that need
// to simulate handing the same physical page to a fresh tracker, the way
// the kernel re-adopts the loader's tracker page after handoff.
func unsafeBackingBytes(a *Array) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&a.records[0])), len(a.records)*recordSize)
}

func newTestArray(t *testing.T, capacity int) *Array {
	t.Helper()
	storage := make([]byte, capacity*recordSize)
	return New(storage)
}

// S1 — Adjacent same-tag merge.
func TestMergeAllAdjacentSameTag(t *testing.T) {
	a := newTestArray(t, 8)
	a.PushUsed(bootabi.UsedFrameRun{Frame: 0x1000, Count: 1, Tag: bootabi.KernelHeap})
	a.PushUsed(bootabi.UsedFrameRun{Frame: 0x2000, Count: 3, Tag: bootabi.KernelHeap})

	a.MergeAll()

	if a.Len() != 1 {
		t.Fatalf("len = %d, want 1", a.Len())
	}
	want := bootabi.UsedFrameRun{Frame: 0x1000, Count: 4, Tag: bootabi.KernelHeap}
	if got := a.Slice()[0]; got != want {
		t.Fatalf("run = %+v, want %+v", got, want)
	}
}

// S2 — Unknown blocks merge.
func TestMergeAllUnknownBlocksMerge(t *testing.T) {
	a := newTestArray(t, 8)
	a.PushUsed(bootabi.UsedFrameRun{Frame: 0x1000, Count: 1, Tag: bootabi.Unknown})
	a.PushUsed(bootabi.UsedFrameRun{Frame: 0x2000, Count: 1, Tag: bootabi.Unknown})

	a.MergeAll()

	if a.Len() != 2 {
		t.Fatalf("len = %d, want 2", a.Len())
	}
	if a.Slice()[0].Tag != bootabi.Unknown || a.Slice()[1].Tag != bootabi.Unknown {
		t.Fatalf("tags not preserved: %+v", a.Slice())
	}
}

// S3 — Cross-tag no merge.
func TestMergeAllCrossTagNoMerge(t *testing.T) {
	a := newTestArray(t, 8)
	a.PushUsed(bootabi.UsedFrameRun{Frame: 0x1000, Count: 1, Tag: bootabi.KernelCode})
	a.PushUsed(bootabi.UsedFrameRun{Frame: 0x2000, Count: 1, Tag: bootabi.KernelHeap})

	a.MergeAll()

	if a.Len() != 2 {
		t.Fatalf("len = %d, want 2", a.Len())
	}
}

func TestMergeAllOutOfOrderInput(t *testing.T) {
	a := newTestArray(t, 8)
	a.PushUsed(bootabi.UsedFrameRun{Frame: 0x5000, Count: 1, Tag: bootabi.PageTable})
	a.PushUsed(bootabi.UsedFrameRun{Frame: 0x1000, Count: 1, Tag: bootabi.PageTable})
	a.PushUsed(bootabi.UsedFrameRun{Frame: 0x2000, Count: 1, Tag: bootabi.PageTable})
	a.PushUsed(bootabi.UsedFrameRun{Frame: 0x4000, Count: 1, Tag: bootabi.PageTable})

	a.MergeAll()

	if err := a.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if a.Len() != 2 {
		t.Fatalf("len = %d, want 2 (merged [0x1000,0x3000) and [0x4000,0x6000))", a.Len())
	}
	if got, want := a.Slice()[0], (bootabi.UsedFrameRun{Frame: 0x1000, Count: 2, Tag: bootabi.PageTable}); got != want {
		t.Fatalf("run[0] = %+v, want %+v", got, want)
	}
	if got, want := a.Slice()[1], (bootabi.UsedFrameRun{Frame: 0x4000, Count: 2, Tag: bootabi.PageTable}); got != want {
		t.Fatalf("run[1] = %+v, want %+v", got, want)
	}
}

func TestPushUsedOverflowPanics(t *testing.T) {
	a := newTestArray(t, 1)
	a.PushUsed(bootabi.UsedFrameRun{Frame: 0x1000, Count: 1, Tag: bootabi.PageTable})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on capacity overflow")
		}
	}()
	a.PushUsed(bootabi.UsedFrameRun{Frame: 0x2000, Count: 1, Tag: bootabi.PageTable})
}

func TestNewExistingPreservesLength(t *testing.T) {
	a := newTestArray(t, 4)
	a.PushUsed(bootabi.UsedFrameRun{Frame: 0x1000, Count: 1, Tag: bootabi.KernelCode})
	a.PushUsed(bootabi.UsedFrameRun{Frame: 0x2000, Count: 1, Tag: bootabi.KernelCode})

	storage := unsafeBackingBytes(a)
	reconstructed := NewExisting(storage, a.Len())

	if reconstructed.Len() != 2 {
		t.Fatalf("len = %d, want 2", reconstructed.Len())
	}
	if reconstructed.Slice()[1].Frame != 0x2000 {
		t.Fatalf("unexpected second run: %+v", reconstructed.Slice()[1])
	}
}

func TestContains(t *testing.T) {
	a := newTestArray(t, 4)
	a.PushUsed(bootabi.UsedFrameRun{Frame: 0x3000, Count: 2, Tag: bootabi.KernelCode})

	if !a.Contains(0x3000) || !a.Contains(0x4000) {
		t.Fatal("expected frames within the run to be contained")
	}
	if a.Contains(0x5000) {
		t.Fatal("frame past the run must not be contained")
	}
}

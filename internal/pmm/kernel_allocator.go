package pmm

import (
	"github.com/kestrelos/kestrel/internal/bootabi"
	"github.com/kestrelos/kestrel/internal/frametrack"
)

// KernelAllocator is the post-handoff allocator (spec.md §4.6). It
// reconstructs the FrameTrackerArray the loader built (adopting the page at
// FrameTrackerVirt with the length passed through the handoff argument) and
// additionally excludes any frame that already intersects a tracked run —
// the loader's page-table and kernel-code frames must never be handed out
// again.
type KernelAllocator struct {
	mmap    []bootabi.MemoryDescriptor
	tracker *frametrack.Array
}

// NewKernelAllocator adopts an existing tracker (already reconstructed via
// frametrack.NewExisting) alongside the BootInfo memory map.
func NewKernelAllocator(mmap []bootabi.MemoryDescriptor, tracker *frametrack.Array) *KernelAllocator {
	return &KernelAllocator{mmap: mmap, tracker: tracker}
}

// Tracker returns the adopted FrameTrackerArray.
func (a *KernelAllocator) Tracker() *frametrack.Array { return a.tracker }

// usableFrames filters the same memory types as the boot allocator but also
// excludes any candidate page that overlaps a tracked run, aligning each candidate
// address up to pageSize first so callers requesting larger page sizes (e.g.
// the 2 MiB heap pages) never receive a misaligned frame.
func (a *KernelAllocator) usableFrames(pageSize uint64, yield func(bootabi.PhysAddr) bool) {
	for _, d := range a.mmap {
		if !isUsableBootType(d.Type) {
			continue
		}
		start := alignUp(uint64(d.PhysStart), pageSize)
		end := uint64(d.End())
		for f := start; f+pageSize <= end; f += pageSize {
			if f == 0 {
				continue
			}
			frame := bootabi.PhysAddr(f)
			candidate := bootabi.UsedFrameRun{Frame: frame, Count: uint32(pageSize / bootabi.PageSize)}
			overlaps := false
			for _, run := range a.tracker.Slice() {
				if run.Overlaps(candidate) {
					overlaps = true
					break
				}
			}
			if overlaps {
				continue
			}
			if !yield(frame) {
				return
			}
		}
	}
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// AllocateFrame allocates a single 4 KiB frame tagged PageTable, the default
// for generic post-handoff allocations (typically page-table pages created
// by mapTo), and re-sorts the tracker immediately per spec.md §4.6.
func (a *KernelAllocator) AllocateFrame() bootabi.PhysAddr {
	return a.AllocateFrameTyped(bootabi.PageTable)
}

// AllocateFrameTyped allocates a single 4 KiB frame with the given tag.
func (a *KernelAllocator) AllocateFrameTyped(tag bootabi.FrameUsageTag) bootabi.PhysAddr {
	var found bootabi.PhysAddr
	ok := false
	a.usableFrames(bootabi.PageSize, func(f bootabi.PhysAddr) bool {
		found, ok = f, true
		return false
	})
	if !ok {
		panic("pmm: out of usable frames")
	}
	a.tracker.PushUsed(bootabi.UsedFrameRun{Frame: found, Count: 1, Tag: tag})
	a.tracker.SortInPlace()
	return found
}

// AllocateFramesTyped allocates len(out) frames of the given pageSize
// (multiples of 4 KiB, e.g. HugePageSize2MiB for heap pages), filling out
// and returning how many it managed to allocate. Rather than pushing one
// run per frame, contiguous frames are batched into a single run and the
// tracker is merged once at the end — the batching discipline spec.md §4.7
// requires for heap bring-up (8 frames per batch, merge after each batch).
// tag must not be Unknown.
func (a *KernelAllocator) AllocateFramesTyped(out []bootabi.PhysAddr, pageSize uint64, tag bootabi.FrameUsageTag) int {
	if tag == bootabi.Unknown {
		panic("pmm: AllocateFramesTyped tag must not be Unknown")
	}

	count := 0
	a.usableFrames(pageSize, func(f bootabi.PhysAddr) bool {
		if count >= len(out) {
			return false
		}
		out[count] = f
		count++
		return true
	})

	framesPerPage := uint32(pageSize / bootabi.PageSize)
	var current *bootabi.UsedFrameRun
	for _, frame := range out[:count] {
		if current != nil && current.End() == frame {
			current.Count += framesPerPage
			continue
		}
		if current != nil {
			a.tracker.PushUsed(*current)
		}
		current = &bootabi.UsedFrameRun{Frame: frame, Count: framesPerPage, Tag: tag}
	}
	if current != nil {
		a.tracker.PushUsed(*current)
	}

	a.tracker.MergeAll()
	return count
}

var _ FrameAllocator = (*KernelAllocator)(nil)

package bootabi

import "fmt"

// FrameUsageTag classifies why a run of physical frames is in use.
type FrameUsageTag uint8

const (
	// Unknown is a sentinel: the run is not eligible to merge with its
	// neighbors. The boot allocator's untyped AllocateFrame marks frames
	// whose final purpose isn't yet decided as Unknown; the loader's
	// vmm.Reclassify retags any such run as PageTable before handoff.
	Unknown FrameUsageTag = iota
	KernelCode
	KernelHeap
	PageTable
	FrameUsageBuffer
	Reusable
)

func (t FrameUsageTag) String() string {
	switch t {
	case Unknown:
		return "Unknown"
	case KernelCode:
		return "KernelCode"
	case KernelHeap:
		return "KernelHeap"
	case PageTable:
		return "PageTable"
	case FrameUsageBuffer:
		return "FrameUsageBuffer"
	case Reusable:
		return "Reusable"
	default:
		return fmt.Sprintf("FrameUsageTag(%d)", uint8(t))
	}
}

// UsedFrameRun represents Count consecutive 4 KiB frames starting at Frame,
// all carrying the same usage tag. Count is intentionally 32 bits: a single
// run spanning more than 2^32 frames would cover more than 16 TiB, far past
// anything this allocator needs to express in one record.
type UsedFrameRun struct {
	Frame PhysAddr
	Count uint32
	Tag   FrameUsageTag
}

// End returns the physical address one past the last frame in the run.
func (r UsedFrameRun) End() PhysAddr {
	return r.Frame + PhysAddr(uint64(r.Count)*PageSize)
}

// Overlaps reports whether r and other cover any common frame.
func (r UsedFrameRun) Overlaps(other UsedFrameRun) bool {
	return r.Frame < other.End() && other.Frame < r.End()
}

// CanMergeWith reports whether r and next may coalesce into a single run:
// same non-Unknown tag, and next begins exactly where r ends.
func (r UsedFrameRun) CanMergeWith(next UsedFrameRun) bool {
	if r.Tag == Unknown || next.Tag == Unknown {
		return false
	}
	if r.Tag != next.Tag {
		return false
	}
	return r.End() == next.Frame
}

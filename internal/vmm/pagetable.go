// Package vmm builds the higher-half x86_64 address space the loader hands
// off to the kernel: a 4-level page table translating kernel segments, a
// physical-memory offset map, and the fixed BootInfo/FrameTracker pages.
package vmm

import (
	"errors"
	"fmt"

	"github.com/kestrelos/kestrel/internal/bootabi"
)

// Entry is a single x86_64 page table entry. The same 8-byte layout is
// reused at every level (PML4, PDPT, PD, PT); only the meaning of the
// "huge" bit and which level is a leaf differs.
type Entry uint64

// Page table entry flags (Intel SDM vol. 3A, 4.5).
const (
	FlagPresent  Entry = 1 << 0
	FlagWritable Entry = 1 << 1
	FlagUser     Entry = 1 << 2
	FlagHuge     Entry = 1 << 7 // PS bit: 1 GiB at PDPT level, 2 MiB at PD level
	FlagGlobal   Entry = 1 << 8
	FlagNoExec   Entry = 1 << 63
)

const addrMask Entry = 0x000f_ffff_ffff_f000

// PageFlags is the caller-facing subset of Entry bits a mapping request
// chooses; Present is always set by MapTo and need not be passed.
type PageFlags struct {
	Writable bool
	User     bool
	NoExec   bool
	Global   bool
}

func (f PageFlags) entry() Entry {
	e := FlagPresent
	if f.Writable {
		e |= FlagWritable
	}
	if f.User {
		e |= FlagUser
	}
	if f.Global {
		e |= FlagGlobal
	}
	if f.NoExec {
		e |= FlagNoExec
	}
	return e
}

// Table is one page of 512 entries, the in-memory shape of every paging
// structure (PML4, PDPT, PD, PT) on x86_64.
type Table struct {
	Entries [512]Entry
}

func (e Entry) present() bool { return e&FlagPresent != 0 }
func (e Entry) huge() bool    { return e&FlagHuge != 0 }
func (e Entry) addr() bootabi.PhysAddr {
	return bootabi.PhysAddr(e & addrMask)
}

func indexFor(level int, virt bootabi.VirtAddr) int {
	shift := 12 + 9*level
	return int((uint64(virt) >> shift) & 0x1ff)
}

var ErrNotMapped = errors.New("vmm: virtual address not mapped")

// PhysView resolves a physical address to a pointer-backed Table the CPU
// can currently read and write: before paging is switched on this is the
// firmware's identity map, afterwards it is the physical-memory offset map
// at bootabi.MemOffset.
type PhysView func(bootabi.PhysAddr) *Table

// FrameSource is the subset of pmm.FrameAllocator the page-table walker
// needs: a single place new page-table frames come from, tagged PageTable
// so the tracker never hands them out again.
type FrameSource interface {
	AllocateFrameTyped(tag bootabi.FrameUsageTag) bootabi.PhysAddr
}

// OffsetPageTable walks and mutates a 4-level x86_64 page table rooted at a
// PML4 frame, resolving intermediate frames through a PhysView.
type OffsetPageTable struct {
	root  bootabi.PhysAddr
	view  PhysView
	alloc FrameSource
}

// NewOffsetPageTable wraps an existing (possibly freshly allocated and
// zeroed) PML4 frame.
func NewOffsetPageTable(root bootabi.PhysAddr, view PhysView, alloc FrameSource) *OffsetPageTable {
	return &OffsetPageTable{root: root, view: view, alloc: alloc}
}

// Root returns the PML4 physical frame, the value to load into CR3.
func (pt *OffsetPageTable) Root() bootabi.PhysAddr { return pt.root }

// nextTable returns the child table at index within table, allocating and
// zeroing a new frame for it if absent.
func (pt *OffsetPageTable) nextTable(table *Table, index int, flags PageFlags) *Table {
	e := table.Entries[index]
	if e.present() {
		return pt.view(e.addr())
	}
	frame := pt.alloc.AllocateFrameTyped(bootabi.PageTable)
	child := pt.view(frame)
	*child = Table{}
	table.Entries[index] = Entry(frame) | flags.entry() | FlagPresent
	return child
}

// MapTo maps a single page of pageSize (bootabi.PageSize, HugePageSize2MiB,
// or GiantPageSize1GiB) at virt to phys with the given flags. Intermediate
// tables are created on demand, always present+writable so the CPU can
// traverse them regardless of the leaf's own permissions (the leaf entry is
// what actually restricts access).
func (pt *OffsetPageTable) MapTo(virt bootabi.VirtAddr, phys bootabi.PhysAddr, pageSize uint64, flags PageFlags) error {
	if !virt.IsCanonical() {
		return fmt.Errorf("vmm: virtual address %#x is not canonical", uint64(virt))
	}

	intermediate := PageFlags{Writable: true}
	pml4 := pt.view(pt.root)
	pdpt := pt.nextTable(pml4, indexFor(3, virt), intermediate)

	switch pageSize {
	case bootabi.GiantPageSize1GiB:
		pdpt.Entries[indexFor(2, virt)] = Entry(phys) | flags.entry() | FlagHuge
		return nil
	case bootabi.HugePageSize2MiB:
		pd := pt.nextTable(pdpt, indexFor(2, virt), intermediate)
		pd.Entries[indexFor(1, virt)] = Entry(phys) | flags.entry() | FlagHuge
		return nil
	case bootabi.PageSize:
		pd := pt.nextTable(pdpt, indexFor(2, virt), intermediate)
		pt4 := pt.nextTable(pd, indexFor(1, virt), intermediate)
		pt4.Entries[indexFor(0, virt)] = Entry(phys) | flags.entry()
		return nil
	default:
		return fmt.Errorf("vmm: unsupported page size %#x", pageSize)
	}
}

// Translate walks the table for virt's mapping, reporting the physical
// address it resolves to (with the page offset applied) and whether a
// mapping exists at all.
func (pt *OffsetPageTable) Translate(virt bootabi.VirtAddr) (bootabi.PhysAddr, bool) {
	pml4 := pt.view(pt.root)
	e := pml4.Entries[indexFor(3, virt)]
	if !e.present() {
		return 0, false
	}
	pdpt := pt.view(e.addr())

	e = pdpt.Entries[indexFor(2, virt)]
	if !e.present() {
		return 0, false
	}
	if e.huge() {
		offset := uint64(virt) & (bootabi.GiantPageSize1GiB - 1)
		return bootabi.PhysAddr(uint64(e.addr()) + offset), true
	}
	pd := pt.view(e.addr())

	e = pd.Entries[indexFor(1, virt)]
	if !e.present() {
		return 0, false
	}
	if e.huge() {
		offset := uint64(virt) & (bootabi.HugePageSize2MiB - 1)
		return bootabi.PhysAddr(uint64(e.addr()) + offset), true
	}
	pageTable := pt.view(e.addr())

	e = pageTable.Entries[indexFor(0, virt)]
	if !e.present() {
		return 0, false
	}
	offset := uint64(virt) & (bootabi.PageSize - 1)
	return bootabi.PhysAddr(uint64(e.addr()) + offset), true
}

// Unmap clears the leaf entry mapping virt, whatever page size it was
// mapped with. It does not free or reclaim any page-table frame.
func (pt *OffsetPageTable) Unmap(virt bootabi.VirtAddr) error {
	pml4 := pt.view(pt.root)
	e := pml4.Entries[indexFor(3, virt)]
	if !e.present() {
		return ErrNotMapped
	}
	pdpt := pt.view(e.addr())

	idx2 := indexFor(2, virt)
	e = pdpt.Entries[idx2]
	if !e.present() {
		return ErrNotMapped
	}
	if e.huge() {
		pdpt.Entries[idx2] = 0
		return nil
	}
	pd := pt.view(e.addr())

	idx1 := indexFor(1, virt)
	e = pd.Entries[idx1]
	if !e.present() {
		return ErrNotMapped
	}
	if e.huge() {
		pd.Entries[idx1] = 0
		return nil
	}
	pageTable := pt.view(e.addr())

	idx0 := indexFor(0, virt)
	if !pageTable.Entries[idx0].present() {
		return ErrNotMapped
	}
	pageTable.Entries[idx0] = 0
	return nil
}

// ZeroLowerHalf clears PML4 entries [0, 256), unmapping every identity
// mapping the firmware established below the canonical split — the cleanup
// step the kernel runs once it no longer needs the bootstrap identity map.
func (pt *OffsetPageTable) ZeroLowerHalf() {
	pml4 := pt.view(pt.root)
	for i := 0; i < 256; i++ {
		pml4.Entries[i] = 0
	}
}

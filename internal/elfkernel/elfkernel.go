// Package elfkernel parses the kernel ELF image the loader reads off disk
// and exposes its PT_LOAD segments in a form the address-space builder can
// map directly, rather than copying them into already-running guest RAM the
// way a hosted hypervisor loader would.
package elfkernel

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/kestrelos/kestrel/internal/bootabi"
)

// SegmentFlags mirrors the subset of ELF program header flags the mapper
// cares about: whether the segment is writable and whether it may execute.
type SegmentFlags struct {
	Writable   bool
	Executable bool
}

// Segment is one PT_LOAD program header, already sized and flagged for
// mapping. Data holds exactly Filesz bytes read from the ELF file; the
// remaining Memsz-Filesz bytes (commonly .bss) must be zero-filled by the
// caller once the destination frames are mapped.
type Segment struct {
	VirtAddr bootabi.VirtAddr
	FileSize uint64
	MemSize  uint64
	Data     []byte
	Flags    SegmentFlags
}

// PageCount reports how many 4 KiB pages this segment spans, rounding the
// start down and the end up to page boundaries.
func (s Segment) PageCount() uint64 {
	start := uint64(s.VirtAddr) &^ (bootabi.PageSize - 1)
	end := (uint64(s.VirtAddr) + s.MemSize + bootabi.PageSize - 1) &^ (bootabi.PageSize - 1)
	return (end - start) / bootabi.PageSize
}

// Kernel is a parsed, validated kernel ELF ready to be loaded by an
// address-space builder.
type Kernel struct {
	Entry    bootabi.VirtAddr
	Segments []Segment
}

// Load parses kernel, a ReaderAt over the whole ELF file, and validates it
// against the constraints a freestanding higher-half kernel must satisfy:
// 64-bit x86_64, little-endian, at least one loadable segment, a non-zero
// entry point that falls inside some loaded segment, and virtual addresses
// that are canonical and live in kernel space.
func Load(kernel io.ReaderAt) (*Kernel, error) {
	f, err := elf.NewFile(kernel)
	if err != nil {
		return nil, fmt.Errorf("open kernel elf: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, errors.New("kernel elf is not 64-bit")
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, errors.New("kernel elf is not little-endian")
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("unsupported kernel elf machine %d (want x86_64)", f.Machine)
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("unsupported kernel elf type %s", f.Type)
	}
	if len(f.Progs) == 0 {
		return nil, errors.New("kernel elf has no program headers")
	}

	var segments []Segment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		if prog.Filesz > uint64(math.MaxInt) || prog.Memsz > uint64(math.MaxInt) {
			return nil, fmt.Errorf("segment size %#x exceeds host limits", prog.Memsz)
		}

		va := bootabi.VirtAddr(prog.Vaddr)
		if !va.IsCanonical() {
			return nil, fmt.Errorf("segment vaddr %#x is not canonical", prog.Vaddr)
		}
		if va < bootabi.KernelVirt {
			return nil, fmt.Errorf("segment vaddr %#x is below kernel space %#x", prog.Vaddr, bootabi.KernelVirt)
		}

		data := make([]byte, int(prog.Filesz))
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("read segment @%#x: %w", prog.Off, err)
			}
		}

		segments = append(segments, Segment{
			VirtAddr: va,
			FileSize: prog.Filesz,
			MemSize:  prog.Memsz,
			Data:     data,
			Flags: SegmentFlags{
				Writable:   prog.Flags&elf.PF_W != 0,
				Executable: prog.Flags&elf.PF_X != 0,
			},
		})
	}

	if len(segments) == 0 {
		return nil, errors.New("kernel elf has no loadable segments")
	}

	entry := bootabi.VirtAddr(f.Entry)
	if entry == 0 {
		return nil, errors.New("kernel elf entry point is zero")
	}
	if !containsEntry(segments, entry) {
		return nil, fmt.Errorf("kernel elf entry %#x outside any loaded segment", uint64(entry))
	}

	return &Kernel{Entry: entry, Segments: segments}, nil
}

func containsEntry(segments []Segment, entry bootabi.VirtAddr) bool {
	for _, s := range segments {
		start := uint64(s.VirtAddr)
		if uint64(entry) >= start && uint64(entry) < start+s.MemSize {
			return true
		}
	}
	return false
}

// PageMapper is driven once per page of every segment by an address-space
// builder: it must allocate and map one physical frame at the page-aligned
// virtual address virt, with the segment's flags, then return a PageSize
// byte view over that frame (through whatever mapping the builder already
// holds, e.g. the identity map still active before paging switches) so the
// loader can copy the segment's bytes into it one page at a time. Segment
// pages are not assumed to be backed by contiguous physical frames.
type PageMapper func(virt bootabi.VirtAddr, seg Segment) (page []byte, err error)

// CopyInto drives mapper across every page of every segment, copying file
// bytes and zero-filling the bss tail.
func (k *Kernel) CopyInto(mapper PageMapper) error {
	for _, seg := range k.Segments {
		pageStart := bootabi.VirtAddr(uint64(seg.VirtAddr) &^ (bootabi.PageSize - 1))
		skew := uint64(seg.VirtAddr) - uint64(pageStart)
		pages := seg.PageCount()

		for i := uint64(0); i < pages; i++ {
			virt := pageStart + bootabi.VirtAddr(i*bootabi.PageSize)
			page, err := mapper(virt, seg)
			if err != nil {
				return fmt.Errorf("map segment page @%#x: %w", uint64(virt), err)
			}
			if uint64(len(page)) < bootabi.PageSize {
				return fmt.Errorf("mapper returned %d bytes, want %d", len(page), bootabi.PageSize)
			}

			start := uint64(0)
			if i == 0 {
				start = skew
			}
			for off := start; off < bootabi.PageSize; off++ {
				absolute := i*bootabi.PageSize + off - skew
				switch {
				case absolute < uint64(len(seg.Data)):
					page[off] = seg.Data[absolute]
				case absolute < seg.MemSize:
					page[off] = 0
				}
			}
		}
	}
	return nil
}

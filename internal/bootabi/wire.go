package bootabi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BootInfo's wire encoding: a fixed header followed by a run of fixed-size
// memory descriptor records, all inside the single page at BootInfoVirt.
// Both loader and kernel link against this file, so the layout can never
// drift between them independently.
//
// Header layout (44 bytes):
//
//	[0:8]   magic
//	[8:12]  mmap entry count
//	[12:16] graphics width
//	[16:20] graphics height
//	[20:24] graphics stride
//	[24:28] pixel format
//	[28:36] graphics framebuffer virtual address
//	[36:44] ACPI RSDP physical address
//
// Followed by count descriptor records, 24 bytes each:
//
//	[0:4]   memory type
//	[4:8]   padding
//	[8:16]  physical start
//	[16:24] page count
const (
	bootInfoMagic = uint64(0x4b45535452454c42) // "KESTRELB"

	offMagic      = 0
	offMmapCount  = 8
	offGfxWidth   = 12
	offGfxHeight  = 16
	offGfxStride  = 20
	offGfxFormat  = 24
	offGfxFBVirt  = 28
	offRSDPAddr   = 36
	headerSize    = 44
	descSize      = 24
	maxMmapEntries = (PageSize - headerSize) / descSize
)

// EncodeBootInfo marshals info into buf, which must be at least PageSize
// bytes. It fails if info.Mmap has more entries than fit in one page.
func EncodeBootInfo(info BootInfo, buf []byte) error {
	if len(buf) < PageSize {
		return fmt.Errorf("bootabi: boot info buffer too small (%d < %d)", len(buf), PageSize)
	}
	if len(info.Mmap) > maxMmapEntries {
		return fmt.Errorf("bootabi: %d memory map entries exceed the %d that fit in one page", len(info.Mmap), maxMmapEntries)
	}

	le := binary.LittleEndian
	le.PutUint64(buf[offMagic:offMagic+8], bootInfoMagic)
	le.PutUint32(buf[offMmapCount:offMmapCount+4], uint32(len(info.Mmap)))
	le.PutUint32(buf[offGfxWidth:offGfxWidth+4], info.GraphicsModeInfo.Width)
	le.PutUint32(buf[offGfxHeight:offGfxHeight+4], info.GraphicsModeInfo.Height)
	le.PutUint32(buf[offGfxStride:offGfxStride+4], info.GraphicsModeInfo.Stride)
	le.PutUint32(buf[offGfxFormat:offGfxFormat+4], uint32(info.GraphicsModeInfo.PixelFormat))
	le.PutUint64(buf[offGfxFBVirt:offGfxFBVirt+8], uint64(info.GraphicsFramebuffer))
	le.PutUint64(buf[offRSDPAddr:offRSDPAddr+8], uint64(info.RSDPAddr))

	for i, d := range info.Mmap {
		off := headerSize + i*descSize
		le.PutUint32(buf[off:off+4], uint32(d.Type))
		le.PutUint64(buf[off+8:off+16], uint64(d.PhysStart))
		le.PutUint64(buf[off+16:off+24], d.PageCount)
	}
	return nil
}

var ErrBadBootInfoMagic = errors.New("bootabi: boot info magic mismatch")

// DecodeBootInfo unmarshals a BootInfo record previously written by
// EncodeBootInfo.
func DecodeBootInfo(buf []byte) (BootInfo, error) {
	if len(buf) < headerSize {
		return BootInfo{}, fmt.Errorf("bootabi: boot info buffer too small (%d < %d)", len(buf), headerSize)
	}
	le := binary.LittleEndian
	if le.Uint64(buf[offMagic:offMagic+8]) != bootInfoMagic {
		return BootInfo{}, ErrBadBootInfoMagic
	}

	count := int(le.Uint32(buf[offMmapCount : offMmapCount+4]))
	if count > maxMmapEntries {
		return BootInfo{}, fmt.Errorf("bootabi: decoded entry count %d exceeds page capacity %d", count, maxMmapEntries)
	}
	if len(buf) < headerSize+count*descSize {
		return BootInfo{}, errors.New("bootabi: boot info buffer truncated before declared entry count")
	}

	info := BootInfo{
		GraphicsModeInfo: GraphicsModeInfo{
			Width:       le.Uint32(buf[offGfxWidth : offGfxWidth+4]),
			Height:      le.Uint32(buf[offGfxHeight : offGfxHeight+4]),
			Stride:      le.Uint32(buf[offGfxStride : offGfxStride+4]),
			PixelFormat: PixelFormat(le.Uint32(buf[offGfxFormat : offGfxFormat+4])),
		},
		GraphicsFramebuffer: VirtAddr(le.Uint64(buf[offGfxFBVirt : offGfxFBVirt+8])),
		RSDPAddr:            PhysAddr(le.Uint64(buf[offRSDPAddr : offRSDPAddr+8])),
	}

	info.Mmap = make([]MemoryDescriptor, count)
	for i := range info.Mmap {
		off := headerSize + i*descSize
		info.Mmap[i] = MemoryDescriptor{
			Type:      MemoryType(le.Uint32(buf[off : off+4])),
			PhysStart: PhysAddr(le.Uint64(buf[off+8 : off+16])),
			PageCount: le.Uint64(buf[off+16 : off+24]),
		}
	}
	return info, nil
}

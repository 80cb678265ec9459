//go:build kestrel_freestanding && amd64

package main

import (
	"unsafe"

	"github.com/kestrelos/kestrel/internal/bootabi"
)

// rowHeightPx and charWidthPx size the block-per-character console this
// file draws directly into the framebuffer: there is no font renderer,
// only a solid block standing in for each non-space rune.
const (
	rowHeightPx = 16
	charWidthPx = 8
)

// bitmapConsole is an earlylog.Framebuffer backed by the real GOP
// framebuffer BootInfo describes, replacing the loader's noop console once
// the kernel has a mapped, known-size surface to draw into.
type bitmapConsole struct {
	base   uintptr
	width  uint32
	height uint32
	stride uint32
}

func newBitmapConsole(mode bootabi.GraphicsModeInfo, fb bootabi.VirtAddr) *bitmapConsole {
	return &bitmapConsole{
		base:   uintptr(fb),
		width:  mode.Width,
		height: mode.Height,
		stride: mode.Stride,
	}
}

func (c *bitmapConsole) pixel(x, y uint32) *uint32 {
	off := (uint64(y)*uint64(c.stride) + uint64(x)) * 4
	return (*uint32)(unsafe.Pointer(c.base + uintptr(off)))
}

func (c *bitmapConsole) Clear() {
	for y := uint32(0); y < c.height; y++ {
		for x := uint32(0); x < c.width; x++ {
			*c.pixel(x, y) = 0
		}
	}
}

func (c *bitmapConsole) DrawRow(row int, text string) {
	y0 := uint32(row) * rowHeightPx
	if y0+rowHeightPx > c.height {
		return
	}
	for y := y0; y < y0+rowHeightPx; y++ {
		for x := uint32(0); x < c.width; x++ {
			*c.pixel(x, y) = 0
		}
	}
	for i, r := range text {
		if r == ' ' {
			continue
		}
		x0 := uint32(i) * charWidthPx
		if x0+charWidthPx > c.width {
			break
		}
		for y := y0 + 2; y < y0+rowHeightPx-2; y++ {
			for x := x0 + 1; x < x0+charWidthPx-1; x++ {
				*c.pixel(x, y) = 0x00ffffff
			}
		}
	}
}

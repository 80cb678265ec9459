// Package fwsim is an in-memory stand-in for UEFI boot services, the test
// double the loader's own tests exercise against instead of real firmware.
package fwsim

import (
	"bytes"
	"io"
	"io/fs"

	"github.com/kestrelos/kestrel/internal/bootabi"
	"github.com/kestrelos/kestrel/internal/efi"
)

// Firmware is a scriptable efi.BootServices backend.
type Firmware struct {
	Files   map[string][]byte
	Mmap    []bootabi.MemoryDescriptor
	RSDP    *efi.RSDP
	Mode    bootabi.GraphicsModeInfo
	FBAddr  bootabi.PhysAddr
	NoGOP   bool
	mapKey  efi.MapKey
	exited  bool
	staleN  int // number of ExitBootServices calls to fail before succeeding
}

// New returns an empty Firmware with no files, no memory map, and no RSDP.
func New() *Firmware {
	return &Firmware{Files: map[string][]byte{}}
}

// FailExitBootServicesN makes the first n ExitBootServices calls return
// efi.ErrStaleMemoryMapKey, simulating firmware that mutated the map
// between GetMemoryMap and ExitBootServices.
func (f *Firmware) FailExitBootServicesN(n int) { f.staleN = n }

func (f *Firmware) OpenKernelFile(path string) (io.ReaderAt, error) {
	data, ok := f.Files[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return bytes.NewReader(data), nil
}

func (f *Firmware) OpenGraphicsOutput() (bootabi.GraphicsModeInfo, bootabi.PhysAddr, error) {
	if f.NoGOP {
		return bootabi.GraphicsModeInfo{}, 0, efi.ErrNoGraphicsOutput
	}
	return f.Mode, f.FBAddr, nil
}

func (f *Firmware) LocateRSDP() (efi.RSDP, error) {
	if f.RSDP == nil {
		return efi.RSDP{}, efi.ErrNoACPIConfigTable
	}
	return *f.RSDP, nil
}

func (f *Firmware) GetMemoryMap() ([]bootabi.MemoryDescriptor, efi.MapKey, error) {
	f.mapKey++
	out := make([]bootabi.MemoryDescriptor, len(f.Mmap))
	copy(out, f.Mmap)
	return out, f.mapKey, nil
}

func (f *Firmware) ExitBootServices(key efi.MapKey) error {
	if f.staleN > 0 {
		f.staleN--
		return efi.ErrStaleMemoryMapKey
	}
	if key != f.mapKey {
		return efi.ErrStaleMemoryMapKey
	}
	f.exited = true
	return nil
}

// Exited reports whether ExitBootServices has ever succeeded.
func (f *Firmware) Exited() bool { return f.exited }

var _ efi.BootServices = (*Firmware)(nil)

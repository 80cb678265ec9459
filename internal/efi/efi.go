// Package efi abstracts the slice of the UEFI boot services the loader
// needs: locating the kernel file, opening a graphics framebuffer, finding
// the ACPI RSDP, reading the firmware memory map, and exiting boot services.
// A build-tag-gated implementation backs it with real firmware calls; tests
// use the in-memory fwsim backend instead.
package efi

import (
	"errors"
	"io"

	"github.com/kestrelos/kestrel/internal/bootabi"
)

var (
	ErrNoGraphicsOutput  = errors.New("efi: no graphics output protocol available")
	ErrNoACPIConfigTable = errors.New("efi: no ACPI RSDP in the firmware config table")
	ErrStaleMemoryMapKey = errors.New("efi: memory map key stale at ExitBootServices")
)

// ACPIRevision distinguishes which ACPI config-table GUID produced an RSDP:
// callers prefer 2.0 when both are present, since it's a superset of 1.0.
type ACPIRevision int

const (
	ACPIRevisionUnknown ACPIRevision = iota
	ACPIRevision1_0
	ACPIRevision2_0
)

// RSDP is the located Root System Description Pointer, along with which
// config-table entry produced it.
type RSDP struct {
	Addr     bootabi.PhysAddr
	Revision ACPIRevision
}

// BootServices is the loader-facing view of UEFI boot services. Every
// method that can fail returns an error instead of the firmware's native
// EFI_STATUS, matching the rest of the module's error-return conventions.
type BootServices interface {
	// OpenKernelFile opens the kernel ELF image from the boot medium,
	// returning a ReaderAt suitable for elfkernel.Load.
	OpenKernelFile(path string) (io.ReaderAt, error)

	// OpenGraphicsOutput returns the active graphics mode, or
	// ErrNoGraphicsOutput if no GOP instance is available.
	OpenGraphicsOutput() (bootabi.GraphicsModeInfo, bootabi.PhysAddr, error)

	// LocateRSDP searches the firmware configuration table for an ACPI
	// RSDP, preferring the ACPI 2.0 GUID and falling back to the ACPI 1.0
	// GUID, returning ErrNoACPIConfigTable if neither is present.
	LocateRSDP() (RSDP, error)

	// GetMemoryMap returns the current firmware memory map and the
	// opaque key ExitBootServices requires to match against.
	GetMemoryMap() ([]bootabi.MemoryDescriptor, MapKey, error)

	// ExitBootServices ends boot services using the given map key. Firmware
	// may have mutated the memory map (e.g. in response to an allocation)
	// between GetMemoryMap and this call; implementations return
	// ErrStaleMemoryMapKey so the caller can refetch the map and retry.
	ExitBootServices(key MapKey) error
}

// MapKey is the opaque token GetMemoryMap returns and ExitBootServices
// consumes; its bit layout is firmware-defined and never interpreted here.
type MapKey uint64

// ExitBootServicesWithRetry retries GetMemoryMap/ExitBootServices until the
// map key is accepted or attempts is exhausted, the dance every UEFI loader
// has to do because any intervening allocation invalidates the key.
func ExitBootServicesWithRetry(bs BootServices, attempts int) ([]bootabi.MemoryDescriptor, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		mmap, key, err := bs.GetMemoryMap()
		if err != nil {
			return nil, err
		}
		if err := bs.ExitBootServices(key); err != nil {
			if errors.Is(err, ErrStaleMemoryMapKey) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return mmap, nil
	}
	return nil, lastErr
}

//go:build goos_uefi

// Package x64 is the real firmware-backed implementation of efi.BootServices,
// built only for the freestanding UEFI target (GOOS=goos_uefi, the
// cross-compilation target cmd/bootx64 builds for). It talks to the
// EFI_SYSTEM_TABLE the firmware hands the entry point directly via
// unsafe.Pointer struct overlays, the same technique internal/hv/kvm uses
// for ioctl argument structs, just against firmware memory instead of a
// Linux device file.
package x64

import (
	"errors"
	"io"
	"unsafe"

	"github.com/kestrelos/kestrel/internal/bootabi"
	"github.com/kestrelos/kestrel/internal/efi"
)

type tableHeader struct {
	Signature  uint64
	Revision   uint32
	HeaderSize uint32
	CRC32      uint32
	Reserved   uint32
}

// systemTable mirrors EFI_SYSTEM_TABLE up through ConfigurationTable, the
// only fields this loader ever reads.
type systemTable struct {
	Hdr                  tableHeader
	FirmwareVendor       uintptr
	FirmwareRevision     uint32
	_                    uint32 // alignment padding before the next pointer field
	ConsoleInHandle      uintptr
	ConIn                uintptr
	ConsoleOutHandle     uintptr
	ConOut               uintptr
	StandardErrorHandle  uintptr
	StdErr               uintptr
	RuntimeServices      uintptr
	BootServices         uintptr
	NumberOfTableEntries uintptr
	ConfigurationTable   uintptr
}

// bootServicesTable mirrors EFI_BOOT_SERVICES in its EDK2-specified field
// order; only the function pointers this package calls are named beyond
// that point, everything else is kept as padding so offsets stay correct.
type bootServicesTable struct {
	Hdr tableHeader

	RaiseTPL    uintptr
	RestoreTPL  uintptr
	AllocatePages uintptr // positional only: this loader never calls it, see DESIGN.md
	FreePages   uintptr
	GetMemoryMap uintptr
	AllocatePool uintptr
	FreePool    uintptr

	CreateEvent  uintptr
	SetTimer     uintptr
	WaitForEvent uintptr
	SignalEvent  uintptr
	CloseEvent   uintptr
	CheckEvent   uintptr

	InstallProtocolInterface   uintptr
	ReinstallProtocolInterface uintptr
	UninstallProtocolInterface uintptr
	HandleProtocol             uintptr
	reserved                   uintptr
	RegisterProtocolNotify     uintptr
	LocateHandle               uintptr
	LocateDevicePath           uintptr
	InstallConfigurationTable  uintptr

	LoadImage   uintptr
	StartImage  uintptr
	Exit        uintptr
	UnloadImage uintptr

	ExitBootServices uintptr

	GetNextMonotonicCount uintptr
	Stall                 uintptr
	SetWatchdogTimer      uintptr

	ConnectController    uintptr
	DisconnectController uintptr

	OpenProtocol            uintptr
	CloseProtocol           uintptr
	OpenProtocolInformation uintptr

	ProtocolsPerHandle  uintptr
	LocateHandleBuffer  uintptr
	LocateProtocol      uintptr

	InstallMultipleProtocolInterfaces   uintptr
	UninstallMultipleProtocolInterfaces uintptr

	CalculateCrc32 uintptr
	CopyMem        uintptr
	SetMem         uintptr
	CreateEventEx  uintptr
}

type configTableEntry struct {
	VendorGUID  guid
	VendorTable uintptr
}

type guid [16]byte

var (
	acpi20GUID = guid{0x71, 0xe8, 0x68, 0x88, 0xf1, 0xe4, 0xd3, 0x11, 0xbc, 0x22, 0x00, 0x80, 0xc7, 0x3c, 0x88, 0x81}
	acpi10GUID = guid{0xeb, 0x9d, 0x2d, 0x30, 0x2d, 0x88, 0xd3, 0x11, 0x9a, 0x16, 0x00, 0x90, 0x27, 0x3f, 0xc1, 0x4d}

	simpleFileSystemGUID = guid{0x22, 0x5b, 0x4e, 0x96, 0x59, 0x64, 0xd2, 0x11, 0x8e, 0x39, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b}
	loadedImageGUID      = guid{0xa1, 0x31, 0x1b, 0x5b, 0x62, 0x95, 0xd2, 0x11, 0x8e, 0x3f, 0x00, 0xa0, 0xc9, 0x69, 0x72, 0x3b}
	graphicsOutputGUID   = guid{0xde, 0xa9, 0x42, 0x90, 0xdc, 0x23, 0x38, 0x4a, 0x96, 0xfb, 0x7a, 0xde, 0xd0, 0x80, 0x51, 0x6a}
)

// simpleFileSystemProtocol and fileProtocol mirror just the members this
// package calls (OpenVolume, then Open/Read/GetInfo/Close on the returned
// root directory handle).
type simpleFileSystemProtocol struct {
	Revision   uint64
	OpenVolume uintptr
}

type fileProtocol struct {
	Revision   uint64
	Open       uintptr
	Close      uintptr
	Delete     uintptr
	Read       uintptr
	Write      uintptr
	GetPosition uintptr
	SetPosition uintptr
	GetInfo    uintptr
	SetInfo    uintptr
	Flush      uintptr
}

type graphicsOutputModeInfo struct {
	Version              uint32
	HorizontalResolution uint32
	VerticalResolution   uint32
	PixelFormat          uint32
	PixelInformation     [4]uint32
	PixelsPerScanLine    uint32
}

type graphicsOutputMode struct {
	MaxMode       uint32
	Mode          uint32
	Info          uintptr
	SizeOfInfo    uintptr
	FrameBufferBase uintptr
	FrameBufferSize uintptr
}

type graphicsOutputProtocol struct {
	QueryMode  uintptr
	SetMode    uintptr
	Blt        uintptr
	Mode       uintptr
}

// memoryDescriptor mirrors EFI_MEMORY_DESCRIPTOR.
type memoryDescriptor struct {
	Type          uint32
	_             uint32
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// Firmware is the live efi.BootServices implementation, bound to the
// EFI_SYSTEM_TABLE the entry stub received.
type Firmware struct {
	st *systemTable
	bs *bootServicesTable
	// imageHandle and a cached root filesystem directory handle let
	// OpenKernelFile avoid re-locating SimpleFileSystem on every call.
	imageHandle uintptr
	root        *fileProtocol
}

// ImageHandle and SystemTable are populated by the goos_uefi target's
// runtime startup code before main is called, the freestanding
// equivalent of how a hosted Go runtime populates os.Args: the UEFI
// entry point's own EFI_HANDLE/EFI_SYSTEM_TABLE* arguments have nowhere
// else to go before any Go code runs.
var (
	ImageHandle uintptr
	SystemTable uintptr
)

// New binds a Firmware to the system table the freestanding entry point
// received in its platform-ABI argument.
func New(imageHandle, systemTablePtr uintptr) *Firmware {
	st := (*systemTable)(unsafe.Pointer(systemTablePtr))
	bs := (*bootServicesTable)(unsafe.Pointer(st.BootServices))
	return &Firmware{st: st, bs: bs, imageHandle: imageHandle}
}

var _ efi.BootServices = (*Firmware)(nil)

func (f *Firmware) locateProtocol(g guid) (uintptr, error) {
	var out uintptr
	status := callUEFI(f.bs.LocateProtocol, uintptr(unsafe.Pointer(&g)), 0, uintptr(unsafe.Pointer(&out)))
	if status != 0 {
		return 0, efiError(status)
	}
	return out, nil
}

func (f *Firmware) openVolume() (*fileProtocol, error) {
	if f.root != nil {
		return f.root, nil
	}
	proto, err := f.locateProtocol(simpleFileSystemGUID)
	if err != nil {
		return nil, err
	}
	sfs := (*simpleFileSystemProtocol)(unsafe.Pointer(proto))
	var root uintptr
	status := callUEFI(sfs.OpenVolume, proto, uintptr(unsafe.Pointer(&root)))
	if status != 0 {
		return nil, efiError(status)
	}
	f.root = (*fileProtocol)(unsafe.Pointer(root))
	return f.root, nil
}

// OpenKernelFile opens path (e.g. "\EFI\BOOT\kernel.elf") relative to the
// boot medium's ESP root directory.
func (f *Firmware) OpenKernelFile(path string) (io.ReaderAt, error) {
	root, err := f.openVolume()
	if err != nil {
		return nil, err
	}
	u16 := utf16zFromASCII(path)
	var handle uintptr
	const genericRead = 1
	status := callUEFI(root.Open, uintptr(unsafe.Pointer(root)), uintptr(unsafe.Pointer(&handle)),
		uintptr(unsafe.Pointer(&u16[0])), genericRead, 0)
	if status != 0 {
		return nil, efiError(status)
	}
	return &kernelFile{proto: (*fileProtocol)(unsafe.Pointer(handle))}, nil
}

// kernelFile adapts an opened EFI_FILE_PROTOCOL handle to io.ReaderAt via
// SetPosition+Read, since debug/elf only ever reads through ReaderAt.
type kernelFile struct {
	proto *fileProtocol
}

func (k *kernelFile) ReadAt(p []byte, off int64) (int, error) {
	if status := callUEFI(k.proto.SetPosition, uintptr(unsafe.Pointer(k.proto)), uintptr(off)); status != 0 {
		return 0, efiError(status)
	}
	size := uintptr(len(p))
	status := callUEFI(k.proto.Read, uintptr(unsafe.Pointer(k.proto)), uintptr(unsafe.Pointer(&size)), uintptr(unsafe.Pointer(&p[0])))
	if status != 0 {
		return 0, efiError(status)
	}
	if int(size) < len(p) {
		return int(size), io.EOF
	}
	return int(size), nil
}

// OpenGraphicsOutput locates the active Graphics Output Protocol instance,
// if any, and returns its current mode.
func (f *Firmware) OpenGraphicsOutput() (bootabi.GraphicsModeInfo, bootabi.PhysAddr, error) {
	proto, err := f.locateProtocol(graphicsOutputGUID)
	if err != nil {
		return bootabi.GraphicsModeInfo{}, 0, efi.ErrNoGraphicsOutput
	}
	gop := (*graphicsOutputProtocol)(unsafe.Pointer(proto))
	mode := (*graphicsOutputMode)(unsafe.Pointer(gop.Mode))
	info := (*graphicsOutputModeInfo)(unsafe.Pointer(mode.Info))

	format := bootabi.PixelFormatRGB
	if info.PixelFormat == 1 {
		format = bootabi.PixelFormatBGR
	}
	gmi := bootabi.GraphicsModeInfo{
		Width:       info.HorizontalResolution,
		Height:      info.VerticalResolution,
		Stride:      info.PixelsPerScanLine,
		PixelFormat: format,
	}
	return gmi, bootabi.PhysAddr(mode.FrameBufferBase), nil
}

// LocateRSDP walks the system table's configuration table array looking
// for the ACPI 2.0 GUID first, falling back to ACPI 1.0.
func (f *Firmware) LocateRSDP() (efi.RSDP, error) {
	n := int(f.st.NumberOfTableEntries)
	entries := unsafe.Slice((*configTableEntry)(unsafe.Pointer(f.st.ConfigurationTable)), n)

	var fallback *configTableEntry
	for i := range entries {
		switch entries[i].VendorGUID {
		case acpi20GUID:
			return efi.RSDP{Addr: bootabi.PhysAddr(entries[i].VendorTable), Revision: efi.ACPIRevision2_0}, nil
		case acpi10GUID:
			if fallback == nil {
				fallback = &entries[i]
			}
		}
	}
	if fallback != nil {
		return efi.RSDP{Addr: bootabi.PhysAddr(fallback.VendorTable), Revision: efi.ACPIRevision1_0}, nil
	}
	return efi.RSDP{}, efi.ErrNoACPIConfigTable
}

// GetMemoryMap fetches the firmware's current memory map, translating each
// EFI_MEMORY_DESCRIPTOR into the portable bootabi.MemoryDescriptor shape.
func (f *Firmware) GetMemoryMap() ([]bootabi.MemoryDescriptor, efi.MapKey, error) {
	var size uintptr
	var key uintptr
	var descSize uintptr
	var descVersion uint32

	status := callUEFI(f.bs.GetMemoryMap, uintptr(unsafe.Pointer(&size)), 0,
		uintptr(unsafe.Pointer(&key)), uintptr(unsafe.Pointer(&descSize)), uintptr(unsafe.Pointer(&descVersion)))
	if status != efiBufferTooSmall {
		return nil, 0, efiError(status)
	}

	size += 2 * descSize // firmware may grow the map between the two calls
	buf := make([]byte, size)
	status = callUEFI(f.bs.GetMemoryMap, uintptr(unsafe.Pointer(&size)), uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&key)), uintptr(unsafe.Pointer(&descSize)), uintptr(unsafe.Pointer(&descVersion)))
	if status != 0 {
		return nil, 0, efiError(status)
	}

	n := int(size / descSize)
	out := make([]bootabi.MemoryDescriptor, n)
	for i := 0; i < n; i++ {
		d := (*memoryDescriptor)(unsafe.Pointer(&buf[uintptr(i)*descSize]))
		out[i] = bootabi.MemoryDescriptor{
			Type:      translateMemoryType(d.Type),
			PhysStart: bootabi.PhysAddr(d.PhysicalStart),
			PageCount: d.NumberOfPages,
		}
	}
	return out, efi.MapKey(key), nil
}

func translateMemoryType(t uint32) bootabi.MemoryType {
	switch t {
	case 3, 4: // EfiBootServicesCode, EfiBootServicesData
		if t == 3 {
			return bootabi.BootServicesCode
		}
		return bootabi.BootServicesData
	case 7: // EfiConventionalMemory
		return bootabi.Conventional
	case 11: // EfiMemoryMappedIO
		return bootabi.Mmio
	case 12: // EfiMemoryMappedIOPortSpace
		return bootabi.MmioPortSpace
	default:
		return bootabi.Reserved
	}
}

// ExitBootServices ends boot services using key; a bad/stale map key comes
// back as EFI_INVALID_PARAMETER, translated to efi.ErrStaleMemoryMapKey.
func (f *Firmware) ExitBootServices(key efi.MapKey) error {
	status := callUEFI(f.bs.ExitBootServices, f.imageHandle, uintptr(key))
	if status == efiInvalidParameter {
		return efi.ErrStaleMemoryMapKey
	}
	if status != 0 {
		return efiError(status)
	}
	return nil
}

const (
	efiBufferTooSmall   = 5 | 1<<63
	efiInvalidParameter = 2 | 1<<63
)

func efiError(status uintptr) error {
	return errors.New("efi: firmware call failed with status " + uintptrHex(status))
}

func uintptrHex(v uintptr) string {
	const hexDigits = "0123456789abcdef"
	if v == 0 {
		return "0x0"
	}
	var buf [18]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = hexDigits[v%16]
		v /= 16
	}
	return "0x" + string(buf[i:])
}

func utf16zFromASCII(s string) []uint16 {
	out := make([]uint16, 0, len(s)+1)
	for i := 0; i < len(s); i++ {
		out = append(out, uint16(s[i]))
	}
	return append(out, 0)
}

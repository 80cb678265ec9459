package vmm

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/kestrelos/kestrel/internal/bootabi"
	"github.com/kestrelos/kestrel/internal/elfkernel"
	"github.com/kestrelos/kestrel/internal/frametrack"
)

func buildTestELF(t *testing.T, vaddr uint64, payload []byte) *bytes.Reader {
	t.Helper()

	const ehdrSize = 64
	const phdrSize = 56
	phoff := uint64(ehdrSize)
	dataOff := phoff + phdrSize

	var buf bytes.Buffer
	ehdr := make([]byte, ehdrSize)
	copy(ehdr[0:4], "\x7fELF")
	ehdr[4] = 2
	ehdr[5] = 1
	ehdr[6] = 1
	binary.LittleEndian.PutUint16(ehdr[16:18], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(ehdr[18:20], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(ehdr[20:24], 1)
	binary.LittleEndian.PutUint64(ehdr[24:32], vaddr)
	binary.LittleEndian.PutUint64(ehdr[32:40], phoff)
	binary.LittleEndian.PutUint16(ehdr[52:54], ehdrSize)
	binary.LittleEndian.PutUint16(ehdr[54:56], phdrSize)
	binary.LittleEndian.PutUint16(ehdr[56:58], 1)
	buf.Write(ehdr)

	phdr := make([]byte, phdrSize)
	binary.LittleEndian.PutUint32(phdr[0:4], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(phdr[4:8], uint32(elf.PF_R|elf.PF_X))
	binary.LittleEndian.PutUint64(phdr[8:16], dataOff)
	binary.LittleEndian.PutUint64(phdr[16:24], vaddr)
	binary.LittleEndian.PutUint64(phdr[24:32], vaddr)
	binary.LittleEndian.PutUint64(phdr[32:40], uint64(len(payload)))
	binary.LittleEndian.PutUint64(phdr[40:48], uint64(len(payload)))
	binary.LittleEndian.PutUint64(phdr[48:56], 0x1000)
	buf.Write(phdr)
	buf.Write(payload)

	return bytes.NewReader(buf.Bytes())
}

func TestMapKernelCopiesSegmentBytes(t *testing.T) {
	vaddr := uint64(bootabi.KernelVirt) + 0x2000
	payload := bytes.Repeat([]byte{0xcc}, 10)
	r := buildTestELF(t, vaddr, payload)

	kernel, err := elfkernel.Load(r)
	if err != nil {
		t.Fatalf("elfkernel.Load: %v", err)
	}

	frames := newFakeFrames()
	b := NewAddressSpaceBuilder(frames, frames.view)
	if err := b.MapKernel(kernel); err != nil {
		t.Fatalf("MapKernel: %v", err)
	}

	got, ok := b.PageTable().Translate(kernel.Entry)
	if !ok {
		t.Fatal("entry point not mapped")
	}
	page := frames.view(bootabi.PhysAddr(uint64(got) &^ (bootabi.PageSize - 1)))
	raw := (*[bootabi.PageSize]byte)(unsafe.Pointer(page))
	off := uint64(kernel.Entry) & (bootabi.PageSize - 1)
	if !bytes.Equal(raw[off:off+uint64(len(payload))], payload) {
		t.Fatalf("segment bytes not copied to mapped frame")
	}
}

func TestMapPhysicalOffsetCoversFloor(t *testing.T) {
	frames := newFakeFrames()
	b := NewAddressSpaceBuilder(frames, frames.view)

	maxPhys := bootabi.PhysAddr(0x1_0000_0000) // 4 GiB floor
	if err := b.MapPhysicalOffset(maxPhys); err != nil {
		t.Fatalf("MapPhysicalOffset: %v", err)
	}

	for _, phys := range []bootabi.PhysAddr{0, 0x8000_0000, 0xffff_ffff} {
		virt := bootabi.VirtAddr(uint64(bootabi.MemOffset) + uint64(phys))
		got, ok := b.PageTable().Translate(virt)
		if !ok {
			t.Fatalf("phys %#x not mapped through offset", phys)
		}
		if got != phys {
			t.Fatalf("translate(%#x) = %#x, want %#x", virt, got, phys)
		}
	}
}

func TestReclassifyRetagsUnknown(t *testing.T) {
	storage := make([]byte, 4096)
	tracker := frametrack.New(storage)
	tracker.PushUsed(bootabi.UsedFrameRun{Frame: 0x1000, Count: 1, Tag: bootabi.Unknown})
	tracker.PushUsed(bootabi.UsedFrameRun{Frame: 0x2000, Count: 1, Tag: bootabi.Unknown})
	tracker.PushUsed(bootabi.UsedFrameRun{Frame: 0x5000, Count: 1, Tag: bootabi.KernelCode})

	Reclassify(tracker)

	if err := tracker.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for _, run := range tracker.Slice() {
		if run.Tag == bootabi.Unknown {
			t.Fatalf("Unknown run survived reclassification: %+v", run)
		}
	}
	// The two adjacent former-Unknown runs at 0x1000 and 0x2000 both become
	// PageTable and sit contiguously, so they must merge into one run.
	if got, want := tracker.Slice()[0], (bootabi.UsedFrameRun{Frame: 0x1000, Count: 2, Tag: bootabi.PageTable}); got != want {
		t.Fatalf("merged run = %+v, want %+v", got, want)
	}
}

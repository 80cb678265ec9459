package diskimage

import (
	"encoding/binary"
	"testing"
)

func TestParseGUIDRoundTripsWellKnownESPType(t *testing.T) {
	want := []byte{0x28, 0x73, 0x2A, 0xC1, 0x1F, 0xF8, 0xD2, 0x11, 0xBA, 0x4B, 0x00, 0xA0, 0xC9, 0x3E, 0xC9, 0x3B}
	g, err := parseGUID("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")
	if err != nil {
		t.Fatalf("parseGUID: %v", err)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x (full: %x vs %x)", i, g[i], want[i], g, want)
		}
	}
}

func TestParseGUIDRejectsGarbage(t *testing.T) {
	if _, err := parseGUID("not-a-guid-at-all-zzzzzzzzzzzz"); err == nil {
		t.Fatal("expected an error for a non-hex GUID")
	}
}

func TestProtectiveMBRSignature(t *testing.T) {
	l := newLayout(minESPSectors)
	mbr := protectiveMBR(l)
	if mbr[510] != 0x55 || mbr[511] != 0xAA {
		t.Fatal("missing MBR boot signature")
	}
	if mbr[450] != 0xEE {
		t.Fatalf("partition type = %#x, want 0xEE (protective)", mbr[450])
	}
}

func TestGPTHeaderChecksumsAreConsistentBetweenCopies(t *testing.T) {
	l := newLayout(minESPSectors)
	primary := gptHeader(l, false)
	backup := gptHeader(l, true)

	primaryLBA := binary.LittleEndian.Uint64(primary[24:32])
	backupLBA := binary.LittleEndian.Uint64(backup[24:32])
	if primaryLBA != gptHeaderLBA {
		t.Fatalf("primary MyLBA = %d, want %d", primaryLBA, gptHeaderLBA)
	}
	if backupLBA != l.backupHeaderLBA {
		t.Fatalf("backup MyLBA = %d, want %d", backupLBA, l.backupHeaderLBA)
	}
	if binary.LittleEndian.Uint64(primary[32:40]) != backupLBA {
		t.Fatal("primary AlternateLBA should point at the backup header")
	}
	if binary.LittleEndian.Uint64(backup[32:40]) != primaryLBA {
		t.Fatal("backup AlternateLBA should point at the primary header")
	}
}

func TestPartitionEntriesSpanTheWholeESP(t *testing.T) {
	l := newLayout(minESPSectors)
	entries := partitionEntries(l)
	firstLBA := binary.LittleEndian.Uint64(entries[32:40])
	lastLBA := binary.LittleEndian.Uint64(entries[40:48])
	if firstLBA != l.espFirstLBA {
		t.Fatalf("first LBA = %d, want %d", firstLBA, l.espFirstLBA)
	}
	if lastLBA != l.espLastLBA {
		t.Fatalf("last LBA = %d, want %d", lastLBA, l.espLastLBA)
	}
}

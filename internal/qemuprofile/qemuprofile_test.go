package qemuprofile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeProfile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeProfile(t, "ovmf_code: /fw/OVMF_CODE.fd\ndisk_image: disk.img\n")
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.MemoryMiB != defaultMemoryMiB {
		t.Fatalf("MemoryMiB = %d, want %d", p.MemoryMiB, defaultMemoryMiB)
	}
	if p.CPUCount != defaultCPUCount {
		t.Fatalf("CPUCount = %d, want %d", p.CPUCount, defaultCPUCount)
	}
}

func TestLoadRejectsMissingDiskImage(t *testing.T) {
	path := writeProfile(t, "ovmf_code: /fw/OVMF_CODE.fd\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when disk_image is missing")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/profile.yaml"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestQEMUArgsIncludesCoreFlags(t *testing.T) {
	p := Profile{
		MemoryMiB: 512,
		CPUCount:  2,
		OVMFCode:  "/fw/OVMF_CODE.fd",
		OVMFVars:  "/fw/OVMF_VARS.fd",
		DiskImage: "disk.img",
		EnableKVM: true,
	}
	args := strings.Join(p.QEMUArgs(), " ")
	for _, want := range []string{"-m 512M", "-smp 2", "OVMF_CODE.fd", "OVMF_VARS.fd", "disk.img", "-enable-kvm"} {
		if !strings.Contains(args, want) {
			t.Fatalf("expected args to contain %q, got %q", want, args)
		}
	}
}

func TestQEMUArgsOmitsVarsWhenUnset(t *testing.T) {
	p := Profile{MemoryMiB: 256, CPUCount: 1, OVMFCode: "/fw/OVMF_CODE.fd", DiskImage: "disk.img"}
	args := strings.Join(p.QEMUArgs(), " ")
	if strings.Contains(args, "OVMF_VARS") {
		t.Fatalf("expected no OVMF_VARS flag when OVMFVars is unset, got %q", args)
	}
}

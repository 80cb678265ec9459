// Package qemuprofile loads the YAML boot profile cmd/qemurun reads to
// drive a local QEMU+OVMF dev loop: memory size, firmware paths, and a
// serial_log path. QEMUArgs does not use SerialLog: the serial console
// always goes to stdio.
package qemuprofile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is one named QEMU boot configuration.
type Profile struct {
	MemoryMiB    int      `yaml:"memory_mib"`
	CPUCount     int      `yaml:"cpu_count"`
	OVMFCode     string   `yaml:"ovmf_code"`
	OVMFVars     string   `yaml:"ovmf_vars"`
	DiskImage    string   `yaml:"disk_image"`
	SerialLog    string   `yaml:"serial_log"`
	EnableKVM    bool     `yaml:"enable_kvm"`
	ExtraQEMUArg []string `yaml:"extra_qemu_args"`
}

const (
	defaultMemoryMiB = 256
	defaultCPUCount  = 1
)

// withDefaults fills in the same defaults the teacher's own VM launch path
// applies when a field is left at its zero value.
func (p Profile) withDefaults() Profile {
	if p.MemoryMiB == 0 {
		p.MemoryMiB = defaultMemoryMiB
	}
	if p.CPUCount == 0 {
		p.CPUCount = defaultCPUCount
	}
	return p
}

// Validate checks that the fields QEMU absolutely cannot run without are
// present; it does not stat the referenced paths, since a profile is
// allowed to name files that cmd/imager hasn't produced yet.
func (p Profile) Validate() error {
	if p.OVMFCode == "" {
		return fmt.Errorf("qemuprofile: ovmf_code is required")
	}
	if p.DiskImage == "" {
		return fmt.Errorf("qemuprofile: disk_image is required")
	}
	if p.MemoryMiB < 0 {
		return fmt.Errorf("qemuprofile: memory_mib must not be negative")
	}
	if p.CPUCount < 0 {
		return fmt.Errorf("qemuprofile: cpu_count must not be negative")
	}
	return nil
}

// Load reads and validates the boot profile at path, applying the package's
// defaults for any field the file left unset.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("qemuprofile: read %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("qemuprofile: parse %s: %w", path, err)
	}

	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("qemuprofile: %s: %w", path, err)
	}
	return p, nil
}

// QEMUArgs renders the profile into the argv QEMU should be invoked with,
// grouped the way a hand-written qemu-system-x86_64 invocation would be.
func (p Profile) QEMUArgs() []string {
	args := []string{
		"-machine", "q35",
		"-m", fmt.Sprintf("%dM", p.MemoryMiB),
		"-smp", fmt.Sprintf("%d", p.CPUCount),
		"-drive", fmt.Sprintf("if=pflash,format=raw,readonly=on,file=%s", p.OVMFCode),
	}
	if p.OVMFVars != "" {
		args = append(args, "-drive", fmt.Sprintf("if=pflash,format=raw,file=%s", p.OVMFVars))
	}
	args = append(args, "-drive", fmt.Sprintf("if=ide,format=raw,file=%s", p.DiskImage))
	args = append(args, "-serial", "stdio", "-display", "none")
	if p.EnableKVM {
		args = append(args, "-enable-kvm")
	}
	args = append(args, p.ExtraQEMUArg...)
	return args
}

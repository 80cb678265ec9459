// Command imager assembles the bootable disk image: a GPT-partitioned,
// FAT32-formatted EFI system partition carrying bootx64.efi and kernel.elf
// at the paths the loader expects to find them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/kestrelos/kestrel/internal/diskimage"
)

func main() {
	out := flag.String("out", "kestrel.img", "output disk image path")
	size := flag.Int64("size", 64<<20, "EFI system partition size in bytes (at least 4 MiB; the GPT overhead is added on top)")
	label := flag.String("label", "KESTREL", "FAT32 volume label")
	bootloader := flag.String("bootloader", "", "path to bootx64.efi (required)")
	kernel := flag.String("kernel", "", "path to kernel.elf (required)")
	quiet := flag.Bool("quiet", false, "suppress the progress bar")
	flag.Parse()

	if *bootloader == "" || *kernel == "" {
		fmt.Fprintln(os.Stderr, "imager: -bootloader and -kernel are required")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*out, *size, *label, *bootloader, *kernel, *quiet); err != nil {
		fmt.Fprintf(os.Stderr, "imager: %v\n", err)
		os.Exit(1)
	}
}

func run(out string, size int64, label, bootloaderPath, kernelPath string, quiet bool) error {
	bootloader, err := os.ReadFile(bootloaderPath)
	if err != nil {
		return fmt.Errorf("read bootloader: %w", err)
	}
	kernel, err := os.ReadFile(kernelPath)
	if err != nil {
		return fmt.Errorf("read kernel: %w", err)
	}

	spec := diskimage.Spec{
		OutputPath:  out,
		SizeBytes:   size,
		VolumeLabel: label,
		Files: []diskimage.BootFile{
			{Path: `EFI/BOOT/BOOTX64.EFI`, Data: bootloader},
			{Path: `EFI/BOOT/kernel.elf`, Data: kernel},
		},
	}

	if quiet {
		return diskimage.Build(context.Background(), spec, nil)
	}
	return diskimage.Build(context.Background(), spec, os.Stderr)
}

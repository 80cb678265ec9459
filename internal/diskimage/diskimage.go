package diskimage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var errInvalidGUID = errors.New("diskimage: invalid GUID literal")

// BootFile is one file to place on the EFI System Partition, named by its
// full FAT path (e.g. "EFI/BOOT/BOOTX64.EFI").
type BootFile struct {
	Path string
	Data []byte
}

// Spec describes the disk image cmd/imager produces: a GPT disk with a
// single FAT32 ESP holding the UEFI bootloader and kernel image.
type Spec struct {
	OutputPath  string
	SizeBytes   int64
	VolumeLabel string
	Files       []BootFile
}

// minESPSectors is a floor on the ESP size so small kernels still get a
// filesystem with room for the reserved/FAT regions plus a few clusters of
// slack; Spec.SizeBytes overrides it when larger.
const minESPSectors = 8192 // 4 MiB

// Build writes spec's disk image to spec.OutputPath: the FAT32 payload and
// the GPT/MBR headers are constructed concurrently (they don't depend on
// each other, only on the file list and disk geometry), then stitched
// together and streamed to disk with progress reporting.
func Build(ctx context.Context, spec Spec, progress io.Writer) error {
	if len(spec.Files) == 0 {
		return errors.New("diskimage: spec has no boot files")
	}

	espSectors := uint64(minESPSectors)
	if spec.SizeBytes > 0 {
		want := uint64(spec.SizeBytes) / bytesPerSector
		if want > espSectors {
			espSectors = want
		}
	}

	var fatImage []byte
	var l layout

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		files := make([]fatFile, len(spec.Files))
		for i, f := range spec.Files {
			files[i] = fatFile{path: f.Path, data: f.Data}
		}
		img, err := buildFAT32(files, espSectors, spec.VolumeLabel)
		if err != nil {
			return fmt.Errorf("build FAT32 payload: %w", err)
		}
		fatImage = img
		return nil
	})
	g.Go(func() error {
		l = newLayout(espSectors)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	image := make([]byte, l.totalSectors*bytesPerSector)
	copy(image[0:], protectiveMBR(l))
	copy(image[gptHeaderLBA*bytesPerSector:], gptHeader(l, false))
	copy(image[gptPartTableLBA*bytesPerSector:], partitionEntries(l))
	copy(image[l.espFirstLBA*bytesPerSector:], fatImage)
	copy(image[l.backupTableLBA*bytesPerSector:], partitionEntries(l))
	copy(image[l.backupHeaderLBA*bytesPerSector:], gptHeader(l, true))

	out, err := os.Create(spec.OutputPath)
	if err != nil {
		return fmt.Errorf("diskimage: create %s: %w", spec.OutputPath, err)
	}
	defer out.Close()

	writers := []io.Writer{out}
	if progress != nil {
		limiter := rate.NewLimiter(rate.Every(50*time.Millisecond), 1)
		bar := progressbar.NewOptions64(int64(len(image)),
			progressbar.OptionSetWriter(throttledWriter{w: progress, limiter: limiter}),
			progressbar.OptionSetDescription(fmt.Sprintf("writing %s", spec.OutputPath)),
			progressbar.OptionShowBytes(true),
		)
		defer bar.Close()
		writers = append(writers, bar)
	}
	dst := io.MultiWriter(writers...)

	if _, err := dst.Write(image); err != nil {
		return fmt.Errorf("diskimage: write %s: %w", spec.OutputPath, err)
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("diskimage: sync %s: %w", spec.OutputPath, err)
	}

	return checkBlockAlignment(spec.OutputPath)
}

// throttledWriter forwards writes to w no more often than limiter allows,
// so a large FAT copy doesn't spam a non-interactive log with one line per
// chunk.
type throttledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
}

func (t throttledWriter) Write(p []byte) (int, error) {
	if !t.limiter.Allow() {
		return len(p), nil
	}
	return t.w.Write(p)
}

//go:build linux || darwin

package diskimage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// checkBlockAlignment verifies the produced image's size is a multiple of
// the host's logical block size, since a misaligned image fails to attach
// as a loop device on some Linux hosts.
func checkBlockAlignment(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil
	}
	blockSize := int64(st.Blksize)
	if blockSize <= 0 {
		return nil
	}
	if st.Size%blockSize != 0 {
		return fmt.Errorf("diskimage: %s size %d is not a multiple of block size %d", path, st.Size, blockSize)
	}
	return nil
}

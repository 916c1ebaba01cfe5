//go:build linux

package storage

import (
	"errors"

	"golang.org/x/sys/unix"
)

// exchangeDirs atomically exchanges the directories at a and b.
func exchangeDirs(a, b, scratch string) error {
	err := unix.Renameat2(unix.AT_FDCWD, a, unix.AT_FDCWD, b, unix.RENAME_EXCHANGE)
	if err == nil {
		return nil
	}
	// Older kernels and some filesystems (overlayfs, NFS) lack RENAME_EXCHANGE.
	if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.EOPNOTSUPP) {
		return renameSwap(a, b, scratch)
	}
	return err
}

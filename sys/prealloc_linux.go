//go:build linux

package sys

import (
	"os"

	"golang.org/x/sys/unix"
)

// Preallocate reserves size bytes for the file without changing its visible
// length, using fallocate with KEEP_SIZE. Filesystems that do not support
// the mode report ErrPreallocNotSupported; callers continue without the
// reservation.
func Preallocate(f *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, size)
	switch err {
	case nil:
		return nil
	case unix.EOPNOTSUPP, unix.ENOSYS:
		return ErrPreallocNotSupported
	default:
		return err
	}
}

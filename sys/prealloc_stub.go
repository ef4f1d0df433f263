//go:build !linux

package sys

import "os"

// Preallocate is a no-op on platforms without a usable fallocate.
func Preallocate(f *os.File, size int64) error {
	return ErrPreallocNotSupported
}

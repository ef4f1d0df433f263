//go:build !windows
// +build !windows

package sys

import (
	"os"
	"syscall"
)

// tryLockFile takes a non-blocking exclusive flock on the descriptor.
func tryLockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

func unlockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}

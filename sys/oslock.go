package sys

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DirLock is an exclusive advisory lock on a storage directory. The lock
// file records the owning pid so a stale lock can be traced to a process.
type DirLock struct {
	file *os.File
	path string
}

// LockDir acquires an exclusive lock on lockPath, polling until timeout.
// A second process opening the same segment directory fails here instead
// of scribbling over live segment files.
func LockDir(lockPath string, timeout time.Duration) (*DirLock, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err = tryLockFile(f)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("directory already locked (%s): %w", lockPath, err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Best effort: record the owner for operators staring at a stale lock.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)

	return &DirLock{file: f, path: lockPath}, nil
}

// Release unlocks, closes and removes the lock file. Releasing twice is a
// no-op.
func (l *DirLock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	_ = l.file.Close()
	_ = os.Remove(l.path)
	l.file = nil
	return err
}

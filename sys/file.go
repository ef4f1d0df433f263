// Package sys holds small platform helpers for segment file management:
// durable renames, advisory directory locks and best-effort preallocation.
package sys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrPreallocNotSupported indicates preallocation is unavailable on the
// current platform or filesystem. Callers treat it as non-fatal.
var ErrPreallocNotSupported = errors.New("preallocation not supported")

// AtomicReplace renames src over dst and fsyncs the containing directory so
// the rename itself is durable. Both paths must live in the same directory.
func AtomicReplace(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", src, dst, err)
	}
	return SyncDir(filepath.Dir(dst))
}

// SyncDir fsyncs a directory, making previously completed renames and file
// creations within it durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}

// RemoveQuiet removes a file, ignoring not-exist errors.
func RemoveQuiet(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the storage and compaction layers.
var (
	// ErrCorruptSegment indicates a segment file failed structural or
	// checksum validation. It is fatal for the affected file; recovery
	// discards incomplete rewrites and surfaces everything else.
	ErrCorruptSegment = errors.New("corrupt segment")

	// ErrInsufficientSpace indicates the data volume does not have enough
	// free space for a rewrite. Transient; the segments reappear in the
	// next compaction pass.
	ErrInsufficientSpace = errors.New("insufficient disk space")

	// ErrSegmentFull is returned when appending to a segment that has
	// reached its slot capacity.
	ErrSegmentFull = errors.New("segment is full")

	// ErrSegmentSealed is returned when mutating a sealed segment.
	ErrSegmentSealed = errors.New("segment is sealed")

	// ErrIndexOutOfRange is returned when reading an index outside the
	// bounds of the log.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrClosed is returned when operating on a closed log or manager.
	ErrClosed = errors.New("log storage is closed")
)

// IsRecoverable reports whether a compaction task failure is transient.
// Transient failures leave the source segments intact; they are simply
// re-examined on the next planning pass.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrCorruptSegment)
}

// CorruptSegmentError wraps a structural validation failure with the
// offending file path so operators can locate it.
func CorruptSegmentError(path string, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorruptSegment, path, cause)
}

// Package compaction implements minor log compaction: the periodic,
// lightweight pass that rewrites chosen segments in place while omitting
// cleaned entries.
//
// The planner iterates the extant segments, selects the ones worth
// rewriting based on the ratio of cleaned entries, and folds adjacent
// selections into merge groups. Selection is generational: the clean ratio
// is multiplied by the segment's rewrite version, so a freshly written
// segment must cross the full configured threshold while a segment that
// has survived several rewrites is picked with proportionally less new
// cleaning. Each group becomes one rewrite task producing a segment at
// version+1 with the same id and index bounds but without the cleaned
// entries. The resulting segment is sparse; reading an omitted index
// yields a nil entry and the Raft layer accounts for that.
//
// Everything here is expressed against the small interfaces below so the
// planner can be driven by in-memory doubles in tests and by the storage
// package in production.
package compaction

import (
	"github.com/INLOpen/nexuslog/core"
)

// Segment is the read-only view of a materialized segment the planner
// consumes. All methods are O(1) except Scan.
type Segment interface {
	// Descriptor returns the segment's immutable identity record.
	Descriptor() core.SegmentDescriptor
	// FirstIndex returns the first log index ever written to the segment,
	// live or cleaned. Preserved exactly across rewrites.
	FirstIndex() uint64
	// LastIndex returns the last log index ever written to the segment.
	// Preserved exactly across rewrites.
	LastIndex() uint64
	// Length returns the segment's slot capacity.
	Length() uint64
	// Count returns the number of physically present entries.
	Count() uint64
	// CleanCount returns the number of entries marked cleaned but not yet
	// physically removed.
	CleanCount() uint64
	// IsFull reports whether the segment reached its slot capacity and is
	// sealed for appends.
	IsFull() bool
	// IsCompacted reports whether the segment has been rewritten at least
	// once.
	IsCompacted() bool
	// Scan calls fn for every live (present and not cleaned) entry in
	// ascending index order. Scanning stops at the first error, which is
	// returned.
	Scan(fn func(index uint64, payload []byte) error) error
}

// RewriteTarget receives the live entries of a group during a rewrite.
// Append order is ascending; indices may be sparse.
type RewriteTarget interface {
	Append(index uint64, payload []byte) error
	// Seal finalizes and durably persists the target. After Seal the
	// target is ready to be swapped in via SegmentStore.ReplaceGroup.
	Seal() error
	// Abort discards the partially written target. The source group is
	// left untouched.
	Abort() error
}

// SegmentStore is the segment-manager surface the compaction core
// consumes. Segments returns a consistent snapshot of all extant segments
// in ascending base-index order; the caller serializes planning against
// log truncation and segment sealing.
type SegmentStore interface {
	Segments() []Segment
	// CommitIndex returns the highest Raft-committed log index known
	// locally.
	CommitIndex() uint64
	// CreateCompactedSegment allocates a rewrite target with the given
	// identity and bounds. firstIndex and lastIndex are carried over from
	// the source group unchanged.
	CreateCompactedSegment(id, version, firstIndex, lastIndex, capacity uint64) (RewriteTarget, error)
	// ReplaceGroup atomically swaps the sealed target in for the group.
	// Readers already holding group members continue to observe valid
	// data until they release them.
	ReplaceGroup(group []Segment, target RewriteTarget) error
}

// Storage provides the compaction-relevant configuration.
type Storage interface {
	// CompactionThreshold returns the generational cleaning threshold,
	// a positive real, typically 0.5.
	CompactionThreshold() float64
}

// Manager builds the tasks for one compaction pass.
type Manager interface {
	// BuildTasks returns the rewrite tasks for the current segment state,
	// in ascending base-index order. It performs no mutation and holds no
	// state across invocations.
	BuildTasks(storage Storage, store SegmentStore) []*Task
}

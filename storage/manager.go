package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexuslog/core"
	"github.com/INLOpen/nexuslog/sys"
)

const lockFileName = "nexuslog.LOCK"

// SegmentManagerOptions configures a segment manager.
type SegmentManagerOptions struct {
	Dir             string
	SegmentCapacity uint64
	Compressor      core.Compressor
	SyncAlways      bool
	Preallocate     bool
	Logger          *slog.Logger
}

// SegmentManager owns the segment directory: it recovers segments on open,
// keeps them ordered by base index, tracks the commit index and performs
// the atomic group swap at the end of a rewrite. Planning, truncation and
// sealing are serialized by the callers; the manager's own lock only
// protects the directory index.
type SegmentManager struct {
	mu       sync.RWMutex
	dir      string
	opts     SegmentManagerOptions
	segments []*Segment
	nextID   uint64
	commit   *core.CommitTracker
	logger   *slog.Logger

	dirLock *sys.DirLock
	closed  bool
}

// OpenSegmentManager locks and recovers the segment directory. An empty
// directory starts with a single writable segment at index 1.
func OpenSegmentManager(opts SegmentManagerOptions) (*SegmentManager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SegmentCapacity < 2 {
		return nil, fmt.Errorf("segment capacity must be at least 2, got %d", opts.SegmentCapacity)
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create segment directory %s: %w", opts.Dir, err)
	}

	dirLock, err := sys.LockDir(filepath.Join(opts.Dir, lockFileName), 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("lock segment directory %s: %w", opts.Dir, err)
	}

	m := &SegmentManager{
		dir:     opts.Dir,
		opts:    opts,
		commit:  core.NewCommitTracker(),
		logger:  opts.Logger.With("component", "SegmentManager"),
		dirLock: dirLock,
	}
	if err := m.recover(); err != nil {
		dirLock.Release()
		return nil, err
	}
	return m, nil
}

// recover sweeps incomplete rewrites, opens every segment file keeping the
// highest complete version per id, and seeds an empty directory.
func (m *SegmentManager) recover() error {
	names, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("read segment directory %s: %w", m.dir, err)
	}

	type candidate struct {
		path    string
		version uint64
	}
	best := make(map[uint64]candidate)

	for _, entry := range names {
		name := entry.Name()
		if strings.HasSuffix(name, core.SegmentTempSuffix) {
			// A rewrite died before its rename; the group it was
			// replacing is still intact.
			m.logger.Warn("Removing incomplete rewrite file.", "file", name)
			if err := sys.RemoveQuiet(filepath.Join(m.dir, name)); err != nil {
				return err
			}
			continue
		}
		id, version, err := core.ParseSegmentFileName(name)
		if err != nil {
			continue
		}
		if prev, ok := best[id]; !ok || version > prev.version {
			best[id] = candidate{path: filepath.Join(m.dir, name), version: version}
		}
	}

	for id, cand := range best {
		seg, err := m.openBestVersion(id, cand.path, cand.version)
		if err != nil {
			return err
		}
		if seg != nil {
			m.segments = append(m.segments, seg)
		}
		if id >= m.nextID {
			m.nextID = id + 1
		}
	}

	sort.Slice(m.segments, func(i, j int) bool {
		return m.segments[i].Descriptor().Index < m.segments[j].Descriptor().Index
	})

	// Older versions superseded by the one we opened are leftovers of a
	// completed swap whose deletion never happened.
	for _, seg := range m.segments {
		d := seg.Descriptor()
		for v := uint64(1); v < d.Version; v++ {
			stale := filepath.Join(m.dir, core.FormatSegmentFileName(d.ID, v))
			if _, err := os.Stat(stale); err == nil {
				m.logger.Warn("Removing superseded segment version.", "file", stale)
				if err := sys.RemoveQuiet(stale); err != nil {
					return err
				}
			}
		}
	}

	if len(m.segments) == 0 {
		if m.nextID == 0 {
			m.nextID = 1
		}
		seg, err := m.createNext(1)
		if err != nil {
			return err
		}
		m.segments = []*Segment{seg}
	}

	m.logger.Info("Segment directory recovered.", "segments", len(m.segments))
	return nil
}

// openBestVersion opens the highest version of a segment id, falling back
// to the previous version when the highest turns out to be an incomplete
// rewrite that was renamed but never validated.
func (m *SegmentManager) openBestVersion(id uint64, path string, version uint64) (*Segment, error) {
	seg, err := OpenSegment(path, m.opts.SyncAlways, m.logger)
	if err == nil {
		return seg, nil
	}
	if !core.IsRecoverable(err) && version > 1 {
		m.logger.Warn("Discarding corrupt rewrite; falling back to previous version.", "path", path, "error", err)
		if rmErr := sys.RemoveQuiet(path); rmErr != nil {
			return nil, rmErr
		}
		prev := filepath.Join(m.dir, core.FormatSegmentFileName(id, version-1))
		if _, statErr := os.Stat(prev); statErr == nil {
			return m.openBestVersion(id, prev, version-1)
		}
		return nil, nil
	}
	return nil, err
}

// createNext allocates a fresh writable segment starting at firstIndex.
// Callers hold the write lock (or are still inside recovery).
func (m *SegmentManager) createNext(firstIndex uint64) (*Segment, error) {
	desc := core.SegmentDescriptor{
		ID:       m.nextID,
		Version:  1,
		Index:    firstIndex,
		Capacity: m.opts.SegmentCapacity,
	}
	seg, err := createSegment(m.dir, desc, m.opts.Compressor, m.opts.SyncAlways, m.opts.Preallocate, m.logger)
	if err != nil {
		return nil, err
	}
	m.nextID++
	m.logger.Debug("Created segment.", "descriptor", desc.String())
	return seg, nil
}

// Segments returns a snapshot of all extant segments in ascending
// base-index order.
func (m *SegmentManager) Segments() []*Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

// CommitIndex returns the highest Raft-committed index known locally.
func (m *SegmentManager) CommitIndex() uint64 {
	return m.commit.CommitIndex()
}

// Commit advances the commit index monotonically.
func (m *SegmentManager) Commit(index uint64) {
	m.commit.Commit(index)
}

// Tracker exposes the commit tracker for callers that wait on commits.
func (m *SegmentManager) Tracker() *core.CommitTracker {
	return m.commit
}

// Active returns the tail segment appends go to.
func (m *SegmentManager) Active() *Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.segments) == 0 {
		return nil
	}
	return m.segments[len(m.segments)-1]
}

// Roll seals the active segment and installs a fresh writable successor
// starting right after it.
func (m *SegmentManager) Roll() (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, core.ErrClosed
	}

	active := m.segments[len(m.segments)-1]
	if active.Count() == 0 && !active.IsFull() {
		return active, nil
	}
	if err := active.Seal(); err != nil {
		return nil, fmt.Errorf("seal active segment: %w", err)
	}

	seg, err := m.createNext(active.LastIndex() + 1)
	if err != nil {
		return nil, err
	}
	m.segments = append(m.segments, seg)
	return seg, nil
}

// AcquireFor finds the segment covering index and registers a reader on
// it. The caller must release the segment when done.
func (m *SegmentManager) AcquireFor(index uint64) (*Segment, func(), error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, nil, core.ErrClosed
	}

	i := sort.Search(len(m.segments), func(i int) bool {
		return m.segments[i].Descriptor().Index > index
	})
	if i == 0 {
		return nil, nil, core.ErrIndexOutOfRange
	}
	seg := m.segments[i-1]
	if index > seg.LastIndex() {
		return nil, nil, core.ErrIndexOutOfRange
	}
	if !seg.acquire() {
		// Swapped out between the index lookup and the acquire; the
		// replacement covers the same bounds.
		return nil, nil, core.ErrIndexOutOfRange
	}
	return seg, seg.release, nil
}

// CreateCompactedSegment allocates the rewrite target of a minor
// compaction task.
func (m *SegmentManager) CreateCompactedSegment(id, version, firstIndex, lastIndex, capacity uint64) (*rewriteWriter, error) {
	desc := core.SegmentDescriptor{
		ID:       id,
		Version:  version,
		Index:    firstIndex,
		Capacity: capacity,
	}
	return newRewriteWriter(m.dir, desc, firstIndex, lastIndex, m.opts.Compressor, m.logger)
}

// replaceGroup swaps the sealed rewrite target in for its source group.
// The group must be a contiguous run of the current segment list; old
// segment files are deleted once their readers drain.
func (m *SegmentManager) replaceGroup(group []*Segment, rw *rewriteWriter) error {
	if len(group) == 0 {
		return fmt.Errorf("empty rewrite group")
	}
	seg, err := OpenSegment(rw.finalPath(), m.opts.SyncAlways, m.logger)
	if err != nil {
		return fmt.Errorf("open rewritten segment: %w", err)
	}

	m.mu.Lock()
	start := -1
	for i, s := range m.segments {
		if s == group[0] {
			start = i
			break
		}
	}
	if start < 0 || start+len(group) > len(m.segments) {
		m.mu.Unlock()
		seg.Close()
		return fmt.Errorf("rewrite group no longer present in segment list")
	}
	for i, s := range group {
		if m.segments[start+i] != s {
			m.mu.Unlock()
			seg.Close()
			return fmt.Errorf("rewrite group no longer contiguous in segment list")
		}
	}

	replaced := make([]*Segment, len(group))
	copy(replaced, m.segments[start:start+len(group)])

	tail := m.segments[start+len(group):]
	next := make([]*Segment, 0, len(m.segments)-len(group)+1)
	next = append(next, m.segments[:start]...)
	next = append(next, seg)
	next = append(next, tail...)
	m.segments = next
	m.mu.Unlock()

	for _, old := range replaced {
		old.doom()
	}
	m.logger.Info("Swapped in rewritten segment.",
		"descriptor", seg.Descriptor().String(), "replaced", len(replaced))
	return nil
}

// FirstIndex returns the base index of the oldest segment.
func (m *SegmentManager) FirstIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.segments[0].Descriptor().Index
}

// LastIndex returns the last index ever written to the log.
func (m *SegmentManager) LastIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.segments[len(m.segments)-1].LastIndex()
}

// Close closes every segment and releases the directory lock.
func (m *SegmentManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for _, seg := range m.segments {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.dirLock != nil {
		if err := m.dirLock.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

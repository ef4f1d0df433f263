package storage

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/INLOpen/skiplist"
	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/INLOpen/nexuslog/core"
	"github.com/INLOpen/nexuslog/sys"
)

// createSegment creates a fresh writable segment file with a header and
// descriptor but no entries.
func createSegment(dir string, desc core.SegmentDescriptor, compressor core.Compressor, syncAlways, preallocate bool, logger *slog.Logger) (*Segment, error) {
	path := filepath.Join(dir, desc.FileName())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("create segment file %s: %w", path, err)
	}

	if err := writeSegmentHeader(f, desc, compressor.Type()); err != nil {
		f.Close()
		sys.RemoveQuiet(path)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		sys.RemoveQuiet(path)
		return nil, fmt.Errorf("sync new segment %s: %w", path, err)
	}
	if err := sys.SyncDir(dir); err != nil {
		f.Close()
		sys.RemoveQuiet(path)
		return nil, err
	}

	if preallocate {
		// Rough reservation: header plus one record header per slot. The
		// payload share is unknowable up front, so this only smooths out
		// early extent allocation.
		reserve := segmentDataStart() + int64(desc.Capacity)*int64(core.EntryRecordHeaderSize)
		if err := sys.Preallocate(f, reserve); err != nil && err != sys.ErrPreallocNotSupported {
			logger.Debug("Segment preallocation failed.", "path", path, "error", err)
		}
	}

	return &Segment{
		descriptor: desc,
		path:       path,
		file:       f,
		compressor: compressor,
		logger:     logger.With("segment_id", desc.ID, "segment_version", desc.Version),
		positions:  skiplist.NewWithComparator[uint64, *entrySlot](slotComparator),
		cleaned:    roaring64.New(),
		lastIndex:  desc.Index - 1,
		writeOff:   segmentDataStart(),
		syncAlways: syncAlways,
	}, nil
}

// rewriteWriter builds the replacement segment of a minor compaction
// rewrite. It writes to a temporary file; Seal finalizes the footer and
// atomically renames the file into place, so a crash at any earlier point
// leaves only a temp file that recovery sweeps away.
type rewriteWriter struct {
	desc       core.SegmentDescriptor
	firstIndex uint64
	lastIndex  uint64
	dir        string
	tmpPath    string
	file       *os.File
	w          *bufio.Writer
	compressor core.Compressor
	logger     *slog.Logger

	count        uint64
	lastAppended uint64
	sealed       bool
	aborted      bool
}

func newRewriteWriter(dir string, desc core.SegmentDescriptor, firstIndex, lastIndex uint64, compressor core.Compressor, logger *slog.Logger) (*rewriteWriter, error) {
	tmpPath := filepath.Join(dir, desc.FileName()+".tmp")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("create rewrite file %s: %w", tmpPath, err)
	}
	w := bufio.NewWriter(f)
	if err := writeSegmentHeader(w, desc, compressor.Type()); err != nil {
		f.Close()
		sys.RemoveQuiet(tmpPath)
		return nil, err
	}
	return &rewriteWriter{
		desc:       desc,
		firstIndex: firstIndex,
		lastIndex:  lastIndex,
		dir:        dir,
		tmpPath:    tmpPath,
		file:       f,
		w:          w,
		compressor: compressor,
		logger:     logger.With("segment_id", desc.ID, "segment_version", desc.Version),
	}, nil
}

// Append copies one live entry into the rewrite target. Indices must be
// strictly ascending and within the preserved bounds of the source group.
func (rw *rewriteWriter) Append(index uint64, payload []byte) error {
	if rw.sealed || rw.aborted {
		return core.ErrSegmentSealed
	}
	if index < rw.firstIndex || index > rw.lastIndex {
		return fmt.Errorf("%w: entry %d outside rewrite bounds [%d,%d]", core.ErrIndexOutOfRange, index, rw.firstIndex, rw.lastIndex)
	}
	if rw.count > 0 && index <= rw.lastAppended {
		return fmt.Errorf("rewrite entries out of order: %d after %d", index, rw.lastAppended)
	}
	if rw.count >= rw.desc.Capacity {
		return core.ErrSegmentFull
	}

	compressed, err := rw.compressor.Compress(payload)
	if err != nil {
		return fmt.Errorf("compress rewrite entry %d: %w", index, err)
	}
	if _, err := rw.w.Write(core.EncodeEntryRecord(nil, index, compressed)); err != nil {
		return fmt.Errorf("write rewrite entry %d: %w", index, err)
	}
	rw.lastAppended = index
	rw.count++
	return nil
}

// Seal writes the footer, makes the file durable and renames it into
// place. Until the rename the rewrite is invisible to readers.
func (rw *rewriteWriter) Seal() error {
	if rw.sealed || rw.aborted {
		return core.ErrSegmentSealed
	}
	// A rewritten segment has dropped its cleaned entries; the footer
	// carries an empty bitmap.
	if _, err := writeSegmentFooter(rw.w, roaring64.New(), rw.count, rw.firstIndex, rw.lastIndex); err != nil {
		return fmt.Errorf("write rewrite footer: %w", err)
	}
	if err := rw.w.Flush(); err != nil {
		return fmt.Errorf("flush rewrite file: %w", err)
	}
	if err := rw.file.Sync(); err != nil {
		return fmt.Errorf("sync rewrite file: %w", err)
	}
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("close rewrite file: %w", err)
	}
	if err := sys.AtomicReplace(rw.tmpPath, rw.finalPath()); err != nil {
		return err
	}
	rw.sealed = true
	return nil
}

// Abort discards the partially written target.
func (rw *rewriteWriter) Abort() error {
	if rw.sealed || rw.aborted {
		return nil
	}
	rw.aborted = true
	_ = rw.file.Close()
	if err := sys.RemoveQuiet(rw.tmpPath); err != nil {
		rw.logger.Warn("Could not remove aborted rewrite file.", "path", rw.tmpPath, "error", err)
		return err
	}
	return nil
}

func (rw *rewriteWriter) finalPath() string {
	return filepath.Join(rw.dir, rw.desc.FileName())
}

// Package storage implements the segmented append-only log: the segment
// file format, the segment manager directory index and the Log facade the
// Raft server drives.
package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/skiplist"
	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/INLOpen/nexuslog/compressors"
	"github.com/INLOpen/nexuslog/core"
	"github.com/INLOpen/nexuslog/sys"
)

// entrySlot locates one entry record inside a segment file.
type entrySlot struct {
	offset int64
	size   uint32 // compressed payload size, excluding the record header
}

func slotComparator(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Segment is a materialized segment on disk. Entries are addressed by
// their global log index through an in-memory position index, which stays
// sparse after a rewrite has dropped cleaned entries. A segment is either
// writable (version 1, not yet sealed) or sealed; rewritten segments are
// always sealed.
type Segment struct {
	mu         sync.RWMutex
	descriptor core.SegmentDescriptor
	path       string
	file       *os.File
	compressor core.Compressor
	logger     *slog.Logger

	positions  *skiplist.SkipList[uint64, *entrySlot]
	cleaned    *roaring64.Bitmap
	lastIndex  uint64 // descriptor.Index-1 while empty
	count      uint64
	sealed     bool
	writeOff   int64
	syncAlways bool

	refs   atomic.Int32
	doomed atomic.Bool
}

// Descriptor returns the segment's immutable identity record.
func (s *Segment) Descriptor() core.SegmentDescriptor {
	return s.descriptor
}

// FirstIndex returns the base index of the segment. Bounds are preserved
// exactly across rewrites.
func (s *Segment) FirstIndex() uint64 {
	return s.descriptor.Index
}

// LastIndex returns the last index ever written to the segment, live or
// cleaned. For an empty segment this is FirstIndex()-1.
func (s *Segment) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex
}

// Length returns the segment's slot capacity tier.
func (s *Segment) Length() uint64 {
	return s.descriptor.Capacity
}

// Count returns the number of physically present entries, cleaned or not.
func (s *Segment) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// CleanCount returns the number of present entries marked cleaned.
func (s *Segment) CleanCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cleaned.GetCardinality()
}

// IsFull reports whether the segment is sealed for appends.
func (s *Segment) IsFull() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed || s.count >= s.descriptor.Capacity
}

// IsCompacted reports whether the segment has been rewritten at least once.
func (s *Segment) IsCompacted() bool {
	return s.descriptor.Version > 1
}

// Path returns the segment's file path.
func (s *Segment) Path() string {
	return s.path
}

// Append writes one entry to a writable segment and returns its index.
func (s *Segment) Append(payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return 0, core.ErrSegmentSealed
	}
	if s.count >= s.descriptor.Capacity {
		return 0, core.ErrSegmentFull
	}

	compressed, err := s.compressor.Compress(payload)
	if err != nil {
		return 0, fmt.Errorf("compress entry payload: %w", err)
	}

	index := s.lastIndex + 1
	buf := core.BufferPool.Get()
	buf.Reset()
	defer core.BufferPool.Put(buf)
	buf.Write(core.EncodeEntryRecord(nil, index, compressed))

	if _, err := s.file.WriteAt(buf.Bytes(), s.writeOff); err != nil {
		return 0, fmt.Errorf("write entry record: %w", err)
	}
	if s.syncAlways {
		if err := s.file.Sync(); err != nil {
			return 0, fmt.Errorf("sync segment after append: %w", err)
		}
	}

	s.positions.Insert(index, &entrySlot{
		offset: s.writeOff + int64(core.EntryRecordHeaderSize),
		size:   uint32(len(compressed)),
	})
	s.writeOff += int64(core.EntryRecordHeaderSize) + int64(len(compressed))
	s.lastIndex = index
	s.count++
	return index, nil
}

// Get reads the entry at index. A cleaned or rewrite-omitted index within
// the segment bounds returns (nil, nil): the tombstone sentinel the Raft
// layer accounts for. Indices outside the bounds return ErrIndexOutOfRange.
func (s *Segment) Get(index uint64) (*core.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < s.descriptor.Index || index > s.lastIndex {
		return nil, core.ErrIndexOutOfRange
	}
	if s.cleaned.Contains(index) {
		return nil, nil
	}
	node, ok := s.positions.Seek(index)
	if !ok || node.Key() != index {
		return nil, nil
	}
	payload, err := s.readSlot(node.Value())
	if err != nil {
		return nil, err
	}
	return &core.Entry{Index: index, Payload: payload}, nil
}

// Clean marks the entry at index as cleaned. It reports whether a present
// entry was marked; cleaning an absent or already-cleaned index is a no-op.
func (s *Segment) Clean(index uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.positions.Seek(index)
	if !ok || node.Key() != index {
		return false
	}
	if s.cleaned.Contains(index) {
		return false
	}
	s.cleaned.Add(index)
	return true
}

// Scan calls fn for every live entry in ascending index order.
func (s *Segment) Scan(fn func(index uint64, payload []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	iter := s.positions.NewIterator()
	for iter.Next() {
		index := iter.Key()
		if s.cleaned.Contains(index) {
			continue
		}
		payload, err := s.readSlot(iter.Value())
		if err != nil {
			return err
		}
		if err := fn(index, payload); err != nil {
			return err
		}
	}
	return nil
}

// readSlot reads, verifies and decompresses one entry payload. Callers
// hold at least the read lock.
func (s *Segment) readSlot(slot *entrySlot) ([]byte, error) {
	compressed := make([]byte, slot.size)
	if _, err := s.file.ReadAt(compressed, slot.offset); err != nil {
		return nil, fmt.Errorf("read entry record: %w", err)
	}
	return s.compressor.Decompress(compressed)
}

// Seal writes the footer and makes the segment immutable for appends.
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil
	}
	n, err := writeSegmentFooter(io.NewOffsetWriter(s.file, s.writeOff), s.cleaned, s.count, s.descriptor.Index, s.lastIndex)
	if err != nil {
		return fmt.Errorf("write segment footer: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync segment on seal: %w", err)
	}
	s.writeOff += int64(n)
	s.sealed = true
	return nil
}

// acquire registers a reader. It fails once the segment has been swapped
// out and doomed for deletion.
func (s *Segment) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doomed.Load() {
		return false
	}
	s.refs.Add(1)
	return true
}

// release drops a reader reference, deleting the files of a doomed
// segment once the last reader is gone.
func (s *Segment) release() {
	s.mu.Lock()
	remaining := s.refs.Add(-1)
	doomed := s.doomed.Load()
	s.mu.Unlock()
	if doomed && remaining == 0 {
		s.removeFiles()
	}
}

// doom marks the segment for deletion after it was swapped out of the
// manager. Files are removed immediately when no reader holds them.
func (s *Segment) doom() {
	s.mu.Lock()
	s.doomed.Store(true)
	remaining := s.refs.Load()
	s.mu.Unlock()
	if remaining == 0 {
		s.removeFiles()
	}
}

func (s *Segment) removeFiles() {
	if s.file != nil {
		_ = s.file.Close()
	}
	if err := sys.RemoveQuiet(s.path); err != nil {
		s.logger.Warn("Could not remove replaced segment file.", "path", s.path, "error", err)
		return
	}
	s.logger.Debug("Removed replaced segment file.", "path", s.path)
}

// Close releases the file handle. The segment must not be used afterwards.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// writeSegmentFooter serializes the footer: the cleaned bitmap, the entry
// count and the preserved index bounds, followed by a checksum, the body
// length and the magic seal string. The magic string lands at the very end
// of the file; its absence marks an incomplete rewrite.
func writeSegmentFooter(w io.Writer, cleaned *roaring64.Bitmap, count, firstIndex, lastIndex uint64) (int, error) {
	body := core.BufferPool.Get()
	body.Reset()
	defer core.BufferPool.Put(body)

	bitmap := core.BufferPool.Get()
	bitmap.Reset()
	defer core.BufferPool.Put(bitmap)
	if _, err := cleaned.WriteTo(bitmap); err != nil {
		return 0, fmt.Errorf("serialize cleaned bitmap: %w", err)
	}

	binary.Write(body, binary.LittleEndian, uint32(bitmap.Len()))
	body.Write(bitmap.Bytes())
	binary.Write(body, binary.LittleEndian, count)
	binary.Write(body, binary.LittleEndian, firstIndex)
	binary.Write(body, binary.LittleEndian, lastIndex)

	tail := core.BufferPool.Get()
	tail.Reset()
	defer core.BufferPool.Put(tail)
	binary.Write(tail, binary.LittleEndian, core.ChecksumPayload(body.Bytes()))
	binary.Write(tail, binary.LittleEndian, uint32(body.Len()))
	tail.WriteString(core.SegmentMagicString)

	n1, err := w.Write(body.Bytes())
	if err != nil {
		return n1, err
	}
	n2, err := w.Write(tail.Bytes())
	return n1 + n2, err
}

// segmentFooter is the decoded footer of a sealed segment file.
type segmentFooter struct {
	cleaned    *roaring64.Bitmap
	count      uint64
	firstIndex uint64
	lastIndex  uint64
	// start is the file offset where the footer body begins, i.e. the end
	// of the entry record region.
	start int64
}

// footerTailSize is checksum (4) + body length (4) + magic string.
func footerTailSize() int64 {
	return int64(8 + core.SegmentMagicStringLen)
}

// readSegmentFooter parses the footer of a sealed file. It returns
// (nil, nil) when the file carries no complete footer.
func readSegmentFooter(f *os.File, fileSize, dataStart int64) (*segmentFooter, error) {
	tailLen := footerTailSize()
	if fileSize < dataStart+tailLen {
		return nil, nil
	}
	tail := make([]byte, tailLen)
	if _, err := f.ReadAt(tail, fileSize-tailLen); err != nil {
		return nil, fmt.Errorf("read footer tail: %w", err)
	}
	if string(tail[8:]) != core.SegmentMagicString {
		return nil, nil
	}
	checksum := binary.LittleEndian.Uint32(tail[0:4])
	bodyLen := int64(binary.LittleEndian.Uint32(tail[4:8]))
	start := fileSize - tailLen - bodyLen
	if start < dataStart {
		return nil, nil
	}

	body := make([]byte, bodyLen)
	if _, err := f.ReadAt(body, start); err != nil {
		return nil, fmt.Errorf("read footer body: %w", err)
	}
	if core.ChecksumPayload(body) != checksum {
		return nil, nil
	}

	r := bytes.NewReader(body)
	var bitmapLen uint32
	if err := binary.Read(r, binary.LittleEndian, &bitmapLen); err != nil {
		return nil, fmt.Errorf("%w: footer bitmap length", core.ErrCorruptSegment)
	}
	cleaned := roaring64.New()
	if bitmapLen > 0 {
		if _, err := cleaned.ReadFrom(io.LimitReader(r, int64(bitmapLen))); err != nil {
			return nil, fmt.Errorf("%w: footer cleaned bitmap: %v", core.ErrCorruptSegment, err)
		}
	}
	ft := &segmentFooter{cleaned: cleaned, start: start}
	if err := binary.Read(r, binary.LittleEndian, &ft.count); err != nil {
		return nil, fmt.Errorf("%w: footer count", core.ErrCorruptSegment)
	}
	if err := binary.Read(r, binary.LittleEndian, &ft.firstIndex); err != nil {
		return nil, fmt.Errorf("%w: footer first index", core.ErrCorruptSegment)
	}
	if err := binary.Read(r, binary.LittleEndian, &ft.lastIndex); err != nil {
		return nil, fmt.Errorf("%w: footer last index", core.ErrCorruptSegment)
	}
	return ft, nil
}

// writeSegmentHeader writes the file header and descriptor to w.
func writeSegmentHeader(w io.Writer, desc core.SegmentDescriptor, compression core.CompressionType) error {
	header := core.NewFileHeader(core.SegmentMagicNumber, compression)
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("write segment header: %w", err)
	}
	var buf [core.SegmentDescriptorSize]byte
	desc.EncodeTo(buf[:])
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write segment descriptor: %w", err)
	}
	return nil
}

// segmentDataStart is the file offset of the first entry record.
func segmentDataStart() int64 {
	h := core.FileHeader{}
	return int64(h.Size() + core.SegmentDescriptorSize)
}

// OpenSegment opens an existing segment file, rebuilding the position
// index by scanning the record region. A file whose descriptor says
// version>1 but which carries no complete footer is a failed rewrite and
// yields ErrCorruptSegment; a version-1 file without a footer is an active
// segment whose partial tail record, if any, is truncated away.
func OpenSegment(path string, syncAlways bool, logger *slog.Logger) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open segment file %s: %w", path, err)
	}
	seg, err := loadSegment(f, path, syncAlways, logger)
	if err != nil {
		f.Close()
		return nil, err
	}
	return seg, nil
}

func loadSegment(f *os.File, path string, syncAlways bool, logger *slog.Logger) (*Segment, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment file %s: %w", path, err)
	}
	fileSize := info.Size()
	dataStart := segmentDataStart()
	if fileSize < dataStart {
		return nil, core.CorruptSegmentError(path, fmt.Errorf("file shorter than header"))
	}

	var header core.FileHeader
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return nil, core.CorruptSegmentError(path, err)
	}
	if header.Magic != core.SegmentMagicNumber {
		return nil, core.CorruptSegmentError(path, fmt.Errorf("bad magic 0x%08X", header.Magic))
	}

	descBuf := make([]byte, core.SegmentDescriptorSize)
	if _, err := io.ReadFull(f, descBuf); err != nil {
		return nil, core.CorruptSegmentError(path, err)
	}
	desc, err := core.DecodeSegmentDescriptor(descBuf)
	if err != nil {
		return nil, core.CorruptSegmentError(path, err)
	}

	compressor, err := compressors.ForType(header.CompressorType)
	if err != nil {
		return nil, core.CorruptSegmentError(path, err)
	}

	footer, err := readSegmentFooter(f, fileSize, dataStart)
	if err != nil {
		return nil, err
	}
	if footer == nil && desc.Version > 1 {
		// The rewrite that produced this file never completed.
		return nil, core.CorruptSegmentError(path, fmt.Errorf("incomplete rewrite: missing footer"))
	}

	seg := &Segment{
		descriptor: desc,
		path:       path,
		file:       f,
		compressor: compressor,
		logger:     logger.With("segment_id", desc.ID, "segment_version", desc.Version),
		positions:  skiplist.NewWithComparator[uint64, *entrySlot](slotComparator),
		cleaned:    roaring64.New(),
		lastIndex:  desc.Index - 1,
		syncAlways: syncAlways,
	}

	dataEnd := fileSize
	if footer != nil {
		// The record region ends where the footer body begins.
		dataEnd = footer.start
	}

	if err := seg.scanRecords(dataStart, dataEnd, footer == nil); err != nil {
		return nil, err
	}

	if footer != nil {
		if seg.count != footer.count {
			return nil, core.CorruptSegmentError(path, fmt.Errorf("footer count %d, scanned %d", footer.count, seg.count))
		}
		seg.cleaned = footer.cleaned
		seg.lastIndex = footer.lastIndex
		seg.sealed = true
	}
	return seg, nil
}

// scanRecords rebuilds the position index from the record region. With
// truncateTail set (active segments), a torn record at the end of the file
// is cut off instead of failing the open.
func (s *Segment) scanRecords(dataStart, dataEnd int64, truncateTail bool) error {
	sr := io.NewSectionReader(s.file, dataStart, dataEnd-dataStart)
	r := bufio.NewReader(sr)
	off := dataStart

	hdr := make([]byte, core.EntryRecordHeaderSize)
	for off < dataEnd {
		if _, err := io.ReadFull(r, hdr); err != nil {
			if truncateTail {
				return s.truncateAt(off)
			}
			return core.CorruptSegmentError(s.path, fmt.Errorf("torn record header at offset %d: %v", off, err))
		}
		index, payloadLen, checksum, err := core.DecodeEntryRecordHeader(hdr)
		if err != nil {
			return err
		}
		if off+int64(core.EntryRecordHeaderSize)+int64(payloadLen) > dataEnd {
			if truncateTail {
				return s.truncateAt(off)
			}
			return core.CorruptSegmentError(s.path, fmt.Errorf("record at offset %d overruns data region", off))
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			if truncateTail {
				return s.truncateAt(off)
			}
			return core.CorruptSegmentError(s.path, fmt.Errorf("torn record payload at offset %d: %v", off, err))
		}
		if core.ChecksumPayload(payload) != checksum {
			if truncateTail {
				return s.truncateAt(off)
			}
			return core.CorruptSegmentError(s.path, fmt.Errorf("checksum mismatch at offset %d", off))
		}

		s.positions.Insert(index, &entrySlot{
			offset: off + int64(core.EntryRecordHeaderSize),
			size:   payloadLen,
		})
		if index > s.lastIndex {
			s.lastIndex = index
		}
		s.count++
		off += int64(core.EntryRecordHeaderSize) + int64(payloadLen)
	}
	s.writeOff = off
	return nil
}

// truncateAt cuts a torn tail off an active segment during recovery.
func (s *Segment) truncateAt(off int64) error {
	s.logger.Warn("Truncating torn tail of active segment.", "offset", off)
	if err := s.file.Truncate(off); err != nil {
		return fmt.Errorf("truncate segment %s at %d: %w", s.path, off, err)
	}
	s.writeOff = off
	return nil
}

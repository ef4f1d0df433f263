package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexuslog/compressors"
	"github.com/INLOpen/nexuslog/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSegment(t *testing.T, dir string, desc core.SegmentDescriptor) *Segment {
	t.Helper()
	seg, err := createSegment(dir, desc, compressors.NewSnappyCompressor(), false, false, testLogger())
	require.NoError(t, err)
	return seg
}

func TestSegment_AppendAndGet(t *testing.T) {
	dir := t.TempDir()
	desc := core.SegmentDescriptor{ID: 1, Version: 1, Index: 1, Capacity: 8}
	seg := newTestSegment(t, dir, desc)
	defer seg.Close()

	for i := 1; i <= 3; i++ {
		index, err := seg.Append([]byte(fmt.Sprintf("entry-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), index)
	}

	assert.Equal(t, uint64(1), seg.FirstIndex())
	assert.Equal(t, uint64(3), seg.LastIndex())
	assert.Equal(t, uint64(3), seg.Count())
	assert.Equal(t, uint64(0), seg.CleanCount())
	assert.False(t, seg.IsFull())
	assert.False(t, seg.IsCompacted())

	for i := 1; i <= 3; i++ {
		entry, err := seg.Get(uint64(i))
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, uint64(i), entry.Index)
		assert.Equal(t, []byte(fmt.Sprintf("entry-%d", i)), entry.Payload)
	}

	t.Run("OutOfRange", func(t *testing.T) {
		_, err := seg.Get(4)
		assert.ErrorIs(t, err, core.ErrIndexOutOfRange)
		_, err = seg.Get(0)
		assert.ErrorIs(t, err, core.ErrIndexOutOfRange)
	})
}

func TestSegment_FullAndSealed(t *testing.T) {
	dir := t.TempDir()
	desc := core.SegmentDescriptor{ID: 1, Version: 1, Index: 1, Capacity: 2}
	seg := newTestSegment(t, dir, desc)
	defer seg.Close()

	_, err := seg.Append([]byte("a"))
	require.NoError(t, err)
	_, err = seg.Append([]byte("b"))
	require.NoError(t, err)
	assert.True(t, seg.IsFull())

	_, err = seg.Append([]byte("c"))
	assert.ErrorIs(t, err, core.ErrSegmentFull)

	require.NoError(t, seg.Seal())
	require.NoError(t, seg.Seal(), "sealing twice is a no-op")
	_, err = seg.Append([]byte("c"))
	assert.ErrorIs(t, err, core.ErrSegmentSealed)
}

func TestSegment_CleanMarksTombstone(t *testing.T) {
	dir := t.TempDir()
	desc := core.SegmentDescriptor{ID: 1, Version: 1, Index: 1, Capacity: 8}
	seg := newTestSegment(t, dir, desc)
	defer seg.Close()

	for i := 0; i < 4; i++ {
		_, err := seg.Append([]byte("x"))
		require.NoError(t, err)
	}

	assert.True(t, seg.Clean(2))
	assert.False(t, seg.Clean(2), "cleaning twice is a no-op")
	assert.False(t, seg.Clean(99), "cleaning an absent index is a no-op")
	assert.Equal(t, uint64(1), seg.CleanCount())
	assert.Equal(t, uint64(4), seg.Count(), "cleaned entries remain physically present")

	entry, err := seg.Get(2)
	require.NoError(t, err)
	assert.Nil(t, entry, "cleaned index reads as a tombstone")

	entry, err = seg.Get(3)
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestSegment_ScanSkipsCleaned(t *testing.T) {
	dir := t.TempDir()
	desc := core.SegmentDescriptor{ID: 1, Version: 1, Index: 10, Capacity: 8}
	seg := newTestSegment(t, dir, desc)
	defer seg.Close()

	for i := 0; i < 4; i++ {
		_, err := seg.Append([]byte{byte('a' + i)})
		require.NoError(t, err)
	}
	seg.Clean(11)
	seg.Clean(13)

	var got []uint64
	err := seg.Scan(func(index uint64, payload []byte) error {
		got = append(got, index)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{10, 12}, got)
}

func TestSegment_SealAndReopen(t *testing.T) {
	dir := t.TempDir()
	desc := core.SegmentDescriptor{ID: 3, Version: 1, Index: 100, Capacity: 4}
	seg := newTestSegment(t, dir, desc)

	for i := 0; i < 4; i++ {
		_, err := seg.Append([]byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
	}
	seg.Clean(101)
	require.NoError(t, seg.Seal())
	path := seg.Path()
	require.NoError(t, seg.Close())

	reopened, err := OpenSegment(path, false, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, desc, reopened.Descriptor())
	assert.Equal(t, uint64(100), reopened.FirstIndex())
	assert.Equal(t, uint64(103), reopened.LastIndex())
	assert.Equal(t, uint64(4), reopened.Count())
	assert.Equal(t, uint64(1), reopened.CleanCount(), "cleans persist through the footer")
	assert.True(t, reopened.IsFull())

	entry, err := reopened.Get(101)
	require.NoError(t, err)
	assert.Nil(t, entry)

	entry, err = reopened.Get(103)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []byte("v3"), entry.Payload)
}

func TestSegment_TornTailTruncatedOnReopen(t *testing.T) {
	dir := t.TempDir()
	desc := core.SegmentDescriptor{ID: 1, Version: 1, Index: 1, Capacity: 8}
	seg := newTestSegment(t, dir, desc)

	for i := 0; i < 3; i++ {
		_, err := seg.Append([]byte("payload"))
		require.NoError(t, err)
	}
	path := seg.Path()
	require.NoError(t, seg.Close())

	// Tear the last record.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	reopened, err := OpenSegment(path, false, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(2), reopened.Count())
	assert.Equal(t, uint64(2), reopened.LastIndex())

	// The segment stays writable after the torn tail was cut off.
	index, err := reopened.Append([]byte("again"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), index)
}

func TestRewriteWriter_ProducesSparseSegment(t *testing.T) {
	dir := t.TempDir()
	desc := core.SegmentDescriptor{ID: 5, Version: 2, Index: 1, Capacity: 100}
	rw, err := newRewriteWriter(dir, desc, 1, 200, compressors.NewSnappyCompressor(), testLogger())
	require.NoError(t, err)

	require.NoError(t, rw.Append(1, []byte("a")))
	require.NoError(t, rw.Append(50, []byte("b")))
	require.NoError(t, rw.Append(200, []byte("c")))
	require.NoError(t, rw.Seal())

	seg, err := OpenSegment(rw.finalPath(), false, testLogger())
	require.NoError(t, err)
	defer seg.Close()

	assert.True(t, seg.IsCompacted())
	assert.Equal(t, uint64(1), seg.FirstIndex())
	assert.Equal(t, uint64(200), seg.LastIndex(), "bounds preserved despite omitted entries")
	assert.Equal(t, uint64(3), seg.Count())
	assert.Equal(t, uint64(0), seg.CleanCount())

	entry, err := seg.Get(50)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []byte("b"), entry.Payload)

	entry, err = seg.Get(2)
	require.NoError(t, err)
	assert.Nil(t, entry, "omitted index reads as a tombstone")

	_, err = seg.Get(201)
	assert.ErrorIs(t, err, core.ErrIndexOutOfRange)
}

func TestRewriteWriter_RejectsBadAppends(t *testing.T) {
	dir := t.TempDir()
	desc := core.SegmentDescriptor{ID: 5, Version: 2, Index: 10, Capacity: 4}
	rw, err := newRewriteWriter(dir, desc, 10, 20, compressors.NewSnappyCompressor(), testLogger())
	require.NoError(t, err)
	defer rw.Abort()

	require.NoError(t, rw.Append(12, []byte("a")))

	err = rw.Append(11, []byte("b"))
	assert.Error(t, err, "descending index rejected")

	err = rw.Append(21, []byte("c"))
	assert.ErrorIs(t, err, core.ErrIndexOutOfRange)
}

func TestRewriteWriter_AbortRemovesTempFile(t *testing.T) {
	dir := t.TempDir()
	desc := core.SegmentDescriptor{ID: 9, Version: 3, Index: 1, Capacity: 4}
	rw, err := newRewriteWriter(dir, desc, 1, 4, compressors.NewSnappyCompressor(), testLogger())
	require.NoError(t, err)
	require.NoError(t, rw.Append(1, []byte("a")))
	require.NoError(t, rw.Abort())

	_, err = os.Stat(rw.tmpPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(rw.finalPath())
	assert.True(t, os.IsNotExist(err))
}

func TestOpenSegment_IncompleteRewriteIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	desc := core.SegmentDescriptor{ID: 5, Version: 2, Index: 1, Capacity: 4}
	rw, err := newRewriteWriter(dir, desc, 1, 4, compressors.NewSnappyCompressor(), testLogger())
	require.NoError(t, err)
	require.NoError(t, rw.Append(1, []byte("a")))
	require.NoError(t, rw.w.Flush())
	require.NoError(t, rw.file.Close())

	// Simulate a crash between the rename and footer validation: the file
	// reached its final name without ever being sealed.
	final := filepath.Join(dir, desc.FileName())
	require.NoError(t, os.Rename(rw.tmpPath, final))

	_, err = OpenSegment(final, false, testLogger())
	require.ErrorIs(t, err, core.ErrCorruptSegment)
}

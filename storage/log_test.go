package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/INLOpen/nexuslog/config"
	"github.com/INLOpen/nexuslog/core"
)

func testConfig(dir string) *config.Config {
	cfg, _ := config.Load(nil)
	cfg.Storage.DataDir = dir
	cfg.Storage.SegmentCapacity = 4
	cfg.Storage.Compression = "snappy"
	cfg.Compaction.Threshold = 0.5
	cfg.Compaction.MinFreeBytes = 1
	return cfg
}

func openTestLog(t *testing.T, dir string) *Log {
	t.Helper()
	l, err := OpenLog(testConfig(dir), testLogger(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return l
}

func TestLog_AppendGetRoundtrip(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	for i := 1; i <= 10; i++ {
		index, err := l.Append([]byte(fmt.Sprintf("entry-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), index)
	}
	assert.Equal(t, uint64(1), l.FirstIndex())
	assert.Equal(t, uint64(10), l.LastIndex())

	for i := 1; i <= 10; i++ {
		entry, err := l.Get(uint64(i))
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, []byte(fmt.Sprintf("entry-%d", i)), entry.Payload)
	}

	_, err := l.Get(11)
	assert.ErrorIs(t, err, core.ErrIndexOutOfRange)
}

func TestLog_ReopenPreservesEntries(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)
	for i := 1; i <= 6; i++ {
		_, err := l.Append([]byte(fmt.Sprintf("entry-%d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	reopened := openTestLog(t, dir)
	defer reopened.Close()

	assert.Equal(t, uint64(6), reopened.LastIndex())
	entry, err := reopened.Get(5)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []byte("entry-5"), entry.Payload)

	// Appends continue from where the log left off.
	index, err := reopened.Append([]byte("entry-7"))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), index)
}

func TestLog_CleanReadsAsTombstoneBeforeCompaction(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	for i := 1; i <= 4; i++ {
		_, err := l.Append([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, l.Clean(2))

	// Until a rewrite drops it, a cleaned entry reads as a tombstone but
	// stays physically present.
	entry, err := l.Get(2)
	require.NoError(t, err)
	assert.Nil(t, entry)

	err = l.Clean(99)
	assert.ErrorIs(t, err, core.ErrIndexOutOfRange)
}

func TestLog_CompactionDropsCleanedEntriesAndPreservesIndices(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	for i := 1; i <= 12; i++ {
		_, err := l.Append([]byte(fmt.Sprintf("entry-%d", i)))
		require.NoError(t, err)
	}
	l.Commit(12)

	// Make the first segment hot: 3 of 4 entries cleaned.
	for _, idx := range []uint64{1, 2, 3} {
		require.NoError(t, l.Clean(idx))
	}
	require.NoError(t, l.Compact(context.Background()))

	// Bounds unchanged; cleaned indices read as tombstones; the survivor
	// kept its original index.
	assert.Equal(t, uint64(1), l.FirstIndex())
	assert.Equal(t, uint64(12), l.LastIndex())
	for _, idx := range []uint64{1, 2, 3} {
		entry, err := l.Get(idx)
		require.NoError(t, err)
		assert.Nil(t, entry, "cleaned entry %d should be dropped", idx)
	}
	entry, err := l.Get(4)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []byte("entry-4"), entry.Payload)

	// The first segment was rewritten in place at version 2.
	first := l.Manager().Segments()[0]
	assert.Equal(t, uint64(2), first.Descriptor().Version)
	assert.Equal(t, uint64(1), first.Count())
	assert.True(t, first.IsCompacted())

	assert.Equal(t, int64(1), l.Metrics().SegmentsRewritten.Value())
}

func TestLog_CompactionMergesAdjacentSparseSegments(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	for i := 1; i <= 9; i++ {
		_, err := l.Append([]byte(fmt.Sprintf("entry-%d", i)))
		require.NoError(t, err)
	}
	l.Commit(9)

	// Clean everything in the first two sealed segments.
	for idx := uint64(1); idx <= 8; idx++ {
		require.NoError(t, l.Clean(idx))
	}

	// First pass rewrites each hot segment alone (their live counts do
	// not fit a shared segment before cleaning takes effect); the second
	// pass merges the now-empty version-2 neighbors.
	require.NoError(t, l.Compact(context.Background()))
	require.NoError(t, l.Compact(context.Background()))

	segs := l.Manager().Segments()
	require.Len(t, segs, 2, "the two empty segments merged into one")
	merged := segs[0]
	assert.Equal(t, uint64(3), merged.Descriptor().Version)
	assert.Equal(t, uint64(1), merged.FirstIndex())
	assert.Equal(t, uint64(8), merged.LastIndex())
	assert.Equal(t, uint64(0), merged.Count())

	// The whole merged range reads as tombstones; the tail is intact.
	for idx := uint64(1); idx <= 8; idx++ {
		entry, err := l.Get(idx)
		require.NoError(t, err)
		assert.Nil(t, entry)
	}
	entry, err := l.Get(9)
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestLog_CompactionNeverTouchesUncommittedEntries(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	for i := 1; i <= 4; i++ {
		_, err := l.Append([]byte("x"))
		require.NoError(t, err)
	}
	// Entries are cleaned but the commit index never advanced.
	for idx := uint64(1); idx <= 4; idx++ {
		require.NoError(t, l.Clean(idx))
	}
	require.NoError(t, l.Compact(context.Background()))

	segs := l.Manager().Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, uint64(1), segs[0].Descriptor().Version, "uncommitted segment left untouched")
	assert.Equal(t, uint64(4), segs[0].Count())
}

func TestLog_WaitForCommit(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Commit(5)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.WaitForCommit(ctx, 5))
	assert.Equal(t, uint64(5), l.CommitIndex())

	t.Run("CancelledContext", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := l.WaitForCommit(ctx, 100)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestLog_BackgroundCompactorLifecycle(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	l.Start()

	for i := 1; i <= 8; i++ {
		_, err := l.Append([]byte("x"))
		require.NoError(t, err)
	}
	l.Commit(8)
	for idx := uint64(1); idx <= 3; idx++ {
		require.NoError(t, l.Clean(idx))
	}
	l.TriggerCompaction()

	assert.Eventually(t, func() bool {
		return l.Metrics().SegmentsRewritten.Value() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Close())
}

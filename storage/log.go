package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/nexuslog/compaction"
	"github.com/INLOpen/nexuslog/compressors"
	"github.com/INLOpen/nexuslog/config"
	"github.com/INLOpen/nexuslog/core"
)

// Log is the facade the Raft server drives: an append-only, totally
// ordered sequence of entries stored across segments, with clean-based
// reclamation running in the background.
type Log struct {
	cfg       *config.Config
	manager   *SegmentManager
	compactor *compaction.Compactor
	metrics   *compaction.Metrics
	logger    *slog.Logger

	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// OpenLog opens (or creates) the log under cfg.Storage.DataDir and wires
// the background compactor. Call Start to begin compaction ticks.
func OpenLog(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compressionType, err := cfg.CompressionType()
	if err != nil {
		return nil, err
	}
	compressor, err := compressors.ForType(compressionType)
	if err != nil {
		return nil, err
	}

	manager, err := OpenSegmentManager(SegmentManagerOptions{
		Dir:             cfg.Storage.DataDir,
		SegmentCapacity: cfg.Storage.SegmentCapacity,
		Compressor:      compressor,
		SyncAlways:      cfg.Storage.SyncMode == "always",
		Preallocate:     cfg.Storage.Preallocate,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	metrics, err := compaction.NewMetrics(false, "")
	if err != nil {
		manager.Close()
		return nil, err
	}

	l := &Log{
		cfg:     cfg,
		manager: manager,
		metrics: metrics,
		logger:  logger.With("component", "Log"),
	}
	l.compactor = compaction.NewCompactor(compaction.CompactorParams{
		Store:                 manager.CompactionView(),
		Storage:               cfg,
		Interval:              cfg.MinorCompactionInterval(),
		MaxConcurrentRewrites: cfg.Compaction.MaxConcurrentRewrites,
		DataDir:               cfg.Storage.DataDir,
		MinFreeBytes:          cfg.Compaction.MinFreeBytes,
		Logger:                logger,
		Tracer:                tracer,
		Metrics:               metrics,
	})
	return l, nil
}

// Start launches the background compaction loop.
func (l *Log) Start() {
	if l.started.CompareAndSwap(false, true) {
		l.compactor.Start(&l.wg)
	}
}

// Append writes one entry to the tail of the log and returns its index.
func (l *Log) Append(payload []byte) (uint64, error) {
	if l.closed.Load() {
		return 0, core.ErrClosed
	}
	active := l.manager.Active()
	if active == nil {
		return 0, core.ErrClosed
	}
	index, err := active.Append(payload)
	if err == core.ErrSegmentFull || err == core.ErrSegmentSealed {
		active, err = l.manager.Roll()
		if err != nil {
			return 0, fmt.Errorf("roll segment: %w", err)
		}
		index, err = active.Append(payload)
	}
	if err != nil {
		return 0, err
	}
	return index, nil
}

// Get reads the entry at index. Within the log bounds, a cleaned entry,
// whether still present or already dropped by a rewrite, reads as
// (nil, nil); callers treat the hole as a tombstone. Outside the bounds,
// ErrIndexOutOfRange.
func (l *Log) Get(index uint64) (*core.Entry, error) {
	seg, release, err := l.manager.AcquireFor(index)
	if err != nil {
		return nil, err
	}
	defer release()
	return seg.Get(index)
}

// Clean marks the entry at index obsolete. From then on it reads as a
// tombstone; it stays physically present until a minor compaction pass
// rewrites its segment. Cleaning an index above
// the last written index is an error; cleaning an already-cleaned or
// already-dropped index is a no-op.
func (l *Log) Clean(index uint64) error {
	seg, release, err := l.manager.AcquireFor(index)
	if err != nil {
		return err
	}
	defer release()
	seg.Clean(index)
	return nil
}

// Commit advances the local commit index. Compaction never touches
// entries above it.
func (l *Log) Commit(index uint64) {
	l.manager.Commit(index)
}

// CommitIndex returns the highest locally known committed index.
func (l *Log) CommitIndex() uint64 {
	return l.manager.CommitIndex()
}

// WaitForCommit blocks until index is committed or ctx is cancelled.
func (l *Log) WaitForCommit(ctx context.Context, index uint64) error {
	return l.manager.Tracker().WaitForCommit(ctx, index)
}

// FirstIndex returns the base index of the oldest segment.
func (l *Log) FirstIndex() uint64 {
	return l.manager.FirstIndex()
}

// LastIndex returns the highest index ever appended.
func (l *Log) LastIndex() uint64 {
	return l.manager.LastIndex()
}

// Compact runs one synchronous minor compaction cycle.
func (l *Log) Compact(ctx context.Context) error {
	return l.compactor.RunCycle(ctx)
}

// TriggerCompaction requests an asynchronous compaction cycle.
func (l *Log) TriggerCompaction() {
	l.compactor.Trigger()
}

// Metrics exposes the compaction metrics of this log instance.
func (l *Log) Metrics() *compaction.Metrics {
	return l.metrics
}

// Manager exposes the underlying segment manager.
func (l *Log) Manager() *SegmentManager {
	return l.manager
}

// Close stops compaction and closes the segment directory.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.started.Load() {
		l.compactor.Stop()
		l.wg.Wait()
	}
	return l.manager.Close()
}

package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// CommitTracker tracks the highest Raft-committed log index known locally.
// Reads are lock-free; writers advance the index monotonically and wake any
// goroutines blocked in WaitForCommit.
type CommitTracker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	commit atomic.Uint64
}

// NewCommitTracker creates a tracker starting at commit index 0.
func NewCommitTracker() *CommitTracker {
	t := &CommitTracker{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// CommitIndex returns the highest committed index.
func (t *CommitTracker) CommitIndex() uint64 {
	return t.commit.Load()
}

// Commit advances the committed index. Regressions are ignored; the commit
// index only moves forward.
func (t *CommitTracker) Commit(index uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index > t.commit.Load() {
		t.commit.Store(index)
		t.cond.Broadcast()
	}
}

// WaitForCommit blocks until the given index is committed or the context
// is cancelled.
func (t *CommitTracker) WaitForCommit(ctx context.Context, index uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	waitDone := make(chan struct{})
	go func() {
		for t.commit.Load() < index {
			if ctx.Err() != nil {
				break
			}
			t.cond.Wait()
		}
		close(waitDone)
	}()

	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		// Wake the waiting goroutine so it can observe the cancellation.
		// The goroutine may enter Wait just after a broadcast, so repeat
		// until it has exited.
		for {
			t.cond.Broadcast()
			select {
			case <-waitDone:
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}
}

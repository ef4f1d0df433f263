package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitTracker_Monotonic(t *testing.T) {
	tr := NewCommitTracker()
	assert.Equal(t, uint64(0), tr.CommitIndex())

	tr.Commit(7)
	assert.Equal(t, uint64(7), tr.CommitIndex())

	tr.Commit(3)
	assert.Equal(t, uint64(7), tr.CommitIndex(), "commit index never regresses")
}

func TestCommitTracker_WaitForCommit(t *testing.T) {
	t.Run("AlreadyCommitted", func(t *testing.T) {
		tr := NewCommitTracker()
		tr.Commit(5)
		require.NoError(t, tr.WaitForCommit(context.Background(), 5))
	})

	t.Run("WakesOnCommit", func(t *testing.T) {
		tr := NewCommitTracker()
		done := make(chan error, 1)
		go func() {
			done <- tr.WaitForCommit(context.Background(), 10)
		}()

		time.Sleep(10 * time.Millisecond)
		tr.Commit(9) // not enough yet
		tr.Commit(10)

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never woke up")
		}
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		tr := NewCommitTracker()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := tr.WaitForCommit(ctx, 100)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

package compaction

import (
	"context"
	"fmt"
)

// Task rewrites one merge group into a single new-version segment without
// its cleaned entries. Tasks over distinct groups touch disjoint index
// ranges and may run in parallel; a failed task leaves the source group
// intact and its segments reappear in the next planning pass.
type Task struct {
	store SegmentStore
	group []Segment
}

// NewTask wraps a merge group into a rewrite task.
func NewTask(store SegmentStore, group []Segment) *Task {
	return &Task{store: store, group: group}
}

// Group returns the ordered segments this task rewrites.
func (t *Task) Group() []Segment {
	return t.group
}

// Run executes the rewrite: allocate a segment at the first member's id
// and version+1, copy all live entries in index order preserving their
// original indices, seal it and atomically swap it in for the group. The
// old files are deleted by the store once no reader holds them.
func (t *Task) Run(ctx context.Context) error {
	if len(t.group) == 0 {
		return nil
	}
	first := t.group[0]
	last := t.group[len(t.group)-1]
	desc := first.Descriptor()

	// The rewrite allocates at the largest capacity tier in the group;
	// the planner guaranteed the combined live entries fit within it.
	capacity := groupLength(t.group)

	target, err := t.store.CreateCompactedSegment(desc.ID, desc.Version+1, first.FirstIndex(), last.LastIndex(), capacity)
	if err != nil {
		return fmt.Errorf("allocate compacted segment for %s: %w", desc, err)
	}

	for _, segment := range t.group {
		if err := ctx.Err(); err != nil {
			target.Abort()
			return err
		}
		err := segment.Scan(func(index uint64, payload []byte) error {
			return target.Append(index, payload)
		})
		if err != nil {
			target.Abort()
			return fmt.Errorf("copy live entries of %s: %w", segment.Descriptor(), err)
		}
	}

	if err := target.Seal(); err != nil {
		target.Abort()
		return fmt.Errorf("seal compacted segment for %s: %w", desc, err)
	}

	if err := t.store.ReplaceGroup(t.group, target); err != nil {
		return fmt.Errorf("swap compacted segment for %s: %w", desc, err)
	}
	return nil
}

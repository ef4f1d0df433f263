package storage

import (
	"fmt"

	"github.com/INLOpen/nexuslog/compaction"
)

// compactionView adapts the segment manager to the interfaces the
// compaction core consumes.
type compactionView struct {
	m *SegmentManager
}

var _ compaction.SegmentStore = (*compactionView)(nil)

// CompactionView returns the manager as a compaction.SegmentStore.
func (m *SegmentManager) CompactionView() compaction.SegmentStore {
	return &compactionView{m: m}
}

func (v *compactionView) Segments() []compaction.Segment {
	segs := v.m.Segments()
	out := make([]compaction.Segment, len(segs))
	for i, s := range segs {
		out[i] = s
	}
	return out
}

func (v *compactionView) CommitIndex() uint64 {
	return v.m.CommitIndex()
}

func (v *compactionView) CreateCompactedSegment(id, version, firstIndex, lastIndex, capacity uint64) (compaction.RewriteTarget, error) {
	return v.m.CreateCompactedSegment(id, version, firstIndex, lastIndex, capacity)
}

func (v *compactionView) ReplaceGroup(group []compaction.Segment, target compaction.RewriteTarget) error {
	rw, ok := target.(*rewriteWriter)
	if !ok {
		return fmt.Errorf("rewrite target %T was not created by this store", target)
	}
	segs := make([]*Segment, len(group))
	for i, g := range group {
		s, ok := g.(*Segment)
		if !ok {
			return fmt.Errorf("segment %T was not produced by this store", g)
		}
		segs[i] = s
	}
	return v.m.replaceGroup(segs, rw)
}

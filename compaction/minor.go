package compaction

// MinorCompactionManager plans the minor compaction pass. It selects
// cleanable segments, folds adjacent ones into merge groups and wraps each
// group in a rewrite task. The planner is stateless; every invocation
// works from the snapshot the store hands it.
type MinorCompactionManager struct{}

var _ Manager = (*MinorCompactionManager)(nil)

// NewMinorCompactionManager creates the minor compaction planner.
func NewMinorCompactionManager() *MinorCompactionManager {
	return &MinorCompactionManager{}
}

// BuildTasks implements Manager.
func (m *MinorCompactionManager) BuildTasks(storage Storage, store SegmentStore) []*Task {
	groups := m.cleanableGroups(storage, store)
	tasks := make([]*Task, 0, len(groups))
	for _, group := range groups {
		tasks = append(tasks, NewTask(store, group))
	}
	return tasks
}

// cleanableGroups folds the cleanable segment stream into adjacent merge
// groups, in the order in which they should be rewritten.
func (m *MinorCompactionManager) cleanableGroups(storage Storage, store SegmentStore) [][]Segment {
	var groups [][]Segment
	var current []Segment
	var prev Segment
	for _, segment := range m.cleanableSegments(storage, store) {
		if current == nil {
			current = []Segment{segment}
		} else if prev != nil && (prev.Descriptor().Version != segment.Descriptor().Version || prev.LastIndex() != segment.FirstIndex()-1) {
			// A version boundary or an index gap breaks the neighbor
			// chain. This is checked before the capacity test: segments
			// across either boundary must never be combined regardless of
			// how small they are.
			groups = append(groups, current)
			current = []Segment{segment}
		} else if groupCount(current)+segment.Count() < groupLength(current) {
			// The combined live entries still fit strictly within the
			// largest slot capacity in the group, so the segment can be
			// merged with its neighbors.
			current = append(current, segment)
		} else {
			// Not enough room to combine; close the group.
			groups = append(groups, current)
			current = []Segment{segment}
		}
		prev = segment
	}
	if current != nil {
		groups = append(groups, current)
	}
	return groups
}

// cleanableSegments filters the store's segments down to the ones worth
// rewriting now, preserving enumeration order.
func (m *MinorCompactionManager) cleanableSegments(storage Storage, store SegmentStore) []Segment {
	commitIndex := store.CommitIndex()
	var segments []Segment
	for _, segment := range store.Segments() {
		// Only full segments at or below the commit index may be touched.
		// A segment that has already been rewritten stays eligible for
		// re-examination.
		if !segment.IsCompacted() && !(segment.IsFull() && segment.LastIndex() <= commitIndex) {
			continue
		}

		if segment.Count() < segment.Length()/2 {
			// Sparse fast path: a segment under half full can be folded
			// into a neighbor regardless of how much cleaning happened.
			segments = append(segments, segment)
			continue
		}

		if segment.Count() == 0 {
			// No live data at all; trivially cleanable. Kept separate
			// from the ratio below to avoid dividing by zero when the
			// capacity is tiny enough to defeat the sparse test.
			segments = append(segments, segment)
			continue
		}

		// Generational heuristic: the clean ratio is scaled by the
		// segment's rewrite version, so older generations need
		// proportionally less new cleaning to be picked again.
		cleanRatio := float64(segment.CleanCount()) / float64(segment.Count())
		if cleanRatio*float64(segment.Descriptor().Version) >= storage.CompactionThreshold() {
			segments = append(segments, segment)
		}
	}
	return segments
}

// groupCount is the total live entry count across the group.
func groupCount(group []Segment) uint64 {
	var sum uint64
	for _, s := range group {
		sum += s.Count()
	}
	return sum
}

// groupLength is the largest slot capacity represented in the group.
// Capacities can differ when an earlier rewrite produced a smaller
// physical segment.
func groupLength(group []Segment) uint64 {
	var max uint64
	for _, s := range group {
		if s.Length() > max {
			max = s.Length()
		}
	}
	return max
}

package core

import (
	"encoding/binary"
	"fmt"
)

// SegmentDescriptor is the immutable identity record attached to every
// segment. ID is stable across rewrites; Version increments on each minor
// compaction rewrite; Index is the base (first intended) log index;
// Capacity is the slot capacity tier the segment was allocated at.
type SegmentDescriptor struct {
	ID       uint64
	Version  uint64
	Index    uint64
	Capacity uint64
}

// SegmentDescriptorSize is the fixed on-disk size of a descriptor.
const SegmentDescriptorSize = 4 * 8

// EncodeTo writes the descriptor into buf, which must be at least
// SegmentDescriptorSize bytes.
func (d SegmentDescriptor) EncodeTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], d.ID)
	binary.LittleEndian.PutUint64(buf[8:16], d.Version)
	binary.LittleEndian.PutUint64(buf[16:24], d.Index)
	binary.LittleEndian.PutUint64(buf[24:32], d.Capacity)
}

// DecodeSegmentDescriptor reads a descriptor from buf.
func DecodeSegmentDescriptor(buf []byte) (SegmentDescriptor, error) {
	if len(buf) < SegmentDescriptorSize {
		return SegmentDescriptor{}, fmt.Errorf("%w: descriptor truncated (%d bytes)", ErrCorruptSegment, len(buf))
	}
	return SegmentDescriptor{
		ID:       binary.LittleEndian.Uint64(buf[0:8]),
		Version:  binary.LittleEndian.Uint64(buf[8:16]),
		Index:    binary.LittleEndian.Uint64(buf[16:24]),
		Capacity: binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}

// FileName returns the on-disk file name for this descriptor identity.
func (d SegmentDescriptor) FileName() string {
	return FormatSegmentFileName(d.ID, d.Version)
}

func (d SegmentDescriptor) String() string {
	return fmt.Sprintf("segment(id=%d v=%d index=%d cap=%d)", d.ID, d.Version, d.Index, d.Capacity)
}

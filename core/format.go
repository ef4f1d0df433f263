package core

import (
	"fmt"
	"strconv"
	"strings"
)

// --- Magic numbers ---
const (
	// SegmentMagicNumber identifies a log segment file.
	SegmentMagicNumber uint32 = 0x5345474C // "SEGL"
)

// SegmentMagicString is placed at the very end of a sealed segment file.
// Its presence is the seal: a rewrite that died mid-flight leaves a file
// without it, and recovery treats such a file as an incomplete rewrite.
const SegmentMagicString = "NXLG-SEG-V1"

// SegmentMagicStringLen is the byte length of SegmentMagicString.
var SegmentMagicStringLen = len(SegmentMagicString)

// FormatVersion is the current version for the segment file format.
const FormatVersion uint8 = 1

const (
	segmentFileSuffix = ".seg"
	// SegmentTempSuffix marks an in-flight rewrite target.
	SegmentTempSuffix = ".seg.tmp"
)

// FormatSegmentFileName builds a segment file name from its descriptor
// identity: "<id>-<version>.seg", both fields zero padded so a plain
// lexical sort of a directory listing follows segment id order.
func FormatSegmentFileName(id, version uint64) string {
	return fmt.Sprintf("%010d-%05d%s", id, version, segmentFileSuffix)
}

// ParseSegmentFileName extracts the segment id and version from a file
// name produced by FormatSegmentFileName.
func ParseSegmentFileName(name string) (id, version uint64, err error) {
	if !strings.HasSuffix(name, segmentFileSuffix) || strings.HasSuffix(name, SegmentTempSuffix) {
		return 0, 0, fmt.Errorf("file %s is not a segment file", name)
	}
	base := strings.TrimSuffix(name, segmentFileSuffix)
	dash := strings.IndexByte(base, '-')
	if dash < 0 {
		return 0, 0, fmt.Errorf("file %s is not a segment file", name)
	}
	id, err = strconv.ParseUint(base[:dash], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad segment id in %s: %w", name, err)
	}
	version, err = strconv.ParseUint(base[dash+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad segment version in %s: %w", name, err)
	}
	return id, version, nil
}

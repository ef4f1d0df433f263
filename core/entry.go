package core

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Entry is a single committed log record addressed by its global index.
// The payload is opaque to the storage layer; the replicated state machine
// owns its encoding.
type Entry struct {
	Index   uint64
	Payload []byte
}

// castagnoliTable is shared by all record checksums.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// ChecksumPayload computes the CRC-32C checksum of an entry payload.
func ChecksumPayload(payload []byte) uint32 {
	return crc32.Checksum(payload, castagnoliTable)
}

// EntryRecordHeaderSize is the fixed prefix of an on-disk entry record:
// index (8) + payload length (4) + crc32c (4).
const EntryRecordHeaderSize = 8 + 4 + 4

// EncodeEntryRecord appends the on-disk representation of an entry record
// to dst and returns the extended slice. The payload must already be in its
// final (possibly compressed) form.
func EncodeEntryRecord(dst []byte, index uint64, payload []byte) []byte {
	var hdr [EntryRecordHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], index)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[12:16], ChecksumPayload(payload))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// DecodeEntryRecordHeader decodes the fixed record prefix, returning the
// entry index, the stored payload length and the stored checksum.
func DecodeEntryRecordHeader(buf []byte) (index uint64, payloadLen uint32, checksum uint32, err error) {
	if len(buf) < EntryRecordHeaderSize {
		return 0, 0, 0, fmt.Errorf("%w: entry record header truncated (%d bytes)", ErrCorruptSegment, len(buf))
	}
	index = binary.LittleEndian.Uint64(buf[0:8])
	payloadLen = binary.LittleEndian.Uint32(buf[8:12])
	checksum = binary.LittleEndian.Uint32(buf[12:16])
	return index, payloadLen, checksum, nil
}

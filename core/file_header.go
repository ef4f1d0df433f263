package core

import (
	"encoding/binary"
	"time"
)

// FileHeader is the standard header for all persistent segment files.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

// Size returns the encoded size of the header.
func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a header stamped with the current time.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

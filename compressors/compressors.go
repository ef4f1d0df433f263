// Package compressors provides the core.Compressor implementations used
// for segment entry payloads.
package compressors

import (
	"fmt"

	"github.com/INLOpen/nexuslog/core"
)

// ForType returns the compressor registered for the given type.
func ForType(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return NewNoCompressionCompressor(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZstd:
		return NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("no compressor registered for type %s", t)
	}
}

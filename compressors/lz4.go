package compressors

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/nexuslog/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements core.Compressor using the lz4 block format.
// The block format does not record the uncompressed size, so Compress
// prefixes the output with it as a uvarint.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	prefix := binary.AppendUvarint(nil, uint64(len(data)))
	dst := make([]byte, len(prefix)+lz4.CompressBlockBound(len(data)))
	copy(dst, prefix)

	n, err := lz4.CompressBlock(data, dst[len(prefix):], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 && len(data) > 0 {
		return nil, fmt.Errorf("lz4 compression produced zero bytes for non-empty input")
	}
	return dst[:len(prefix)+n], nil
}

func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("lz4 decompress error: missing size prefix")
	}
	if size == 0 {
		return nil, nil
	}
	dst := make([]byte, size)
	written, err := lz4.UncompressBlock(data[n:], dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if uint64(written) != size {
		return nil, fmt.Errorf("lz4 decompress error: expected %d bytes, got %d", size, written)
	}
	return dst, nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}

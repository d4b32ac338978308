package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// CompressThreshold is the payload size from which EncodeEvent compresses.
const CompressThreshold = 1024

// maxDecompressedSize bounds a single decompressed payload.
const maxDecompressedSize = 16 << 20

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
	}
}

// Compress compresses data with zstd.
func Compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

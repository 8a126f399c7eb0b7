package protocol

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies how a blob chunk's Data is encoded.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use through
// EncodeAll/DecodeAll, so one of each serves the whole process.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("protocol: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("protocol: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress returns data encoded with zstd, or data unchanged when
// compression does not make it smaller.
func Compress(data []byte) ([]byte, Compression) {
	if len(data) == 0 {
		return data, CompressionNone
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, CompressionNone
	}
	return compressed, CompressionZstd
}

// Decompress reverses Compress. rawSize is the expected decoded length.
func Decompress(data []byte, c Compression, rawSize int) ([]byte, error) {
	switch c {
	case CompressionNone:
		if len(data) != rawSize {
			return nil, fmt.Errorf("uncompressed chunk: size %d does not match expected %d", len(data), rawSize)
		}
		return data, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), rawSize)
		}
		return out, nil
	default:
		return nil, errors.New("unsupported compression " + c.String())
	}
}

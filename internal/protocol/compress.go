package protocol

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names the algorithm applied to payloads above the threshold.
// The magic only says "compressed", so both peers must agree on it.
type Compression string

const (
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// DefaultMaxDecompressedSize bounds the memory a single compressed packet may
// expand into.
const DefaultMaxDecompressedSize = 1 << 30

// ParseCompression parses a compression name from configuration.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case CompressionZstd, "":
		return CompressionZstd, nil
	case CompressionLZ4:
		return CompressionLZ4, nil
	default:
		return "", fmt.Errorf("unknown compression %q (expected zstd or lz4)", name)
	}
}

var (
	zstdEncoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdEncoderErr  error
)

// sharedZstdEncoder returns the process-wide encoder. EncodeAll is safe for
// concurrent use.
func sharedZstdEncoder() (*zstd.Encoder, error) {
	zstdEncoderOnce.Do(func() {
		zstdEncoder, zstdEncoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEncoder, zstdEncoderErr
}

func compress(algorithm Compression, data []byte) ([]byte, error) {
	switch algorithm {
	case CompressionLZ4:
		var out bytes.Buffer
		w := lz4.NewWriter(&out)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return out.Bytes(), nil

	default:
		enc, err := sharedZstdEncoder()
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	}
}

func (c *Codec) decompress(data []byte) ([]byte, error) {
	limit := c.maxDecompressed()

	switch c.compression() {
	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(io.LimitReader(r, limit+1))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if int64(len(out)) > limit {
			return nil, fmt.Errorf("lz4 decompress: output exceeds %d bytes", limit)
		}
		return out, nil

	default:
		c.decoderOnce.Do(func() {
			c.decoder, c.decoderErr = zstd.NewReader(nil,
				zstd.WithDecoderMaxMemory(uint64(limit)),
				zstd.WithDecoderConcurrency(0))
		})
		if c.decoderErr != nil {
			return nil, fmt.Errorf("zstd decoder: %w", c.decoderErr)
		}
		out, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	}
}

package protocol

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Codec frames payloads into packets and back. The zero value uses zstd, the
// default threshold and the default decompression limit. A Codec must not be
// copied after first use.
type Codec struct {
	Compression         Compression
	Threshold           int   // compress when len(payload) >= Threshold; <= 0 means default
	MaxDecompressedSize int64 // <= 0 means DefaultMaxDecompressedSize

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
}

var defaultCodec = &Codec{}

// Encode frames payload with the default codec.
func Encode(typeName string, payload []byte) ([]byte, error) {
	return defaultCodec.Encode(typeName, payload)
}

// Decode decodes one packet from the start of buf with the default codec.
func Decode(buf []byte) (*Packet, error) {
	return defaultCodec.Decode(buf)
}

func (c *Codec) compression() Compression {
	if c.Compression == "" {
		return CompressionZstd
	}
	return c.Compression
}

func (c *Codec) threshold() int {
	if c.Threshold <= 0 {
		return DefaultCompressionThreshold
	}
	return c.Threshold
}

func (c *Codec) maxDecompressed() int64 {
	if c.MaxDecompressedSize <= 0 {
		return DefaultMaxDecompressedSize
	}
	return c.MaxDecompressedSize
}

// Encode serializes payload under typeName. Payloads at or above the
// threshold are compressed and the length field records the compressed size.
func (c *Codec) Encode(typeName string, payload []byte) ([]byte, error) {
	if typeName == "" || strings.IndexByte(typeName, 0) >= 0 {
		return nil, ErrInvalidType
	}
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	magic := MagicPlain
	body := payload
	if len(payload) >= c.threshold() {
		compressed, err := compress(c.compression(), payload)
		if err != nil {
			return nil, err
		}
		magic = MagicCompressed
		body = compressed
	}

	size := magicSize + len(typeName) + 1 + lengthSize + len(body)
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:magicSize], magic)
	offset := magicSize
	offset += copy(buf[offset:], typeName)
	buf[offset] = 0
	offset++
	binary.LittleEndian.PutUint64(buf[offset:offset+lengthSize], uint64(len(body)))
	offset += lengthSize
	copy(buf[offset:], body)
	return buf, nil
}

// Decode decodes exactly one packet from the start of buf. Bytes after the
// declared payload length are ignored; use Packet.WireSize to find where the
// next packet begins.
func (c *Codec) Decode(buf []byte) (*Packet, error) {
	if len(buf) < MinPacketSize {
		return nil, corrupt("%d bytes is below the %d byte minimum", len(buf), MinPacketSize)
	}

	magic := binary.LittleEndian.Uint32(buf[0:magicSize])
	if magic != MagicPlain && magic != MagicCompressed {
		return nil, corrupt("unknown magic 0x%08X", magic)
	}

	nul := bytes.IndexByte(buf[magicSize:], 0)
	if nul < 0 {
		return nil, corrupt("type name is not terminated")
	}
	if nul == 0 {
		return nil, corrupt("empty type name")
	}
	typeName := string(buf[magicSize : magicSize+nul])

	offset := magicSize + nul + 1
	if len(buf)-offset < lengthSize {
		return nil, corrupt("missing length field")
	}
	length := binary.LittleEndian.Uint64(buf[offset : offset+lengthSize])
	offset += lengthSize

	if length > math.MaxInt64 || length > uint64(len(buf)-offset) {
		return nil, corrupt("payload length %d out of bounds (%d bytes available)", length, len(buf)-offset)
	}
	end := offset + int(length)

	pkt := &Packet{Magic: magic, Type: typeName, Length: length}
	if magic == MagicCompressed {
		payload, err := c.decompress(buf[offset:end])
		if err != nil {
			return nil, corrupt("%v", err)
		}
		pkt.Payload = payload
	} else {
		pkt.Payload = make([]byte, length)
		copy(pkt.Payload, buf[offset:end])
	}
	return pkt, nil
}

// frameSize reports the wire size announced by the header at the start of
// buf, or false when the header itself is not complete yet.
func frameSize(buf []byte) (int, bool) {
	if len(buf) < magicSize {
		return 0, false
	}
	nul := bytes.IndexByte(buf[magicSize:], 0)
	if nul < 0 {
		return 0, false
	}
	offset := magicSize + nul + 1
	if len(buf)-offset < lengthSize {
		return 0, false
	}
	length := binary.LittleEndian.Uint64(buf[offset : offset+lengthSize])
	if length > math.MaxInt32 {
		return math.MaxInt, true
	}
	return offset + lengthSize + int(length), true
}

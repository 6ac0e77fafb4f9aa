package protocol

import (
	"errors"
	"fmt"
	"io"
)

// DefaultMaxBufferSize caps how many undecoded bytes a StreamDecoder holds.
const DefaultMaxBufferSize = 64 << 20

const readChunkSize = 32 * 1024

// ErrBufferOverflow is returned when accumulated bytes exceed the decoder's
// cap without yielding a packet. The buffer is reset when it is reported.
var ErrBufferOverflow = errors.New("stream decoder buffer overflow")

// StreamDecoder reconstructs packets from a byte stream. The format has no
// delimiter, so framing is decided only by the declared length: bytes are
// never discarded speculatively, a failed decode simply waits for more input.
//
// Pull packets with Next when constructed over a reader, or push chunks with
// Feed when the caller owns the read loop. A StreamDecoder is not safe for
// concurrent use.
type StreamDecoder struct {
	codec   *Codec
	r       io.Reader
	max     int
	buf     []byte
	pending []*Packet
	err     error // reported by Next once pending is drained
	chunk   []byte
}

// StreamOption configures a StreamDecoder.
type StreamOption func(*StreamDecoder)

// WithCodec decodes packets with c instead of the default codec.
func WithCodec(c *Codec) StreamOption {
	return func(d *StreamDecoder) { d.codec = c }
}

// WithMaxBufferSize overrides DefaultMaxBufferSize.
func WithMaxBufferSize(n int) StreamOption {
	return func(d *StreamDecoder) {
		if n > 0 {
			d.max = n
		}
	}
}

// NewStreamDecoder returns a decoder reading from r. r may be nil when the
// decoder is only fed through Feed.
func NewStreamDecoder(r io.Reader, opts ...StreamOption) *StreamDecoder {
	d := &StreamDecoder{
		codec: defaultCodec,
		r:     r,
		max:   DefaultMaxBufferSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Buffered returns the number of bytes waiting for a complete packet.
func (d *StreamDecoder) Buffered() int {
	return len(d.buf)
}

// Feed appends chunk and returns every packet that became complete.
func (d *StreamDecoder) Feed(chunk []byte) ([]*Packet, error) {
	d.buf = append(d.buf, chunk...)

	var out []*Packet
	for len(d.buf) >= MinPacketSize {
		if size, ok := frameSize(d.buf); ok && size > len(d.buf) {
			break
		}
		pkt, err := d.codec.Decode(d.buf)
		if err != nil {
			break
		}
		out = append(out, pkt)

		consumed := pkt.WireSize()
		if consumed >= len(d.buf) {
			d.buf = d.buf[:0]
		} else {
			n := copy(d.buf, d.buf[consumed:])
			d.buf = d.buf[:n]
		}
	}

	if len(d.buf) > d.max {
		size := len(d.buf)
		d.buf = nil
		return out, fmt.Errorf("%w: %d bytes buffered (limit %d)", ErrBufferOverflow, size, d.max)
	}
	return out, nil
}

// Next returns the next packet from the underlying reader. It returns
// io.EOF when the reader ends on a packet boundary and io.ErrUnexpectedEOF
// when it ends inside a packet.
func (d *StreamDecoder) Next() (*Packet, error) {
	if d.r == nil {
		return nil, errors.New("stream decoder has no reader")
	}
	if d.chunk == nil {
		d.chunk = make([]byte, readChunkSize)
	}

	for len(d.pending) == 0 {
		if err := d.err; err != nil {
			d.err = nil
			return nil, err
		}
		n, readErr := d.r.Read(d.chunk)
		if n > 0 {
			pkts, err := d.Feed(d.chunk[:n])
			d.pending = append(d.pending, pkts...)
			if err != nil {
				if len(d.pending) == 0 {
					return nil, err
				}
				d.err = err
				break
			}
		}
		if readErr != nil {
			if len(d.pending) > 0 {
				break
			}
			if errors.Is(readErr, io.EOF) && len(d.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, readErr
		}
	}

	pkt := d.pending[0]
	d.pending[0] = nil
	d.pending = d.pending[1:]
	return pkt, nil
}

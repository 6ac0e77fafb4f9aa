// Package protocol defines the packet format exchanged between host and guest
// services, the codec that frames payloads into packets and the stream decoder
// that recovers packets from an arbitrary byte stream.
package protocol

import (
	"errors"
	"fmt"
)

// Magic values. Written little-endian, so a hex dump shows CA FE F0 0D for a
// plain packet and CA FE F0 01 for a compressed one.
const (
	MagicPlain      uint32 = 0x0DF0FECA
	MagicCompressed uint32 = 0x01F0FECA
)

// Wire layout sizes.
const (
	magicSize  = 4
	lengthSize = 8

	// MinPacketSize is magic(4) + at least one type byte and its NUL(2) +
	// length(8) + at least one payload byte.
	MinPacketSize = 15
)

// DefaultCompressionThreshold is the serialized payload size at which the
// codec switches to compression.
const DefaultCompressionThreshold = 1_000_000

var (
	// ErrCorruptPacket covers short buffers, unknown magic, missing type
	// terminators, out-of-bounds lengths and failed decompression.
	ErrCorruptPacket = errors.New("corrupt packet")

	// ErrEmptyPayload is returned when encoding a packet without payload bytes.
	ErrEmptyPayload = errors.New("empty payload")

	// ErrInvalidType is returned for empty type names or names containing NUL.
	ErrInvalidType = errors.New("invalid payload type name")
)

// Packet is one framed, typed message unit.
type Packet struct {
	Magic   uint32 // MagicPlain or MagicCompressed
	Type    string // stable payload type name
	Length  uint64 // payload byte count as it appears on the wire
	Payload []byte // logical payload (decompressed if Magic is MagicCompressed)
}

// Compressed reports whether the packet travelled compressed.
func (p *Packet) Compressed() bool {
	return p.Magic == MagicCompressed
}

// WireSize returns the number of bytes the packet occupied on the wire.
func (p *Packet) WireSize() int {
	return magicSize + len(p.Type) + 1 + lengthSize + int(p.Length)
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s (%d bytes, compressed=%t)", p.Type, p.Length, p.Compressed())
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptPacket, fmt.Sprintf(format, args...))
}

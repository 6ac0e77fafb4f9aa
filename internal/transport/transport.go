// Package transport carries encoded packets over an established vsock
// connection. Every strategy upgrades the raw connection to a WebSocket and
// exposes the same contract, so services never know whether the socket is
// served in-process (Direct, Server) or by a relay helper (Relayed).
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/1ureka/guestlink/internal/protocol"
)

var (
	// ErrUpgradeDeclined is returned by Connect when the other side answered
	// the upgrade request with something other than 101.
	ErrUpgradeDeclined = errors.New("websocket upgrade declined")
	// ErrNotConnected is returned by Send before Connect succeeded.
	ErrNotConnected = errors.New("transport not connected")
	// ErrNoDescriptor is returned by the relayed strategy for connections
	// that cannot expose a raw descriptor.
	ErrNoDescriptor = errors.New("connection has no raw descriptor")
	// ErrClosed is returned by Send after the transport was invalidated.
	ErrClosed = errors.New("transport closed")
	// ErrHandshakeAborted is returned by the listener side when the
	// connection ended before an upgrade request was answered.
	ErrHandshakeAborted = errors.New("connection closed before upgrade")
)

// Transport is one session over one connection. Connect takes ownership of
// conn, also when it fails. onInvalidate is called exactly once, with nil for
// a graceful close, and must not block.
type Transport interface {
	Connect(ctx context.Context, conn net.Conn, onInvalidate func(error)) error
	Send(typeName string, payload []byte) error
	Packets() <-chan *protocol.Packet
	Invalidate()
	Done() <-chan struct{}
}

const (
	DefaultKeepalive        = 15 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	sendBufferSize   = 64 // outgoing frame channel capacity
	packetBufferSize = 64 // incoming packet channel capacity
)

// Options tune a session. The zero value is usable.
type Options struct {
	Codec            *protocol.Codec
	Keepalive        time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	MaxBufferSize    int // stream decoder cap; <= 0 means protocol default
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = &protocol.Codec{}
	}
	if o.Keepalive <= 0 {
		o.Keepalive = DefaultKeepalive
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return o
}

func (o Options) streamDecoder() *protocol.StreamDecoder {
	return protocol.NewStreamDecoder(nil,
		protocol.WithCodec(o.Codec),
		protocol.WithMaxBufferSize(o.MaxBufferSize))
}

// Mode selects the strategy a Factory builds.
type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeRelayed Mode = "relayed"
)

// ParseMode parses a mode name from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDirect, "":
		return ModeDirect, nil
	case ModeRelayed:
		return ModeRelayed, nil
	default:
		return "", fmt.Errorf("unknown transport mode %q (expected direct or relayed)", s)
	}
}

// Factory builds transports for the configured mode.
type Factory struct {
	Mode        Mode
	Options     Options
	RelaySocket string // helper socket path, relayed mode only
}

// New returns an unconnected transport for serviceID. listener selects the
// side answering the upgrade.
func (f Factory) New(serviceID string, port uint32, listener bool) Transport {
	if f.Mode == ModeRelayed {
		return NewRelayed(f.RelaySocket, serviceID, port, listener, f.Options)
	}
	if listener {
		return NewServer(serviceID, f.Options)
	}
	return NewDirect(serviceID, f.Options)
}

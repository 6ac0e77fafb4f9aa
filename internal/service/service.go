// Package service multiplexes typed messages over the sessions of one
// vsock port. Each feature service owns an Endpoint; the endpoint keeps one
// session per peer, fans inbound packets out to handlers and streams, and
// matches correlated replies to the requests waiting for them.
package service

import (
	"context"
	"errors"

	"github.com/1ureka/guestlink/internal/protocol"
)

var (
	// ErrConnectionClosed fails a pending request whose session dropped.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrReplyTimeout fails a pending request whose deadline passed.
	ErrReplyTimeout = errors.New("reply timed out")
	// ErrNotConnected is returned when no session exists for the peer.
	ErrNotConnected = errors.New("peer not connected")
	// ErrDuplicateRequest is returned when a request with the same
	// correlation id is already waiting for the same reply type.
	ErrDuplicateRequest = errors.New("request already pending")
)

// Side identifies which end of the VM boundary a process runs on.
type Side string

const (
	SideHost  Side = "host"
	SideGuest Side = "guest"
)

// Opposite returns the side a peer of s runs on.
func (s Side) Opposite() Side {
	if s == SideHost {
		return SideGuest
	}
	return SideHost
}

// Role says whether a service dials its port or accepts on it.
type Role int

const (
	RoleClient Role = iota
	RoleListener
)

func (r Role) String() string {
	if r == RoleListener {
		return "listener"
	}
	return "client"
}

// Descriptor names a service and the port it owns.
type Descriptor struct {
	ID   string
	Port uint32
	Role Role
}

// Peer is the remote machine a session talks to.
type Peer struct {
	ID   string
	Side Side
}

// Message is one inbound packet attributed to its peer.
type Message struct {
	Peer    Peer
	Type    string
	Payload []byte
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return protocol.UnmarshalPayload(m.Payload, v)
}

// HandlerFunc handles messages of one type. Handlers of one session run
// sequentially on its read loop.
type HandlerFunc func(ctx context.Context, msg Message)

// Service is a feature plugged into the coordinator. BootstrapCompleted runs
// once, before any connection, and is where handlers are registered.
// Connected and Disconnected bracket every session with a peer.
type Service interface {
	Descriptor() Descriptor
	BootstrapCompleted(ep *Endpoint) error
	Connected(ctx context.Context, peer Peer)
	Disconnected(peer Peer)
}

// Base supplies no-op lifecycle hooks for services to embed.
type Base struct {
	Desc Descriptor
}

func (b Base) Descriptor() Descriptor           { return b.Desc }
func (Base) BootstrapCompleted(*Endpoint) error { return nil }
func (Base) Connected(context.Context, Peer)    {}
func (Base) Disconnected(Peer)                  {}

// Gate admits accepted connections. The returned context lives as long as
// the peer stays admitted; release must be called when the connection ends.
type Gate interface {
	Admit(ctx context.Context, peer Peer) (context.Context, func(), error)
}

// State is the lifecycle of one (service, peer) pair.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

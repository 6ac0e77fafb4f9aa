// Package coordinator owns the registered services of one process, activates
// them in registration order and forwards peer connect/disconnect events to
// every endpoint. On the guest side it admits a single peer at a time.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/guestlink/internal/actor"
	"github.com/1ureka/guestlink/internal/resolver"
	"github.com/1ureka/guestlink/internal/service"
	"github.com/1ureka/guestlink/internal/transport"
	"github.com/1ureka/guestlink/internal/util"
	"github.com/1ureka/guestlink/internal/vsock"
)

var (
	// ErrPeerBusy rejects a second peer while the guest serves another one.
	ErrPeerBusy = errors.New("guest is busy with another peer")
	// ErrNotActive is returned by peer operations before Activate.
	ErrNotActive = errors.New("coordinator not activated")
	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("coordinator shut down")
)

// Coordinator dispatches peer events to the endpoints of every service.
type Coordinator struct {
	side         service.Side
	endpointCfg  service.Config
	resolverOpts []resolver.Option

	ctx    context.Context
	cancel context.CancelFunc

	state *actor.Actor[coordState]
}

type coordState struct {
	services  []service.Service
	endpoints []*service.Endpoint
	device    vsock.Device
	peers     map[string]*peerEntry
	current   string // guest side: the admitted peer, if any
	activated bool
	closed    bool
}

type peerEntry struct {
	peer     service.Peer
	ctx      context.Context
	cancel   context.CancelFunc
	resolver *resolver.Resolver
	conns    int  // accepted connections currently admitted
	implicit bool // connected by an accepted connection, not by PeerConnected
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFactory sets the transport factory every endpoint uses.
func WithFactory(f transport.Factory) Option {
	return func(c *Coordinator) { c.endpointCfg.Factory = f }
}

// WithEndpointConfig overrides reconnect and reply timing. Side, Factory and
// Gate are managed by the coordinator and ignored.
func WithEndpointConfig(cfg service.Config) Option {
	return func(c *Coordinator) {
		c.endpointCfg.ReconnectDelay = cfg.ReconnectDelay
		c.endpointCfg.ReplyTimeout = cfg.ReplyTimeout
	}
}

// WithResolverOptions configures the per-peer resolvers.
func WithResolverOptions(opts ...resolver.Option) Option {
	return func(c *Coordinator) { c.resolverOpts = append(c.resolverOpts, opts...) }
}

// New returns a coordinator for side.
func New(side service.Side, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		side:   side,
		ctx:    ctx,
		cancel: cancel,
		state:  actor.Start(&coordState{peers: make(map[string]*peerEntry)}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.endpointCfg.Side = side
	return c
}

// Side returns the local side.
func (c *Coordinator) Side() service.Side { return c.side }

// Register adds svc. Services are bootstrapped in registration order.
func (c *Coordinator) Register(svc service.Service) error {
	var err error
	ok := c.state.Do(func(s *coordState) {
		if s.activated {
			err = fmt.Errorf("register %s: coordinator already activated", svc.Descriptor().ID)
			return
		}
		s.services = append(s.services, svc)
	})
	if !ok {
		return ErrShutdown
	}
	return err
}

// Activate creates an endpoint per service, bootstraps each in registration
// order and then starts the listeners on device.
func (c *Coordinator) Activate(ctx context.Context, device vsock.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	services, ok := actor.Query(c.state, func(s *coordState) []service.Service {
		if s.activated || s.closed {
			return nil
		}
		s.activated = true
		s.device = device
		return append([]service.Service(nil), s.services...)
	})
	if !ok {
		return ErrShutdown
	}
	if services == nil {
		return errors.New("coordinator already activated or has no services")
	}

	endpoints := make([]*service.Endpoint, 0, len(services))
	for _, svc := range services {
		cfg := c.endpointCfg
		if svc.Descriptor().Role == service.RoleListener {
			cfg.Gate = c
		}
		ep := service.NewEndpoint(svc, cfg)
		if err := svc.BootstrapCompleted(ep); err != nil {
			ep.Close()
			for _, prev := range endpoints {
				prev.Close()
			}
			return fmt.Errorf("bootstrap %s: %w", svc.Descriptor().ID, err)
		}
		endpoints = append(endpoints, ep)
		util.LogDebug("bootstrapped %s (port %d, %s)", svc.Descriptor().ID, svc.Descriptor().Port, svc.Descriptor().Role)
	}

	c.state.Do(func(s *coordState) { s.endpoints = endpoints })

	for _, ep := range endpoints {
		if ep.Descriptor().Role != service.RoleListener {
			continue
		}
		if err := ep.Listen(c.ctx, device); err != nil {
			return err
		}
	}

	util.LogInfo("%s coordinator active with %d services", c.side, len(endpoints))
	return nil
}

// Endpoint returns the endpoint of serviceID, or nil.
func (c *Coordinator) Endpoint(serviceID string) *service.Endpoint {
	ep, _ := actor.Query(c.state, func(s *coordState) *service.Endpoint {
		for _, ep := range s.endpoints {
			if ep.Descriptor().ID == serviceID {
				return ep
			}
		}
		return nil
	})
	return ep
}

// Peers returns the connected peers.
func (c *Coordinator) Peers() []service.Peer {
	peers, _ := actor.Query(c.state, func(s *coordState) []service.Peer {
		out := make([]service.Peer, 0, len(s.peers))
		for _, e := range s.peers {
			out = append(out, e.peer)
		}
		return out
	})
	return peers
}

// PeerConnected starts every client endpoint's connection loop towards peer
// through device. On the guest side a second, different peer is rejected
// with ErrPeerBusy and the current one is left untouched.
func (c *Coordinator) PeerConnected(ctx context.Context, peer service.Peer, device vsock.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.connectPeer(peer, device, false)
	return err
}

// connectPeer registers peer and starts client loops when it is new.
func (c *Coordinator) connectPeer(peer service.Peer, device vsock.Device, implicit bool) (*peerEntry, error) {
	var (
		entry     *peerEntry
		endpoints []*service.Endpoint
		err       error
	)
	ok := c.state.Do(func(s *coordState) {
		switch {
		case s.closed:
			err = ErrShutdown
			return
		case !s.activated:
			err = ErrNotActive
			return
		}

		if existing := s.peers[peer.ID]; existing != nil {
			if !implicit {
				existing.implicit = false
			}
			entry = existing
			return
		}
		if c.side == service.SideGuest && s.current != "" && s.current != peer.ID {
			err = fmt.Errorf("%w: %s connected, rejecting %s", ErrPeerBusy, s.current, peer.ID)
			return
		}

		if device == nil {
			device = s.device
		}
		ctx, cancel := context.WithCancel(c.ctx)
		entry = &peerEntry{
			peer:     peer,
			ctx:      ctx,
			cancel:   cancel,
			resolver: resolver.New(device, c.resolverOpts...),
			implicit: implicit,
		}
		s.peers[peer.ID] = entry
		if c.side == service.SideGuest {
			s.current = peer.ID
		}
		endpoints = append(endpoints, s.endpoints...)
	})
	if !ok {
		return nil, ErrShutdown
	}
	if err != nil {
		return nil, err
	}

	if endpoints != nil {
		how := "connected"
		if implicit {
			how = "connected implicitly"
		}
		util.LogSuccess("peer %s (%s) %s", peer.ID, peer.Side, how)
		for _, ep := range endpoints {
			if ep.Descriptor().Role == service.RoleClient {
				ep.Connect(entry.ctx, peer, entry.resolver)
			}
		}
	}
	return entry, nil
}

// PeerDisconnected stops every session with peerID. On the guest side a
// disconnect for anything but the current peer is logged and ignored.
func (c *Coordinator) PeerDisconnected(peerID string) {
	entry, endpoints, ignored := c.removePeer(peerID, nil)
	if ignored {
		util.LogWarning("ignoring disconnect of %s: not the current peer", peerID)
		return
	}
	if entry != nil {
		c.teardown(entry, endpoints)
	}
}

// removePeer deletes the entry for peerID, or only expected when it is set.
func (c *Coordinator) removePeer(peerID string, expected *peerEntry) (*peerEntry, []*service.Endpoint, bool) {
	var (
		entry     *peerEntry
		endpoints []*service.Endpoint
		ignored   bool
	)
	c.state.Do(func(s *coordState) {
		if c.side == service.SideGuest && s.current != peerID && expected == nil {
			ignored = true
			return
		}
		entry = s.peers[peerID]
		if entry == nil || (expected != nil && entry != expected) {
			entry = nil
			return
		}
		delete(s.peers, peerID)
		if s.current == peerID {
			s.current = ""
		}
		endpoints = append(endpoints, s.endpoints...)
	})
	return entry, endpoints, ignored
}

func (c *Coordinator) teardown(entry *peerEntry, endpoints []*service.Endpoint) {
	entry.cancel()
	entry.resolver.Close()
	for _, ep := range endpoints {
		ep.Disconnect(entry.peer.ID)
		ep.Forget(entry.peer.ID)
	}
	util.LogInfo("peer %s disconnected", entry.peer.ID)
}

// Admit implements service.Gate for listener endpoints. An unknown peer is
// connected implicitly; it is disconnected again when its last admitted
// connection is released.
func (c *Coordinator) Admit(ctx context.Context, peer service.Peer) (context.Context, func(), error) {
	entry, err := c.connectPeer(peer, nil, true)
	if err != nil {
		return nil, nil, err
	}

	admitted, _ := actor.Query(c.state, func(s *coordState) bool {
		if s.peers[peer.ID] != entry {
			return false
		}
		entry.conns++
		return true
	})
	if !admitted {
		return nil, nil, fmt.Errorf("peer %s disconnected during admission", peer.ID)
	}

	var once sync.Once
	release := func() {
		once.Do(func() { c.release(entry) })
	}
	return entry.ctx, release, nil
}

func (c *Coordinator) release(entry *peerEntry) {
	last, _ := actor.Query(c.state, func(s *coordState) bool {
		if s.peers[entry.peer.ID] != entry {
			return false
		}
		entry.conns--
		return entry.conns == 0 && entry.implicit
	})
	if !last {
		return
	}

	removed, endpoints, _ := c.removePeer(entry.peer.ID, entry)
	if removed != nil {
		util.LogDebug("last connection from %s closed", entry.peer.ID)
		c.teardown(removed, endpoints)
	}
}

// Shutdown disconnects every peer and closes every endpoint.
func (c *Coordinator) Shutdown() {
	var (
		entries   []*peerEntry
		endpoints []*service.Endpoint
	)
	ok := c.state.Do(func(s *coordState) {
		if s.closed {
			return
		}
		s.closed = true
		for id, e := range s.peers {
			entries = append(entries, e)
			delete(s.peers, id)
		}
		s.current = ""
		endpoints = append(endpoints, s.endpoints...)
	})
	if !ok {
		return
	}

	c.cancel()
	for _, e := range entries {
		c.teardown(e, endpoints)
	}
	for _, ep := range endpoints {
		ep.Close()
	}
	c.state.Stop()
}

package service

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/1ureka/guestlink/internal/actor"
	"github.com/1ureka/guestlink/internal/protocol"
	"github.com/1ureka/guestlink/internal/transport"
	"github.com/1ureka/guestlink/internal/util"
)

const (
	DefaultReconnectDelay = time.Second
	DefaultReplyTimeout   = 10 * time.Second

	subscriberBufferSize = 64
)

// Config wires an endpoint to its environment.
type Config struct {
	Side           Side // local side
	Factory        transport.Factory
	Gate           Gate // admits accepted connections; nil admits everything
	ReconnectDelay time.Duration
	ReplyTimeout   time.Duration // applied when the caller's context has no deadline
}

// Endpoint is the per-service multiplexer. All of its tables are owned by
// one actor; network writes and handler calls happen outside it.
type Endpoint struct {
	svc  Service
	desc Descriptor
	cfg  Config

	state *actor.Actor[endpointState]
	wg    sync.WaitGroup
}

type session struct {
	peer Peer
	tr   transport.Transport
}

type waitKey struct {
	peerID string
	typ    string
	id     string
}

type peerType struct {
	peerID string
	typ    string
}

type loop struct {
	cancel context.CancelFunc
}

type subscriber struct {
	ch chan Message
}

type endpointState struct {
	sessions    map[string]*session
	loops       map[string]*loop // client maintain loops by peer
	listener    *loop
	handlers    map[string][]HandlerFunc
	subscribers map[string]map[*subscriber]struct{}
	waiters     map[waitKey]chan Message
	waiting     map[peerType]int
	resendTypes map[string]bool
	resend      map[string][]byte            // type → last broadcast payload
	resendTo    map[string]map[string][]byte // peer → type → last targeted payload
	closed      bool
}

// NewEndpoint returns the endpoint for svc.
func NewEndpoint(svc Service, cfg Config) *Endpoint {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	return &Endpoint{
		svc:  svc,
		desc: svc.Descriptor(),
		cfg:  cfg,
		state: actor.Start(&endpointState{
			sessions:    make(map[string]*session),
			loops:       make(map[string]*loop),
			handlers:    make(map[string][]HandlerFunc),
			subscribers: make(map[string]map[*subscriber]struct{}),
			waiters:     make(map[waitKey]chan Message),
			waiting:     make(map[peerType]int),
			resendTypes: make(map[string]bool),
			resend:      make(map[string][]byte),
			resendTo:    make(map[string]map[string][]byte),
		}),
	}
}

// Descriptor returns the service descriptor.
func (e *Endpoint) Descriptor() Descriptor { return e.desc }

// Side returns the local side.
func (e *Endpoint) Side() Side { return e.cfg.Side }

// Handle registers fn for messages of typeName.
func (e *Endpoint) Handle(typeName string, fn HandlerFunc) {
	e.state.Do(func(s *endpointState) {
		s.handlers[typeName] = append(s.handlers[typeName], fn)
	})
}

// MarkResend makes the last sent instance of typeName be retransmitted to
// every newly attached session.
func (e *Endpoint) MarkResend(typeName string) {
	e.state.Do(func(s *endpointState) {
		s.resendTypes[typeName] = true
	})
}

func shouldResend(p protocol.Payload, s *endpointState) bool {
	if r, ok := p.(protocol.Resendable); ok && r.ResendOnReconnect() {
		return true
	}
	return s.resendTypes[p.PayloadType()]
}

// Send broadcasts p to every attached peer. Failures are logged.
func (e *Endpoint) Send(p protocol.Payload) {
	data, err := protocol.MarshalPayload(p)
	if err != nil {
		util.LogError("%s: %v", e.desc.ID, err)
		return
	}
	typ := p.PayloadType()

	sessions, _ := actor.Query(e.state, func(s *endpointState) []*session {
		if shouldResend(p, s) {
			s.resend[typ] = data
		}
		out := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			out = append(out, sess)
		}
		return out
	})

	for _, sess := range sessions {
		e.write(sess, typ, data)
	}
}

// SendTo sends p to one peer. Failures, including a missing session, are
// logged.
func (e *Endpoint) SendTo(peerID string, p protocol.Payload) {
	data, err := protocol.MarshalPayload(p)
	if err != nil {
		util.LogError("%s: %v", e.desc.ID, err)
		return
	}
	typ := p.PayloadType()

	sess, _ := actor.Query(e.state, func(s *endpointState) *session {
		if shouldResend(p, s) {
			cache := s.resendTo[peerID]
			if cache == nil {
				cache = make(map[string][]byte)
				s.resendTo[peerID] = cache
			}
			cache[typ] = data
		}
		return s.sessions[peerID]
	})
	if sess == nil {
		util.LogDebug("%s: %s not sent, %s is not connected", e.desc.ID, typ, peerID)
		return
	}
	e.write(sess, typ, data)
}

func (e *Endpoint) write(sess *session, typ string, data []byte) {
	if err := sess.tr.Send(typ, data); err != nil {
		util.LogWarning("%s: send %s to %s: %v", e.desc.ID, typ, sess.peer.ID, err)
	}
}

// Subscribe returns every inbound message of typeName until ctx is done.
// Slow subscribers lose messages rather than stall the session.
func (e *Endpoint) Subscribe(ctx context.Context, typeName string) <-chan Message {
	sub := &subscriber{ch: make(chan Message, subscriberBufferSize)}

	registered := e.state.Do(func(s *endpointState) {
		if s.closed {
			close(sub.ch)
			return
		}
		set := s.subscribers[typeName]
		if set == nil {
			set = make(map[*subscriber]struct{})
			s.subscribers[typeName] = set
		}
		set[sub] = struct{}{}
	})
	if !registered {
		close(sub.ch)
		return sub.ch
	}

	context.AfterFunc(ctx, func() {
		e.state.Do(func(s *endpointState) {
			if set, ok := s.subscribers[typeName]; ok {
				if _, ok := set[sub]; ok {
					delete(set, sub)
					close(sub.ch)
				}
			}
		})
	})
	return sub.ch
}

// State reports the lifecycle state of peerID on this endpoint.
func (e *Endpoint) State(peerID string) State {
	st, _ := actor.Query(e.state, func(s *endpointState) State {
		switch {
		case s.sessions[peerID] != nil:
			return StateConnected
		case s.loops[peerID] != nil:
			return StateConnecting
		default:
			return StateDisconnected
		}
	})
	return st
}

// Peers returns the peers with an attached session.
func (e *Endpoint) Peers() []Peer {
	peers, _ := actor.Query(e.state, func(s *endpointState) []Peer {
		out := make([]Peer, 0, len(s.sessions))
		for _, sess := range s.sessions {
			out = append(out, sess.peer)
		}
		return out
	})
	return peers
}

// Forget drops the targeted resend cache kept for peerID.
func (e *Endpoint) Forget(peerID string) {
	e.state.Do(func(s *endpointState) {
		delete(s.resendTo, peerID)
	})
}

// attach installs sess as the session for its peer and returns the packets
// owed to it. A previous session for the same peer is returned for the
// caller to invalidate.
func (e *Endpoint) attach(sess *session) (previous *session, owed []protocol.Packet) {
	e.state.Do(func(s *endpointState) {
		previous = s.sessions[sess.peer.ID]
		s.sessions[sess.peer.ID] = sess

		for typ, data := range s.resend {
			if _, targeted := s.resendTo[sess.peer.ID][typ]; targeted {
				continue
			}
			owed = append(owed, protocol.Packet{Type: typ, Payload: data})
		}
		for typ, data := range s.resendTo[sess.peer.ID] {
			owed = append(owed, protocol.Packet{Type: typ, Payload: data})
		}
	})
	return previous, owed
}

// detach removes sess if it is still current and fails every request
// waiting on its peer. It reports whether sess was current.
func (e *Endpoint) detach(sess *session) bool {
	removed, _ := actor.Query(e.state, func(s *endpointState) bool {
		if s.sessions[sess.peer.ID] != sess {
			return false
		}
		delete(s.sessions, sess.peer.ID)

		for key, ch := range s.waiters {
			if key.peerID == sess.peer.ID {
				close(ch)
				s.dropWaiter(key)
			}
		}
		return true
	})
	return removed
}

func (s *endpointState) dropWaiter(key waitKey) {
	delete(s.waiters, key)
	pt := peerType{key.peerID, key.typ}
	if s.waiting[pt]--; s.waiting[pt] <= 0 {
		delete(s.waiting, pt)
	}
}

// dispatch routes one inbound packet: a matching reply waiter wins, then
// handlers and subscribers see it.
func (e *Endpoint) dispatch(ctx context.Context, peer Peer, pkt *protocol.Packet) {
	msg := Message{Peer: peer, Type: pkt.Type, Payload: pkt.Payload}

	awaited, _ := actor.Query(e.state, func(s *endpointState) bool {
		return s.waiting[peerType{peer.ID, pkt.Type}] > 0
	})
	var replyID string
	if awaited {
		if id, err := protocol.CorrelationID(pkt.Payload); err == nil {
			replyID = id
		}
	}

	var handlers []HandlerFunc
	var consumed, subscribed bool
	e.state.Do(func(s *endpointState) {
		if replyID != "" {
			key := waitKey{peer.ID, pkt.Type, replyID}
			if ch, ok := s.waiters[key]; ok {
				ch <- msg
				s.dropWaiter(key)
				consumed = true
				return
			}
		}

		handlers = append(handlers, s.handlers[pkt.Type]...)
		for sub := range s.subscribers[pkt.Type] {
			subscribed = true
			select {
			case sub.ch <- msg:
			default:
				util.LogWarning("%s: subscriber for %s is full, dropping message", e.desc.ID, pkt.Type)
			}
		}
	})
	if consumed {
		return
	}

	for _, h := range handlers {
		e.invoke(ctx, h, msg)
	}
	if len(handlers) == 0 && !subscribed {
		util.LogDebug("%s: no handler for %s from %s", e.desc.ID, pkt.Type, peer.ID)
	}
}

func (e *Endpoint) invoke(ctx context.Context, h HandlerFunc, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("%s: handler for %s panicked: %v\n%s", e.desc.ID, msg.Type, r, debug.Stack())
		}
	}()
	h(ctx, msg)
}

// Close ends every loop and session, then closes subscriber channels.
func (e *Endpoint) Close() {
	sessions, _ := actor.Query(e.state, func(s *endpointState) []*session {
		s.closed = true
		for id, l := range s.loops {
			l.cancel()
			delete(s.loops, id)
		}
		if s.listener != nil {
			s.listener.cancel()
			s.listener = nil
		}
		out := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			out = append(out, sess)
		}
		return out
	})
	for _, sess := range sessions {
		sess.tr.Invalidate()
	}

	e.wg.Wait()

	e.state.Do(func(s *endpointState) {
		for typ, set := range s.subscribers {
			for sub := range set {
				close(sub.ch)
			}
			delete(s.subscribers, typ)
		}
	})
	e.state.Stop()
}

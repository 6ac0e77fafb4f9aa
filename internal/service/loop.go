package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/1ureka/guestlink/internal/actor"
	"github.com/1ureka/guestlink/internal/resolver"
	"github.com/1ureka/guestlink/internal/transport"
	"github.com/1ureka/guestlink/internal/util"
	"github.com/1ureka/guestlink/internal/vsock"
)

const acceptRetryDelay = 100 * time.Millisecond

// Connect starts the maintain loop for peer: resolve, upgrade, serve and
// reconnect until Disconnect, Close or ctx cancellation. It is a no-op when
// a loop for the peer already runs.
func (e *Endpoint) Connect(ctx context.Context, peer Peer, res *resolver.Resolver) {
	loopCtx, cancel := context.WithCancel(ctx)
	me := &loop{cancel: cancel}

	started, _ := actor.Query(e.state, func(s *endpointState) bool {
		if s.closed || s.loops[peer.ID] != nil {
			return false
		}
		s.loops[peer.ID] = me
		e.wg.Add(1)
		return true
	})
	if !started {
		cancel()
		return
	}

	go func() {
		defer e.wg.Done()
		defer cancel()
		defer e.state.Do(func(s *endpointState) {
			if s.loops[peer.ID] == me {
				delete(s.loops, peer.ID)
			}
		})
		e.maintain(loopCtx, peer, res)
	}()
}

// Disconnect stops the loop for peerID and invalidates its session.
func (e *Endpoint) Disconnect(peerID string) {
	sess, _ := actor.Query(e.state, func(s *endpointState) *session {
		if l, ok := s.loops[peerID]; ok {
			l.cancel()
			delete(s.loops, peerID)
		}
		return s.sessions[peerID]
	})
	if sess != nil {
		sess.tr.Invalidate()
	}
}

func (e *Endpoint) maintain(ctx context.Context, peer Peer, res *resolver.Resolver) {
	for {
		err := e.connectOnce(ctx, peer, res)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
			util.LogInfo("%s: session with %s ended, reconnecting", e.desc.ID, peer.ID)
		case errors.Is(err, vsock.ErrDeviceGone):
			util.LogError("%s: giving up on %s: %v", e.desc.ID, peer.ID, err)
			return
		case errors.Is(err, transport.ErrUpgradeDeclined):
			util.LogInfo("%s: %v", e.desc.ID, err)
		default:
			util.LogWarning("%s: %v", e.desc.ID, err)
		}

		timer := time.NewTimer(e.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (e *Endpoint) connectOnce(ctx context.Context, peer Peer, res *resolver.Resolver) error {
	binding, err := res.Address(ctx, e.desc.ID, e.desc.Port)
	if err != nil {
		return err
	}
	conn, err := binding.Take()
	if err != nil {
		return fmt.Errorf("take %s binding: %w", e.desc.ID, err)
	}

	tr := e.cfg.Factory.New(e.desc.ID, e.desc.Port, false)
	if err := tr.Connect(ctx, conn, nil); err != nil {
		return err
	}
	e.serve(ctx, peer, tr)
	return nil
}

// Listen binds the service port on device and admits every accepted
// connection through the gate. The accept loop ends with ctx or Close.
func (e *Endpoint) Listen(ctx context.Context, device vsock.Device) error {
	l, err := device.Listen(e.desc.Port)
	if err != nil {
		return fmt.Errorf("%s: listen port %d: %w", e.desc.ID, e.desc.Port, err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	started, _ := actor.Query(e.state, func(s *endpointState) bool {
		if s.closed {
			return false
		}
		if s.listener != nil {
			s.listener.cancel()
		}
		s.listener = &loop{cancel: cancel}
		e.wg.Add(1)
		return true
	})
	if !started {
		cancel()
		l.Close()
		return fmt.Errorf("%s: endpoint closed", e.desc.ID)
	}

	stop := context.AfterFunc(listenCtx, func() { l.Close() })
	go func() {
		defer e.wg.Done()
		defer stop()
		defer cancel()
		e.acceptLoop(listenCtx, l)
	}()

	util.LogDebug("%s: listening on port %d", e.desc.ID, e.desc.Port)
	return nil
}

func (e *Endpoint) acceptLoop(ctx context.Context, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			util.LogWarning("%s: accept: %v", e.desc.ID, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleAccepted(ctx, conn)
		}()
	}
}

func (e *Endpoint) handleAccepted(ctx context.Context, conn net.Conn) {
	peer := Peer{ID: vsock.PeerID(conn.RemoteAddr()), Side: e.cfg.Side.Opposite()}

	if e.cfg.Gate != nil {
		peerCtx, release, err := e.cfg.Gate.Admit(ctx, peer)
		if err != nil {
			util.LogWarning("[%08x] %s: rejecting %s: %v", util.ConnID(conn), e.desc.ID, peer.ID, err)
			conn.Close()
			return
		}
		defer release()

		merged, cancel := context.WithCancel(peerCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		ctx = merged
	}

	tr := e.cfg.Factory.New(e.desc.ID, e.desc.Port, true)
	if err := tr.Connect(ctx, conn, nil); err != nil {
		if errors.Is(err, transport.ErrUpgradeDeclined) || errors.Is(err, transport.ErrHandshakeAborted) {
			util.LogInfo("%s: %v", e.desc.ID, err)
		} else {
			util.LogWarning("%s: upgrade from %s: %v", e.desc.ID, peer.ID, err)
		}
		return
	}
	e.serve(ctx, peer, tr)
}

// serve runs one connected session until it is invalidated or ctx ends.
func (e *Endpoint) serve(ctx context.Context, peer Peer, tr transport.Transport) {
	sess := &session{peer: peer, tr: tr}

	previous, owed := e.attach(sess)
	if previous != nil {
		previous.tr.Invalidate()
	}
	for _, pkt := range owed {
		e.write(sess, pkt.Type, pkt.Payload)
	}
	util.LogSuccess("%s: connected to %s", e.desc.ID, peer.ID)

	stop := context.AfterFunc(ctx, tr.Invalidate)
	defer stop()

	e.hook(func() { e.svc.Connected(ctx, peer) })

	for pkt := range tr.Packets() {
		e.dispatch(ctx, peer, pkt)
	}
	<-tr.Done()

	if e.detach(sess) {
		e.hook(func() { e.svc.Disconnected(peer) })
	}
	util.LogInfo("%s: disconnected from %s", e.desc.ID, peer.ID)
}

func (e *Endpoint) hook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("%s: lifecycle hook panicked: %v", e.desc.ID, r)
		}
	}()
	fn()
}

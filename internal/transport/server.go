package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/1ureka/guestlink/internal/protocol"
	"github.com/1ureka/guestlink/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the listener side of an in-process session: it answers the
// upgrade request arriving on an accepted connection.
type Server struct {
	serviceID string
	opts      Options
	session   atomic.Pointer[wsSession]
	idle      chan struct{}
}

// NewServer returns an unconnected listener transport for serviceID.
func NewServer(serviceID string, opts Options) *Server {
	return &Server{serviceID: serviceID, opts: opts.withDefaults(), idle: make(chan struct{})}
}

func (s *Server) Connect(ctx context.Context, conn net.Conn, onInvalidate func(error)) error {
	if s.session.Load() != nil {
		conn.Close()
		return errors.New("transport already connected")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	upgraded := make(chan *websocket.Conn, 1)
	declined := make(chan error, 1)
	aborted := make(chan struct{})
	var abortOnce sync.Once

	l := newOneShotListener(conn)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/"+s.serviceID {
				w.Header().Set("Connection", "close")
				http.Error(w, "unknown service", http.StatusNotFound)
				flush(w)
				declined <- fmt.Errorf("%w: request for %q on %s", ErrUpgradeDeclined, r.URL.Path, s.serviceID)
				return
			}
			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				// Upgrade already wrote the error response.
				flush(w)
				declined <- fmt.Errorf("%w: %v", ErrUpgradeDeclined, err)
				return
			}
			upgraded <- ws
		}),
		// A connection that closes without being hijacked never reached
		// the upgrade.
		ConnState: func(_ net.Conn, state http.ConnState) {
			if state == http.StateClosed {
				abortOnce.Do(func() { close(aborted) })
			}
		},
		ReadHeaderTimeout: s.opts.HandshakeTimeout,
		ErrorLog:          log.New(io.Discard, "", 0),
	}
	go srv.Serve(l)

	select {
	case ws := <-upgraded:
		l.Close()
		util.LogDebug("[%08x] %s accepted upgrade", util.ConnID(conn), s.serviceID)
		s.session.Store(newWSSession(ws, s.opts, s.serviceID, onInvalidate))
		return nil

	case err := <-declined:
		srv.Close()
		return err

	case <-aborted:
		srv.Close()
		select {
		case err := <-declined:
			return err
		default:
		}
		return fmt.Errorf("%s: %w", s.serviceID, ErrHandshakeAborted)

	case <-ctx.Done():
		srv.Close()
		return ctx.Err()
	}
}

func (s *Server) Send(typeName string, payload []byte) error {
	sess := s.session.Load()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.send(typeName, payload)
}

func (s *Server) Packets() <-chan *protocol.Packet {
	if sess := s.session.Load(); sess != nil {
		return sess.packets
	}
	return nil
}

func (s *Server) Invalidate() {
	if sess := s.session.Load(); sess != nil {
		sess.invalidate(nil)
	}
}

func (s *Server) Done() <-chan struct{} {
	if sess := s.session.Load(); sess != nil {
		return sess.done
	}
	return s.idle
}

// oneShotListener hands a single pre-accepted connection to http.Server.
type oneShotListener struct {
	conns  chan net.Conn
	addr   net.Addr
	closed chan struct{}
	once   sync.Once
}

func newOneShotListener(conn net.Conn) *oneShotListener {
	l := &oneShotListener{
		conns:  make(chan net.Conn, 1),
		addr:   conn.LocalAddr(),
		closed: make(chan struct{}),
	}
	l.conns <- conn
	return l
}

func (l *oneShotListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *oneShotListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *oneShotListener) Addr() net.Addr { return l.addr }

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

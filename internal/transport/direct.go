package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/1ureka/guestlink/internal/protocol"
	"github.com/1ureka/guestlink/internal/util"
)

// upgradeHost is the authority sent in upgrade requests. vsock has no host
// names; the value only has to be well formed.
const upgradeHost = "guestlink"

// Direct is the client side of an in-process session: it sends the HTTP
// upgrade request over the raw connection itself.
type Direct struct {
	serviceID string
	opts      Options
	session   atomic.Pointer[wsSession]
	idle      chan struct{} // stands in for Done before Connect
}

// NewDirect returns an unconnected client transport for serviceID.
func NewDirect(serviceID string, opts Options) *Direct {
	return &Direct{serviceID: serviceID, opts: opts.withDefaults(), idle: make(chan struct{})}
}

func (d *Direct) Connect(ctx context.Context, conn net.Conn, onInvalidate func(error)) error {
	if d.session.Load() != nil {
		conn.Close()
		return errors.New("transport already connected")
	}

	dialer := websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return conn, nil
		},
		HandshakeTimeout: d.opts.HandshakeTimeout,
	}

	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")

	target := url.URL{Scheme: "ws", Host: upgradeHost, Path: "/" + d.serviceID}
	ws, resp, err := dialer.DialContext(ctx, target.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		conn.Close()
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return fmt.Errorf("%w: %s answered %s", ErrUpgradeDeclined, d.serviceID, resp.Status)
		}
		return fmt.Errorf("upgrade %s: %w", d.serviceID, err)
	}

	util.LogDebug("[%08x] %s upgraded", util.ConnID(conn), d.serviceID)
	d.session.Store(newWSSession(ws, d.opts, d.serviceID, onInvalidate))
	return nil
}

func (d *Direct) Send(typeName string, payload []byte) error {
	s := d.session.Load()
	if s == nil {
		return ErrNotConnected
	}
	return s.send(typeName, payload)
}

// Packets returns nil before Connect.
func (d *Direct) Packets() <-chan *protocol.Packet {
	if s := d.session.Load(); s != nil {
		return s.packets
	}
	return nil
}

func (d *Direct) Invalidate() {
	if s := d.session.Load(); s != nil {
		s.invalidate(nil)
	}
}

func (d *Direct) Done() <-chan struct{} {
	if s := d.session.Load(); s != nil {
		return s.done
	}
	return d.idle
}

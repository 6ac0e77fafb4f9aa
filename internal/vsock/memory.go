//go:build unix

package vsock

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// MemoryGuestCID is the CID MemoryDevice listeners are reachable on.
const MemoryGuestCID = 3

const memoryBacklog = 16

// MemoryDevice is an in-process vsock network. Listeners bind ports on
// MemoryGuestCID; Connect dials them from CIDHost and From dials them from
// any other CID. Every connection is one end of a unix socketpair.
type MemoryDevice struct {
	mu        sync.Mutex
	listeners map[uint32]*memoryListener
	nextPort  uint32
	gone      bool
}

// NewMemoryDevice returns an empty device.
func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{
		listeners: make(map[uint32]*memoryListener),
		nextPort:  49152,
	}
}

// Connect dials port from CIDHost.
func (d *MemoryDevice) Connect(ctx context.Context, port uint32) (net.Conn, error) {
	return d.ConnectFrom(ctx, CIDHost, port)
}

// From returns a Device whose connections originate from cid.
func (d *MemoryDevice) From(cid uint32) Device {
	return memoryView{dev: d, cid: cid}
}

// ConnectFrom dials port on MemoryGuestCID from cid.
func (d *MemoryDevice) ConnectFrom(ctx context.Context, cid, port uint32) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	remote := Addr{CID: MemoryGuestCID, Port: port}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gone {
		return nil, fmt.Errorf("%w: connect %s", ErrDeviceGone, remote)
	}
	l, ok := d.listeners[port]
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: "vsock", Addr: remote, Err: unix.ECONNREFUSED}
	}

	local := Addr{CID: cid, Port: d.nextPort}
	d.nextPort++

	client, server, err := socketPair(local, remote)
	if err != nil {
		return nil, err
	}

	select {
	case l.backlog <- server:
		return client, nil
	default:
		client.Close()
		server.Close()
		return nil, &net.OpError{Op: "dial", Net: "vsock", Addr: remote, Err: unix.EAGAIN}
	}
}

func socketPair(local, remote Addr) (client, server *Conn, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	client, err = newConn(fds[0], local, remote)
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	server, err = newConn(fds[1], remote, local)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return client, server, nil
}

func (d *MemoryDevice) Listen(port uint32) (net.Listener, error) {
	addr := Addr{CID: MemoryGuestCID, Port: port}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gone {
		return nil, fmt.Errorf("%w: listen %s", ErrDeviceGone, addr)
	}
	if _, exists := d.listeners[port]; exists {
		return nil, &net.OpError{Op: "listen", Net: "vsock", Addr: addr, Err: unix.EADDRINUSE}
	}

	l := &memoryListener{
		dev:     d,
		addr:    addr,
		backlog: make(chan *Conn, memoryBacklog),
		closed:  make(chan struct{}),
	}
	d.listeners[port] = l
	return l, nil
}

// Shutdown tears the device down: listeners close and every later Connect or
// Listen fails with ErrDeviceGone. Established connections are untouched.
func (d *MemoryDevice) Shutdown() {
	d.mu.Lock()
	d.gone = true
	listeners := d.listeners
	d.listeners = make(map[uint32]*memoryListener)
	d.mu.Unlock()

	for _, l := range listeners {
		l.close()
	}
}

func (d *MemoryDevice) unlisten(l *memoryListener) {
	d.mu.Lock()
	if d.listeners[l.addr.Port] == l {
		delete(d.listeners, l.addr.Port)
	}
	d.mu.Unlock()
}

type memoryView struct {
	dev *MemoryDevice
	cid uint32
}

func (v memoryView) Connect(ctx context.Context, port uint32) (net.Conn, error) {
	return v.dev.ConnectFrom(ctx, v.cid, port)
}

func (v memoryView) Listen(port uint32) (net.Listener, error) {
	return v.dev.Listen(port)
}

type memoryListener struct {
	dev     *MemoryDevice
	addr    Addr
	backlog chan *Conn
	closed  chan struct{}
	once    sync.Once
}

func (l *memoryListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.backlog:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *memoryListener) Close() error {
	l.dev.unlisten(l)
	l.close()
	return nil
}

func (l *memoryListener) close() {
	l.once.Do(func() {
		close(l.closed)
		for {
			select {
			case c := <-l.backlog:
				c.Close()
			default:
				return
			}
		}
	})
}

func (l *memoryListener) Addr() net.Addr { return l.addr }

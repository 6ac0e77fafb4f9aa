//go:build unix

package vsock

import (
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Conn is a descriptor-backed vsock connection. It supports half-close and
// exposes its raw descriptor through SyscallConn.
type Conn struct {
	f      *os.File
	local  Addr
	remote Addr
}

// newConn takes ownership of fd. The descriptor is switched to non-blocking
// mode so reads and writes go through the runtime poller and honour
// deadlines.
func newConn(fd int, local, remote Addr) (*Conn, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	unix.CloseOnExec(fd)

	name := fmt.Sprintf("vsock:%s->%s", local, remote)
	return &Conn{
		f:      os.NewFile(uintptr(fd), name),
		local:  local,
		remote: remote,
	}, nil
}

func (c *Conn) Read(b []byte) (int, error)  { return c.f.Read(b) }
func (c *Conn) Write(b []byte) (int, error) { return c.f.Write(b) }
func (c *Conn) Close() error                { return c.f.Close() }

func (c *Conn) LocalAddr() net.Addr  { return c.local }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

func (c *Conn) SetDeadline(t time.Time) error      { return c.f.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.f.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.f.SetWriteDeadline(t) }

// SyscallConn exposes the underlying descriptor.
func (c *Conn) SyscallConn() (syscall.RawConn, error) {
	return c.f.SyscallConn()
}

// CloseRead shuts down the reading side of the connection.
func (c *Conn) CloseRead() error { return c.shutdown(unix.SHUT_RD) }

// CloseWrite shuts down the writing side of the connection.
func (c *Conn) CloseWrite() error { return c.shutdown(unix.SHUT_WR) }

func (c *Conn) shutdown(how int) error {
	rc, err := c.f.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := rc.Control(func(fd uintptr) {
		serr = unix.Shutdown(int(fd), how)
	}); err != nil {
		return err
	}
	return serr
}

// FromDescriptor wraps a descriptor received from another process. The
// addresses are read from the socket when it is a vsock socket and left
// zero otherwise.
func FromDescriptor(fd int) (*Conn, error) {
	var local, remote Addr
	if sa, err := unix.Getsockname(fd); err == nil {
		local, _ = sockaddrToAddr(sa)
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		remote, _ = sockaddrToAddr(sa)
	}
	return newConn(fd, local, remote)
}

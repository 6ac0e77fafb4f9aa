//go:build linux

package vsock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const listenBacklog = 16

// NewDevice returns the kernel device dialing cid.
func NewDevice(cid uint32) (Device, error) {
	return NewLinuxDevice(cid), nil
}

// LinuxDevice talks to the kernel AF_VSOCK family. Connect dials the
// configured CID; Listen binds CIDAny.
type LinuxDevice struct {
	cid uint32
}

// NewLinuxDevice returns a device dialing cid. The host dials the guest's
// CID; the guest dials CIDHost.
func NewLinuxDevice(cid uint32) *LinuxDevice {
	return &LinuxDevice{cid: cid}
}

func (d *LinuxDevice) Connect(ctx context.Context, port uint32) (net.Conn, error) {
	remote := Addr{CID: d.cid, Port: port}

	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, mapErr("socket", remote, err)
	}

	conn, err := newConn(fd, Addr{CID: CIDAny}, remote)
	if err != nil {
		return nil, err
	}

	if err := connectContext(ctx, conn, remote); err != nil {
		conn.Close()
		return nil, err
	}

	if local, err := localAddr(conn); err == nil {
		conn.local = local
	}
	return conn, nil
}

// connectContext issues a non-blocking connect and waits on the poller until
// the socket becomes writable, reporting SO_ERROR.
func connectContext(ctx context.Context, conn *Conn, remote Addr) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var connectErr error
	if err := rc.Control(func(fd uintptr) {
		connectErr = unix.Connect(int(fd), &unix.SockaddrVM{CID: remote.CID, Port: remote.Port})
	}); err != nil {
		return err
	}

	switch {
	case connectErr == nil:
		return nil
	case errors.Is(connectErr, unix.EINPROGRESS), errors.Is(connectErr, unix.EINTR):
	default:
		return mapErr("connect", remote, connectErr)
	}

	stop := context.AfterFunc(ctx, func() {
		conn.f.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	first := true
	var soErr error
	werr := rc.Write(func(fd uintptr) bool {
		if first {
			first = false
			return false
		}
		errno, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			soErr = err
			return true
		}
		switch syscall.Errno(errno) {
		case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
			return false
		case 0:
			return true
		default:
			soErr = syscall.Errno(errno)
			return true
		}
	})

	if werr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return mapErr("connect", remote, werr)
	}
	if soErr != nil {
		return mapErr("connect", remote, soErr)
	}
	conn.f.SetWriteDeadline(time.Time{})
	return nil
}

func localAddr(conn *Conn) (Addr, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return Addr{}, err
	}
	var (
		sa    unix.Sockaddr
		saErr error
	)
	if err := rc.Control(func(fd uintptr) {
		sa, saErr = unix.Getsockname(int(fd))
	}); err != nil {
		return Addr{}, err
	}
	if saErr != nil {
		return Addr{}, saErr
	}
	addr, ok := sockaddrToAddr(sa)
	if !ok {
		return Addr{}, fmt.Errorf("unexpected sockaddr %T", sa)
	}
	return addr, nil
}

func sockaddrToAddr(sa unix.Sockaddr) (Addr, bool) {
	vm, ok := sa.(*unix.SockaddrVM)
	if !ok {
		return Addr{}, false
	}
	return Addr{CID: vm.CID, Port: vm.Port}, true
}

func (d *LinuxDevice) Listen(port uint32) (net.Listener, error) {
	addr := Addr{CID: CIDAny, Port: port}

	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, mapErr("socket", addr, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrVM{CID: unix.VMADDR_CID_ANY, Port: port}); err != nil {
		unix.Close(fd)
		return nil, mapErr("bind", addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, mapErr("listen", addr, err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("vsock-listener:%d", port))
	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &linuxListener{f: f, rc: rc, addr: addr}, nil
}

type linuxListener struct {
	f    *os.File
	rc   syscall.RawConn
	addr Addr
	once sync.Once
}

func (l *linuxListener) Accept() (net.Conn, error) {
	var (
		nfd       int
		sa        unix.Sockaddr
		acceptErr error
	)
	err := l.rc.Read(func(fd uintptr) bool {
		nfd, sa, acceptErr = unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return !errors.Is(acceptErr, unix.EAGAIN)
	})
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil, net.ErrClosed
		}
		return nil, mapErr("accept", l.addr, err)
	}
	if acceptErr != nil {
		return nil, mapErr("accept", l.addr, acceptErr)
	}

	remote, _ := sockaddrToAddr(sa)
	conn, err := newConn(nfd, Addr{CID: CIDAny, Port: l.addr.Port}, remote)
	if err != nil {
		return nil, err
	}
	if local, err := localAddr(conn); err == nil {
		conn.local = local
	}
	return conn, nil
}

func (l *linuxListener) Close() error {
	var err error
	l.once.Do(func() { err = l.f.Close() })
	return err
}

func (l *linuxListener) Addr() net.Addr { return l.addr }

// mapErr classifies errno values that mean the device will never work.
func mapErr(op string, addr Addr, err error) error {
	if errors.Is(err, unix.ENODEV) || errors.Is(err, unix.EAFNOSUPPORT) || errors.Is(err, unix.EADDRNOTAVAIL) {
		return fmt.Errorf("%w: %s %s: %v", ErrDeviceGone, op, addr, err)
	}
	return &net.OpError{Op: op, Net: "vsock", Addr: addr, Err: err}
}

// Package vsock provides the virtual-socket devices services connect and
// listen on. VM sockets address endpoints by (context id, port); the host
// is always CIDHost and each guest gets its own CID from the hypervisor.
//
// A Device is either backed by the kernel AF_VSOCK family (Linux) or by an
// in-process MemoryDevice whose connections are real socketpairs, so their
// descriptors can be handed to a relay helper just like kernel sockets.
package vsock

import (
	"context"
	"errors"
	"fmt"
	"net"
)

const (
	// CIDAny is a wildcard CID
	CIDAny = 4294967295 // 2^32-1
	// CIDHypervisor is the reserved CID for the hypervisor
	CIDHypervisor = 0
	// CIDHost is the reserved CID for the host system
	CIDHost = 2
)

// Fixed service ports. Host and guest must agree on every value.
const (
	PortPing                uint32 = 8001
	PortClipboard           uint32 = 8002
	PortAppearance          uint32 = 8003
	PortNotificationCenter  uint32 = 8004
	PortDarwinNotifications uint32 = 8005
	PortDesktopPicture      uint32 = 8006
	PortControl             uint32 = 8007
	PortDefaultsImport      uint32 = 8008
)

// ErrDeviceGone reports that the device will never accept connections
// again (the VM was torn down or the driver is missing). Callers must not
// retry after seeing it.
var ErrDeviceGone = errors.New("vsock device is gone")

// Device opens vsock connections. Connect fails with a transient error while
// nothing listens on port, and with ErrDeviceGone once the device is gone.
type Device interface {
	Connect(ctx context.Context, port uint32) (net.Conn, error)
	Listen(port uint32) (net.Listener, error)
}

// Addr is a vsock address.
type Addr struct {
	CID  uint32
	Port uint32
}

func (Addr) Network() string { return "vsock" }

func (a Addr) String() string {
	return fmt.Sprintf("%d:%d", a.CID, a.Port)
}

// PeerID derives the stable identity of the machine behind a remote address.
// All connections from one VM share the CID, whatever their port.
func PeerID(addr net.Addr) string {
	switch a := addr.(type) {
	case Addr:
		return CIDPeerID(a.CID)
	case *Addr:
		return CIDPeerID(a.CID)
	case nil:
		return "unknown"
	default:
		return addr.Network() + ":" + addr.String()
	}
}

// CIDPeerID is the peer identity of a context id.
func CIDPeerID(cid uint32) string {
	return fmt.Sprintf("cid:%d", cid)
}

// IsTransient reports whether a Connect error may succeed on retry.
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrDeviceGone)
}

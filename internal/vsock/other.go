//go:build unix && !linux

package vsock

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// NewDevice fails outside Linux, where AF_VSOCK does not exist.
func NewDevice(uint32) (Device, error) {
	return nil, fmt.Errorf("%w: AF_VSOCK is not available on %s", ErrDeviceGone, runtime.GOOS)
}

func sockaddrToAddr(unix.Sockaddr) (Addr, bool) {
	return Addr{}, false
}

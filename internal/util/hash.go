// Package util provides logging, connection identifiers and traffic
// statistics shared by every package.
package util

import (
	"hash/fnv"
	"net"
)

// ConnID computes a 4-byte hash of a connection's local and remote address,
// used as the "[%08x]" prefix of connection-scoped log lines. For vsock the
// pair is (cid:port, cid:port); for socketpair-backed test conns the
// addresses are synthesized the same way.
func ConnID(conn net.Conn) uint32 {
	h := fnv.New32a()
	if addr := conn.LocalAddr(); addr != nil {
		h.Write([]byte(addr.String()))
	}
	if addr := conn.RemoteAddr(); addr != nil {
		h.Write([]byte(addr.String()))
	}
	return h.Sum32()
}

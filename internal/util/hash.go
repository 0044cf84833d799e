// Package util provides logging, traffic statistics and small helpers shared
// by the other packages.
package util

import (
	"hash/fnv"
	"net"
)

// ConnTag computes a 4-byte hash from a connection's local and remote
// addresses. It only labels log lines for forwarded connections and does
// not need to be reversible.
func ConnTag(conn net.Conn) uint32 {
	h := fnv.New32a()
	h.Write([]byte(conn.LocalAddr().String()))
	h.Write([]byte(conn.RemoteAddr().String()))
	return h.Sum32()
}

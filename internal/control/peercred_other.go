//go:build !linux

package control

import "net"

// PeerUid is unsupported outside Linux; SO_PEERCRED has no portable
// equivalent, so endpoint_owner enforcement is skipped (spec.md §1
// non-goal: full cross-platform socket credential checking).
func PeerUid(conn net.Conn) (uint32, bool) {
	return 0, false
}

// OwnerOnly is a no-op outside Linux.
func OwnerOnly() func(net.Conn) bool {
	return func(net.Conn) bool { return true }
}

//go:build linux

package control

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// PeerUid returns the uid of the process on the other end of a
// unix-domain socket connection, via SO_PEERCRED (spec.md §6's
// endpoint_owner enforcement).
func PeerUid(conn net.Conn) (uint32, bool) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, false
	}
	var uid uint32
	var ok2 bool
	err = raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			return
		}
		uid = cred.Uid
		ok2 = true
	})
	if err != nil {
		return 0, false
	}
	return uid, ok2
}

// OwnerOnly builds a PeerCredCheck that only admits the current uid,
// for endpoint_owner=true.
func OwnerOnly() func(net.Conn) bool {
	self := uint32(os.Getuid())
	return func(conn net.Conn) bool {
		uid, ok := PeerUid(conn)
		if !ok {
			return true // not a unix socket (e.g. TCP dev endpoint): no enforcement possible
		}
		return uid == self
	}
}

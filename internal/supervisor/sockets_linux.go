//go:build linux

package supervisor

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reusePortControl sets SO_REUSEPORT on the listening socket before
// bind(2), so multiple supervisor instances (or a reload that rebinds)
// can share the address per spec.md §4.2.
func reusePortControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func setUmask(mask int) int {
	return syscall.Umask(mask)
}

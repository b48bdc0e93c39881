//go:build !linux && !windows

package supervisor

import "syscall"

func reusePortControl(network, address string, c syscall.RawConn) error {
	return nil
}

func setUmask(mask int) int {
	return syscall.Umask(mask)
}

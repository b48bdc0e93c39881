//go:build windows

package supervisor

import "syscall"

// Windows has no umask/SO_REUSEPORT equivalent exposed this way; the
// Windows file-sharing shim that would cover this is an explicit
// Non-goal (spec.md §1), so these are no-ops rather than a real port.
func reusePortControl(network, address string, c syscall.RawConn) error {
	return nil
}

func setUmask(mask int) int {
	return 0
}

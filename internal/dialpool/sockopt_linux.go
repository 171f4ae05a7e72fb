//go:build linux

package dialpool

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSocketOptions sets IP_BIND_ADDRESS_NO_PORT before connect(2) so that
// binding a specific pool address doesn't reserve an ephemeral port until
// the kernel knows the full 4-tuple. Without this, a pool shared by many
// proxied connections toward the same destination can exhaust the
// ephemeral port range per source address much sooner than necessary.
func setSocketOptions(network, address string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		sysErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_BIND_ADDRESS_NO_PORT, 1)
	})
	if err != nil {
		return err
	}
	// Not all kernels support this option; ignore failures rather than
	// fail the dial over a performance optimization.
	_ = sysErr
	return nil
}

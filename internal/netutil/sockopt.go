// Package netutil holds shared socket option helpers for the endpoints.
package netutil

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ReuseAddr is a net.ListenConfig Control function setting SO_REUSEADDR.
func ReuseAddr(network, address string, c syscall.RawConn) error {
	return setOpts(c, unix.SO_REUSEADDR)
}

// ReuseAddrBroadcast additionally sets SO_BROADCAST, for UDP sockets that
// emit to the directed broadcast address.
func ReuseAddrBroadcast(network, address string, c syscall.RawConn) error {
	return setOpts(c, unix.SO_REUSEADDR, unix.SO_BROADCAST)
}

func setOpts(c syscall.RawConn, opts ...int) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		for _, opt := range opts {
			if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1); serr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return serr
}

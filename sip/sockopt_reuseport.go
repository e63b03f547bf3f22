//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package sip

import (
	"syscall"

	"braces.dev/errtrace"
	"golang.org/x/sys/unix"
)

// setReusePort enables SO_REUSEPORT on the socket.
// It has the signature of [net.Dialer.Control].
func setReusePort(_, _ string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(serr)
}

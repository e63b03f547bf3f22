//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package sip

import (
	"errors"
	"syscall"

	"braces.dev/errtrace"
)

// setReusePort is not supported here, UDP associations write through the listener socket.
func setReusePort(_, _ string, _ syscall.RawConn) error {
	return errtrace.Wrap(errors.ErrUnsupported)
}

//go:build unix

package failure

import (
	"errors"

	"golang.org/x/sys/unix"
)

func classifyErrno(err error) (Kind, bool) {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return Unknown, false
	}
	switch errno {
	case unix.EADDRINUSE:
		return PortInUse, true
	case unix.EACCES, unix.EPERM:
		return Permission, true
	case unix.EINVAL, unix.EADDRNOTAVAIL, unix.EAFNOSUPPORT, unix.ENOTDIR:
		return Config, true
	}
	return Unknown, false
}

//go:build windows

package failure

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

// Winsock codes returned by bind(2) on Windows.
const (
	wsaeacces        = syscall.Errno(10013)
	wsaeinval        = syscall.Errno(10022)
	wsaeaddrinuse    = syscall.Errno(10048)
	wsaeaddrnotavail = syscall.Errno(10049)
)

func classifyErrno(err error) (Kind, bool) {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return Unknown, false
	}
	switch errno {
	case wsaeaddrinuse:
		return PortInUse, true
	case wsaeacces, windows.ERROR_ACCESS_DENIED:
		return Permission, true
	case wsaeinval, wsaeaddrnotavail, windows.ERROR_DIRECTORY:
		return Config, true
	}
	return Unknown, false
}

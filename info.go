package pairxfer

import (
	"fmt"

	"github.com/gonzalop/pairxfer/internal/failure"
)

// ServerInfo is the connection information relayed to the paired device.
type ServerInfo struct {
	// Username and Password log in to the server. Password is cleartext
	// and is never logged.
	Username string
	Password string

	// IPAddress is the best-effort LAN IPv4 address of this host, or
	// FallbackIPv4.
	IPAddress string

	Port int

	// Protocol is "ftp" or "sftp".
	Protocol string

	// HostKeyFingerprint is the SHA256 fingerprint of the SSH host key.
	// Empty for FTP.
	HostKeyFingerprint string
}

// Address returns IPAddress:Port.
func (i ServerInfo) Address() string {
	return fmt.Sprintf("%s:%d", i.IPAddress, i.Port)
}

// String describes the server without the password.
func (i ServerInfo) String() string {
	return fmt.Sprintf("%s://%s@%s", i.Protocol, i.Username, i.Address())
}

// OutcomeKind is the result category of a Start call.
type OutcomeKind int

const (
	OutcomeFailed OutcomeKind = iota
	OutcomeSuccess
	OutcomeAlreadyRunning
	OutcomePermissionDenied
	OutcomePortInUse
	OutcomeConfigError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeAlreadyRunning:
		return "already_running"
	case OutcomePermissionDenied:
		return "permission_denied"
	case OutcomePortInUse:
		return "port_in_use"
	case OutcomeConfigError:
		return "config_error"
	default:
		return "failed"
	}
}

// StartOutcome is the result of one Start call.
type StartOutcome struct {
	Kind OutcomeKind

	// Info is set for OutcomeSuccess and OutcomeAlreadyRunning.
	Info ServerInfo

	// Err joins the errors of every failed attempt. Nil on success.
	Err error

	// Attempts is the number of ports tried.
	Attempts int
}

// OK reports whether a server is serving after the call.
func (o StartOutcome) OK() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeAlreadyRunning
}

func outcomeForFailure(kind failure.Kind) OutcomeKind {
	switch kind {
	case failure.Permission:
		return OutcomePermissionDenied
	case failure.Config:
		return OutcomeConfigError
	case failure.PortInUse:
		return OutcomePortInUse
	default:
		return OutcomeFailed
	}
}

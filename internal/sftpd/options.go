package sftpd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gonzalop/pairxfer/internal/ratelimit"
)

// Option is a functional option for configuring a Server.
type Option func(*Server) error

// WithLogger sets the logger. If not specified, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			return fmt.Errorf("logger must not be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithMaxIdleTime closes connections that exchange no data for d.
// Zero disables the idle timeout.
func WithMaxIdleTime(d time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = d
		return nil
	}
}

// WithReadOnly rejects every request that modifies the tree.
func WithReadOnly(readOnly bool) Option {
	return func(s *Server) error {
		s.readOnly = readOnly
		return nil
	}
}

// WithBandwidthLimit caps the combined transfer rate in bytes per second.
// Zero or negative means unlimited.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(s *Server) error {
		s.limiter = ratelimit.New(bytesPerSecond)
		return nil
	}
}

// WithMetrics sets a collector for authentication and transfer metrics.
func WithMetrics(collector MetricsCollector) Option {
	return func(s *Server) error {
		s.metrics = collector
		return nil
	}
}

// WithMaxAuthTries sets how many authentication attempts a client gets per
// connection. Values below one keep the SSH default of six.
func WithMaxAuthTries(n int) Option {
	return func(s *Server) error {
		s.maxAuthTries = n
		return nil
	}
}

// MetricsCollector receives session-level events. Implementations must
// not block.
type MetricsCollector interface {
	RecordAuthentication(protocol string, success bool)
	RecordTransfer(protocol, direction string, bytes int64, duration time.Duration)
}

// PasswordAuthenticator checks a username and password pair.
// *credential.Authenticator satisfies it.
type PasswordAuthenticator interface {
	Authenticate(user, password string) bool
}

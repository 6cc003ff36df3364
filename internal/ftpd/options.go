package ftpd

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

// WithMaxIdleTime sets how long a control connection may stay idle.
// Zero disables the idle timeout.
func WithMaxIdleTime(d time.Duration) Option {
	return func(s *Server) error {
		s.maxIdleTime = d
		return nil
	}
}

// WithReadOnly rejects uploads, deletes, renames and directory changes
// to the tree.
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

// MetricsCollector receives session-level events. Implementations must
// not block.
type MetricsCollector interface {
	// RecordAuthentication records a login attempt.
	RecordAuthentication(protocol string, success bool)

	// RecordTransfer records a completed upload ("upload") or download
	// ("download").
	RecordTransfer(protocol, direction string, bytes int64, duration time.Duration)
}

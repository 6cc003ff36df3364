package pairxfer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gonzalop/pairxfer/storage"
)

// Default port range scanned by Start.
const (
	DefaultFirstPort = 5151
	DefaultLastPort  = 5169
)

const (
	defaultAttemptTimeout  = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultIdleTimeout     = 5 * time.Minute
)

// Option is a functional option for configuring a server.
type Option func(*settings) error

type settings struct {
	logger          *slog.Logger
	firstPort       int
	lastPort        int
	listenHost      string
	attemptTimeout  time.Duration
	shutdownTimeout time.Duration
	idleTimeout     time.Duration
	bandwidthLimit  int64
	readOnly        bool
	strategy        storage.Strategy
	metrics         MetricsCollector
	resolveIP       func() (string, bool)
}

func newSettings(options []Option) (*settings, error) {
	s := &settings{
		logger:          slog.Default(),
		firstPort:       DefaultFirstPort,
		lastPort:        DefaultLastPort,
		attemptTimeout:  defaultAttemptTimeout,
		shutdownTimeout: defaultShutdownTimeout,
		idleTimeout:     defaultIdleTimeout,
		strategy:        storage.Auto,
		resolveIP:       ResolveLANIPv4,
	}
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// WithLogger sets the logger. If not specified, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) error {
		if logger == nil {
			return fmt.Errorf("logger must not be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithPortRange sets the inclusive port range scanned by Start.
// Defaults to DefaultFirstPort..DefaultLastPort.
func WithPortRange(first, last int) Option {
	return func(s *settings) error {
		if first < 1 || last > 65535 || first > last {
			return fmt.Errorf("invalid port range %d-%d", first, last)
		}
		s.firstPort = first
		s.lastPort = last
		return nil
	}
}

// WithListenHost sets the address listeners bind to. The default empty
// host binds every interface.
func WithListenHost(host string) Option {
	return func(s *settings) error {
		s.listenHost = host
		return nil
	}
}

// WithAttemptTimeout bounds how long one port attempt may take to build
// and start its listener.
func WithAttemptTimeout(d time.Duration) Option {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("attempt timeout must be positive")
		}
		s.attemptTimeout = d
		return nil
	}
}

// WithShutdownTimeout bounds how long Stop waits for active sessions.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("shutdown timeout must be positive")
		}
		s.shutdownTimeout = d
		return nil
	}
}

// WithIdleTimeout closes client connections idle for longer than d.
// Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *settings) error {
		s.idleTimeout = d
		return nil
	}
}

// WithBandwidthLimit caps the combined transfer rate of a server in bytes
// per second. Zero means unlimited.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(s *settings) error {
		s.bandwidthLimit = bytesPerSecond
		return nil
	}
}

// WithReadOnly makes the served root read-only for clients.
func WithReadOnly(readOnly bool) Option {
	return func(s *settings) error {
		s.readOnly = readOnly
		return nil
	}
}

// WithStorageStrategy selects how the root directory is confined.
// Defaults to storage.Auto.
func WithStorageStrategy(strategy storage.Strategy) Option {
	return func(s *settings) error {
		s.strategy = strategy
		return nil
	}
}

// WithMetrics sets a collector for lifecycle, authentication and transfer
// metrics.
func WithMetrics(collector MetricsCollector) Option {
	return func(s *settings) error {
		s.metrics = collector
		return nil
	}
}

// WithAddressResolver replaces ResolveLANIPv4 for the address reported in
// ServerInfo.
func WithAddressResolver(resolve func() (string, bool)) Option {
	return func(s *settings) error {
		if resolve == nil {
			return fmt.Errorf("address resolver must not be nil")
		}
		s.resolveIP = resolve
		return nil
	}
}

// Package ftpd is a small anonymous FTP server over a [storage.Root].
//
// It serves the command set needed by common clients to browse, download
// and upload files (RFC 959 plus SIZE, MDTM, REST, EPSV). Only the
// "anonymous" and "ftp" users are accepted, with any password.
//
//	root, _ := storage.Open("/srv/shared", storage.Auto)
//	s, err := ftpd.NewServer(root, ftpd.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	ln, _ := net.Listen("tcp", ":5151")
//	go s.Serve(ln)
//	defer s.Shutdown(ctx)
package ftpd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gonzalop/pairxfer/internal/netserve"
	"github.com/gonzalop/pairxfer/internal/ratelimit"
	"github.com/gonzalop/pairxfer/storage"
)

// welcomeMessage is the 220 banner sent on connect.
const welcomeMessage = "FTP Server Ready"

// ErrServerClosed is returned by Serve after a call to Shutdown.
var ErrServerClosed = netserve.ErrServerClosed

// Server is an anonymous FTP server.
//
// Each connection runs in its own goroutine. Shutdown closes the listener
// and every active control and data connection.
type Server struct {
	// root is the filesystem served to every session.
	root storage.Root

	logger *slog.Logger

	// maxIdleTime closes control connections idle for longer.
	maxIdleTime time.Duration

	// readOnly rejects every command that modifies the root.
	readOnly bool

	// limiter caps the combined bandwidth of all transfers. Nil means
	// unlimited.
	limiter *ratelimit.Limiter

	metrics MetricsCollector

	tracker netserve.Tracker
}

// NewServer creates a server for root.
//
// Default values:
//   - Logger: slog.Default()
//   - MaxIdleTime: 5 minutes
//   - Read-write access for anonymous users
func NewServer(root storage.Root, options ...Option) (*Server, error) {
	if root == nil {
		return nil, fmt.Errorf("root is required")
	}
	s := &Server{
		root:        root,
		logger:      slog.Default(),
		maxIdleTime: 5 * time.Minute,
	}

	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("ftp_server_listening", "addr", l.Addr().String())
	return s.tracker.Serve(l, s.logger, func(conn net.Conn) {
		newSession(s, conn).serve()
	})
}

// Ready returns a channel closed once Serve is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.tracker.Ready()
}

// Shutdown closes the listener and all active control, data and passive
// connections, then waits for sessions to exit or ctx to be done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.tracker.Shutdown(ctx)
}

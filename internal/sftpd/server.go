// Package sftpd serves a [storage.Root] over SFTP.
//
// Clients authenticate with a username and password checked by a
// [PasswordAuthenticator]. Public key and keyboard-interactive
// authentication are refused. Each SSH connection may open session
// channels that request the "sftp" subsystem; shells, exec and port
// forwarding are rejected.
package sftpd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/gonzalop/pairxfer/internal/netserve"
	"github.com/gonzalop/pairxfer/internal/ratelimit"
	"github.com/gonzalop/pairxfer/storage"
)

// ErrServerClosed is returned by Serve after a call to Shutdown.
var ErrServerClosed = netserve.ErrServerClosed

// handshakeTimeout bounds the SSH handshake and authentication phase.
const handshakeTimeout = 30 * time.Second

// Server is a password-authenticated SFTP server.
type Server struct {
	root    storage.Root
	hostKey ssh.Signer
	auth    PasswordAuthenticator

	logger       *slog.Logger
	maxIdleTime  time.Duration
	maxAuthTries int
	readOnly     bool
	limiter      *ratelimit.Limiter
	metrics      MetricsCollector

	config *ssh.ServerConfig

	tracker netserve.Tracker
}

// NewServer creates a server for root that presents hostKey and checks
// passwords with auth.
//
// Default values:
//   - Logger: slog.Default()
//   - MaxIdleTime: 5 minutes
//   - Read-write access
func NewServer(root storage.Root, hostKey ssh.Signer, auth PasswordAuthenticator, options ...Option) (*Server, error) {
	if root == nil {
		return nil, fmt.Errorf("root is required")
	}
	if hostKey == nil {
		return nil, fmt.Errorf("host key is required")
	}
	if auth == nil {
		return nil, fmt.Errorf("password authenticator is required")
	}

	s := &Server{
		root:        root,
		hostKey:     hostKey,
		auth:        auth,
		logger:      slog.Default(),
		maxIdleTime: 5 * time.Minute,
	}
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.config = &ssh.ServerConfig{
		PasswordCallback:  s.passwordCallback,
		PublicKeyCallback: s.publicKeyCallback,
		MaxAuthTries:      s.maxAuthTries,
		ServerVersion:     "SSH-2.0-pairxfer",
	}
	s.config.AddHostKey(hostKey)

	return s, nil
}

// HostKeyFingerprint returns the SHA256 fingerprint clients should see.
func (s *Server) HostKeyFingerprint() string {
	return Fingerprint(s.hostKey)
}

func (s *Server) passwordCallback(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	ok := s.auth.Authenticate(meta.User(), string(password))
	if s.metrics != nil {
		s.metrics.RecordAuthentication("sftp", ok)
	}
	if !ok {
		s.logger.Warn("authentication_failed",
			"protocol", "sftp",
			"remote_ip", remoteIP(meta.RemoteAddr()),
			"user", meta.User(),
			"method", "password",
		)
		return nil, fmt.Errorf("password rejected for %q", meta.User())
	}
	s.logger.Info("authentication_success",
		"protocol", "sftp",
		"remote_ip", remoteIP(meta.RemoteAddr()),
		"user", meta.User(),
	)
	return &ssh.Permissions{}, nil
}

func (s *Server) publicKeyCallback(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	s.logger.Debug("public key refused",
		"remote_ip", remoteIP(meta.RemoteAddr()),
		"user", meta.User(),
		"key_type", key.Type(),
	)
	return nil, errors.New("public key authentication is not supported")
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("sftp_server_listening",
		"addr", l.Addr().String(),
		"host_key_fingerprint", s.HostKeyFingerprint(),
	)
	return s.tracker.Serve(l, s.logger, s.handleConn)
}

// Ready returns a channel closed once Serve is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.tracker.Ready()
}

// Shutdown closes the listener and all active connections, then waits for
// connection goroutines to exit or ctx to be done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.tracker.Shutdown(ctx)
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sessionID := uuid.NewString()
	logger := s.logger.With("session_id", sessionID, "remote_ip", remoteIP(conn.RemoteAddr()))

	ic := &idleConn{Conn: conn, timeout: s.maxIdleTime}
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	sconn, chans, reqs, err := ssh.NewServerConn(ic, s.config)
	if err != nil {
		logger.Debug("handshake failed", "error", err)
		return
	}
	defer sconn.Close()
	_ = conn.SetDeadline(time.Time{})
	ic.arm()

	logger.Info("session_started",
		"protocol", "sftp",
		"user", sconn.User(),
		"client_version", string(sconn.ClientVersion()),
	)

	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			logger.Warn("channel accept failed", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleChannel(logger, sconn.User(), channel, requests)
		}()
	}
	wg.Wait()

	logger.Debug("session closed", "user", sconn.User())
}

// subsystemRequest is the payload of an SSH "subsystem" channel request.
type subsystemRequest struct {
	Name string
}

func (s *Server) handleChannel(logger *slog.Logger, user string, channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	started := false
	done := make(chan struct{})
	for {
		select {
		case req, ok := <-requests:
			if !ok {
				if started {
					<-done
				}
				return
			}
			accept := false
			if req.Type == "subsystem" && !started {
				var sub subsystemRequest
				if err := ssh.Unmarshal(req.Payload, &sub); err == nil && sub.Name == "sftp" {
					accept = true
				}
			}
			if req.WantReply {
				_ = req.Reply(accept, nil)
			}
			if accept {
				started = true
				go func() {
					defer close(done)
					s.serveSFTP(logger, user, channel)
				}()
			}
		case <-done:
			go ssh.DiscardRequests(requests)
			return
		}
	}
}

func (s *Server) serveSFTP(logger *slog.Logger, user string, channel ssh.Channel) {
	handlers := newHandlers(s, logger, user)
	server := sftp.NewRequestServer(channel, sftp.Handlers{
		FileGet:  handlers,
		FilePut:  handlers,
		FileCmd:  handlers,
		FileList: handlers,
	})
	if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		logger.Debug("sftp session ended", "error", err)
	}
	_ = server.Close()
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// idleConn extends the connection deadline on every read and write once
// armed, closing connections that stay silent for timeout.
type idleConn struct {
	net.Conn
	timeout time.Duration
	armed   atomic.Bool
}

func (c *idleConn) arm() {
	if c.timeout > 0 {
		c.armed.Store(true)
		_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
	}
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.armed.Load() {
		_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	if c.armed.Load() {
		_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Write(p)
}

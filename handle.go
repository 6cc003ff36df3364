package pairxfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/gonzalop/pairxfer/internal/failure"
	"github.com/gonzalop/pairxfer/storage"
)

// engine is a protocol server from internal/ftpd or internal/sftpd.
type engine interface {
	Serve(l net.Listener) error
	// Ready is closed once Serve is accepting connections.
	Ready() <-chan struct{}
	Shutdown(ctx context.Context) error
}

// serverHandle is the Handle both variants produce: a bound listener, the
// engine that will serve it and the root it serves.
type serverHandle struct {
	engine   engine
	root     storage.Root
	listener net.Listener

	// fingerprint is the SSH host key fingerprint, empty for FTP.
	fingerprint string

	done chan error
}

// Start runs Serve in the background and returns once the engine is
// accepting connections or Serve has failed.
func (h *serverHandle) Start(ctx context.Context) error {
	h.done = make(chan error, 1)
	go func() {
		h.done <- h.engine.Serve(h.listener)
	}()

	select {
	case <-h.engine.Ready():
		return nil
	case err := <-h.done:
		if err == nil {
			err = errors.New("server exited immediately")
		}
		return failure.New("serve", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the engine, closes the listener and releases the root.
func (h *serverHandle) Shutdown(ctx context.Context) error {
	var errs []error
	if h.engine != nil {
		if err := h.engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
	}
	if h.listener != nil {
		if err := h.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	if h.root != nil {
		if err := h.root.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close root: %w", err))
		}
	}
	return errors.Join(errs...)
}

// listenTCP binds host:port, classifying the error.
func listenTCP(ctx context.Context, host string, port int) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, failure.New("listen", fmt.Errorf("failed to listen on port %d: %w", port, err))
	}
	return ln, nil
}

// openRoot opens the served root, classifying the error.
func openRoot(path string, s *settings) (storage.Root, error) {
	root, err := storage.Open(path, s.strategy, storage.WithLogger(s.logger))
	if err != nil {
		return nil, failure.New("open root", err)
	}
	return root, nil
}

// closeRoot releases root on a construction error path. A failure is
// logged and swallowed.
func closeRoot(logger *slog.Logger, port int, root storage.Root) {
	if err := root.Close(); err != nil {
		logger.Warn("storage_root_close_failed",
			"port", port,
			"path", root.Path(),
			"error", err,
		)
	}
}

// configError classifies an engine construction error as a configuration
// problem.
func configError(op string, err error) error {
	return failure.New(op, fmt.Errorf("%w: %w", failure.ErrConfig, err))
}

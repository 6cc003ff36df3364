package pairxfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gonzalop/pairxfer/internal/failure"
)

// CredentialFunc resolves the credential a variant serves with. It
// receives the pairing shared secret and may ignore it.
type CredentialFunc[C any] func(sharedSecret string) (C, error)

// Handle is a listener built for one port.
type Handle interface {
	// Start begins serving. It returns once the server is accepting
	// connections or has failed to start; ctx bounds only the startup.
	Start(ctx context.Context) error

	// Shutdown stops serving and releases every resource the handle owns.
	Shutdown(ctx context.Context) error
}

// ListenerFactory builds a handle bound to port with the credential, root
// and authenticator attached. Errors should be classified with the
// failure package at the call that failed.
type ListenerFactory[C any, L Handle] interface {
	Listen(ctx context.Context, port int, cred C) (L, error)
}

// DescribeFunc builds the reported info for a started handle. The
// controller fills IPAddress and Port.
type DescribeFunc[C any, L Handle] func(cred C, handle L) ServerInfo

// Bootstrap runs one server variant: it negotiates a port, keeps the
// running handle and reports connection info.
//
// Start and Stop are serialized by a mutex. Info and Running may be called
// at any time without blocking.
type Bootstrap[C any, L Handle] struct {
	variant     string
	credentials CredentialFunc[C]
	factory     ListenerFactory[C, L]
	describe    DescribeFunc[C, L]
	settings    *settings

	mu      sync.Mutex
	running atomic.Bool
	info    atomic.Pointer[ServerInfo]
	handle  L

	// reclaims tracks background goroutines waiting on timed-out attempts.
	reclaims sync.WaitGroup
}

// NewBootstrap creates a controller for a variant named variant (used in
// logs and metrics).
func NewBootstrap[C any, L Handle](variant string, credentials CredentialFunc[C], factory ListenerFactory[C, L], describe DescribeFunc[C, L], options ...Option) (*Bootstrap[C, L], error) {
	if credentials == nil || factory == nil || describe == nil {
		return nil, fmt.Errorf("credentials, factory and describe are required")
	}
	s, err := newSettings(options)
	if err != nil {
		return nil, err
	}
	return newBootstrap(variant, credentials, factory, describe, s), nil
}

func newBootstrap[C any, L Handle](variant string, credentials CredentialFunc[C], factory ListenerFactory[C, L], describe DescribeFunc[C, L], s *settings) *Bootstrap[C, L] {
	return &Bootstrap[C, L]{
		variant:     variant,
		credentials: credentials,
		factory:     factory,
		describe:    describe,
		settings:    s,
	}
}

// Running reports whether a server is serving.
func (b *Bootstrap[C, L]) Running() bool {
	return b.running.Load()
}

// Info returns the current connection info, or false when stopped.
func (b *Bootstrap[C, L]) Info() (ServerInfo, bool) {
	info := b.info.Load()
	if info == nil {
		return ServerInfo{}, false
	}
	return *info, true
}

// Start serves on the first port of the configured range where a listener
// can be built and started. deviceLabel is only used in logs.
//
// If the server is already running, Start returns OutcomeAlreadyRunning
// with the current info and does nothing else.
func (b *Bootstrap[C, L]) Start(ctx context.Context, sharedSecret, deviceLabel string) StartOutcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running.Load() {
		info, _ := b.Info()
		return StartOutcome{Kind: OutcomeAlreadyRunning, Info: info}
	}

	startID := uuid.NewString()
	logger := b.settings.logger.With(
		"variant", b.variant,
		"device", deviceLabel,
		"start_id", startID,
	)
	begin := time.Now()

	out := b.start(ctx, logger, sharedSecret)

	if m := b.settings.metrics; m != nil {
		m.RecordStart(b.variant, out.Kind.String(), out.Attempts, time.Since(begin))
	}
	return out
}

func (b *Bootstrap[C, L]) start(ctx context.Context, logger *slog.Logger, sharedSecret string) StartOutcome {
	cred, err := b.resolveCredentials(sharedSecret)
	if err != nil {
		kind := failure.Classify(err)
		logger.Error("credential_derivation_failed", "kind", kind.String(), "error", err)
		return StartOutcome{Kind: outcomeForFailure(kind), Err: err}
	}

	var (
		seen failure.Set
		errs []error
	)
	for port := b.settings.firstPort; port <= b.settings.lastPort; port++ {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			logger.Warn("start_canceled", "port", port, "error", ctx.Err())
			break
		}

		handle, err := b.attempt(ctx, logger, port, cred)
		if err != nil {
			kind := failure.Classify(err)
			seen.Add(kind)
			errs = append(errs, err)
			logger.Debug("port_attempt_failed", "port", port, "kind", kind.String(), "error", err)
			if m := b.settings.metrics; m != nil {
				m.RecordAttempt(b.variant, port, kind.String())
			}
			continue
		}

		info := b.describe(cred, handle)
		info.IPAddress = lanAddress(b.settings.resolveIP)
		info.Port = port

		b.handle = handle
		b.info.Store(&info)
		b.running.Store(true)

		logger.Info("transfer_server_started",
			"protocol", info.Protocol,
			"ip", info.IPAddress,
			"port", port,
			"user", info.Username,
			"attempts", seen.Len()+1,
		)
		return StartOutcome{Kind: OutcomeSuccess, Info: info, Attempts: seen.Len() + 1}
	}

	out := StartOutcome{
		Kind:     outcomeForFailure(seen.Worst()),
		Err:      errors.Join(errs...),
		Attempts: seen.Len(),
	}
	logger.Error("transfer_server_start_failed",
		"outcome", out.Kind.String(),
		"attempts", out.Attempts,
		"first_port", b.settings.firstPort,
		"last_port", b.settings.lastPort,
		"error", out.Err,
	)
	return out
}

// resolveCredentials calls the credential func, converting a panic into a
// failed outcome.
func (b *Bootstrap[C, L]) resolveCredentials(sharedSecret string) (cred C, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("credential derivation panicked: %v", r)
		}
	}()
	return b.credentials(sharedSecret)
}

type attemptResult[L Handle] struct {
	handle L
	err    error
}

// attempt builds and starts a handle on port under the attempt timeout.
// If the timeout fires first, the attempt keeps running in the background
// and a handle it eventually produces is shut down.
func (b *Bootstrap[C, L]) attempt(ctx context.Context, logger *slog.Logger, port int, cred C) (L, error) {
	actx, cancel := context.WithTimeout(ctx, b.settings.attemptTimeout)
	defer cancel()

	done := make(chan attemptResult[L], 1)
	go func() {
		var res attemptResult[L]
		defer func() {
			if r := recover(); r != nil {
				res = attemptResult[L]{err: fmt.Errorf("port %d: attempt panicked: %v", port, r)}
			}
			done <- res
		}()
		res.handle, res.err = b.construct(actx, logger, port, cred)
	}()

	select {
	case res := <-done:
		return res.handle, res.err
	case <-actx.Done():
		b.reclaims.Add(1)
		go b.reclaim(logger, port, done)
		var zero L
		return zero, fmt.Errorf("port %d: attempt abandoned: %w", port, actx.Err())
	}
}

func (b *Bootstrap[C, L]) construct(ctx context.Context, logger *slog.Logger, port int, cred C) (L, error) {
	var zero L
	handle, err := b.factory.Listen(ctx, port, cred)
	if err != nil {
		return zero, err
	}
	if err := handle.Start(ctx); err != nil {
		b.discard(logger, port, handle)
		return zero, err
	}
	return handle, nil
}

// reclaim waits for an abandoned attempt and shuts down its late handle.
func (b *Bootstrap[C, L]) reclaim(logger *slog.Logger, port int, done <-chan attemptResult[L]) {
	defer b.reclaims.Done()
	res := <-done
	if res.err != nil {
		return
	}
	logger.Warn("late_handle_reclaimed", "port", port)
	b.discard(logger, port, res.handle)
}

// discard shuts down a handle that will not be kept. Errors are logged.
func (b *Bootstrap[C, L]) discard(logger *slog.Logger, port int, handle L) {
	ctx, cancel := context.WithTimeout(context.Background(), b.settings.shutdownTimeout)
	defer cancel()
	if err := safeShutdown(ctx, handle); err != nil {
		logger.Warn("partial_listener_cleanup_failed", "port", port, "error", err)
	}
}

// Stop shuts down the running server. It is a no-op when stopped. Shutdown
// errors are logged and the controller is always left stopped.
func (b *Bootstrap[C, L]) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running.Load() {
		return
	}

	handle := b.handle
	info, _ := b.Info()

	var zero L
	b.handle = zero
	b.running.Store(false)
	b.info.Store(nil)

	ctx, cancel := context.WithTimeout(context.Background(), b.settings.shutdownTimeout)
	defer cancel()
	if err := safeShutdown(ctx, handle); err != nil {
		b.settings.logger.Warn("transfer_server_shutdown_error",
			"variant", b.variant,
			"port", info.Port,
			"error", err,
		)
	}

	b.settings.logger.Info("transfer_server_stopped",
		"variant", b.variant,
		"port", info.Port,
	)
	if m := b.settings.metrics; m != nil {
		m.RecordStop(b.variant)
	}
}

// safeShutdown calls handle.Shutdown, converting a panic into an error.
func safeShutdown(ctx context.Context, handle Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown panicked: %v", r)
		}
	}()
	return handle.Shutdown(ctx)
}

// waitReclaims blocks until every abandoned attempt has finished.
func (b *Bootstrap[C, L]) waitReclaims() {
	b.reclaims.Wait()
}

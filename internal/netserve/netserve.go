// Package netserve holds the accept loop and connection tracking shared by
// the FTP and SFTP engines.
package netserve

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrServerClosed is returned by Serve after a call to Shutdown.
var ErrServerClosed = errors.New("server closed")

// Tracker accepts connections and remembers every open connection and
// auxiliary listener so Shutdown can close them. The zero value is ready
// to use. A Tracker serves at most one listener at a time.
type Tracker struct {
	mu         sync.Mutex
	listener   net.Listener
	conns      map[net.Conn]struct{}
	closers    map[io.Closer]struct{}
	ready      chan struct{}
	readyOnce  sync.Once
	inShutdown atomic.Bool
	sessions   sync.WaitGroup
}

// Ready returns a channel closed once Serve is accepting connections.
func (t *Tracker) Ready() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readyLocked()
}

func (t *Tracker) readyLocked() chan struct{} {
	if t.ready == nil {
		t.ready = make(chan struct{})
	}
	return t.ready
}

// ShuttingDown reports whether Shutdown has been called.
func (t *Tracker) ShuttingDown() bool {
	return t.inShutdown.Load()
}

// Serve accepts connections on l and runs handle for each in its own
// goroutine until Shutdown is called. The connection is untracked when
// handle returns; handle is responsible for closing it.
func (t *Tracker) Serve(l net.Listener, logger *slog.Logger, handle func(net.Conn)) error {
	t.mu.Lock()
	if t.inShutdown.Load() {
		t.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	t.listener = l
	ready := t.readyLocked()
	t.mu.Unlock()
	t.readyOnce.Do(func() { close(ready) })

	defer func() {
		t.mu.Lock()
		if t.listener == l {
			t.listener = nil
		}
		t.mu.Unlock()
		l.Close()
	}()

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if t.inShutdown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay = min(2*tempDelay, time.Second)
			}
			logger.Error("accept error", "error", err)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0

		if !t.Track(conn) {
			conn.Close()
			continue
		}
		t.sessions.Add(1)
		go func() {
			defer t.sessions.Done()
			defer t.Untrack(conn)
			handle(conn)
		}()
	}
}

// Shutdown closes the listener, every tracked connection and closer, then
// waits for connection goroutines to exit or ctx to be done.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.inShutdown.Store(true)

	t.mu.Lock()
	ln := t.listener
	t.listener = nil
	conns := t.conns
	t.conns = nil
	closers := t.closers
	t.closers = nil
	t.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for conn := range maps.Keys(conns) {
		conn.Close()
	}
	for c := range maps.Keys(closers) {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		t.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Track registers conn. It returns false if the server is shutting down.
func (t *Tracker) Track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inShutdown.Load() {
		return false
	}
	if t.conns == nil {
		t.conns = make(map[net.Conn]struct{})
	}
	t.conns[conn] = struct{}{}
	return true
}

// Untrack forgets conn.
func (t *Tracker) Untrack(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, conn)
}

// TrackCloser registers an auxiliary resource, such as a passive data
// listener, that Shutdown must close. It returns false if the server is
// shutting down.
func (t *Tracker) TrackCloser(c io.Closer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inShutdown.Load() {
		return false
	}
	if t.closers == nil {
		t.closers = make(map[io.Closer]struct{})
	}
	t.closers[c] = struct{}{}
	return true
}

// UntrackCloser forgets c.
func (t *Tracker) UntrackCloser(c io.Closer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.closers, c)
}

// Conn wraps a connection that Untracks itself on Close.
type Conn struct {
	net.Conn
	tracker *Tracker
}

// TrackConn registers conn and returns a wrapper that untracks it on
// Close. It returns false if the server is shutting down.
func (t *Tracker) TrackConn(conn net.Conn) (*Conn, bool) {
	if !t.Track(conn) {
		return nil, false
	}
	return &Conn{Conn: conn, tracker: t}, true
}

func (c *Conn) Close() error {
	c.tracker.Untrack(c.Conn)
	return c.Conn.Close()
}

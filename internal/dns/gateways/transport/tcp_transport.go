package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/haukened/rr-dot/internal/dns/common/log"
	"github.com/haukened/rr-dot/internal/dns/gateways/upstream"
	"github.com/haukened/rr-dot/internal/dns/gateways/wire"
)

// TCPTransport implements ServerTransport for DNS over TCP (RFC 7766).
// Every accepted connection is served by one goroutine running a
// read, relay, write loop, so replies leave in the order queries arrived.
type TCPTransport struct {
	addr        string
	listener    net.Listener
	logger      log.Logger
	idleTimeout time.Duration
	maxConns    int

	// Synchronization for graceful shutdown
	mu       sync.RWMutex
	running  bool
	stopping bool
	conns    map[net.Conn]struct{}
	handlers sync.WaitGroup
	loopDone chan struct{}
}

// NewTCPTransport creates a new TCP transport instance.
func NewTCPTransport(addr string, opts Options) *TCPTransport {
	return &TCPTransport{
		addr:        addr,
		logger:      opts.Logger,
		idleTimeout: opts.IdleTimeout,
		maxConns:    opts.MaxConns,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Start binds the TCP listener and starts accepting client connections.
func (t *TCPTransport) Start(ctx context.Context, relay Relay) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("TCP transport already running")
	}

	ln, err := newListenConfig().Listen(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to bind TCP socket on %s: %w", t.addr, err)
	}
	if t.maxConns > 0 {
		ln = netutil.LimitListener(ln, t.maxConns)
	}

	t.listener = ln
	t.running = true
	t.stopping = false
	t.loopDone = make(chan struct{})

	t.logger.Info(map[string]any{
		"transport": "tcp",
		"address":   ln.Addr().String(),
		"max_conns": t.maxConns,
	}, "DNS transport started")

	go t.acceptLoop(context.WithoutCancel(ctx), relay)

	return nil
}

// Stop closes the listener, wakes idle client connections so they close after
// their current query, and waits for handlers until ctx is done. Connections still
// open when ctx ends are closed forcibly.
func (t *TCPTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running || t.stopping {
		t.mu.Unlock()
		return nil
	}
	t.stopping = true
	ln := t.listener
	loopDone := t.loopDone
	for conn := range t.conns {
		_ = conn.SetReadDeadline(time.Now())
	}
	t.mu.Unlock()

	closeErr := ln.Close()
	<-loopDone

	drainErr := waitGroupContext(ctx, &t.handlers)
	if drainErr != nil {
		t.logger.Warn(map[string]any{
			"transport": "tcp",
			"error":     drainErr.Error(),
		}, "Closing TCP connections with queries in flight")
		t.mu.Lock()
		for conn := range t.conns {
			_ = conn.Close()
		}
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()

	t.logger.Info(map[string]any{
		"transport": "tcp",
		"address":   ln.Addr().String(),
	}, "DNS transport stopped")

	if drainErr != nil {
		return drainErr
	}
	return closeErr
}

// Address returns the network address the transport is bound to.
func (t *TCPTransport) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

func (t *TCPTransport) isStopping() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stopping
}

// activeConns reports how many client connections are currently open.
func (t *TCPTransport) activeConns() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// armReadDeadline sets the idle deadline for the next read. It holds the lock so
// that a concurrent Stop either sees the new deadline or is seen here.
func (t *TCPTransport) armReadDeadline(conn net.Conn) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.stopping {
		return false
	}
	if t.idleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.idleTimeout))
	}
	return true
}

func (t *TCPTransport) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopping {
		return false
	}
	t.conns[conn] = struct{}{}
	t.handlers.Add(1)
	return true
}

func (t *TCPTransport) untrack(conn net.Conn) {
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
	t.handlers.Done()
}

// acceptLoop accepts client connections until the listener is closed.
func (t *TCPTransport) acceptLoop(ctx context.Context, relay Relay) {
	defer close(t.loopDone)

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.isStopping() || errors.Is(err, net.ErrClosed) {
				return // Normal shutdown
			}
			t.logger.Warn(map[string]any{
				"error": err.Error(),
			}, "Failed to accept TCP connection")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if !t.track(conn) {
			_ = conn.Close()
			return
		}
		go t.handleConn(ctx, conn, relay)
	}
}

// handleConn serves one client connection until it closes, idles out, or fails.
// A failed relay is logged and the connection keeps serving.
func (t *TCPTransport) handleConn(ctx context.Context, conn net.Conn, relay Relay) {
	client := conn.RemoteAddr().String()
	defer func() {
		_ = conn.Close()
		t.untrack(conn)
		t.logger.Debug(map[string]any{
			"client":    client,
			"transport": "tcp",
		}, "Client connection released")
	}()

	t.logger.Debug(map[string]any{
		"client":    client,
		"transport": "tcp",
	}, "Client connection accepted")

	for {
		if !t.armReadDeadline(conn) {
			return
		}

		query, err := wire.ReadFrame(conn)
		if err != nil {
			t.logReadError(client, err)
			return
		}

		t.logger.Debug(map[string]any{
			"client":    client,
			"transport": "tcp",
			"size":      len(query),
		}, "Received DNS query")

		reply, err := relay.Relay(ctx, query)
		if err != nil {
			t.logger.Warn(map[string]any{
				"client":    client,
				"transport": "tcp",
				"kind":      upstream.KindOf(err).String(),
				"error":     err.Error(),
			}, "No response from upstream")
			continue
		}

		if t.idleTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(t.idleTimeout))
		}
		if _, err := conn.Write(reply); err != nil {
			t.logger.Warn(map[string]any{
				"client": client,
				"error":  err.Error(),
			}, "Failed to send DNS response")
			return
		}

		t.logger.Debug(map[string]any{
			"client":    client,
			"transport": "tcp",
			"size":      len(reply),
		}, "Sent DNS response")
	}
}

func (t *TCPTransport) logReadError(client string, err error) {
	fields := map[string]any{
		"client":    client,
		"transport": "tcp",
	}
	switch {
	case errors.Is(err, io.EOF):
		t.logger.Debug(fields, "Client closed connection")
	case errors.Is(err, os.ErrDeadlineExceeded):
		if t.isStopping() {
			t.logger.Debug(fields, "Closing client connection for shutdown")
			return
		}
		t.logger.Debug(fields, "Client connection idle timeout")
	default:
		fields["error"] = err.Error()
		t.logger.Warn(fields, "Failed to read DNS query from client")
	}
}

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/haukened/rr-dot/internal/dns/common/log"
	"github.com/haukened/rr-dot/internal/dns/gateways/upstream"
	"github.com/haukened/rr-dot/internal/dns/gateways/wire"
)

// maxDatagram is the largest UDP payload the listener will read.
const maxDatagram = 65535

// UDPTransport implements ServerTransport for standard DNS over UDP (RFC 1035).
// Each datagram is one query; it is framed, relayed, unframed and sent back to the
// sender. Failed queries get no reply and the client's own retry logic applies.
type UDPTransport struct {
	addr   string
	conn   *net.UDPConn
	logger log.Logger
	strict bool

	// Synchronization for graceful shutdown
	mu       sync.RWMutex
	running  bool
	stopping bool
	inflight sync.WaitGroup
	loopDone chan struct{}
}

// NewUDPTransport creates a new UDP transport instance.
func NewUDPTransport(addr string, opts Options) *UDPTransport {
	return &UDPTransport{
		addr:   addr,
		logger: opts.Logger,
		strict: opts.StrictFraming,
	}
}

// Start binds the UDP socket and starts the packet handling loop.
func (t *UDPTransport) Start(ctx context.Context, relay Relay) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("UDP transport already running")
	}

	pc, err := newListenConfig().ListenPacket(ctx, "udp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to bind UDP socket on %s: %w", t.addr, err)
	}

	t.conn = pc.(*net.UDPConn)
	t.running = true
	t.stopping = false
	t.loopDone = make(chan struct{})

	t.logger.Info(map[string]any{
		"transport": "udp",
		"address":   t.conn.LocalAddr().String(),
	}, "DNS transport started")

	// queries in flight at shutdown run to completion or to the relay timeout
	go t.listenLoop(context.WithoutCancel(ctx), relay)

	return nil
}

// Stop stops reading datagrams, waits for in-flight queries until ctx is done,
// then closes the socket.
func (t *UDPTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running || t.stopping {
		t.mu.Unlock()
		return nil
	}
	t.stopping = true
	conn := t.conn
	loopDone := t.loopDone
	t.mu.Unlock()

	// wake the blocked read; the socket stays open for pending replies
	_ = conn.SetReadDeadline(time.Now())
	<-loopDone

	drainErr := waitGroupContext(ctx, &t.inflight)
	if drainErr != nil {
		t.logger.Warn(map[string]any{
			"transport": "udp",
			"error":     drainErr.Error(),
		}, "Abandoning in-flight UDP queries")
	}

	closeErr := conn.Close()
	if closeErr != nil {
		t.logger.Warn(map[string]any{
			"error": closeErr.Error(),
		}, "Error closing UDP connection")
	}

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()

	t.logger.Info(map[string]any{
		"transport": "udp",
		"address":   conn.LocalAddr().String(),
	}, "DNS transport stopped")

	if drainErr != nil {
		return drainErr
	}
	return closeErr
}

// Address returns the network address the transport is bound to.
func (t *UDPTransport) Address() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn != nil {
		return t.conn.LocalAddr().String()
	}
	return t.addr
}

func (t *UDPTransport) isStopping() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stopping
}

// listenLoop continuously reads datagrams and handles each in its own goroutine.
func (t *UDPTransport) listenLoop(ctx context.Context, relay Relay) {
	defer close(t.loopDone)
	buffer := make([]byte, maxDatagram)

	for {
		n, clientAddr, err := t.conn.ReadFromUDP(buffer)
		if err != nil {
			if t.isStopping() {
				return // Normal shutdown
			}
			t.logger.Warn(map[string]any{
				"error": err.Error(),
			}, "Failed to read UDP packet")
			continue
		}

		packet := make([]byte, n)
		copy(packet, buffer[:n])
		t.inflight.Add(1)
		go func() {
			defer t.inflight.Done()
			t.handlePacket(ctx, packet, clientAddr, relay)
		}()
	}
}

// handlePacket relays a single UDP DNS query and sends the reply to clientAddr.
func (t *UDPTransport) handlePacket(ctx context.Context, data []byte, clientAddr *net.UDPAddr, relay Relay) {
	client := clientAddr.String()

	t.logger.Debug(map[string]any{
		"client":    client,
		"transport": "udp",
		"size":      len(data),
	}, "Received DNS query")

	framed, err := wire.ToFramed(data)
	if err != nil {
		t.logger.Warn(map[string]any{
			"client": client,
			"size":   len(data),
			"error":  err.Error(),
		}, "Dropping oversized DNS query")
		return
	}

	reply, err := relay.Relay(ctx, framed)
	if err != nil {
		t.logger.Warn(map[string]any{
			"client":    client,
			"transport": "udp",
			"kind":      upstream.KindOf(err).String(),
			"error":     err.Error(),
		}, "No response from upstream")
		return
	}

	if t.strict {
		if err := wire.CheckFramed(reply); err != nil {
			t.logger.Warn(map[string]any{
				"client": client,
				"error":  err.Error(),
			}, "Dropping malformed upstream reply")
			return
		}
	}

	payload, err := wire.FromFramed(reply)
	if err != nil {
		t.logger.Warn(map[string]any{
			"client": client,
			"error":  err.Error(),
		}, "Dropping malformed upstream reply")
		return
	}

	if _, err := t.conn.WriteToUDP(payload, clientAddr); err != nil {
		t.logger.Error(map[string]any{
			"client": client,
			"error":  err.Error(),
		}, "Failed to send DNS response")
		return
	}

	t.logger.Debug(map[string]any{
		"client":    client,
		"transport": "udp",
		"size":      len(payload),
	}, "Sent DNS response")
}

// waitGroupContext waits for wg or returns ctx.Err() if ctx ends first.
func waitGroupContext(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight queries: %w", ctx.Err())
	}
}

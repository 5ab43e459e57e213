// Package transport terminates the plaintext DNS listeners. It owns socket management
// and framing for each client-facing protocol, and hands every query to a Relay as an
// opaque length-prefixed message.
package transport

import (
	"context"
	"time"

	"github.com/haukened/rr-dot/internal/dns/common/log"
)

// ServerTransport defines the interface for DNS server transport implementations.
// Different transport types (UDP, TCP) implement this interface while providing the
// same forwarding contract.
type ServerTransport interface {
	// Start binds the socket and begins forwarding queries to relay.
	Start(ctx context.Context, relay Relay) error

	// Stop stops accepting new queries, lets in-flight queries finish until ctx is
	// done, then releases the socket.
	Stop(ctx context.Context) error

	// Address returns the bound address once started, the configured one before.
	Address() string
}

// Relay forwards one framed DNS query upstream and returns the framed reply.
// A non-nil error means no reply was produced.
type Relay interface {
	Relay(ctx context.Context, message []byte) ([]byte, error)
}

// RelayFunc adapts an ordinary function to the Relay interface.
type RelayFunc func(ctx context.Context, message []byte) ([]byte, error)

// Relay calls f(ctx, message).
func (f RelayFunc) Relay(ctx context.Context, message []byte) ([]byte, error) {
	return f(ctx, message)
}

// TransportType represents the different types of DNS transport protocols supported.
type TransportType string

const (
	// TransportUDP represents standard DNS over UDP (RFC 1035)
	TransportUDP TransportType = "udp"

	// TransportTCP represents standard DNS over TCP (RFC 7766)
	TransportTCP TransportType = "tcp"
)

// Options carries the settings shared by the transports.
type Options struct {
	Logger log.Logger

	// IdleTimeout closes a TCP client connection that sends nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	// MaxConns caps concurrently served TCP connections. Zero means unlimited.
	MaxConns int

	// StrictFraming drops UDP replies whose length prefix disagrees with their size
	// instead of forwarding the remainder as is.
	StrictFraming bool
}

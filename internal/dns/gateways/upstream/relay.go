package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/haukened/rr-dot/internal/dns/common/clock"
	"github.com/haukened/rr-dot/internal/dns/common/log"
	"github.com/haukened/rr-dot/internal/dns/gateways/wire"
)

// Error message constants for consistent error handling
const (
	errAddressRequired = "upstream address is required"
	errInvalidAddress  = "invalid upstream address %q: %w"
	errLoggerRequired  = "logger is required"
	errDialFailed      = "dial failed: %w"
	errHandshakeFailed = "tls handshake failed: %w"
	errWriteFailed     = "write failed: %w"
	errReadFailed      = "read failed: %w"
	errReadCAFile      = "failed to read CA file %s: %w"
	errNoCertificates  = "no PEM certificates found in %s"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultPoolSize = 4

	// staleCheckWait is how long a pooled connection is read before reuse to catch
	// a close from the upstream.
	staleCheckWait = time.Millisecond
)

// Endpoint identifies the DNS-over-TLS resolver. It is immutable once a Relay is built.
type Endpoint struct {
	// Address is the host:port to connect to, e.g. "1.1.1.1:853".
	Address string
	// ServerName is checked against the upstream certificate and sent as SNI.
	// Defaults to the host part of Address.
	ServerName string
}

// DialFunc defines a function type for establishing a network connection.
// It takes a context for cancellation, the network type (e.g., "tcp", "udp"),
// and the address to connect to, returning a net.Conn and an error if any occurs.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options defines configuration parameters for the upstream relay.
type Options struct {
	// required parameters
	Endpoint Endpoint
	Logger   log.Logger

	// Timeout bounds a whole exchange: dial, handshake, write and read.
	Timeout time.Duration

	// Reuse keeps healthy upstream connections in an idle pool instead of
	// closing them after each query. Off by default.
	Reuse    bool
	PoolSize int

	// SessionCacheSize is the number of TLS sessions kept for resumption. Zero disables it.
	SessionCacheSize int

	// options to inject for testing purposes
	RootCAs *x509.CertPool
	Dial    DialFunc
	Clock   clock.Clock
}

// Relay forwards opaque, already framed DNS messages to one DNS-over-TLS upstream
// and returns the framed reply.
type Relay struct {
	endpoint  Endpoint
	timeout   time.Duration
	tlsConfig *tls.Config
	dial      DialFunc
	pool      *connPool
	clock     clock.Clock
	logger    log.Logger
}

// NewRelay validates opts, applies defaults and returns a ready Relay.
func NewRelay(opts Options) (*Relay, error) {
	if opts.Endpoint.Address == "" {
		return nil, fmt.Errorf(errAddressRequired)
	}
	host, _, err := net.SplitHostPort(opts.Endpoint.Address)
	if err != nil {
		return nil, fmt.Errorf(errInvalidAddress, opts.Endpoint.Address, err)
	}
	if opts.Endpoint.ServerName == "" {
		opts.Endpoint.ServerName = host
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf(errLoggerRequired)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{}).DialContext
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	tlsConfig := &tls.Config{
		ServerName: opts.Endpoint.ServerName,
		MinVersion: tls.VersionTLS12,
		RootCAs:    opts.RootCAs,
		NextProtos: []string{"dot"},
	}
	if opts.SessionCacheSize > 0 {
		cache, err := newSessionCache(opts.SessionCacheSize)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientSessionCache = cache
	}

	r := &Relay{
		endpoint:  opts.Endpoint,
		timeout:   opts.Timeout,
		tlsConfig: tlsConfig,
		dial:      opts.Dial,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
	if opts.Reuse {
		size := opts.PoolSize
		if size <= 0 {
			size = defaultPoolSize
		}
		r.pool = newConnPool(size)
	}
	return r, nil
}

// Endpoint returns the upstream this relay talks to.
func (r *Relay) Endpoint() Endpoint {
	return r.endpoint
}

// Close releases pooled connections. Relays without reuse hold nothing.
func (r *Relay) Close() error {
	if r.pool != nil {
		r.pool.close()
	}
	return nil
}

// ensureContextDeadline ensures the context has a deadline, adding the relay's default timeout if needed.
// Returns the context (potentially with added timeout) and a cancel function if one was created.
func (r *Relay) ensureContextDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok {
		return context.WithTimeout(ctx, r.timeout)
	}
	return ctx, nil
}

// Relay sends message, which must already carry its 2-byte length prefix, to the
// upstream and returns the framed reply. On failure it returns a nil slice and a
// *RelayError; partial replies are never returned.
func (r *Relay) Relay(ctx context.Context, message []byte) ([]byte, error) {
	ctx, cancel := r.ensureContextDeadline(ctx)
	if cancel != nil {
		defer cancel()
	}
	start := r.clock.Now()

	reply, err := r.relay(ctx, message)
	rtt := clock.Since(r.clock, start)
	if err != nil {
		r.logger.Warn(map[string]any{
			"upstream": r.endpoint.Address,
			"kind":     KindOf(err).String(),
			"error":    err.Error(),
			"rtt":      rtt,
		}, "Upstream relay failed")
		return nil, err
	}

	r.logger.Debug(map[string]any{
		"upstream": r.endpoint.Address,
		"query":    len(message),
		"reply":    len(reply),
		"rtt":      rtt,
	}, "Upstream relay succeeded")
	return reply, nil
}

func (r *Relay) relay(ctx context.Context, message []byte) ([]byte, error) {
	if r.pool != nil {
		if conn := r.idleConn(); conn != nil {
			reply, sent, err := r.exchange(ctx, conn, message)
			if err == nil {
				r.release(conn)
				return reply, nil
			}
			_ = conn.Close()
			// Once any byte left, the upstream may already hold the query and it is
			// not sent again.
			if sent || ctx.Err() != nil {
				return nil, err
			}
			r.logger.Debug(map[string]any{
				"upstream": r.endpoint.Address,
				"error":    err.Error(),
			}, "Discarding stale pooled upstream connection")
		}
	}

	conn, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}

	reply, _, err := r.exchange(ctx, conn, message)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	r.release(conn)
	return reply, nil
}

// idleConn pops pooled connections until one is still quiet, closing the rest.
func (r *Relay) idleConn() net.Conn {
	for conn := r.pool.get(); conn != nil; conn = r.pool.get() {
		if quiet(conn, staleCheckWait) {
			return conn
		}
		_ = conn.Close()
		r.logger.Debug(map[string]any{
			"upstream": r.endpoint.Address,
		}, "Discarding stale pooled upstream connection")
	}
	return nil
}

// release parks conn in the pool after a clean exchange. A connection with
// unread bytes is closed, since they would be taken as the next query's reply.
func (r *Relay) release(conn net.Conn) {
	if r.pool == nil {
		_ = conn.Close()
		return
	}
	if !quiet(conn, 0) {
		_ = conn.Close()
		r.logger.Debug(map[string]any{
			"upstream": r.endpoint.Address,
		}, "Discarding upstream connection with unread bytes")
		return
	}
	r.pool.put(conn)
}

// quiet reports whether nothing can be read from conn within wait: no stray
// bytes and no close from the peer. The read deadline is cleared afterwards.
// With a zero wait only data already buffered by TLS is seen.
func quiet(conn net.Conn, wait time.Duration) bool {
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return false
	}
	var b [1]byte
	n, err := conn.Read(b[:])
	if n > 0 || !isTimeout(err) {
		return false
	}
	return conn.SetReadDeadline(time.Time{}) == nil
}

// connect dials the upstream and completes the TLS handshake, verifying the
// certificate against the endpoint's server name.
func (r *Relay) connect(ctx context.Context) (*tls.Conn, error) {
	raw, err := r.dial(ctx, "tcp", r.endpoint.Address)
	if err != nil {
		return nil, r.newError(ctx, phaseDial, fmt.Errorf(errDialFailed, err))
	}

	conn := tls.Client(raw, r.tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, r.newError(ctx, phaseHandshake, fmt.Errorf(errHandshakeFailed, err))
	}

	r.logger.Debug(map[string]any{
		"upstream":    r.endpoint.Address,
		"tls_version": tls.VersionName(conn.ConnectionState().Version),
		"resumed":     conn.ConnectionState().DidResume,
	}, "Upstream TLS session established")
	return conn, nil
}

// exchange writes message in full and reads exactly one framed reply. sent
// reports whether any byte of message reached the connection.
func (r *Relay) exchange(ctx context.Context, conn net.Conn, message []byte) (reply []byte, sent bool, err error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// unblock I/O if the caller gives up before the deadline
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	n, err := conn.Write(message)
	if err != nil {
		return nil, n > 0, r.newError(ctx, phaseExchange, fmt.Errorf(errWriteFailed, err))
	}

	reply, err = wire.ReadFrame(conn)
	if err != nil {
		return nil, true, r.newError(ctx, phaseExchange, fmt.Errorf(errReadFailed, err))
	}

	// pooled connections must not inherit this query's deadline
	_ = conn.SetDeadline(time.Time{})
	return reply, true, nil
}

func (r *Relay) newError(ctx context.Context, p phase, err error) *RelayError {
	return &RelayError{
		Kind:     classify(ctx, p, err),
		Upstream: r.endpoint.Address,
		Err:      err,
	}
}

// LoadRootCAs reads PEM certificates from path into a pool used instead of the
// system roots to verify the upstream.
func LoadRootCAs(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf(errReadCAFile, path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf(errNoCertificates, path)
	}
	return pool, nil
}

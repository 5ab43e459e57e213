// Package server runs the TCP and UDP listeners side by side on one address and
// shuts them down together.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haukened/rr-dot/internal/dns/common/log"
	"github.com/haukened/rr-dot/internal/dns/gateways/transport"
)

const defaultShutdownTimeout = 10 * time.Second

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("server already started")

// Options configures a Server.
type Options struct {
	// Addr is the host:port both listeners bind to. Port 0 picks a free port,
	// shared by both protocols.
	Addr  string
	Relay transport.Relay

	Logger log.Logger

	// Transport carries listener settings. Its Logger defaults to Logger.
	Transport transport.Options

	// ShutdownTimeout bounds how long in-flight queries may run after shutdown starts.
	ShutdownTimeout time.Duration
}

// Server owns one TCP and one UDP listener relaying to the same upstream.
type Server struct {
	addr            string
	relay           transport.Relay
	logger          log.Logger
	transportOpts   transport.Options
	shutdownTimeout time.Duration

	mu      sync.Mutex
	started bool
	tcp     transport.ServerTransport
	udp     transport.ServerTransport
	ready   chan struct{}
}

// New validates opts and returns a Server ready to Run.
func New(opts Options) (*Server, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if opts.Relay == nil {
		return nil, fmt.Errorf("relay is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = opts.Logger
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		addr:            opts.Addr,
		relay:           opts.Relay,
		logger:          opts.Logger,
		transportOpts:   opts.Transport,
		shutdownTimeout: opts.ShutdownTimeout,
		ready:           make(chan struct{}),
	}, nil
}

// Ready is closed once both listeners are bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// TCPAddr returns the bound TCP address, or the configured one before Run.
func (s *Server) TCPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcp == nil {
		return s.addr
	}
	return s.tcp.Address()
}

// UDPAddr returns the bound UDP address, or the configured one before Run.
func (s *Server) UDPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		return s.addr
	}
	return s.udp.Address()
}

// Run binds both listeners and serves until ctx is cancelled, then stops them
// concurrently and waits up to the shutdown timeout for in-flight queries.
// A failure to bind either listener is returned immediately.
func (s *Server) Run(ctx context.Context) error {
	tcp, udp, err := s.start(ctx)
	if err != nil {
		return err
	}

	s.logger.Info(map[string]any{
		"tcp": tcp.Address(),
		"udp": udp.Address(),
	}, "DNS proxy started")
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range []transport.ServerTransport{tcp, udp} {
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
			defer cancel()
			if err := t.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("stopping listener on %s: %w", t.Address(), err)
			}
			return nil
		})
	}

	<-ctx.Done()
	s.logger.Info(map[string]any{
		"timeout": s.shutdownTimeout.String(),
	}, "Shutdown initiated")

	if err := g.Wait(); err != nil {
		s.logger.Warn(map[string]any{
			"error": err.Error(),
		}, "Shutdown finished with queries still in flight")
		return err
	}

	s.logger.Info(nil, "Graceful shutdown completed")
	return nil
}

// start binds TCP first so that, with port 0, UDP can reuse the port TCP was given.
func (s *Server) start(ctx context.Context) (transport.ServerTransport, transport.ServerTransport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil, nil, ErrAlreadyStarted
	}
	s.started = true

	tcp, err := transport.NewTransport(transport.TransportTCP, s.addr, s.transportOpts)
	if err != nil {
		return nil, nil, err
	}
	if err := tcp.Start(ctx, s.relay); err != nil {
		return nil, nil, fmt.Errorf("failed to start TCP listener: %w", err)
	}

	udpAddr, err := sharedPortAddr(s.addr, tcp.Address())
	if err != nil {
		_ = tcp.Stop(context.Background())
		return nil, nil, err
	}

	udp, err := transport.NewTransport(transport.TransportUDP, udpAddr, s.transportOpts)
	if err != nil {
		_ = tcp.Stop(context.Background())
		return nil, nil, err
	}
	if err := udp.Start(ctx, s.relay); err != nil {
		_ = tcp.Stop(context.Background())
		return nil, nil, fmt.Errorf("failed to start UDP listener: %w", err)
	}

	s.tcp, s.udp = tcp, udp
	return tcp, udp, nil
}

// sharedPortAddr keeps the configured host and, when the configured port is 0,
// takes the port the TCP listener was bound to.
func sharedPortAddr(configured, bound string) (string, error) {
	host, port, err := net.SplitHostPort(configured)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", configured, err)
	}
	if port != "0" {
		return configured, nil
	}
	_, boundPort, err := net.SplitHostPort(bound)
	if err != nil {
		return "", fmt.Errorf("invalid bound address %q: %w", bound, err)
	}
	return net.JoinHostPort(host, boundPort), nil
}

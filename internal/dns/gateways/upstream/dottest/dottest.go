// Package dottest provides in-process DNS-over-TLS upstreams for tests.
package dottest

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bassosimone/dnstest"
	"github.com/bassosimone/pkitest"

	"github.com/haukened/rr-dot/internal/dns/gateways/wire"
)

// ServerName is the name the test certificate is issued for.
const ServerName = "dns.test"

// Server describes a DNS-over-TLS upstream listening on a loopback port and
// how to trust it.
type Server struct {
	Addr       string
	ServerName string
	RootCAs    *x509.CertPool

	certDER []byte
}

// WriteCAFile writes the server certificate as PEM into a temporary directory and
// returns its path.
func (s *Server) WriteCAFile(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upstream-ca.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.certDER})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("dottest: write CA file: %v", err)
	}
	return path
}

// NewCertificate issues a certificate valid for name and 127.0.0.1 from a
// throwaway PKI and returns a pool that trusts it.
func NewCertificate(t testing.TB, name string) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	pki := pkitest.MustNewPKI(t.TempDir())
	cert := pki.MustNewCert(&pkitest.SelfSignedCertConfig{
		CommonName:   name,
		DNSNames:     []string{name},
		IPAddrs:      []net.IP{net.IPv4(127, 0, 0, 1)},
		Organization: []string{"rr-dot"},
	})
	return cert, pki.CertPool()
}

// NewDNSServer starts a resolver that answers A queries for each of names with ip.
// Names are given with or without the trailing dot. It is closed by t.Cleanup.
func NewDNSServer(t testing.TB, ip string, names ...string) *Server {
	t.Helper()
	config := dnstest.NewHandlerConfig()
	addr := netip.MustParseAddr(ip)
	for _, name := range names {
		config.AddNetipAddr(strings.TrimSuffix(name, "."), addr)
	}

	cert, pool := NewCertificate(t, ServerName)
	srv := dnstest.MustNewTLSServer(&net.ListenConfig{}, "127.0.0.1:0", cert, dnstest.NewHandler(config))
	t.Cleanup(func() { srv.Close() })

	return &Server{
		Addr:       srv.Address(),
		ServerName: ServerName,
		RootCAs:    pool,
		certDER:    cert.Certificate[0],
	}
}

// Handler receives one framed query and returns the bytes written back verbatim,
// so a reply may disagree with its own length prefix.
// Returning nil makes the server hold the connection open without answering.
type Handler func(framed []byte) []byte

// NewServer starts a TLS upstream that answers with handler instead of parsing
// DNS. It is closed by t.Cleanup.
func NewServer(t testing.TB, handler Handler) *Server {
	t.Helper()
	cert, pool := NewCertificate(t, ServerName)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		t.Fatalf("dottest: listen: %v", err)
	}
	serveConns(t, ln, func(conn net.Conn) {
		for {
			framed, err := wire.ReadFrame(conn)
			if err != nil {
				return
			}
			reply := handler(framed)
			if reply == nil {
				// hold until the client goes away
				_, _ = io.Copy(io.Discard, conn)
				return
			}
			if _, err := conn.Write(reply); err != nil {
				return
			}
		}
	})

	return &Server{
		Addr:       ln.Addr().String(),
		ServerName: ServerName,
		RootCAs:    pool,
		certDER:    cert.Certificate[0],
	}
}

// Echo answers every query with the query itself.
func Echo(framed []byte) []byte {
	return framed
}

// Raw answers every query with reply, written as is.
func Raw(reply []byte) Handler {
	return func([]byte) []byte { return reply }
}

// Silent never answers.
func Silent([]byte) []byte {
	return nil
}

// NewPlainServer accepts TCP connections and answers with bytes that are not a
// TLS handshake, so every client handshake fails.
func NewPlainServer(t testing.TB) string {
	t.Helper()
	ln := listenTCP(t)
	serveConns(t, ln, func(conn net.Conn) {
		_, _ = conn.Write([]byte("HTTP/1.0 400 Bad Request\r\n\r\n"))
	})
	return ln.Addr().String()
}

// NewMuteServer accepts TCP connections and never sends a byte, so a client
// handshake only ends when the client gives up.
func NewMuteServer(t testing.TB) string {
	t.Helper()
	ln := listenTCP(t)
	serveConns(t, ln, func(conn net.Conn) {
		_, _ = io.Copy(io.Discard, conn)
	})
	return ln.Addr().String()
}

// ClosedAddr returns a loopback address with nothing listening on it.
func ClosedAddr(t testing.TB) string {
	t.Helper()
	ln := listenTCP(t)
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func listenTCP(t testing.TB) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("dottest: listen: %v", err)
	}
	return ln
}

// serveConns runs handle for every accepted connection until t ends, then closes
// the listener and any connection still open.
func serveConns(t testing.TB, ln net.Listener, handle func(net.Conn)) {
	var (
		mu     sync.Mutex
		conns  = make(map[net.Conn]struct{})
		closed bool
		wg     sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			if closed {
				mu.Unlock()
				_ = conn.Close()
				return
			}
			conns[conn] = struct{}{}
			mu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				handle(conn)
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
				_ = conn.Close()
			}()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		closed = true
		for conn := range conns {
			_ = conn.Close()
		}
		mu.Unlock()
		wg.Wait()
	})
}

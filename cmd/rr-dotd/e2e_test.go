package main

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-dot/internal/dns/common/log"
	"github.com/haukened/rr-dot/internal/dns/config"
	"github.com/haukened/rr-dot/internal/dns/gateways/upstream/dottest"
)

// TestE2E_DNSResolution sends real DNS queries through the proxy to a TLS upstream.
func TestE2E_DNSResolution(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	upstreamSrv := dottest.NewDNSServer(t, "10.0.0.1", "api.e2e.test", "a.e2e.test", "b.e2e.test", "c.e2e.test")
	setupEnv(t, upstreamSrv)

	cfg, err := config.Load()
	require.NoError(t, err)
	app, err := buildApplication(cfg, log.NewNoopLogger())
	require.NoError(t, err)
	cancel := startApplication(t, app)

	t.Run("udp", func(t *testing.T) {
		client := &dns.Client{Net: "udp", Timeout: 3 * time.Second}
		query := new(dns.Msg)
		query.SetQuestion("api.e2e.test.", dns.TypeA)

		reply, _, err := client.Exchange(query, app.server.UDPAddr())
		require.NoError(t, err)
		require.Len(t, reply.Answer, 1)
		assert.Equal(t, "10.0.0.1", reply.Answer[0].(*dns.A).A.String())
	})

	t.Run("tcp pipelined", func(t *testing.T) {
		conn, err := net.DialTimeout("tcp", app.server.TCPAddr(), time.Second)
		require.NoError(t, err)
		defer conn.Close()
		dnsConn := &dns.Conn{Conn: conn}

		names := []string{"a.e2e.test.", "b.e2e.test.", "c.e2e.test."}
		ids := make([]uint16, len(names))
		for i, name := range names {
			query := new(dns.Msg)
			query.SetQuestion(name, dns.TypeA)
			ids[i] = query.Id
			require.NoError(t, dnsConn.WriteMsg(query))
		}

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		for i, name := range names {
			reply, err := dnsConn.ReadMsg()
			require.NoError(t, err)
			assert.Equal(t, ids[i], reply.Id, "replies keep query order")
			assert.Equal(t, name, reply.Question[0].Name)
		}
	})

	require.NoError(t, cancel())
}

// TestE2E_UpstreamCertificateRejected verifies that a mismatched certificate yields
// silence for UDP clients and an open, unanswered connection for TCP clients.
func TestE2E_UpstreamCertificateRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	upstreamSrv := dottest.NewDNSServer(t, "10.0.0.1", "api.e2e.test")
	setupEnv(t, upstreamSrv)
	t.Setenv("DOT_UPSTREAM_SERVER_NAME", "not-the-upstream.test")

	cfg, err := config.Load()
	require.NoError(t, err)
	app, err := buildApplication(cfg, log.NewNoopLogger())
	require.NoError(t, err)
	startApplication(t, app)

	query := new(dns.Msg)
	query.SetQuestion("api.e2e.test.", dns.TypeA)

	client := &dns.Client{Net: "udp", Timeout: 500 * time.Millisecond}
	_, _, err = client.Exchange(query, app.server.UDPAddr())
	assert.Error(t, err, "no answer crosses an unverified channel")
}

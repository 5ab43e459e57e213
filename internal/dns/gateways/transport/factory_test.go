package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-dot/internal/dns/common/log"
)

func TestNewTransport(t *testing.T) {
	logger := log.NewNoopLogger()

	tests := []struct {
		name          string
		transportType TransportType
		addr          string
		opts          Options
		wantType      any
		wantErr       bool
		errContains   string
	}{
		{
			name:          "UDP transport success",
			transportType: TransportUDP,
			addr:          "127.0.0.1:0",
			opts:          Options{Logger: logger},
			wantType:      &UDPTransport{},
		},
		{
			name:          "TCP transport success",
			transportType: TransportTCP,
			addr:          "127.0.0.1:0",
			opts:          Options{Logger: logger},
			wantType:      &TCPTransport{},
		},
		{
			name:          "missing logger",
			transportType: TransportUDP,
			addr:          "127.0.0.1:0",
			wantErr:       true,
			errContains:   "logger is required",
		},
		{
			name:          "unsupported transport type",
			transportType: TransportType("unknown"),
			addr:          "127.0.0.1:53",
			opts:          Options{Logger: logger},
			wantErr:       true,
			errContains:   "unsupported transport type: unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, err := NewTransport(tt.transportType, tt.addr, tt.opts)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				assert.Nil(t, transport)
			} else {
				assert.NoError(t, err)
				assert.IsType(t, tt.wantType, transport)
				assert.Equal(t, tt.addr, transport.Address())
			}
		})
	}
}

func TestGetSupportedTransports(t *testing.T) {
	supported := GetSupportedTransports()

	assert.ElementsMatch(t, []TransportType{TransportTCP, TransportUDP}, supported)

	// Verify it returns a new slice each time (not a shared reference)
	supported1 := GetSupportedTransports()
	supported2 := GetSupportedTransports()
	supported1[0] = TransportType("modified")
	assert.NotEqual(t, supported1[0], supported2[0])
}

func TestIsTransportSupported(t *testing.T) {
	tests := []struct {
		name          string
		transportType TransportType
		expected      bool
	}{
		{"UDP is supported", TransportUDP, true},
		{"TCP is supported", TransportTCP, true},
		{"DoT is not a listener", TransportType("dot"), false},
		{"unknown transport is not supported", TransportType("unknown"), false},
		{"empty transport type is not supported", TransportType(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransportSupported(tt.transportType))
		})
	}
}

func TestTransportConstants(t *testing.T) {
	assert.Equal(t, TransportType("udp"), TransportUDP)
	assert.Equal(t, TransportType("tcp"), TransportTCP)
}

func TestServerTransportInterface(t *testing.T) {
	logger := log.NewNoopLogger()

	var _ ServerTransport = NewUDPTransport("127.0.0.1:0", Options{Logger: logger})
	var _ ServerTransport = NewTCPTransport("127.0.0.1:0", Options{Logger: logger})

	transport := NewTCPTransport("127.0.0.1:0", Options{Logger: logger})
	require.NotNil(t, transport.Start)
	require.NotNil(t, transport.Stop)
	assert.IsType(t, "", transport.Address())
}

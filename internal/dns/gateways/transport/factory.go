package transport

import (
	"fmt"
	"slices"
)

// NewTransport creates a new transport instance based on the specified type.
func NewTransport(transportType TransportType, addr string, opts Options) (ServerTransport, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	switch transportType {
	case TransportUDP:
		return NewUDPTransport(addr, opts), nil

	case TransportTCP:
		return NewTCPTransport(addr, opts), nil

	default:
		return nil, fmt.Errorf("unsupported transport type: %s", transportType)
	}
}

// GetSupportedTransports returns a list of currently supported transport types.
func GetSupportedTransports() []TransportType {
	return []TransportType{
		TransportTCP,
		TransportUDP,
	}
}

// IsTransportSupported checks if a given transport type is currently supported.
func IsTransportSupported(transportType TransportType) bool {
	return slices.Contains(GetSupportedTransports(), transportType)
}

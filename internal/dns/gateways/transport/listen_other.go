//go:build !unix

package transport

import "net"

// SO_REUSEADDR on Windows allows port hijacking, so the default config is used.
func newListenConfig() *net.ListenConfig {
	return &net.ListenConfig{}
}

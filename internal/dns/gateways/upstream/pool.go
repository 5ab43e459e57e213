package upstream

import (
	"net"
	"sync"
)

// connPool holds idle upstream connections when reuse is enabled.
// Connections are only returned after a clean exchange.
type connPool struct {
	mu     sync.Mutex
	idle   []net.Conn
	size   int
	closed bool
}

func newConnPool(size int) *connPool {
	return &connPool{size: size, idle: make([]net.Conn, 0, size)}
}

// get pops the most recently used idle connection, or nil.
func (p *connPool) get() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	conn := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return conn
}

// put parks conn for reuse, closing it instead if the pool is full or closed.
func (p *connPool) put(conn net.Conn) {
	p.mu.Lock()
	if p.closed || len(p.idle) >= p.size {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

func (p *connPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *connPool) close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	for _, conn := range idle {
		_ = conn.Close()
	}
}

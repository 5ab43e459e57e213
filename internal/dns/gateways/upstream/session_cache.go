package upstream

import (
	"crypto/tls"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// sessionCache is a bounded, LRU-evicting tls.ClientSessionCache.
type sessionCache struct {
	cache *lru.Cache[string, *tls.ClientSessionState]
}

var _ tls.ClientSessionCache = (*sessionCache)(nil)

func newSessionCache(size int) (*sessionCache, error) {
	c, err := lru.New[string, *tls.ClientSessionState](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS session cache: %w", err)
	}
	return &sessionCache{cache: c}, nil
}

func (s *sessionCache) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	return s.cache.Get(sessionKey)
}

// Put stores cs under sessionKey; a nil cs evicts the entry as tls requires.
func (s *sessionCache) Put(sessionKey string, cs *tls.ClientSessionState) {
	if cs == nil {
		s.cache.Remove(sessionKey)
		return
	}
	s.cache.Add(sessionKey, cs)
}

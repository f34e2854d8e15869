// Package token carries the program session on every RPC
package token

import (
	"context"
	"sync"
)

// Header must match the key the server reads
const Header = "session"

// Session per-RPC credentials. Empty until the Open reply sets it.
type Session struct {
	mu sync.RWMutex
	id string
}

func (s *Session) Set(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Session) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	id := s.ID()
	if id == "" {
		return map[string]string{}, nil
	}
	return map[string]string{Header: id}, nil
}

func (s *Session) RequireTransportSecurity() bool {
	return false
}

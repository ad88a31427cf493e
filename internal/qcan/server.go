package qcan

import (
	"fmt"
	"sync"
)

// Server owns the process-confined network-id allocator and the set
// of Networks it hosts. It replaces the original's process-wide
// global id counter with an allocator scoped to one Server instance.
type Server struct {
	ids *idAllocator

	mu       sync.RWMutex
	networks map[uint32]*Network
}

// NewServer creates an empty Server.
func NewServer() *Server {
	return &Server{ids: newIDAllocator(), networks: make(map[uint32]*Network)}
}

// AddNetwork allocates the next network id, constructs a Network with
// cfg, and registers it. It does not enable the network.
func (s *Server) AddNetwork(cfg Config) *Network {
	id := s.ids.alloc()
	n := NewNetwork(id, cfg)
	s.mu.Lock()
	s.networks[id] = n
	s.mu.Unlock()
	return n
}

// RemoveNetwork disables and forgets a network by id.
func (s *Server) RemoveNetwork(id uint32) error {
	s.mu.Lock()
	n, ok := s.networks[id]
	if ok {
		delete(s.networks, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("qcan: unknown network id %d", id)
	}
	return n.Disable()
}

// Network looks up a hosted network by id.
func (s *Server) Network(id uint32) (*Network, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.networks[id]
	return n, ok
}

// Networks returns a snapshot slice of all hosted networks.
func (s *Server) Networks() []*Network {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Network, 0, len(s.networks))
	for _, n := range s.networks {
		out = append(out, n)
	}
	return out
}

// Shutdown disables every hosted network.
func (s *Server) Shutdown() {
	for _, n := range s.Networks() {
		_ = n.Disable()
	}
}

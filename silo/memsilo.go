package silo

import (
	"sync"

	"github.com/infinit/memo/address"
)

// memSilo is a guarded in-memory map, used by tests and the in-process
// demo cluster. It exists purely because a real embedded KV engine would
// be pure overhead there; production deployments use levelSilo.
type memSilo struct {
	mu   sync.RWMutex
	data map[address.Address][]byte
}

// NewMemory returns an in-memory Silo.
func NewMemory() Silo {
	return &memSilo{data: make(map[address.Address][]byte)}
}

func (s *memSilo) Get(addr address.Address) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[addr]
	if !ok {
		return nil, ErrMissingKey
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *memSilo) Set(addr address.Address, data []byte, insert, update bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.data[addr]
	if insert && exists {
		return ErrConflict
	}
	if update && !exists {
		return ErrConflict
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[addr] = cp
	return nil
}

func (s *memSilo) Erase(addr address.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[addr]; !ok {
		return ErrMissingKey
	}
	delete(s.data, addr)
	return nil
}

func (s *memSilo) List() (<-chan address.Address, error) {
	s.mu.RLock()
	addrs := make([]address.Address, 0, len(s.data))
	for a := range s.data {
		addrs = append(addrs, a)
	}
	s.mu.RUnlock()

	out := make(chan address.Address, len(addrs))
	for _, a := range addrs {
		out <- a
	}
	close(out)
	return out, nil
}

func (s *memSilo) Close() error { return nil }

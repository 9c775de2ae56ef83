package overlay

import (
	"context"
	"sync"

	"github.com/infinit/memo/address"
	"github.com/infinit/memo/errs"
	"github.com/infinit/memo/peer"
)

// Static is a fixed peer table with manual Discover/Disappear injection
// (spec.md §4.2): used for tests and for driving the rebalancer scenarios
// of spec.md §8 without a real Kelips/Kouncil/Kalimero implementation.
type Static struct {
	mu        sync.Mutex
	members   map[address.NodeID]peer.Peer
	order     []address.NodeID // stable iteration order for Lookup/Allocate
	discover  []Observer
	disappear []Observer
}

// NewStatic returns an empty overlay; use Discover to seed membership.
func NewStatic() *Static {
	return &Static{members: make(map[address.NodeID]peer.Peer)}
}

// Discover adds p to the overlay's view and fires any OnDiscover
// observers once.
func (s *Static) Discover(p peer.Peer) {
	s.mu.Lock()
	id := p.ID()
	if _, ok := s.members[id]; ok {
		s.mu.Unlock()
		return
	}
	s.members[id] = p
	s.order = append(s.order, id)
	observers := append([]Observer(nil), s.discover...)
	s.mu.Unlock()

	for _, obs := range observers {
		obs(id)
	}
}

// Disappear removes id from the overlay's view and fires any
// OnDisappear observers once.
func (s *Static) Disappear(id address.NodeID) {
	s.mu.Lock()
	if _, ok := s.members[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.members, id)
	for i, m := range s.order {
		if m == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	observers := append([]Observer(nil), s.disappear...)
	s.mu.Unlock()

	for _, obs := range observers {
		obs(id)
	}
}

func (s *Static) Lookup(ctx context.Context, addr address.Address, n int, fast bool) ([]peer.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil, &errs.NoPeersAvailable{}
	}
	out := make([]peer.Peer, 0, n)
	for _, id := range s.order {
		if len(out) >= n {
			break
		}
		out = append(out, s.members[id])
	}
	return out, nil
}

func (s *Static) Allocate(ctx context.Context, addr address.Address, n int) ([]peer.Peer, error) {
	return s.Lookup(ctx, addr, n, true)
}

func (s *Static) LookupNodes(ctx context.Context, ids []address.NodeID) (map[address.NodeID]peer.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[address.NodeID]peer.Peer, len(ids))
	for _, id := range ids {
		if p, ok := s.members[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Static) OnDiscover(observer Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discover = append(s.discover, observer)
}

func (s *Static) OnDisappear(observer Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disappear = append(s.disappear, observer)
}

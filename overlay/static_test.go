package overlay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinit/memo/address"
	"github.com/infinit/memo/errs"
	"github.com/infinit/memo/peer"
	"github.com/infinit/memo/silo"
)

func newMember(t *testing.T) peer.Peer {
	t.Helper()
	self := address.NewNodeID()
	return peer.NewLocalPeer(peer.LocalPeerConfig{Self: self, Factor: 3, Store: silo.NewMemory()})
}

func TestStaticLookupEmptyIsNoPeersAvailable(t *testing.T) {
	s := NewStatic()
	_, err := s.Lookup(context.Background(), address.Address{1}, 2, false)
	var noPeers *errs.NoPeersAvailable
	assert.ErrorAs(t, err, &noPeers)
}

func TestStaticDiscoverThenLookupReturnsUpToN(t *testing.T) {
	s := NewStatic()
	p1, p2, p3 := newMember(t), newMember(t), newMember(t)
	s.Discover(p1)
	s.Discover(p2)
	s.Discover(p3)

	got, err := s.Lookup(context.Background(), address.Address{1}, 2, false)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStaticDiscoverIsIdempotentByID(t *testing.T) {
	s := NewStatic()
	fired := 0
	s.OnDiscover(func(id address.NodeID) { fired++ })

	p := newMember(t)
	s.Discover(p)
	s.Discover(p)

	assert.Equal(t, 1, fired)
	got, err := s.Lookup(context.Background(), address.Address{1}, 10, false)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStaticDisappearFiresObserverAndRemovesMember(t *testing.T) {
	s := NewStatic()
	p := newMember(t)
	s.Discover(p)

	var disappeared address.NodeID
	s.OnDisappear(func(id address.NodeID) { disappeared = id })

	s.Disappear(p.ID())
	assert.Equal(t, p.ID(), disappeared)

	// With its only member gone the overlay is empty again, so Lookup
	// reports NoPeersAvailable exactly as on a fresh overlay.
	_, err := s.Lookup(context.Background(), address.Address{1}, 10, false)
	var noPeers *errs.NoPeersAvailable
	assert.ErrorAs(t, err, &noPeers)
}

func TestStaticDisappearUnknownIDIsNoop(t *testing.T) {
	s := NewStatic()
	fired := false
	s.OnDisappear(func(id address.NodeID) { fired = true })
	s.Disappear(address.NewNodeID())
	assert.False(t, fired)
}

func TestStaticLookupNodesReturnsOnlyKnown(t *testing.T) {
	s := NewStatic()
	p1 := newMember(t)
	s.Discover(p1)

	unknown := address.NewNodeID()
	out, err := s.LookupNodes(context.Background(), []address.NodeID{p1.ID(), unknown})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, p1, out[p1.ID()])
}

func TestStaticAllocateDelegatesToLookup(t *testing.T) {
	s := NewStatic()
	p := newMember(t)
	s.Discover(p)

	got, err := s.Allocate(context.Background(), address.Address{1}, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

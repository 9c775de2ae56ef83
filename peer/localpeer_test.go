package peer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinit/memo/address"
	"github.com/infinit/memo/block"
	"github.com/infinit/memo/errs"
	"github.com/infinit/memo/paxos"
	"github.com/infinit/memo/silo"
)

func newTestLocalPeer(t *testing.T) (*LocalPeer, address.NodeID) {
	t.Helper()
	self := address.NewNodeID()
	lp := NewLocalPeer(LocalPeerConfig{
		Self:          self,
		Factor:        3,
		Store:         silo.NewMemory(),
		CacheCapacity: 16,
	})
	return lp, self
}

func TestLocalPeerStoreThenFetchImmutable(t *testing.T) {
	lp, _ := newTestLocalPeer(t)
	ctx := context.Background()
	b := block.NewImmutable([]byte("owner"), []byte("payload"))

	require.NoError(t, lp.Store(ctx, b, ModeInsert))

	got, err := lp.Fetch(ctx, b.Address(), nil)
	require.NoError(t, err)
	assert.Equal(t, b.Address(), got.Address())
}

func TestLocalPeerFetchMissingImmutable(t *testing.T) {
	lp, _ := newTestLocalPeer(t)
	_, err := lp.Fetch(context.Background(), address.Address{9}, nil)
	var missing *errs.MissingBlock
	assert.ErrorAs(t, err, &missing)
}

func TestLocalPeerStoreIdempotentReinsertion(t *testing.T) {
	lp, _ := newTestLocalPeer(t)
	ctx := context.Background()
	b := block.NewImmutable([]byte("owner"), []byte("payload"))
	require.NoError(t, lp.Store(ctx, b, ModeInsert))
	require.NoError(t, lp.Store(ctx, b, ModeUpdate))
}

func TestLocalPeerStoreRejectsTamperedAddress(t *testing.T) {
	lp, _ := newTestLocalPeer(t)
	ctx := context.Background()
	b := block.NewImmutable([]byte("owner"), []byte("payload"))
	require.NoError(t, lp.Store(ctx, b, ModeInsert))

	tampered := &block.Immutable{Addr: b.Addr, OwnerKey: b.OwnerKey, RawPayload: []byte("other")}
	err := lp.Store(ctx, tampered, ModeUpdate)
	var invalid *errs.ValidationFailed
	assert.ErrorAs(t, err, &invalid)
}

func TestLocalPeerProposeAcceptConfirm(t *testing.T) {
	lp, self := newTestLocalPeer(t)
	ctx := context.Background()
	addr, err := address.NewMutable()
	require.NoError(t, err)
	q := paxos.Quorum{self}

	_, err = lp.Propose(ctx, q, addr, paxos.Proposal{Version: 1, Round: 1, Proposer: self}, true)
	require.NoError(t, err)

	b := &block.OwnerKeyed{Addr: addr, Ver: 1, RawPayload: []byte("v1")}
	_, err = lp.Accept(ctx, q, addr, paxos.Proposal{Version: 1, Round: 1, Proposer: self}, paxos.BlockValue(b))
	require.NoError(t, err)

	require.NoError(t, lp.Confirm(ctx, q, addr, paxos.Proposal{Version: 1, Round: 1, Proposer: self}))

	acc, err := lp.Get(ctx, q, addr, nil)
	require.NoError(t, err)
	require.NotNil(t, acc)
	assert.True(t, acc.Confirmed)
}

func TestLocalPeerRemoveImmutable(t *testing.T) {
	lp, _ := newTestLocalPeer(t)
	ctx := context.Background()
	b := block.NewImmutable([]byte("owner"), []byte("payload"))
	require.NoError(t, lp.Store(ctx, b, ModeInsert))

	require.NoError(t, lp.Remove(ctx, b.Address(), nil))

	_, err := lp.Fetch(ctx, b.Address(), nil)
	var missing *errs.MissingBlock
	assert.ErrorAs(t, err, &missing)
}

package paxosclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinit/memo/address"
	"github.com/infinit/memo/block"
	"github.com/infinit/memo/errs"
	"github.com/infinit/memo/overlay"
	"github.com/infinit/memo/paxos"
	"github.com/infinit/memo/peer"
	"github.com/infinit/memo/silo"
)

// cluster wires n LocalPeers into a Static overlay, for exercising Client
// without any transport.
type cluster struct {
	ov    *overlay.Static
	ids   []address.NodeID
	peers map[address.NodeID]peer.Peer
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	ov := overlay.NewStatic()
	c := &cluster{ov: ov, peers: make(map[address.NodeID]peer.Peer)}
	for i := 0; i < n; i++ {
		self := address.NewNodeID()
		lp := peer.NewLocalPeer(peer.LocalPeerConfig{Self: self, Factor: n, Store: silo.NewMemory()})
		ov.Discover(lp)
		c.ids = append(c.ids, self)
		c.peers[self] = lp
	}
	return c
}

func (c *cluster) quorum() paxos.Quorum {
	return paxos.Quorum(append([]address.NodeID(nil), c.ids...))
}

func TestClientChooseAgreesOnFirstWriter(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	addr, err := address.NewMutable()
	require.NoError(t, err)

	client, err := New(ctx, c.ids[0], addr, c.quorum(), c.ov)
	require.NoError(t, err)

	b := &block.OwnerKeyed{Addr: addr, Ver: 1, RawPayload: []byte("v1")}
	superseded, err := client.Choose(ctx, 1, paxos.BlockValue(b), true)
	require.NoError(t, err)
	assert.Nil(t, superseded)

	state, err := client.State(ctx)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, b, state.Value.Block)
}

func TestClientStateFailsWithoutMajorityReachable(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	addr, err := address.NewMutable()
	require.NoError(t, err)
	q := c.quorum()

	client, err := New(ctx, c.ids[0], addr, q, c.ov)
	require.NoError(t, err)
	b := &block.OwnerKeyed{Addr: addr, Ver: 1, RawPayload: []byte("v1")}
	_, err = client.Choose(ctx, 1, paxos.BlockValue(b), true)
	require.NoError(t, err)

	c.ov.Disappear(c.ids[1])
	c.ov.Disappear(c.ids[2])

	second, err := New(ctx, c.ids[0], addr, q, c.ov)
	require.NoError(t, err)
	_, err = second.State(ctx)
	var tooFew *errs.TooFewPeers
	assert.ErrorAs(t, err, &tooFew)
}

func TestClientReconcileSkipsMissingPeers(t *testing.T) {
	c := newCluster(t, 2)
	ctx := context.Background()
	addr, err := address.NewMutable()
	require.NoError(t, err)
	q := c.quorum()

	client, err := New(ctx, c.ids[0], addr, q, c.ov)
	require.NoError(t, err)

	// Neither peer has state for addr yet, so the one peer not marked
	// missing answers false; Reconcile is best-effort and must not panic
	// or block.
	client.Reconcile(ctx, map[address.NodeID]bool{c.ids[1]: true})
}

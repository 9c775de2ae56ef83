package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinit/memo/address"
	"github.com/infinit/memo/paxos"
)

func TestCatalogOnConfirmIndexesAddress(t *testing.T) {
	c := New(3, nil)
	addr, err := address.NewMutable()
	require.NoError(t, err)
	n1, n2 := address.NewNodeID(), address.NewNodeID()
	q := paxos.Quorum{n1, n2}

	c.OnConfirm(paxos.ConfirmEvent{Addr: addr, Decision: paxos.Decision{Quorum: q}})

	entry, ok := c.Lookup(addr)
	require.True(t, ok)
	assert.True(t, entry.Quorum.Equal(q))
	assert.ElementsMatch(t, []address.Address{addr}, c.AddressesFor(n1))
	assert.ElementsMatch(t, []address.Address{addr}, c.AddressesFor(n2))
}

func TestCatalogOnConfirmSelfEvictRemoves(t *testing.T) {
	c := New(3, nil)
	addr, err := address.NewMutable()
	require.NoError(t, err)
	n1 := address.NewNodeID()
	c.OnConfirm(paxos.ConfirmEvent{Addr: addr, Decision: paxos.Decision{Quorum: paxos.Quorum{n1}}})

	c.OnConfirm(paxos.ConfirmEvent{Addr: addr, SelfEvict: true})

	_, ok := c.Lookup(addr)
	assert.False(t, ok)
	assert.Empty(t, c.AddressesFor(n1))
}

func TestCatalogOnConfirmFiresUnderReplicated(t *testing.T) {
	var fired []UnderReplicated
	c := New(3, func(u UnderReplicated) { fired = append(fired, u) })
	addr, err := address.NewMutable()
	require.NoError(t, err)
	q := paxos.Quorum{address.NewNodeID()}

	c.OnConfirm(paxos.ConfirmEvent{Addr: addr, Decision: paxos.Decision{Quorum: q}})

	require.Len(t, fired, 1)
	assert.Equal(t, addr, fired[0].Addr)
}

func TestCatalogOnConfirmAtFullFactorDoesNotFire(t *testing.T) {
	var fired []UnderReplicated
	c := New(2, func(u UnderReplicated) { fired = append(fired, u) })
	addr, err := address.NewMutable()
	require.NoError(t, err)
	q := paxos.Quorum{address.NewNodeID(), address.NewNodeID()}

	c.OnConfirm(paxos.ConfirmEvent{Addr: addr, Decision: paxos.Decision{Quorum: q}})

	assert.Empty(t, fired)
}

func TestCatalogSetReindexesNodeMembership(t *testing.T) {
	c := New(3, nil)
	addr, err := address.NewMutable()
	require.NoError(t, err)
	n1, n2 := address.NewNodeID(), address.NewNodeID()

	c.OnConfirm(paxos.ConfirmEvent{Addr: addr, Decision: paxos.Decision{Quorum: paxos.Quorum{n1}}})
	c.OnConfirm(paxos.ConfirmEvent{Addr: addr, Decision: paxos.Decision{Quorum: paxos.Quorum{n2}}})

	assert.Empty(t, c.AddressesFor(n1))
	assert.ElementsMatch(t, []address.Address{addr}, c.AddressesFor(n2))
}

func TestCatalogTrackImmutable(t *testing.T) {
	c := New(3, nil)
	addr, err := address.NewMutable()
	require.NoError(t, err)
	q := paxos.Quorum{address.NewNodeID(), address.NewNodeID(), address.NewNodeID()}

	c.Track(addr, true, q)

	entry, ok := c.Lookup(addr)
	require.True(t, ok)
	assert.True(t, entry.Immutable)
	assert.Empty(t, c.OwnedMutable(q[0]))
}

func TestCatalogOwnedMutableExcludesImmutable(t *testing.T) {
	c := New(3, nil)
	self := address.NewNodeID()
	mutableAddr, err := address.NewMutable()
	require.NoError(t, err)

	c.Track(mutableAddr, false, paxos.Quorum{self})
	immutableAddr := address.Immutable([]byte("owner"), []byte("payload"))
	c.Track(immutableAddr, true, paxos.Quorum{self})

	owned := c.OwnedMutable(self)
	assert.ElementsMatch(t, []address.Address{mutableAddr}, owned)
}

func TestCatalogAll(t *testing.T) {
	c := New(3, nil)
	a1, err := address.NewMutable()
	require.NoError(t, err)
	a2, err := address.NewMutable()
	require.NoError(t, err)
	c.Track(a1, false, paxos.Quorum{address.NewNodeID()})
	c.Track(a2, false, paxos.Quorum{address.NewNodeID()})

	assert.ElementsMatch(t, []address.Address{a1, a2}, c.All())
}

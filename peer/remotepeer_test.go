package peer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinit/memo/address"
	"github.com/infinit/memo/block"
	"github.com/infinit/memo/codec"
	"github.com/infinit/memo/errs"
	"github.com/infinit/memo/paxos"
	"github.com/infinit/memo/silo"
	"github.com/infinit/memo/transport"
)

// versionedInProcess wraps an InProcess channel to report a fixed,
// possibly legacy, handshake version, so a test can exercise RemotePeer's
// version-gated behavior without a real network handshake.
type versionedInProcess struct {
	*transport.InProcess
	version codec.Version
}

func (c versionedInProcess) RemoteVersion() codec.Version { return c.version }

// dispatchTo builds a transport.Handler that serves a LocalPeer, mirroring
// the RPC argument/reply envelopes RemotePeer sends.
func dispatchTo(lp *LocalPeer) transport.Handler {
	return func(ctx context.Context, method string, args interface{}) (interface{}, error) {
		switch method {
		case MethodPropose:
			a := args.(ProposeArgs)
			result, err := lp.Propose(ctx, a.Quorum, a.Addr, a.Proposal, a.Insert)
			if err != nil {
				return nil, err
			}
			return ProposeReply{Result: result}, nil
		case MethodAccept:
			a := args.(AcceptArgs)
			p, err := lp.Accept(ctx, a.Quorum, a.Addr, a.Proposal, a.Value)
			if err != nil {
				return nil, err
			}
			return p, nil
		case MethodConfirm:
			a := args.(ConfirmArgs)
			return nil, lp.Confirm(ctx, a.Quorum, a.Addr, a.Proposal)
		case MethodGet:
			a := args.(GetArgs)
			acc, err := lp.Get(ctx, a.Quorum, a.Addr, a.LocalVersion)
			if err != nil {
				return nil, err
			}
			return GetReply{Accepted: acc}, nil
		case MethodStore:
			a := args.(StoreArgs)
			return nil, lp.Store(ctx, a.Block, a.Mode)
		case MethodFetch:
			a := args.(FetchArgs)
			b, err := lp.Fetch(ctx, a.Addr, a.LocalVersion)
			if err != nil {
				return nil, err
			}
			return FetchReply{Block: b}, nil
		case MethodRemove:
			a := args.(RemoveArgs)
			return nil, lp.Remove(ctx, a.Addr, a.RemoveSignature)
		case MethodReconcile:
			a := args.(ReconcileArgs)
			return lp.Reconcile(ctx, a.Addr)
		case MethodPropagate:
			a := args.(PropagateArgs)
			return nil, lp.Propagate(ctx, a.Quorum, a.Addr, a.Value, a.Proposal)
		default:
			return nil, &errs.UnknownRPC{Method: method}
		}
	}
}

func newTestRemotePeer(t *testing.T) (*RemotePeer, address.NodeID) {
	t.Helper()
	self := address.NewNodeID()
	lp := NewLocalPeer(LocalPeerConfig{
		Self:          self,
		Factor:        3,
		Store:         silo.NewMemory(),
		CacheCapacity: 16,
	})
	channel := transport.NewInProcess(dispatchTo(lp))
	return NewRemotePeer(self, channel), self
}

func TestRemotePeerStoreThenFetchImmutable(t *testing.T) {
	rp, _ := newTestRemotePeer(t)
	ctx := context.Background()
	b := block.NewImmutable([]byte("owner"), []byte("payload"))

	require.NoError(t, rp.Store(ctx, b, ModeInsert))

	got, err := rp.Fetch(ctx, b.Address(), nil)
	require.NoError(t, err)
	assert.Equal(t, b.Address(), got.Address())
}

func TestRemotePeerFetchMissingIsWeakened(t *testing.T) {
	rp, _ := newTestRemotePeer(t)
	_, err := rp.Fetch(context.Background(), address.Address{7}, nil)
	var weak *errs.WeakError
	require.ErrorAs(t, err, &weak)
	var missing *errs.MissingBlock
	assert.ErrorAs(t, err, &missing)
}

func TestRemotePeerRemoveMissingIsNotWeakened(t *testing.T) {
	rp, _ := newTestRemotePeer(t)
	err := rp.Remove(context.Background(), address.Address{7}, nil)
	var missing *errs.MissingBlock
	assert.ErrorAs(t, err, &missing)
	var weak *errs.WeakError
	assert.False(t, errors.As(err, &weak), "remove path must not weaken MissingBlock")
}

func TestRemotePeerProposeForcesInsertForLegacyPeer(t *testing.T) {
	self := address.NewNodeID()
	lp := NewLocalPeer(LocalPeerConfig{Self: self, Factor: 3, Store: silo.NewMemory()})
	channel := versionedInProcess{
		InProcess: transport.NewInProcess(dispatchTo(lp)),
		version:   codec.Version{Major: 0, Minor: 8},
	}
	rp := NewRemotePeer(self, channel)
	assert.Equal(t, channel.version, rp.Version())

	addr, err := address.NewMutable()
	require.NoError(t, err)
	q := paxos.Quorum{self}

	// insert=false against a never-before-seen address would normally
	// raise paxos.ErrNoState; a peer predating the insert flag (<0.9)
	// always auto-inserts instead.
	_, err = rp.Propose(context.Background(), q, addr, paxos.Proposal{Version: 1, Round: 1, Proposer: self}, false)
	require.NoError(t, err)
}

func TestRemotePeerAcceptRejectsQuorumValueForLegacyPeer(t *testing.T) {
	self := address.NewNodeID()
	lp := NewLocalPeer(LocalPeerConfig{Self: self, Factor: 3, Store: silo.NewMemory()})
	channel := versionedInProcess{
		InProcess: transport.NewInProcess(dispatchTo(lp)),
		version:   codec.Version{Major: 0, Minor: 4},
	}
	rp := NewRemotePeer(self, channel)

	addr, err := address.NewMutable()
	require.NoError(t, err)
	q := paxos.Quorum{self}
	_, err = rp.Propose(context.Background(), q, addr, paxos.Proposal{Version: 1, Round: 1, Proposer: self}, true)
	require.NoError(t, err)

	_, err = rp.Accept(context.Background(), q, addr, paxos.Proposal{Version: 1, Round: 1, Proposer: self}, paxos.QuorumValue(paxos.Quorum{self}))
	var unsupported *errs.UnsupportedVersion
	require.ErrorAs(t, err, &unsupported)
}

func TestRemotePeerClosedChannelIsUnavailable(t *testing.T) {
	self := address.NewNodeID()
	lp := NewLocalPeer(LocalPeerConfig{Self: self, Factor: 3, Store: silo.NewMemory()})
	channel := transport.NewInProcess(dispatchTo(lp))
	require.NoError(t, channel.Close())
	rp := NewRemotePeer(self, channel)

	_, err := rp.Fetch(context.Background(), address.Address{1}, nil)
	var unavailable *errs.Unavailable
	assert.ErrorAs(t, err, &unavailable)
}

package peer

import (
	"context"
	"errors"

	"github.com/infinit/memo/address"
	"github.com/infinit/memo/block"
	"github.com/infinit/memo/codec"
	"github.com/infinit/memo/errs"
	"github.com/infinit/memo/paxos"
	"github.com/infinit/memo/transport"
)

// versionedChannel is implemented by a transport.Channel that completed
// an explicit version handshake (transport.GobConn); RemotePeer uses it
// to learn the remote's negotiated protocol version and gate spec.md
// §6's legacy behavior differences. A channel that doesn't implement it
// (transport.InProcess) is assumed to speak codec.Current.
type versionedChannel interface {
	RemoteVersion() codec.Version
}

// RemotePeer implements Peer over a transport.Channel. Every Call error
// that is not itself one of this module's typed errors is remapped to
// errs.Unavailable; a remote MissingBlock encountered during propose,
// accept, get or fetch is further downgraded to errs.WeakError, letting a proposer
// proceed on a majority that does hold the value (spec.md §4.5).
type RemotePeer struct {
	id      address.NodeID
	channel transport.Channel
	version codec.Version
}

// NewRemotePeer wraps channel as the Peer identified by id. If channel
// completed a version handshake, the negotiated version is recorded and
// used to gate legacy behavior; otherwise codec.Current is assumed.
func NewRemotePeer(id address.NodeID, channel transport.Channel) *RemotePeer {
	version := codec.Current
	if vc, ok := channel.(versionedChannel); ok {
		version = vc.RemoteVersion()
	}
	return &RemotePeer{id: id, channel: channel, version: version}
}

func (rp *RemotePeer) ID() address.NodeID { return rp.id }

// Version reports the protocol version negotiated with this remote.
func (rp *RemotePeer) Version() codec.Version { return rp.version }

func (rp *RemotePeer) Propose(ctx context.Context, q paxos.Quorum, addr address.Address, p paxos.Proposal, insert bool) (paxos.PromiseResult, error) {
	if !codec.InsertFlagSupported(rp.version) {
		// Pre-0.9 peers have no insert field on the wire at all and
		// always behaved as if insert were implied on empty state.
		insert = true
	}
	var reply ProposeReply
	args := ProposeArgs{Quorum: q, Addr: addr, Proposal: p, Insert: insert}
	if err := rp.channel.Call(ctx, MethodPropose, args, &reply); err != nil {
		return paxos.PromiseResult{}, rp.remap(err, true)
	}
	return reply.Result, nil
}

func (rp *RemotePeer) Accept(ctx context.Context, q paxos.Quorum, addr address.Address, p paxos.Proposal, v paxos.Value) (paxos.Proposal, error) {
	if v.IsQuorum && !codec.QuorumValuesSupported(rp.version) {
		return paxos.Proposal{}, &errs.UnsupportedVersion{Feature: "quorum-change values", Remote: rp.id}
	}
	var reply paxos.Proposal
	args := AcceptArgs{Quorum: q, Addr: addr, Proposal: p, Value: v}
	if err := rp.channel.Call(ctx, MethodAccept, args, &reply); err != nil {
		return paxos.Proposal{}, rp.remap(err, true)
	}
	return reply, nil
}

func (rp *RemotePeer) Confirm(ctx context.Context, q paxos.Quorum, addr address.Address, p paxos.Proposal) error {
	args := ConfirmArgs{Quorum: q, Addr: addr, Proposal: p}
	if err := rp.channel.Call(ctx, MethodConfirm, args, nil); err != nil {
		return rp.remap(err, false)
	}
	return nil
}

func (rp *RemotePeer) Get(ctx context.Context, q paxos.Quorum, addr address.Address, localVersion *uint64) (*paxos.Accepted, error) {
	var reply GetReply
	args := GetArgs{Quorum: q, Addr: addr, LocalVersion: localVersion}
	if err := rp.channel.Call(ctx, MethodGet, args, &reply); err != nil {
		return nil, rp.remap(err, true)
	}
	return reply.Accepted, nil
}

func (rp *RemotePeer) Propagate(ctx context.Context, q paxos.Quorum, addr address.Address, v paxos.Value, p paxos.Proposal) error {
	args := PropagateArgs{Quorum: q, Addr: addr, Value: v, Proposal: p}
	if err := rp.channel.Call(ctx, MethodPropagate, args, nil); err != nil {
		return rp.remap(err, false)
	}
	return nil
}

func (rp *RemotePeer) Reconcile(ctx context.Context, addr address.Address) (bool, error) {
	var removed bool
	args := ReconcileArgs{Addr: addr}
	if err := rp.channel.Call(ctx, MethodReconcile, args, &removed); err != nil {
		return false, rp.remap(err, false)
	}
	return removed, nil
}

func (rp *RemotePeer) Store(ctx context.Context, b block.Block, mode StoreMode) error {
	args := StoreArgs{Block: b, Mode: mode}
	if err := rp.channel.Call(ctx, MethodStore, args, nil); err != nil {
		return rp.remap(err, false)
	}
	return nil
}

func (rp *RemotePeer) Fetch(ctx context.Context, addr address.Address, localVersion *uint64) (block.Block, error) {
	var reply FetchReply
	args := FetchArgs{Addr: addr, LocalVersion: localVersion}
	if err := rp.channel.Call(ctx, MethodFetch, args, &reply); err != nil {
		return nil, rp.remap(err, true)
	}
	return reply.Block, nil
}

func (rp *RemotePeer) Remove(ctx context.Context, addr address.Address, removeSignature []byte) error {
	args := RemoveArgs{Addr: addr, RemoveSignature: removeSignature}
	if err := rp.channel.Call(ctx, MethodRemove, args, nil); err != nil {
		return rp.remap(err, false)
	}
	return nil
}

// remap applies spec.md §4.5's error-remapping contract: a typed error
// this module already knows about (WrongQuorum, ValidationFailed,
// Conflict, MissingBlock) passes through unchanged so a proposer can act
// on it; anything else reaching here is a transport- or encoding-level
// failure and becomes Unavailable. When weakenMissing is set (propose,
// accept, get and fetch paths), a remote MissingBlock is further downgraded to
// WeakError so a caller short of unanimous agreement can still proceed
// on a majority. Over a real network transport.Channel's remoteError
// only preserves the message text, not the type, so this matching is
// exact for the InProcess channel and best-effort (falls through to
// Unavailable) for GobConn.
func (rp *RemotePeer) remap(err error, weakenMissing bool) error {
	if err == nil {
		return nil
	}
	var missing *errs.MissingBlock
	if errors.As(err, &missing) {
		if weakenMissing {
			return &errs.WeakError{Inner: err}
		}
		return err
	}
	var wrongQuorum *errs.WrongQuorum
	if errors.As(err, &wrongQuorum) {
		return err
	}
	var validation *errs.ValidationFailed
	if errors.As(err, &validation) {
		return err
	}
	var conflict *errs.Conflict
	if errors.As(err, &conflict) {
		return err
	}
	return &errs.Unavailable{Inner: err}
}

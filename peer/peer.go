// Package peer implements the uniform Peer abstraction of spec.md §4.3:
// a Local variant backed by an in-process paxos.Server per loaded
// address, and a Remote variant backed by a transport.Channel, both
// implementing the same nine RPC-level operations. This collapses the
// virtual multi-level inheritance flagged in spec.md §9 REDESIGN FLAGS
// into tagged variants over one capability-set interface.
package peer

import (
	"context"
	"encoding/gob"

	"github.com/infinit/memo/address"
	"github.com/infinit/memo/block"
	"github.com/infinit/memo/codec"
	"github.com/infinit/memo/paxos"
)

func init() {
	gob.Register(ProposeArgs{})
	gob.Register(ProposeReply{})
	gob.Register(AcceptArgs{})
	gob.Register(ConfirmArgs{})
	gob.Register(GetArgs{})
	gob.Register(GetReply{})
	gob.Register(StoreArgs{})
	gob.Register(FetchArgs{})
	gob.Register(FetchReply{})
	gob.Register(RemoveArgs{})
	gob.Register(ReconcileArgs{})
	gob.Register(PropagateArgs{})
}

// StoreMode distinguishes a first write from an update of an existing
// immutable block.
type StoreMode int

const (
	ModeInsert StoreMode = iota
	ModeUpdate
)

// Peer is the capability set every node in a quorum must expose, whether
// local or remote (spec.md §4.3).
type Peer interface {
	ID() address.NodeID

	// Version reports the protocol version this peer negotiated
	// (codec.Current for a LocalPeer; the handshake-announced version
	// for a RemotePeer). Callers use it to gate spec.md §6's legacy
	// behavior differences.
	Version() codec.Version

	Propose(ctx context.Context, q paxos.Quorum, addr address.Address, p paxos.Proposal, insert bool) (paxos.PromiseResult, error)
	Accept(ctx context.Context, q paxos.Quorum, addr address.Address, p paxos.Proposal, v paxos.Value) (paxos.Proposal, error)
	Confirm(ctx context.Context, q paxos.Quorum, addr address.Address, p paxos.Proposal) error
	Get(ctx context.Context, q paxos.Quorum, addr address.Address, localVersion *uint64) (*paxos.Accepted, error)

	Store(ctx context.Context, b block.Block, mode StoreMode) error
	Fetch(ctx context.Context, addr address.Address, localVersion *uint64) (block.Block, error)
	Remove(ctx context.Context, addr address.Address, removeSignature []byte) error

	Reconcile(ctx context.Context, addr address.Address) (bool, error)
	Propagate(ctx context.Context, q paxos.Quorum, addr address.Address, v paxos.Value, p paxos.Proposal) error
}

// RPC method names: RemotePeer sends them, and the transport.Handler that
// serves a peer on the other end of the channel dispatches on them.
const (
	MethodPropose   = "propose"
	MethodAccept    = "accept"
	MethodConfirm   = "confirm"
	MethodGet       = "get"
	MethodStore     = "store"
	MethodFetch     = "fetch"
	MethodRemove    = "remove"
	MethodReconcile = "reconcile"
	MethodPropagate = "propagate"
)

// RPC argument/reply envelopes. All fields are exported so gob can encode
// them.

type ProposeArgs struct {
	Quorum   paxos.Quorum
	Addr     address.Address
	Proposal paxos.Proposal
	Insert   bool
}

type ProposeReply struct {
	Result paxos.PromiseResult
}

type AcceptArgs struct {
	Quorum   paxos.Quorum
	Addr     address.Address
	Proposal paxos.Proposal
	Value    paxos.Value
}

type ConfirmArgs struct {
	Quorum   paxos.Quorum
	Addr     address.Address
	Proposal paxos.Proposal
}

type GetArgs struct {
	Quorum       paxos.Quorum
	Addr         address.Address
	LocalVersion *uint64
}

type GetReply struct {
	Accepted *paxos.Accepted
}

type StoreArgs struct {
	Block block.Block
	Mode  StoreMode
}

type FetchArgs struct {
	Addr         address.Address
	LocalVersion *uint64
}

type FetchReply struct {
	Block block.Block
}

type RemoveArgs struct {
	Addr            address.Address
	RemoveSignature []byte
}

type ReconcileArgs struct {
	Addr address.Address
}

type PropagateArgs struct {
	Quorum   paxos.Quorum
	Addr     address.Address
	Value    paxos.Value
	Proposal paxos.Proposal
}

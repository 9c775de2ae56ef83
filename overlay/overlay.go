// Package overlay implements the purely advisory routing contract of
// spec.md §4.2: lookup/allocate/lookup_nodes plus a discover/disappear
// event stream. Concrete peer discovery protocols (Kelips, Kouncil,
// Kalimero in original_source) remain external collaborators; this
// package only defines the interface and a static test double.
package overlay

import (
	"context"

	"github.com/infinit/memo/address"
	"github.com/infinit/memo/peer"
)

// Observer is notified when a node id appears or disappears from the
// overlay's view.
type Observer func(id address.NodeID)

// Overlay is purely advisory routing (spec.md §4.2): every method may
// return fewer results than requested, and peers obtained via Lookup may
// disappear before the caller gets to use them.
type Overlay interface {
	// Lookup returns up to n peer handles for addr. fast, when true,
	// asks the overlay to skip any round-trip refresh and answer from
	// local cache only.
	Lookup(ctx context.Context, addr address.Address, n int, fast bool) ([]peer.Peer, error)

	// Allocate returns n fresh candidate owners for a new block at addr.
	Allocate(ctx context.Context, addr address.Address, n int) ([]peer.Peer, error)

	// LookupNodes resolves a specific set of node ids to peer handles.
	// Entries for ids the overlay does not currently know are omitted
	// from the result map, not errored.
	LookupNodes(ctx context.Context, ids []address.NodeID) (map[address.NodeID]peer.Peer, error)

	// OnDiscover registers observer to fire once for every node not
	// already known that joins the overlay's view; it stays registered.
	OnDiscover(observer Observer)
	// OnDisappear registers observer to fire once for every previously
	// known node that drops out of the overlay's view; it stays
	// registered.
	OnDisappear(observer Observer)
}

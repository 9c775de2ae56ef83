// Package catalog implements the decision-catalog indexes of spec.md
// §4.6: address→{immutable?, quorum} and node-id→set of addresses,
// kept current by subscribing to every paxos.Server's onConfirm hook.
// The address→decision index itself is the LocalPeer's decisionCache
// (peer/cache.go); this package only owns the two derived indexes and
// the under-replication signal the rebalancer consumes.
package catalog

import (
	"sync"

	"github.com/infinit/memo/address"
	"github.com/infinit/memo/paxos"
)

// Entry is the per-address index record.
type Entry struct {
	Immutable bool
	Quorum    paxos.Quorum
}

// UnderReplicated is delivered whenever a confirm leaves an address with
// fewer holders than the replication factor, so the rebalancer can
// schedule expansion (spec.md §4.6 work source 1).
type UnderReplicated struct {
	Addr   address.Address
	Quorum paxos.Quorum
}

// Catalog tracks, for the local node, which addresses it currently holds
// and which other nodes it believes share them.
type Catalog struct {
	factor int

	mu       sync.Mutex
	byAddr   map[address.Address]Entry
	byNode   map[address.NodeID]map[address.Address]struct{}
	onUnder  func(UnderReplicated)
}

// New constructs an empty Catalog. factor is the replication factor used
// to decide under-replication; onUnderReplicated, if non-nil, is invoked
// synchronously from OnConfirm whenever a confirmed quorum falls below
// it.
func New(factor int, onUnderReplicated func(UnderReplicated)) *Catalog {
	return &Catalog{
		factor:  factor,
		byAddr:  make(map[address.Address]Entry),
		byNode:  make(map[address.NodeID]map[address.Address]struct{}),
		onUnder: onUnderReplicated,
	}
}

// OnConfirm is the paxos.Server onConfirm hook: it refreshes both
// indexes for the confirmed address and, for a non-self-evicting
// quorum change or block confirm, checks for under-replication.
func (c *Catalog) OnConfirm(ev paxos.ConfirmEvent) {
	if ev.SelfEvict {
		c.remove(ev.Addr)
		return
	}
	quorum := ev.Decision.Quorum
	c.set(ev.Addr, Entry{Quorum: quorum})

	if c.onUnder != nil && len(quorum) < c.factor {
		c.onUnder(UnderReplicated{Addr: ev.Addr, Quorum: quorum})
	}
}

// Track records addr as held with the given quorum without going through
// a paxos confirm event — used for immutable blocks, which never run
// Paxos but still belong in the node-id index once a store succeeds.
func (c *Catalog) Track(addr address.Address, immutable bool, quorum paxos.Quorum) {
	c.set(addr, Entry{Immutable: immutable, Quorum: quorum})
	if c.onUnder != nil && len(quorum) < c.factor {
		c.onUnder(UnderReplicated{Addr: addr, Quorum: quorum})
	}
}

func (c *Catalog) set(addr address.Address, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.byAddr[addr]; ok {
		for _, id := range old.Quorum {
			if set, ok := c.byNode[id]; ok {
				delete(set, addr)
				if len(set) == 0 {
					delete(c.byNode, id)
				}
			}
		}
	}
	c.byAddr[addr] = e
	for _, id := range e.Quorum {
		set, ok := c.byNode[id]
		if !ok {
			set = make(map[address.Address]struct{})
			c.byNode[id] = set
		}
		set[addr] = struct{}{}
	}
}

func (c *Catalog) remove(addr address.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.byAddr[addr]
	if !ok {
		return
	}
	delete(c.byAddr, addr)
	for _, id := range old.Quorum {
		if set, ok := c.byNode[id]; ok {
			delete(set, addr)
			if len(set) == 0 {
				delete(c.byNode, id)
			}
		}
	}
}

// Lookup returns the index entry for addr, if known.
func (c *Catalog) Lookup(addr address.Address) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byAddr[addr]
	return e, ok
}

// AddressesFor returns every address whose quorum currently includes id
// — used when a peer disappears, to find what the rebalancer must
// re-replicate away from it (spec.md §4.6 "Eviction on disappearance").
func (c *Catalog) AddressesFor(id address.NodeID) []address.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.byNode[id]
	if !ok {
		return nil
	}
	out := make([]address.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	return out
}

// OwnedMutable returns every mutable address whose current quorum
// contains self — used by the rebalancer's resignation-on-shutdown path
// (spec.md §4.6).
func (c *Catalog) OwnedMutable(self address.NodeID) []address.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []address.Address
	for a, e := range c.byAddr {
		if e.Immutable {
			continue
		}
		if !a.Mutable() {
			continue
		}
		if e.Quorum.Contains(self) {
			out = append(out, a)
		}
	}
	return out
}

// All returns a snapshot of every known address, used by the rebalance
// inspector's startup scan (spec.md §4.6).
func (c *Catalog) All() []address.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]address.Address, 0, len(c.byAddr))
	for a := range c.byAddr {
		out = append(out, a)
	}
	return out
}

// Package paxos implements the per-block single-decree Paxos data types
// and acceptor (spec.md §3, §4.4): Proposal, Quorum, Value, Accepted, and
// the Server state machine that persists decisions through a Silo.
//
// Generalized from gossiped set-consensus to per-address RPC-driven
// consensus over blocks-or-quorums.
package paxos

import (
	"github.com/infinit/memo/address"
	"github.com/infinit/memo/block"
)

// Quorum is the ordered set of node ids currently responsible for a
// block (spec.md glossary "Quorum").
type Quorum []address.NodeID

// Contains reports whether id is a member of the quorum.
func (q Quorum) Contains(id address.NodeID) bool {
	for _, m := range q {
		if m == id {
			return true
		}
	}
	return false
}

// Equal reports set-equality, ignoring order.
func (q Quorum) Equal(other Quorum) bool {
	if len(q) != len(other) {
		return false
	}
	for _, m := range q {
		if !other.Contains(m) {
			return false
		}
	}
	return true
}

// Without returns a copy of the quorum with id removed.
func (q Quorum) Without(id address.NodeID) Quorum {
	out := make(Quorum, 0, len(q))
	for _, m := range q {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

// With returns a copy of the quorum with id added, if not already present.
func (q Quorum) With(id address.NodeID) Quorum {
	if q.Contains(id) {
		return q
	}
	out := make(Quorum, len(q), len(q)+1)
	copy(out, q)
	return append(out, id)
}

// Proposal is the Paxos (round, version, proposer) triple, lexicographically
// ordered by (version, round, proposer) per spec.md §3.
type Proposal struct {
	Version  uint64
	Round    uint64
	Proposer address.NodeID
}

// Zero is the uninitialized Proposal, preceding all others (round 0).
var Zero = Proposal{}

// Valid reports whether this is an initialized proposal (round > 0).
func (p Proposal) Valid() bool { return p.Round > 0 }

// Equal reports whether p and o name the same proposal.
func (p Proposal) Equal(o Proposal) bool {
	return p.Version == o.Version && p.Round == o.Round && p.Proposer == o.Proposer
}

// Precedes reports p < o under (version, round, proposer) lexicographic
// order.
func (p Proposal) Precedes(o Proposal) bool {
	if p.Version != o.Version {
		return p.Version < o.Version
	}
	if p.Round != o.Round {
		return p.Round < o.Round
	}
	return p.Proposer.String() < o.Proposer.String()
}

// Value is the Paxos payload: either a concrete Block or a new Quorum.
// Allowing quorums as Paxos values is how membership changes are
// linearized with data writes (spec.md §3).
type Value struct {
	Block  block.Block
	Quorum Quorum
	// IsQuorum distinguishes a Value carrying an empty Quorum (valid:
	// a block's quorum can shrink to nothing transiently) from a Value
	// carrying a Block.
	IsQuorum bool
}

// BlockValue wraps a concrete block as a Paxos value.
func BlockValue(b block.Block) Value { return Value{Block: b} }

// QuorumValue wraps a membership change as a Paxos value.
func QuorumValue(q Quorum) Value { return Value{Quorum: q, IsQuorum: true} }

// Accepted pairs a Value with the Proposal under which it was accepted,
// and whether it has since been confirmed (spec.md §3 "Accepted").
type Accepted struct {
	Proposal  Proposal
	Value     Value
	Confirmed bool
}

// Valid reports whether this Accepted actually carries a value.
func (a Accepted) Valid() bool { return a.Proposal.Valid() }

// Decision is the full per-address PaxosServer state persisted to the
// Silo on every propose/accept/confirm (spec.md §3 "PaxosServer state per
// address" and §4.8 "decision record").
type Decision struct {
	Quorum        Quorum
	Promised      Proposal
	Previous      Accepted
	Current       Accepted
	PendingQuorum *Quorum // cleared when a quorum value is confirmed; nothing in this package sets it
	Immutable     bool    // true for immutable-block placement records (no Paxos ever runs)
}

// Package address implements the 256-bit content/owner addressed block
// identifiers of spec.md §3.
package address

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

// Size is the width of an Address in bytes (256 bits).
const Size = 32

// mutableBit is the low bit of the last byte, tagging mutable vs
// immutable addresses per spec.md §3.
const mutableBit = 1

// Address is a 256-bit content- or randomly-addressed block identifier.
type Address [Size]byte

// Zero is the all-zero address, never a valid block address.
var Zero Address

// Mutable reports whether this address names a mutable block.
func (a Address) Mutable() bool {
	return a[Size-1]&mutableBit != 0
}

// String renders the address as lowercase hex, a compact printable
// identifier.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Less gives Address a total order, byte by byte. It does not appear in
// spec.md directly; proposer tie-breaking in Proposal.Precedes compares
// node ids, not addresses, and does not use it.
func (a Address) Less(b Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// FromHex parses an address previously rendered with String.
func FromHex(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, err
	}
	if len(b) != Size {
		return a, errors.New("address: wrong length")
	}
	copy(a[:], b)
	return a, nil
}

// Immutable derives the content address of an immutable block: the hash
// of the owner's public key concatenated with the payload, with the
// mutable bit cleared. Re-deriving the address from identical
// (owner, payload) is required to be idempotent (spec.md §3).
func Immutable(ownerKey, payload []byte) Address {
	h := sha256.New()
	h.Write(ownerKey)
	h.Write(payload)
	var a Address
	copy(a[:], h.Sum(nil))
	a[Size-1] &^= mutableBit
	return a
}

// Named derives the content address of a named block: hash(owner, name).
// Named blocks are immutable after first write, so the address carries
// the immutable tag exactly like Immutable.
func Named(ownerKey []byte, name string) Address {
	h := sha256.New()
	h.Write(ownerKey)
	h.Write([]byte{0}) // domain separator from Immutable's (owner, payload)
	h.Write([]byte(name))
	var a Address
	copy(a[:], h.Sum(nil))
	a[Size-1] &^= mutableBit
	return a
}

// NewMutable generates a fresh random address for a new mutable block,
// with the mutable bit set.
func NewMutable() (Address, error) {
	var a Address
	if _, err := rand.Read(a[:]); err != nil {
		return a, err
	}
	a[Size-1] |= mutableBit
	return a, nil
}

// NodeID names a participant in the overlay: a peer, a proposer, a group
// principal. uuid.UUID is used throughout the module for this role rather
// than a hand-rolled id type.
type NodeID = uuid.UUID

// NewNodeID mints a fresh node identity.
func NewNodeID() NodeID {
	return uuid.New()
}

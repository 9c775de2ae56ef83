// Package silo implements the byte-level key→value store of spec.md §4.1:
// get/set/erase/list over Address keys, surfacing ErrMissingKey. No
// ordering or transaction guarantees beyond single-operation atomicity.
package silo

import (
	"errors"

	"github.com/infinit/memo/address"
)

// ErrMissingKey is returned by Get/Erase for an address with no stored
// value. Set reports a flag/existence mismatch with ErrConflict instead.
var ErrMissingKey = errors.New("silo: missing key")

// ErrConflict is returned by Set when the insert/update flag contradicts
// whether the key already exists.
var ErrConflict = errors.New("silo: set flag mismatches existence")

// Silo is the flat key-to-bytes store every node persists its decisions
// and immutable blocks through.
type Silo interface {
	Get(addr address.Address) ([]byte, error)
	// Set stores bytes at addr. If insert is true, the key must not
	// already exist. If update is true, the key must already exist.
	// Both may be false (unconditional set); both true is invalid.
	Set(addr address.Address, data []byte, insert, update bool) error
	Erase(addr address.Address) error
	// List returns every known address. It is a point-in-time
	// snapshot, not a live cursor — the in-memory and leveldb-backed
	// implementations below both need to hold some form of lock or
	// iterator while producing it, so spec.md's "lazy sequence" is
	// modeled as a channel the caller ranges over.
	List() (<-chan address.Address, error)
	Close() error
}

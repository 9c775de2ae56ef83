// Package block implements the polymorphic block variants of spec.md §3:
// immutable content-addressed blocks, mutable owner-keyed blocks, mutable
// ACL-signed blocks, and named blocks, plus the validation hooks required
// on accept and on remove.
package block

import (
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/infinit/memo/address"
)

func init() {
	// Block is an interface, so any value traveling inside a gob-encoded
	// paxos.Value or codec.Decision must have its concrete type
	// registered once at package load.
	gob.Register(&Immutable{})
	gob.Register(&Named{})
	gob.Register(&OwnerKeyed{})
	gob.Register(&ACLSigned{})
}

// Kind tags which block variant a Block carries, a "tombstone vs live"
// style tag rather than relying on type-switches everywhere validation
// runs.
type Kind int

const (
	KindImmutable Kind = iota
	KindOwnerKeyed
	KindACLSigned
	KindNamed
)

func (k Kind) String() string {
	switch k {
	case KindImmutable:
		return "immutable"
	case KindOwnerKeyed:
		return "owner-keyed"
	case KindACLSigned:
		return "acl-signed"
	case KindNamed:
		return "named"
	default:
		return "unknown"
	}
}

// Signer verifies a signature over a payload. Cryptographic primitives are
// an external collaborator per spec.md §1; this module only needs
// something to call at validation time.
type Signer interface {
	Verify(ownerKey, payload, sig []byte) error
}

// NullSigner always succeeds; it exists for tests and for embedding this
// module before a real Signer is wired in.
type NullSigner struct{}

func (NullSigner) Verify(ownerKey, payload, sig []byte) error { return nil }

// Permission is a bitmask of rights a Principal holds over an ACL block.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
)

// Principal names a user or group in a Group ACL. Group membership
// resolution is an external collaborator (same as in original_source,
// where group blocks are a separate block family fetched through the same
// Doughnut); this module only stores the id.
type Principal = uuid.UUID

// ACL is the group ACL of a mutable ACL-signed block: per-principal
// {read, write} permissions.
type ACL map[Principal]Permission

// CanWrite reports whether principal may write under this ACL.
func (a ACL) CanWrite(p Principal) bool {
	return a[p]&PermWrite != 0
}

// CanRead reports whether principal may read under this ACL.
func (a ACL) CanRead(p Principal) bool {
	return a[p]&PermRead != 0
}

// Block is the common surface every variant satisfies. Address and Kind
// let the catalog and Silo route a Block without a type switch at every
// call site; Version is 0 for immutable/named blocks (which have no
// version history).
type Block interface {
	Address() address.Address
	Kind() Kind
	Version() uint64
	Payload() []byte
	// Equal reports the same variant with byte-identical payload (and the
	// same name or version where the variant has one), used for the
	// immutable re-insertion idempotence check in spec.md §3.
	Equal(other Block) bool
}

// Immutable is a content-addressed, owner-signed, version-less block.
// Address = hash(OwnerKey, Payload).
type Immutable struct {
	Addr      address.Address
	OwnerKey  []byte
	RawPayload []byte
}

func NewImmutable(ownerKey, payload []byte) *Immutable {
	return &Immutable{
		Addr:       address.Immutable(ownerKey, payload),
		OwnerKey:   append([]byte(nil), ownerKey...),
		RawPayload: append([]byte(nil), payload...),
	}
}

func (b *Immutable) Address() address.Address { return b.Addr }
func (b *Immutable) Kind() Kind                { return KindImmutable }
func (b *Immutable) Version() uint64           { return 0 }
func (b *Immutable) Payload() []byte           { return b.RawPayload }
func (b *Immutable) Equal(other Block) bool {
	o, ok := other.(*Immutable)
	return ok && bytesEqual(b.RawPayload, o.RawPayload)
}

// Named is a content-addressed block keyed by (owner, name) rather than
// payload hash; immutable after first write, deletable only by owner.
type Named struct {
	Addr       address.Address
	OwnerKey   []byte
	Name       string
	RawPayload []byte
}

func NewNamed(ownerKey []byte, name string, payload []byte) *Named {
	return &Named{
		Addr:       address.Named(ownerKey, name),
		OwnerKey:   append([]byte(nil), ownerKey...),
		Name:       name,
		RawPayload: append([]byte(nil), payload...),
	}
}

func (b *Named) Address() address.Address { return b.Addr }
func (b *Named) Kind() Kind                { return KindNamed }
func (b *Named) Version() uint64           { return 0 }
func (b *Named) Payload() []byte           { return b.RawPayload }
func (b *Named) Equal(other Block) bool {
	o, ok := other.(*Named)
	return ok && b.Name == o.Name && bytesEqual(b.RawPayload, o.RawPayload)
}

// OwnerKeyed is a mutable block signed by a single owner key, with a
// monotonically increasing version.
type OwnerKeyed struct {
	Addr       address.Address
	OwnerKey   []byte
	Ver        uint64
	RawPayload []byte
	Signature  []byte
}

func (b *OwnerKeyed) Address() address.Address { return b.Addr }
func (b *OwnerKeyed) Kind() Kind                { return KindOwnerKeyed }
func (b *OwnerKeyed) Version() uint64           { return b.Ver }
func (b *OwnerKeyed) Payload() []byte           { return b.RawPayload }
func (b *OwnerKeyed) Equal(other Block) bool {
	o, ok := other.(*OwnerKeyed)
	return ok && b.Ver == o.Ver && bytesEqual(b.RawPayload, o.RawPayload)
}

// ACLSigned is a mutable block governed by a group ACL and a signature
// chain proving the writer's authorization, rather than a single owner
// key.
type ACLSigned struct {
	Addr        address.Address
	Group       ACL
	Writer      Principal
	Ver         uint64
	RawPayload  []byte
	SigChain    [][]byte
}

func (b *ACLSigned) Address() address.Address { return b.Addr }
func (b *ACLSigned) Kind() Kind                { return KindACLSigned }
func (b *ACLSigned) Version() uint64           { return b.Ver }
func (b *ACLSigned) Payload() []byte           { return b.RawPayload }
func (b *ACLSigned) Equal(other Block) bool {
	o, ok := other.(*ACLSigned)
	return ok && b.Ver == o.Ver && bytesEqual(b.RawPayload, o.RawPayload)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Errors surfaced by Validate/ValidateTransition; callers wrap these in
// errs.ValidationFailed at the component boundary.
var (
	ErrAddressMismatch  = errors.New("block: address does not match derivation")
	ErrBadSignature     = errors.New("block: signature verification failed")
	ErrVersionNotNewer   = errors.New("block: version must strictly increase")
	ErrImmutablePayload = errors.New("block: immutable block re-inserted with different payload")
	ErrUnauthorized     = errors.New("block: principal not authorized to write")
	ErrWrongOwner       = errors.New("block: remove signature does not match owner")
)

// Validate checks a block in isolation: immutable and named address
// derivation, owner-keyed signature verification through signer, and for
// ACL-signed blocks the writer's write permission and a non-empty
// signature chain (the chain itself is not verified). It is the "on accept,
// validated in isolation" half of spec.md §4.4's validation split.
func Validate(b Block, signer Signer) error {
	switch v := b.(type) {
	case *Immutable:
		if address.Immutable(v.OwnerKey, v.RawPayload) != v.Addr {
			return ErrAddressMismatch
		}
		return nil
	case *Named:
		if address.Named(v.OwnerKey, v.Name) != v.Addr {
			return ErrAddressMismatch
		}
		return nil
	case *OwnerKeyed:
		if err := signer.Verify(v.OwnerKey, v.RawPayload, v.Signature); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		return nil
	case *ACLSigned:
		if !v.Group.CanWrite(v.Writer) {
			return ErrUnauthorized
		}
		if len(v.SigChain) == 0 {
			return ErrBadSignature
		}
		return nil
	default:
		return fmt.Errorf("block: unknown variant %T", b)
	}
}

// ValidateTransition checks a proposed new value against the previously
// accepted value for the same address: version must strictly increase,
// and for immutable blocks re-insertion must be idempotent (spec.md §3).
func ValidateTransition(previous, next Block) error {
	if previous == nil {
		return nil
	}
	if previous.Address() != next.Address() {
		return ErrAddressMismatch
	}
	switch previous.Kind() {
	case KindImmutable, KindNamed:
		if !previous.Equal(next) {
			return ErrImmutablePayload
		}
		return nil
	case KindOwnerKeyed, KindACLSigned:
		if next.Version() <= previous.Version() {
			return ErrVersionNotNewer
		}
		return nil
	default:
		return fmt.Errorf("block: unknown variant kind %v", previous.Kind())
	}
}

// ValidateRemove checks a remove signature against the last accepted
// value for an address (spec.md §4.4 "on remove" validation split). For
// an ACL-signed block only the writer's write permission is checked; the
// signature is not looked at.
func ValidateRemove(current Block, removeSignature []byte, signer Signer) error {
	switch v := current.(type) {
	case *Immutable:
		return signer.Verify(v.OwnerKey, v.Addr[:], removeSignature)
	case *Named:
		return signer.Verify(v.OwnerKey, v.Addr[:], removeSignature)
	case *OwnerKeyed:
		return signer.Verify(v.OwnerKey, v.Addr[:], removeSignature)
	case *ACLSigned:
		if !v.Group.CanWrite(v.Writer) {
			return ErrUnauthorized
		}
		return nil
	default:
		return fmt.Errorf("block: unknown variant %T", current)
	}
}

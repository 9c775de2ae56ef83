// Package errs defines the error taxonomy surfaced at the boundary of the
// peer, paxos, catalog and doughnut packages.
package errs

import "fmt"

// MissingBlock is raised when no owner holds the requested block, or a
// majority of a Paxos quorum reports it absent.
type MissingBlock struct {
	Addr fmt.Stringer
}

func (e *MissingBlock) Error() string {
	if e.Addr == nil {
		return "block missing"
	}
	return fmt.Sprintf("block missing: %s", e.Addr)
}

// Conflict is raised when a value changed concurrently with the caller's
// write. Current carries the value the peer set actually settled on, so a
// caller-supplied resolver has something to merge against.
type Conflict struct {
	Current interface{}
}

func (e *Conflict) Error() string {
	return "conflicting value"
}

// ValidationFailed wraps a cryptographic or ACL validation failure. The
// Reason is re-raised verbatim to the caller per spec.
type ValidationFailed struct {
	Reason error
}

func (e *ValidationFailed) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Reason)
}

func (e *ValidationFailed) Unwrap() error { return e.Reason }

// WrongQuorum is raised by a PaxosServer when the caller's quorum does not
// match the quorum currently recorded for the address. Expected is the
// quorum the server actually holds.
type WrongQuorum struct {
	Expected interface{}
}

func (e *WrongQuorum) Error() string {
	return fmt.Sprintf("wrong quorum, expected %v", e.Expected)
}

// Unavailable is the remapped form of any transport/network error raised
// while talking to a remote peer.
type Unavailable struct {
	Inner error
}

func (e *Unavailable) Error() string {
	if e.Inner == nil {
		return "peer unavailable"
	}
	return fmt.Sprintf("peer unavailable: %v", e.Inner)
}

func (e *Unavailable) Unwrap() error { return e.Inner }

// WeakError downgrades a fatal-looking remote error (typically
// MissingBlock from a minority of peers) to an advisory one: the caller may
// proceed if quorum is otherwise satisfied.
type WeakError struct {
	Inner error
}

func (e *WeakError) Error() string {
	return fmt.Sprintf("weak error: %v", e.Inner)
}

func (e *WeakError) Unwrap() error { return e.Inner }

// PartialState is raised by PaxosClient.State when no majority of peers
// agree on a value.
type PartialState struct{}

func (e *PartialState) Error() string { return "no majority reachable for read" }

// TooFewPeers is raised when a quorum has shrunk below the replication
// factor and no live peer set can satisfy an operation.
type TooFewPeers struct {
	Have, Want int
}

func (e *TooFewPeers) Error() string {
	return fmt.Sprintf("too few peers: have %d, want %d", e.Have, e.Want)
}

// NoPeersAvailable is raised by the immutable-block store path when every
// candidate owner failed.
type NoPeersAvailable struct{}

func (e *NoPeersAvailable) Error() string { return "no peers available" }

// UnknownRPC is returned by a peer for a method name it does not
// recognize. Callers broadcasting to a peer set may ignore it.
type UnknownRPC struct {
	Method string
}

func (e *UnknownRPC) Error() string {
	return fmt.Sprintf("unknown rpc method: %s", e.Method)
}

// UnsupportedVersion is raised locally, before a call ever reaches the
// wire, when an operation needs a protocol feature a remote peer's
// negotiated version predates.
type UnsupportedVersion struct {
	Feature string
	Remote  fmt.Stringer
}

func (e *UnsupportedVersion) Error() string {
	return fmt.Sprintf("remote %s does not support %s", e.Remote, e.Feature)
}

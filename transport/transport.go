// Package transport implements the Channel abstraction RemotePeer RPC
// envelopes ride over. gRPC and other concrete network stacks are
// explicitly out of scope for this module (spec.md §1); a production
// caller wires its own Channel implementation in. Two are shipped here:
// an in-process channel for tests/embedding, and a length-prefixed
// gob-over-net.Conn channel with version-gated handshake framing.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Call once a Channel has been shut down; it is
// remapped by the peer package to errs.Unavailable, same as any other
// transport failure.
var ErrClosed = errors.New("transport: channel closed")

// Channel transports one RPC: a method name and a gob-encodable argument,
// returning a gob-encodable reply or an error. The peer package encodes
// paxos/block values on top of this.
type Channel interface {
	// Call sends method(args) and decodes the reply into reply (a
	// pointer). It returns a transport-level error on any network or
	// encoding failure; the peer package remaps that to Unavailable.
	Call(ctx context.Context, method string, args interface{}, reply interface{}) error
	Close() error
}

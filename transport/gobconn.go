package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/infinit/memo/codec"
)

// call is the wire envelope for one RPC over a GobConn, framed with
// codec.WriteFramed/ReadFramed, minus the PMTU/heartbeat machinery that
// belongs to an always-on gossip topology connection rather than a
// request/response RPC channel.
type call struct {
	Method string
	Args   interface{}
}

type reply struct {
	Reply interface{}
	Err   string
}

// GobConn is a length-prefixed gob Channel over a net.Conn: the one real
// network transport this module ships, since the peer RPC envelope needs
// at least one concrete implementation to be exercised end to end. A
// production caller may swap in whatever RPC framework it prefers (gRPC,
// a custom framed protocol); that substitution is explicitly out of
// scope here (spec.md §1).
type GobConn struct {
	mu            sync.Mutex
	conn          net.Conn
	remoteVersion codec.Version
}

// NewGobConn wraps an already-connected net.Conn as a Channel, without
// running the handshake. The remote version is assumed to be
// codec.Current; callers that need the negotiated version of a peer
// reached some other way should use DialGobConn/AcceptGobConn instead.
func NewGobConn(conn net.Conn) *GobConn {
	return &GobConn{conn: conn, remoteVersion: codec.Current}
}

// DialGobConn negotiates a connection to addr. The protocol version
// handshake is a send/recv exchange reduced to the one field this
// module's RPC envelope actually gates behavior on.
func DialGobConn(network, addr string) (*GobConn, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	remote, err := handshake(conn, true)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &GobConn{conn: conn, remoteVersion: remote}, nil
}

// AcceptGobConn completes the server side of the handshake over an
// already-accepted net.Conn.
func AcceptGobConn(conn net.Conn) (*GobConn, error) {
	remote, err := handshake(conn, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &GobConn{conn: conn, remoteVersion: remote}, nil
}

func handshake(conn net.Conn, dialer bool) (codec.Version, error) {
	local := codec.Current
	var remote codec.Version
	if dialer {
		if err := codec.WriteFramed(conn, local); err != nil {
			return codec.Version{}, err
		}
		if err := codec.ReadFramed(conn, &remote); err != nil {
			return codec.Version{}, err
		}
		return remote, nil
	}
	if err := codec.ReadFramed(conn, &remote); err != nil {
		return codec.Version{}, err
	}
	if err := codec.WriteFramed(conn, local); err != nil {
		return codec.Version{}, err
	}
	return remote, nil
}

// RemoteVersion returns the protocol version the remote side of this
// connection announced during the handshake, so peer.RemotePeer can gate
// spec.md §6's legacy behavior differences on it.
func (c *GobConn) RemoteVersion() codec.Version {
	return c.remoteVersion
}

func (c *GobConn) Call(ctx context.Context, method string, args interface{}, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := codec.WriteFramed(c.conn, call{Method: method, Args: args}); err != nil {
		return fmt.Errorf("transport: send %s: %w", method, err)
	}
	var r reply
	if err := codec.ReadFramed(c.conn, &r); err != nil {
		return fmt.Errorf("transport: recv %s: %w", method, err)
	}
	if r.Err != "" {
		return remoteError(r.Err)
	}
	return assign(out, r.Reply)
}

func (c *GobConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// Serve reads calls off conn in a loop and dispatches them to handler,
// writing back a reply frame for each. It returns when the connection is
// closed or a framing error occurs.
func Serve(conn net.Conn, handler Handler) error {
	for {
		var c call
		if err := codec.ReadFramed(conn, &c); err != nil {
			return err
		}
		result, err := handler(context.Background(), c.Method, c.Args)
		r := reply{Reply: result}
		if err != nil {
			r.Err = err.Error()
		}
		if err := codec.WriteFramed(conn, r); err != nil {
			return err
		}
	}
}

type remoteError string

func (e remoteError) Error() string { return string(e) }

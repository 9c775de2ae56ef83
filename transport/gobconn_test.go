package transport

import (
	"context"
	"encoding/gob"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinit/memo/codec"
)

type pingArgs struct {
	Msg string
}

type pongReply struct {
	Echo string
}

func init() {
	gob.Register(pingArgs{})
	gob.Register(pongReply{})
}

// pipePair runs the handshake on both ends of a net.Pipe concurrently,
// since net.Pipe is unbuffered and a sequential handshake would deadlock.
func pipePair(t *testing.T) (client *GobConn, serverConn net.Conn) {
	t.Helper()
	c1, c2 := net.Pipe()

	var wg sync.WaitGroup
	var dialErr, acceptErr error
	var remote codec.Version
	wg.Add(2)
	go func() {
		defer wg.Done()
		remote, dialErr = handshake(c1, true)
	}()
	go func() {
		defer wg.Done()
		_, acceptErr = handshake(c2, false)
	}()
	wg.Wait()
	require.NoError(t, dialErr)
	require.NoError(t, acceptErr)

	return &GobConn{conn: c1, remoteVersion: remote}, c2
}

func TestGobConnCallServeRoundTrip(t *testing.T) {
	client, serverConn := pipePair(t)
	defer client.Close()

	handler := func(ctx context.Context, method string, args interface{}) (interface{}, error) {
		a := args.(pingArgs)
		return pongReply{Echo: "echo:" + a.Msg}, nil
	}
	go Serve(serverConn, handler)

	var out pongReply
	err := client.Call(context.Background(), "ping", pingArgs{Msg: "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", out.Echo)
}

func TestGobConnCallPropagatesRemoteError(t *testing.T) {
	client, serverConn := pipePair(t)
	defer client.Close()

	handler := func(ctx context.Context, method string, args interface{}) (interface{}, error) {
		return nil, assert.AnError
	}
	go Serve(serverConn, handler)

	var out pongReply
	err := client.Call(context.Background(), "ping", pingArgs{Msg: "hi"}, &out)
	require.Error(t, err)
	assert.Equal(t, assert.AnError.Error(), err.Error())
}

func TestGobConnRemoteVersionReflectsHandshake(t *testing.T) {
	client, serverConn := pipePair(t)
	defer client.Close()
	defer serverConn.Close()

	assert.Equal(t, codec.Current, client.RemoteVersion())
}

func TestGobConnCallHonorsContextDeadline(t *testing.T) {
	client, serverConn := pipePair(t)
	defer client.Close()
	defer serverConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	var out pongReply
	err := client.Call(ctx, "ping", pingArgs{Msg: "hi"}, &out)
	assert.Error(t, err)
}

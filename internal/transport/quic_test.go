package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dropnet/internal/proto"
)

func TestLoopbackLink(t *testing.T) {
	inbound := make(chan *Link, 1)
	ln, err := Listen("127.0.0.1:0", nil, func(l *Link) { inbound <- l })
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, ln.Addr())
	require.NoError(t, err)
	defer client.Close()

	hello, err := proto.EncodeHello(proto.HelloMsg{NodeID: "client-node"})
	require.NoError(t, err)
	require.NoError(t, client.Send(hello))

	var server *Link
	select {
	case server = <-inbound:
	case <-ctx.Done():
		t.Fatal("no inbound link")
	}
	defer server.Close()

	frame, err := server.Recv()
	require.NoError(t, err)
	msg, err := proto.DecodeHello(frame)
	require.NoError(t, err)
	require.Equal(t, "client-node", msg.NodeID)

	pong, err := proto.EncodePong()
	require.NoError(t, err)
	require.NoError(t, server.Send(pong))

	frame, err = client.Recv()
	require.NoError(t, err)
	typ, err := proto.MessageType(frame)
	require.NoError(t, err)
	require.Equal(t, proto.MsgTypePong, typ)
}

func TestOnLinkInstalledAfterListen(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ping, err := proto.EncodePing()
	require.NoError(t, err)

	// No handler yet: the inbound link is closed, never handled.
	early, err := Dial(ctx, ln.Addr())
	require.NoError(t, err)
	defer early.Close()
	require.NoError(t, early.Send(ping))
	_, err = early.Recv()
	require.Error(t, err)

	inbound := make(chan []byte, 1)
	ln.SetOnLink(func(l *Link) {
		frame, err := l.Recv()
		if err == nil {
			inbound <- frame
		}
		_ = l.Close()
	})

	client, err := Dial(ctx, ln.Addr())
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Send(ping))
	select {
	case frame := <-inbound:
		typ, err := proto.MessageType(frame)
		require.NoError(t, err)
		require.Equal(t, proto.MsgTypePing, typ)
	case <-ctx.Done():
		t.Fatal("link never handled after SetOnLink")
	}
}

func TestDialUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, "127.0.0.1:1")
	require.Error(t, err)
}

func TestRecvAfterPeerClose(t *testing.T) {
	inbound := make(chan *Link, 1)
	ln, err := Listen("127.0.0.1:0", nil, func(l *Link) { inbound <- l })
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, ln.Addr())
	require.NoError(t, err)

	// The server only learns of the stream once data arrives on it.
	ping, err := proto.EncodePing()
	require.NoError(t, err)
	require.NoError(t, client.Send(ping))

	var server *Link
	select {
	case server = <-inbound:
	case <-ctx.Done():
		t.Fatal("no inbound link")
	}
	defer server.Close()
	_, err = server.Recv()
	require.NoError(t, err)

	require.NoError(t, client.Close())
	_, err = server.Recv()
	require.Error(t, err)
}

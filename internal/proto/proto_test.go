package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"ping"}`)
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, payload))
	out, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

func TestEncodeFrameRejectsEmpty(t *testing.T) {
	_, err := EncodeFrame(nil)
	require.Error(t, err)
}

func TestEncodeFrameRejectsOversize(t *testing.T) {
	_, err := EncodeFrame(make([]byte, MaxFrameSize+1))
	require.Error(t, err)
}

func TestReadFrameRejectsBadLength(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0x00}))
	require.Error(t, err)
}

func TestMessageTypeSniff(t *testing.T) {
	data, err := EncodeOffer(OfferMsg{TargetNodeID: "abc", Session: SessionDescription{SessionID: "s1", Addrs: []string{"127.0.0.1:1"}}})
	require.NoError(t, err)
	typ, err := MessageType(data)
	require.NoError(t, err)
	require.Equal(t, MsgTypeOffer, typ)
}

func TestDecodeRejectsWrongType(t *testing.T) {
	data, err := EncodeRoster(RosterMsg{Peers: []PeerInfo{{NodeID: "n1"}}})
	require.NoError(t, err)
	_, err = DecodeOffer(data)
	require.Error(t, err)
}

func TestOfferRoundTrip(t *testing.T) {
	in := OfferMsg{
		FromNodeID:   "a",
		TargetNodeID: "b",
		Session:      SessionDescription{SessionID: "s1", Addrs: []string{"10.0.0.1:4242", "192.168.1.5:4242"}},
	}
	data, err := EncodeOffer(in)
	require.NoError(t, err)
	out, err := DecodeOffer(data)
	require.NoError(t, err)
	in.Type = MsgTypeOffer
	require.Equal(t, in, out)
}

func TestRegisterRequiresNodeID(t *testing.T) {
	data, err := EncodeRegister(RegisterMsg{})
	require.NoError(t, err)
	_, err = DecodeRegister(data)
	require.Error(t, err)
}

package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChanCell_Marshal(t *testing.T) {
	c, err := NewChanCell(ClientCircIDBit|7, ChanCmdRelay, []byte("hello"))
	require.NoError(t, err)

	buf := c.Marshal()
	require.Len(t, buf, CellLen)

	var d ChanCell
	require.NoError(t, d.Unmarshal(buf))
	require.Equal(t, c, d)

	require.Error(t, d.Unmarshal(buf[:10]))
	_, err = NewChanCell(1, ChanCmdRelay, make([]byte, CellPayloadLen+1))
	require.Error(t, err)
}

func TestRelayPayload(t *testing.T) {
	msg := RelayMsg{StreamID: 42, Cmd: RelayCmdData, Body: []byte("payload")}
	p, err := EncodeRelayPayload(msg)
	require.NoError(t, err)
	require.True(t, RelayRecognized(&p))

	SetRelayDigest(&p, [4]byte{1, 2, 3, 4})
	require.Equal(t, [4]byte{1, 2, 3, 4}, RelayDigest(&p))

	got, err := DecodeRelayPayload(&p)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	_, err = EncodeRelayPayload(RelayMsg{Body: make([]byte, RelayBodyLen+1)})
	require.Error(t, err)

	p[relayLengthOff] = 0xff
	_, err = DecodeRelayPayload(&p)
	require.Error(t, err)
}

func TestDecodeRelayPayload_Length(t *testing.T) {
	p, err := EncodeRelayPayload(RelayMsg{StreamID: 1, Cmd: RelayCmdData})
	require.NoError(t, err)

	SetRelayLength(&p, RelayBodyLen)
	msg, err := DecodeRelayPayload(&p)
	require.NoError(t, err)
	require.Len(t, msg.Body, RelayBodyLen)

	for _, n := range []uint16{RelayBodyLen + 1, CellPayloadLen, 0xffff} {
		SetRelayLength(&p, n)
		_, err = DecodeRelayPayload(&p)
		require.Error(t, err, "length %d", n)
	}
}

func TestControlCell(t *testing.T) {
	in := Extend2Message{
		Link:      LinkSpec{Addrs: []string{"127.0.0.1:9001"}, Ed25519: make([]byte, 32)},
		Handshake: HandshakeNtor,
		Data:      []byte{1, 2, 3},
	}
	c, err := NewControlCell(5, ChanCmdCreate2, in)
	require.NoError(t, err)

	var out Extend2Message
	require.NoError(t, ParseControlCell(&c, &out))
	require.Equal(t, in, out)
}

func TestPortPolicy(t *testing.T) {
	p, err := ParsePortPolicy("accept 80,443,8000-8100")
	require.NoError(t, err)
	require.True(t, p.Allows(443))
	require.True(t, p.Allows(8050))
	require.False(t, p.Allows(22))
	require.True(t, p.AllowsSome())
	require.Equal(t, "accept 80,443,8000-8100", p.String())

	r, err := ParsePortPolicy("reject 1-65535")
	require.NoError(t, err)
	require.False(t, r.Allows(80))
	require.False(t, r.AllowsSome())

	var none *PortPolicy
	require.False(t, none.Allows(80))

	_, err = ParsePortPolicy("allow 80")
	require.Error(t, err)
	_, err = ParsePortPolicy("accept 90-80")
	require.Error(t, err)
}

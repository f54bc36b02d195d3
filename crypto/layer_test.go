package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/onion/types"
)

func newCircuitLayers(t *testing.T, n int) ([]*ClientLayer, []*RelayLayer) {
	clients := make([]*ClientLayer, n)
	relays := make([]*RelayLayer, n)
	for i := 0; i < n; i++ {
		id, onion := newRelayKeys(t)
		hs, err := NewNtorClient(rand.Reader, id, onion.Public)
		require.NoError(t, err)
		reply, rk, err := NtorServer(rand.Reader, id, onion, hs.Onionskin())
		require.NoError(t, err)
		ck, err := hs.Complete(reply)
		require.NoError(t, err)

		clients[i], err = NewClientLayer(ck)
		require.NoError(t, err)
		relays[i], err = NewRelayLayer(rk)
		require.NoError(t, err)
	}
	return clients, relays
}

// sendForward layers a message for the last hop and returns the hop index
// that recognized it along with the decoded message.
func sendForward(t *testing.T, clients []*ClientLayer, relays []*RelayLayer, target int, msg types.RelayMsg) (int, types.RelayMsg) {
	p, err := types.EncodeRelayPayload(msg)
	require.NoError(t, err)
	clients[target].Originate(&p)
	for i := target; i >= 0; i-- {
		clients[i].EncryptOutbound(&p)
	}

	for i, r := range relays {
		if r.DecryptOutbound(&p) {
			got, err := types.DecodeRelayPayload(&p)
			require.NoError(t, err)
			return i, got
		}
	}
	t.Fatal("no relay recognized the cell")
	return -1, types.RelayMsg{}
}

func sendBackward(t *testing.T, clients []*ClientLayer, relays []*RelayLayer, from int, msg types.RelayMsg) (int, types.RelayMsg) {
	p, err := types.EncodeRelayPayload(msg)
	require.NoError(t, err)
	relays[from].Originate(&p)
	for i := from; i >= 0; i-- {
		relays[i].EncryptInbound(&p)
	}

	for i, c := range clients {
		if c.DecryptInbound(&p) {
			got, err := types.DecodeRelayPayload(&p)
			require.NoError(t, err)
			return i, got
		}
	}
	t.Fatal("no hop recognized the cell")
	return -1, types.RelayMsg{}
}

func TestLayers_RoundTrip(t *testing.T) {
	for _, n := range []int{1, 3} {
		clients, relays := newCircuitLayers(t, n)

		for round := 0; round < 5; round++ {
			msg := types.RelayMsg{StreamID: 7, Cmd: types.RelayCmdData, Body: []byte("attack at dawn")}

			hop, got := sendForward(t, clients, relays, n-1, msg)
			require.Equal(t, n-1, hop)
			require.Equal(t, msg, got)

			hop, got = sendBackward(t, clients, relays, n-1, msg)
			require.Equal(t, n-1, hop)
			require.Equal(t, msg, got)
		}
	}
}

func TestLayers_MiddleHop(t *testing.T) {
	clients, relays := newCircuitLayers(t, 3)
	msg := types.RelayMsg{Cmd: types.RelayCmdSendme}

	hop, got := sendForward(t, clients, relays, 1, msg)
	require.Equal(t, 1, hop)
	require.Equal(t, types.RelayCmdSendme, got.Cmd)

	hop, _ = sendBackward(t, clients, relays, 1, msg)
	require.Equal(t, 1, hop)
}

func TestLayers_Tampered(t *testing.T) {
	clients, relays := newCircuitLayers(t, 1)
	p, err := types.EncodeRelayPayload(types.RelayMsg{StreamID: 1, Cmd: types.RelayCmdData, Body: []byte("x")})
	require.NoError(t, err)
	relays[0].Originate(&p)
	relays[0].EncryptInbound(&p)
	p[100] ^= 1

	require.False(t, clients[0].DecryptInbound(&p))
}

package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFastHandshake(t *testing.T) {
	client, err := NewFastClient(rand.Reader)
	require.NoError(t, err)

	y, kh, relayKeys, err := FastServer(rand.Reader, client.Onionskin())
	require.NoError(t, err)

	keys, err := client.Complete(append(append([]byte{}, y...), kh...))
	require.NoError(t, err)
	require.Equal(t, relayKeys, keys)
}

func TestFastHandshake_BadKeyHash(t *testing.T) {
	client, err := NewFastClient(rand.Reader)
	require.NoError(t, err)

	y, kh, _, err := FastServer(rand.Reader, client.Onionskin())
	require.NoError(t, err)
	kh[0] ^= 1

	_, err = client.CompleteFast(y, kh)
	require.ErrorIs(t, err, ErrHandshakeAuth)

	_, err = client.Complete([]byte{1})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDiffieHellman_Configured(t *testing.T) {
	var dh DiffieHellman
	require.True(t, dh.IsNotConfigured())
	require.False(t, dh.IsMisconfigured())

	_, err := dh.GenerateParameters(rand.Reader)
	require.NoError(t, err)
	require.False(t, dh.IsNotConfigured())
	require.False(t, dh.IsMisconfigured())
}

func newRelayKeys(t *testing.T) ([NtorNodeIDLen]byte, *NtorKeyPair) {
	var id [NtorNodeIDLen]byte
	_, err := rand.Read(id[:])
	require.NoError(t, err)
	onion, err := NewNtorKeyPair(rand.Reader)
	require.NoError(t, err)
	return id, onion
}

func TestNtorHandshake(t *testing.T) {
	id, onion := newRelayKeys(t)

	client, err := NewNtorClient(rand.Reader, id, onion.Public)
	require.NoError(t, err)

	reply, relayKeys, err := NtorServer(rand.Reader, id, onion, client.Onionskin())
	require.NoError(t, err)
	require.Len(t, reply, NtorReplyLen)

	keys, err := client.Complete(reply)
	require.NoError(t, err)
	require.Equal(t, relayKeys, keys)
}

func TestNtorHandshake_Failures(t *testing.T) {
	id, onion := newRelayKeys(t)
	otherID, other := newRelayKeys(t)

	client, err := NewNtorClient(rand.Reader, id, onion.Public)
	require.NoError(t, err)

	// a relay with different keys refuses the onionskin
	_, _, err = NtorServer(rand.Reader, otherID, other, client.Onionskin())
	require.ErrorIs(t, err, ErrHandshakeAuth)

	reply, _, err := NtorServer(rand.Reader, id, onion, client.Onionskin())
	require.NoError(t, err)

	tampered := append([]byte{}, reply...)
	tampered[len(tampered)-1] ^= 0x80
	_, err = client.Complete(tampered)
	require.ErrorIs(t, err, ErrHandshakeAuth)

	_, err = client.Complete(reply[:10])
	require.ErrorIs(t, err, ErrMalformed)

	_, _, err = NtorServer(rand.Reader, id, onion, []byte("short"))
	require.ErrorIs(t, err, ErrMalformed)
}

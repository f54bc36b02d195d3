package impl

import (
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/onion/peer"
	"go.dedis.ch/onion/storage/boltstore"
	"go.dedis.ch/onion/types"
)

// newDesc returns a descriptor with random identities and keys.
func newDesc(t *testing.T, nickname string, flags ...string) *types.RelayDescriptor {
	d := &types.RelayDescriptor{
		Nickname: nickname,
		Ed25519:  make([]byte, types.Ed25519IDLen),
		Rsa:      make([]byte, types.RsaIDLen),
		Address:  []string{nickname + ":9001"},
		OnionKey: make([]byte, 32),
		Flags:    flags,
	}
	for _, b := range [][]byte{d.Ed25519, d.Rsa, d.OnionKey} {
		_, err := rand.Read(b)
		require.NoError(t, err)
	}
	return d
}

// newExit returns an exit descriptor accepting policy.
func newExit(t *testing.T, nickname, policy string) *types.RelayDescriptor {
	d := newDesc(t, nickname, types.FlagExit)
	p, err := types.ParsePortPolicy(policy)
	require.NoError(t, err)
	d.Policy = p
	return d
}

func targets(descs ...*types.RelayDescriptor) []peer.CircTarget {
	res := make([]peer.CircTarget, len(descs))
	for i, d := range descs {
		res[i] = d
	}
	return res
}

func newTestStore(t *testing.T) peer.DocumentStore {
	store, err := boltstore.New(filepath.Join(t.TempDir(), "onion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

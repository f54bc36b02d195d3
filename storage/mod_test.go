package storage

import (
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/onion/peer"
)

func TestOpen(t *testing.T) {
	s, err := Open(peer.StoreConfig{Backend: peer.StoreBolt, BoltPath: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	mr := miniredis.RunT(t)
	s, err = Open(peer.StoreConfig{Backend: peer.StoreRedis, RedisAddr: mr.Addr(), RedisPrefix: "p"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(peer.StoreConfig{Backend: "sqlite"})
	require.Error(t, err)
}

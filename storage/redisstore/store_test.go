package redisstore

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/onion/peer"
)

func TestStore_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := New(mr.Addr(), "test")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get("microdesc", "aa")
	require.ErrorIs(t, err, peer.ErrNotFound)

	require.NoError(t, s.Put("microdesc", "bb", []byte("two")))
	require.NoError(t, s.Put("microdesc", "aa", []byte{0, 1, 2}))

	doc, err := s.Get("microdesc", "aa")
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 2}, doc)

	keys, err := s.List("microdesc")
	require.NoError(t, err)
	require.Equal(t, []string{"aa", "bb"}, keys)

	require.True(t, mr.Exists("test:microdesc"))
}

func TestStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(addr, "test")
	require.Error(t, err)
}

package impl

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/onion/transport"
	"go.dedis.ch/onion/transport/channel"
	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

func newTestChannel(t *testing.T) (*Channel, *channel.Conn) {
	local, remote := channel.Pipe("client", "relay")
	ch := NewChannel(local, newDesc(t, "relay").Identities(), rand.Reader)
	t.Cleanup(func() { ch.Close() })
	return ch, remote
}

func TestChannel_Dispatch(t *testing.T) {
	ch, remote := newTestChannel(t)

	id1, q1, err := ch.NewCirc()
	require.NoError(t, err)
	id2, q2, err := ch.NewCirc()
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
	require.NotZero(t, id1&types.ClientCircIDBit)
	require.Equal(t, 2, ch.NumCircs())

	require.NoError(t, remote.Send(types.ChanCell{CircID: id2, Cmd: types.ChanCmdRelay}))
	require.NoError(t, remote.Send(types.ChanCell{CircID: 42, Cmd: types.ChanCmdRelay}))
	require.NoError(t, remote.Send(types.ChanCell{CircID: id1, Cmd: types.ChanCmdPadding}))
	require.NoError(t, remote.Send(types.ChanCell{CircID: id1, Cmd: types.ChanCmdDestroy}))

	select {
	case cell := <-q1:
		require.Equal(t, types.ChanCmdDestroy, cell.Cmd)
	case <-time.After(time.Second):
		t.Fatal("no cell for the first circuit")
	}
	select {
	case cell := <-q2:
		require.Equal(t, id2, cell.CircID)
	case <-time.After(time.Second):
		t.Fatal("no cell for the second circuit")
	}

	require.Equal(t, uint64(4), ch.Traffic().Recv())
}

func TestChannel_Send(t *testing.T) {
	ch, remote := newTestChannel(t)

	id, _, err := ch.NewCirc()
	require.NoError(t, err)
	require.NoError(t, ch.Send(context.Background(), types.ChanCell{CircID: id, Cmd: types.ChanCmdCreate2}))

	cell, err := remote.Recv()
	require.NoError(t, err)
	require.Equal(t, id, cell.CircID)
	require.Equal(t, types.ChanCmdCreate2, cell.Cmd)
}

func TestChannel_CloseEndsQueues(t *testing.T) {
	ch, remote := newTestChannel(t)

	_, q, err := ch.NewCirc()
	require.NoError(t, err)

	remote.Close()

	select {
	case _, ok := <-q:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("queue not closed")
	}

	require.True(t, ch.IsClosed())
	require.Error(t, ch.Err())

	_, _, err = ch.NewCirc()
	require.Error(t, err)

	for i := 0; i < 100; i++ {
		err = ch.Send(context.Background(), types.ChanCell{})
		var chErr ChanFailedError
		require.True(t, xerrors.As(err, &chErr), "send %d", i)
	}
}

func TestChannel_SendAfterClose(t *testing.T) {
	ch, _ := newTestChannel(t)

	require.NoError(t, ch.Close())

	for i := 0; i < 100; i++ {
		err := ch.Send(context.Background(), types.ChanCell{})
		require.ErrorIs(t, err, transport.ErrClosed, "send %d", i)
	}
}

func TestChannel_RemoveCirc(t *testing.T) {
	ch, remote := newTestChannel(t)

	id, _, err := ch.NewCirc()
	require.NoError(t, err)
	ch.removeCirc(id)
	require.Equal(t, 0, ch.NumCircs())

	// cells for the removed circuit are dropped without blocking the reader
	for i := 0; i < circuitQueue+10; i++ {
		require.NoError(t, remote.Send(types.ChanCell{CircID: id, Cmd: types.ChanCmdRelay}))
	}

	id2, q2, err := ch.NewCirc()
	require.NoError(t, err)
	require.NoError(t, remote.Send(types.ChanCell{CircID: id2, Cmd: types.ChanCmdRelay}))

	select {
	case <-q2:
	case <-time.After(time.Second):
		t.Fatal("reader blocked")
	}
}

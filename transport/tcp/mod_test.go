package tcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/onion/transport"
	"go.dedis.ch/onion/types"
)

type fakeTarget struct {
	addrs []string
}

func (f fakeTarget) Identities() types.RelayIDs {
	return types.RelayIDs{}
}

func (f fakeTarget) Addrs() []string {
	return f.addrs
}

func TestConn_Framing(t *testing.T) {
	a, b := net.Pipe()
	ca, cb := NewConn(a), NewConn(b)
	defer ca.Close()

	cell, err := types.NewChanCell(0x80000001, types.ChanCmdCreateFast, []byte("hello"))
	require.NoError(t, err)

	go func() {
		_ = ca.Send(cell)
	}()

	got, err := cb.Recv()
	require.NoError(t, err)
	require.Equal(t, cell, got)

	require.NoError(t, cb.Close())
	_, err = ca.Recv()
	require.ErrorIs(t, err, transport.ErrClosed)
}

func TestDialer_NoAddress(t *testing.T) {
	_, err := NewDialer(time.Second).Dial(context.Background(), fakeTarget{})
	require.Error(t, err)
}

func TestDialer_Refused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = NewDialer(time.Second).Dial(context.Background(), fakeTarget{addrs: []string{addr}})
	require.Error(t, err)
}

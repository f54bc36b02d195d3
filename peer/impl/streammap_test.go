package impl

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/onion/types"
)

func newTestTable(t *testing.T) *StreamTable {
	table, err := NewStreamTable(rand.Reader, StreamWindowStart)
	require.NoError(t, err)
	return table
}

func newSink() chan StreamEvent {
	return make(chan StreamEvent, 4)
}

func TestStreamTable_AllocateDistinct(t *testing.T) {
	table := newTestTable(t)
	seen := make(map[types.StreamID]struct{})

	for i := 0; i < 1000; i++ {
		id, err := table.Allocate(newSink(), NewFlowWindow(StreamWindowStart))
		require.NoError(t, err)
		require.NotEqual(t, types.StreamID(0), id)

		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
	require.Equal(t, 1000, table.Len())
}

func TestStreamTable_Exhaustion(t *testing.T) {
	table := newTestTable(t)
	sink := newSink()

	// zero is reserved, which leaves 65535 usable ids
	for i := 0; i < 0xffff; i++ {
		_, err := table.Allocate(sink, nil)
		require.NoError(t, err)
	}

	_, err := table.Allocate(sink, nil)
	require.ErrorIs(t, err, ErrIDSpaceExhausted)

	// freeing one id makes it available again
	var freed types.StreamID = 4242
	_, err = table.CloseLocally(freed, nil)
	require.NoError(t, err)
	require.NoError(t, table.MarkPeerClosed(freed))

	id, err := table.Allocate(sink, nil)
	require.NoError(t, err)
	require.Equal(t, freed, id)
}

func TestStreamTable_CursorWrapsPastZero(t *testing.T) {
	table := newTestTable(t)
	table.cursor = 0xffff

	id, err := table.Allocate(newSink(), nil)
	require.NoError(t, err)
	require.Equal(t, types.StreamID(0xffff), id)

	id, err = table.Allocate(newSink(), nil)
	require.NoError(t, err)
	require.Equal(t, types.StreamID(1), id)
}

func TestStreamTable_PeerThenLocalClose(t *testing.T) {
	table := newTestTable(t)
	sink := newSink()

	id, err := table.Allocate(sink, NewFlowWindow(StreamWindowStart))
	require.NoError(t, err)

	require.NoError(t, table.MarkPeerClosed(id))
	e, ok := table.Lookup(id)
	require.True(t, ok)
	require.False(t, e.IsOpen())

	// the sink is closed so the reader sees the end of the stream
	_, open := <-sink
	require.False(t, open)

	send, err := table.CloseLocally(id, NewFlowWindow(StreamWindowStart))
	require.NoError(t, err)
	require.False(t, send)

	_, ok = table.Lookup(id)
	require.False(t, ok)
}

func TestStreamTable_LocalThenPeerClose(t *testing.T) {
	table := newTestTable(t)

	id, err := table.Allocate(newSink(), NewFlowWindow(StreamWindowStart))
	require.NoError(t, err)

	recv := NewFlowWindow(StreamWindowStart)
	send, err := table.CloseLocally(id, recv)
	require.NoError(t, err)
	require.True(t, send)

	e, ok := table.Lookup(id)
	require.True(t, ok)
	require.True(t, e.IsHalfClosed())
	require.Same(t, recv, e.RecvWindow())
	require.NotNil(t, e.SendWindow())

	require.NoError(t, table.MarkPeerClosed(id))
	_, ok = table.Lookup(id)
	require.False(t, ok)
}

func TestStreamTable_DoubleClose(t *testing.T) {
	table := newTestTable(t)

	id, err := table.Allocate(newSink(), nil)
	require.NoError(t, err)
	require.NoError(t, table.MarkPeerClosed(id))

	var proto ProtocolViolationError
	require.ErrorAs(t, table.MarkPeerClosed(id), &proto)

	id, err = table.Allocate(newSink(), nil)
	require.NoError(t, err)
	_, err = table.CloseLocally(id, nil)
	require.NoError(t, err)

	var internal InternalError
	_, err = table.CloseLocally(id, nil)
	require.ErrorAs(t, err, &internal)
}

func TestStreamTable_UnknownStream(t *testing.T) {
	table := newTestTable(t)

	_, ok := table.Lookup(7)
	require.False(t, ok)

	var proto ProtocolViolationError
	require.ErrorAs(t, table.MarkPeerClosed(7), &proto)

	var internal InternalError
	_, err := table.CloseLocally(7, nil)
	require.ErrorAs(t, err, &internal)
}

func TestStreamTable_CloseAll(t *testing.T) {
	table := newTestTable(t)
	sink := newSink()

	_, err := table.Allocate(sink, nil)
	require.NoError(t, err)

	table.closeAll(ErrCircuitClosed)
	require.Equal(t, 0, table.Len())

	ev := <-sink
	require.ErrorIs(t, ev.Err, ErrCircuitClosed)
	_, open := <-sink
	require.False(t, open)
}

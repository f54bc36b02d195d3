package impl

import (
	"encoding/binary"
	"io"

	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

// StreamEvent is delivered to the reader of a stream: a relay message, or
// the error that closed the circuit.
type StreamEvent struct {
	Msg types.RelayMsg
	Err error
}

type streamState int

const (
	// streamOpen: both sides may send.
	streamOpen streamState = iota
	// streamEndReceived: the peer sent END, we have not closed yet.
	streamEndReceived
	// streamEndSent: we sent END and wait for the peer's. The windows are
	// kept so late cells are still accounted for.
	streamEndSent
)

// StreamEntry is the reactor-side state of one stream.
type StreamEntry struct {
	state streamState

	// sink receives the stream's messages while open. The table closes it
	// when the peer ends the stream.
	sink chan<- StreamEvent

	sendWindow *FlowWindow
	recvWindow *FlowWindow

	receivedConnected bool
}

// IsOpen returns true while both sides may send.
func (e *StreamEntry) IsOpen() bool {
	return e.state == streamOpen
}

// IsHalfClosed returns true when we sent END and wait for the peer's.
func (e *StreamEntry) IsHalfClosed() bool {
	return e.state == streamEndSent
}

// SendWindow returns the stream level send window, nil once the peer closed
// the stream.
func (e *StreamEntry) SendWindow() *FlowWindow {
	return e.sendWindow
}

// RecvWindow returns the stream level receive window, nil once the peer
// closed the stream.
func (e *StreamEntry) RecvWindow() *FlowWindow {
	return e.recvWindow
}

// StreamTable maps the stream ids of one hop to their state. It is owned by
// the hop's reactor and not locked.
type StreamTable struct {
	entries map[types.StreamID]*StreamEntry
	// next id to try. Starting at a random point makes ids less
	// predictable.
	cursor     types.StreamID
	recvWindow uint16
}

// NewStreamTable returns an empty table. Streams get a receive window of
// recvWindow cells.
func NewStreamTable(rng io.Reader, recvWindow uint16) (*StreamTable, error) {
	var buf [2]byte
	_, err := io.ReadFull(rng, buf[:])
	if err != nil {
		return nil, xerrors.Errorf("failed to seed stream ids: %v", err)
	}

	cursor := types.StreamID(binary.BigEndian.Uint16(buf[:]))
	if cursor == 0 {
		cursor = 1
	}

	return &StreamTable{
		entries:    make(map[types.StreamID]*StreamEntry),
		cursor:     cursor,
		recvWindow: recvWindow,
	}, nil
}

// Len returns the number of entries, half-closed ones included.
func (t *StreamTable) Len() int {
	return len(t.entries)
}

// Allocate registers a new open stream and returns its id. Zero is never
// returned. It fails with ErrIDSpaceExhausted when every id is taken.
func (t *StreamTable) Allocate(sink chan<- StreamEvent, sendWindow *FlowWindow) (types.StreamID, error) {
	for i := 0; i <= 0xffff; i++ {
		id := t.cursor
		t.cursor++

		if id == 0 {
			continue
		}
		if _, taken := t.entries[id]; taken {
			continue
		}

		t.entries[id] = &StreamEntry{
			state:      streamOpen,
			sink:       sink,
			sendWindow: sendWindow,
			recvWindow: NewFlowWindow(t.recvWindow),
		}
		return id, nil
	}
	return 0, ErrIDSpaceExhausted
}

// Lookup returns the entry of a stream. A missing id is not an error.
func (t *StreamTable) Lookup(id types.StreamID) (*StreamEntry, bool) {
	e, ok := t.entries[id]
	return e, ok
}

// MarkPeerClosed handles an END from the peer. An open stream moves to
// EndReceived and its sink is closed, a half-closed stream is removed.
func (t *StreamTable) MarkPeerClosed(id types.StreamID) error {
	e, ok := t.entries[id]
	if !ok {
		return protocolErr("close on unknown stream %d", id)
	}

	switch e.state {
	case streamOpen:
		close(e.sink)
		e.sink = nil
		e.sendWindow = nil
		e.recvWindow = nil
		e.state = streamEndReceived
	case streamEndReceived:
		return protocolErr("duplicate close on stream %d", id)
	case streamEndSent:
		delete(t.entries, id)
	}
	return nil
}

// CloseLocally handles a local close. It returns true if an END must be
// sent to the peer. An open stream becomes half-closed, keeping its send
// window and the given receive window.
func (t *StreamTable) CloseLocally(id types.StreamID, recvWindow *FlowWindow) (bool, error) {
	e, ok := t.entries[id]
	if !ok {
		return false, internalErr("local close of unknown stream %d", id)
	}

	switch e.state {
	case streamOpen:
		e.sink = nil
		e.recvWindow = recvWindow
		e.state = streamEndSent
		return true, nil
	case streamEndReceived:
		// TODO: recvWindow is dropped here without crediting the cells the
		// reader never consumed back to the circuit window.
		delete(t.entries, id)
		return false, nil
	default:
		return false, internalErr("stream %d closed twice", id)
	}
}

// closeAll hands err to every open stream and empties the table.
func (t *StreamTable) closeAll(err error) {
	for id, e := range t.entries {
		if e.state == streamOpen {
			select {
			case e.sink <- StreamEvent{Err: err}:
			default:
			}
			close(e.sink)
		}
		delete(t.entries, id)
	}
}

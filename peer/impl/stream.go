package impl

import (
	"context"
	"io"
	"sync"

	"go.dedis.ch/onion/internal/instrument"
	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

// DataStream is an anonymous byte stream carried by a circuit.
//
// - implements io.ReadWriteCloser
type DataStream struct {
	circ      *ClientCirc
	hop       types.HopNum
	id        types.StreamID
	sink      <-chan StreamEvent
	increment uint16

	// reader state
	rlock    sync.Mutex
	buf      []byte
	consumed uint16
	rerr     error

	// one Write at a time keeps the cells of a Write contiguous
	wlock sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func newDataStream(c *ClientCirc, hop types.HopNum, id types.StreamID, sink <-chan StreamEvent, increment uint16) *DataStream {
	return &DataStream{
		circ:      c,
		hop:       hop,
		id:        id,
		sink:      sink,
		increment: increment,
		closed:    make(chan struct{}),
	}
}

// ID returns the stream id.
func (s *DataStream) ID() types.StreamID {
	return s.id
}

// waitConnected blocks until the exit accepted or refused the stream.
func (s *DataStream) waitConnected(ctx context.Context) error {
	var ev StreamEvent
	var ok bool

	select {
	case ev, ok = <-s.sink:
	case <-ctx.Done():
		return ctx.Err()
	}

	switch {
	case !ok:
		return s.endErr()
	case ev.Err != nil:
		return ev.Err
	}

	switch ev.Msg.Cmd {
	case types.RelayCmdConnected:
		instrument.StreamOpened()
		return nil
	case types.RelayCmdEnd:
		var end types.EndMessage
		err := types.UnmarshalBody(ev.Msg.Body, &end)
		if err != nil {
			return xerrors.Errorf("stream refused")
		}
		return xerrors.Errorf("stream refused, reason %d", end.Reason)
	default:
		return protocolErr("%s before CONNECTED on stream %d", ev.Msg.Cmd, s.id)
	}
}

// endErr is the error seen by a reader once the sink is closed: io.EOF
// unless the circuit failed.
func (s *DataStream) endErr() error {
	err := s.circ.reactor.Err()
	if err == nil || xerrors.Is(err, ErrCircuitClosed) {
		return io.EOF
	}
	return err
}

// Read implements io.Reader.
func (s *DataStream) Read(p []byte) (int, error) {
	s.rlock.Lock()
	defer s.rlock.Unlock()

	for len(s.buf) == 0 {
		if s.rerr != nil {
			return 0, s.rerr
		}

		var ev StreamEvent
		var ok bool
		select {
		case ev, ok = <-s.sink:
		case <-s.closed:
			return 0, ErrStreamClosed
		}

		switch {
		case !ok:
			s.rerr = s.endErr()
		case ev.Err != nil:
			s.rerr = ev.Err
		case ev.Msg.Cmd == types.RelayCmdEnd:
			s.rerr = io.EOF
		case ev.Msg.Cmd == types.RelayCmdData:
			s.buf = ev.Msg.Body
			s.consumed++
			if s.consumed >= s.increment {
				s.consumed -= s.increment
				s.ack()
			}
		}
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// ack lets the reactor send a stream SENDME for the consumed cells.
func (s *DataStream) ack() {
	err := s.circ.request(context.Background(), &ctrlAck{hop: s.hop, id: s.id})
	if err != nil {
		s.circ.reactor.log.Debug().Err(err).Uint16("stream", uint16(s.id)).Msg("ack dropped")
	}
}

// Write implements io.Writer. It blocks while the stream or circuit window
// is exhausted.
func (s *DataStream) Write(p []byte) (int, error) {
	s.wlock.Lock()
	defer s.wlock.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > types.RelayBodyLen {
			chunk = types.RelayBodyLen
		}

		req := &sendReq{
			hop: s.hop,
			msg: types.RelayMsg{
				StreamID: s.id,
				Cmd:      types.RelayCmdData,
				Body:     append([]byte(nil), p[:chunk]...),
			},
			done: make(chan error, 1),
		}

		select {
		case s.circ.reactor.outbound <- req:
		case <-s.circ.reactor.done:
			return written, s.circ.closedErr()
		case <-s.closed:
			return written, ErrStreamClosed
		}

		err := <-req.done
		if err != nil {
			return written, err
		}

		written += chunk
		p = p[chunk:]
	}
	return written, nil
}

// Close implements io.Closer. It sends END unless the peer already ended
// the stream. Pending writes fail with ErrStreamClosed.
func (s *DataStream) Close() error {
	s.closeOnce.Do(func() {
		m := &ctrlEnd{hop: s.hop, id: s.id, reason: types.EndReasonDone, reply: make(chan error, 1)}

		err := s.circ.request(context.Background(), m)
		if err == nil {
			err = <-m.reply
		}
		close(s.closed)

		// a closed circuit already released the stream
		if err != nil && !xerrors.Is(err, ErrCircuitClosed) {
			s.closeErr = err
		}
	})
	return s.closeErr
}

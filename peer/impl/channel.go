package impl

import (
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.dedis.ch/onion/internal/traffic"
	"go.dedis.ch/onion/transport"
	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

const (
	// outgoingQueue is the number of cells waiting for the writer.
	outgoingQueue = 128
	// circuitQueue is the number of inbound cells buffered per circuit.
	circuitQueue = 128
	// circIDAttempts bounds the search for a free circuit id.
	circIDAttempts = 64
)

// circQueue carries the inbound cells of one circuit to its reactor.
type circQueue struct {
	cells chan types.ChanCell
	// gone is closed when the reactor removed the circuit
	gone chan struct{}
}

// Channel is an authenticated link to one relay, shared by every circuit
// whose first hop is that relay. A reader goroutine dispatches inbound cells
// by circuit id and a writer goroutine serializes outbound cells.
type Channel struct {
	id      xid.ID
	target  types.RelayIDs
	conn    transport.Conn
	traffic *traffic.Traffic
	rng     io.Reader
	log     zerolog.Logger

	outgoing  chan types.ChanCell
	done      chan struct{}
	closeOnce sync.Once

	// guards circs, closed and err
	sync.Mutex
	circs  map[types.CircID]*circQueue
	closed bool
	err    error
}

// NewChannel starts the reader and writer of a connection.
func NewChannel(conn transport.Conn, target types.RelayIDs, rng io.Reader) *Channel {
	id := xid.New()
	c := &Channel{
		id:       id,
		target:   target,
		conn:     conn,
		traffic:  traffic.NewTraffic(),
		rng:      rng,
		log:      logger.With().Str("chan", id.String()).Str("relay", target.String()).Logger(),
		outgoing: make(chan types.ChanCell, outgoingQueue),
		done:     make(chan struct{}),
		circs:    make(map[types.CircID]*circQueue),
	}

	go c.readLoop()
	go c.writeLoop()

	c.log.Debug().Str("addr", conn.RemoteAddr()).Msg("channel open")
	return c
}

// ID returns the unique id of the channel.
func (c *Channel) ID() xid.ID {
	return c.id
}

// Target returns the identities of the relay at the other end.
func (c *Channel) Target() types.RelayIDs {
	return c.target
}

// Traffic returns the cell counters of the channel.
func (c *Channel) Traffic() *traffic.Traffic {
	return c.traffic
}

// NewCirc allocates a circuit id and returns the queue of cells received for
// it. Client ids always have the high bit set.
func (c *Channel) NewCirc() (types.CircID, <-chan types.ChanCell, error) {
	c.Lock()
	defer c.Unlock()

	if c.closed {
		return 0, nil, ChanFailedError{Relay: c.target.String(), Err: c.err}
	}

	var buf [4]byte
	for i := 0; i < circIDAttempts; i++ {
		_, err := io.ReadFull(c.rng, buf[:])
		if err != nil {
			return 0, nil, xerrors.Errorf("failed to pick circuit id: %v", err)
		}

		id := types.CircID(binary.BigEndian.Uint32(buf[:]) | types.ClientCircIDBit)
		if _, taken := c.circs[id]; taken {
			continue
		}

		q := &circQueue{
			cells: make(chan types.ChanCell, circuitQueue),
			gone:  make(chan struct{}),
		}
		c.circs[id] = q
		return id, q.cells, nil
	}
	return 0, nil, internalErr("no free circuit id on channel %s", c.id)
}

// removeCirc forgets a circuit. Cells still arriving for it are dropped.
func (c *Channel) removeCirc(id types.CircID) {
	c.Lock()
	defer c.Unlock()

	q, ok := c.circs[id]
	if !ok {
		return
	}
	close(q.gone)
	delete(c.circs, id)
}

// NumCircs returns the number of circuits using the channel.
func (c *Channel) NumCircs() int {
	c.Lock()
	defer c.Unlock()

	return len(c.circs)
}

// Send queues a cell for the writer. It fails once the channel is closed,
// including when the channel closes while the cell is still queued.
func (c *Channel) Send(ctx context.Context, cell types.ChanCell) error {
	if c.IsClosed() {
		return c.closedErr()
	}

	select {
	case c.outgoing <- cell:
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	if c.IsClosed() {
		return c.closedErr()
	}
	return nil
}

func (c *Channel) closedErr() error {
	return ChanFailedError{Relay: c.target.String(), Err: c.Err()}
}

// IsClosed returns true once the channel failed or was closed.
func (c *Channel) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Err returns the reason the channel closed, nil while open.
func (c *Channel) Err() error {
	c.Lock()
	defer c.Unlock()

	return c.err
}

// Close shuts the channel down. Every circuit on it sees its cell queue
// closed.
func (c *Channel) Close() error {
	c.shutdown(transport.ErrClosed)
	return nil
}

func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.Lock()
		c.closed = true
		c.err = err
		c.Unlock()

		close(c.done)
		c.conn.Close()

		c.log.Debug().Err(err).Msg("channel closed")
	})
}

func (c *Channel) writeLoop() {
	for {
		select {
		case cell := <-c.outgoing:
			err := c.conn.Send(cell)
			if err != nil {
				c.shutdown(xerrors.Errorf("failed to send: %w", err))
				return
			}
			c.traffic.LogSent(cell)
		case <-c.done:
			return
		}
	}
}

func (c *Channel) readLoop() {
	defer c.closeQueues()

	for {
		cell, err := c.conn.Recv()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.traffic.LogRecv(cell)

		if cell.Cmd == types.ChanCmdPadding {
			continue
		}

		c.Lock()
		q, ok := c.circs[cell.CircID]
		c.Unlock()

		if !ok {
			c.log.Debug().Stringer("cell", cell).Msg("cell for unknown circuit dropped")
			continue
		}

		select {
		case q.cells <- cell:
		case <-q.gone:
		case <-c.done:
			return
		}
	}
}

// closeQueues runs on the reader, the only goroutine that writes to the
// queues.
func (c *Channel) closeQueues() {
	c.Lock()
	defer c.Unlock()

	for id, q := range c.circs {
		close(q.cells)
		delete(c.circs, id)
	}
}

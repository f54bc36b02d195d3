// Package channel implements an in-memory transport where relays listen on
// string addresses. It is used to run simulated networks in tests.
package channel

import (
	"context"
	"sync"

	"go.dedis.ch/onion/peer"
	"go.dedis.ch/onion/transport"
	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

// queueSize is the number of cells buffered in each direction of a pipe.
const queueSize = 1024

// Handler serves the accepted end of a connection.
type Handler func(conn transport.Conn)

// NewTransport returns an empty in-memory network.
func NewTransport() *Transport {
	return &Transport{
		handlers: make(map[string]Handler),
	}
}

// Transport is an in-memory network.
//
// - implements transport.Dialer
type Transport struct {
	sync.RWMutex
	handlers map[string]Handler
}

// Listen registers a handler for an address. It fails if the address is
// taken.
func (t *Transport) Listen(addr string, h Handler) error {
	t.Lock()
	defer t.Unlock()

	if _, ok := t.handlers[addr]; ok {
		return xerrors.Errorf("address %s already in use", addr)
	}
	t.handlers[addr] = h
	return nil
}

// Unlisten removes the handler for an address. Existing connections stay
// open.
func (t *Transport) Unlisten(addr string) {
	t.Lock()
	defer t.Unlock()

	delete(t.handlers, addr)
}

// Dial implements transport.Dialer.
func (t *Transport) Dial(ctx context.Context, target peer.ChanTarget) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.RLock()
	defer t.RUnlock()

	for _, addr := range target.Addrs() {
		h, ok := t.handlers[addr]
		if !ok {
			continue
		}
		local, remote := Pipe("client", addr)
		go h(remote)
		return local, nil
	}
	return nil, xerrors.Errorf("connection refused by %s", target.Identities())
}

// Pipe returns the two ends of a connection.
func Pipe(addrA, addrB string) (*Conn, *Conn) {
	ab := make(chan types.ChanCell, queueSize)
	ba := make(chan types.ChanCell, queueSize)
	state := &pipeState{done: make(chan struct{})}

	a := &Conn{state: state, in: ba, out: ab, remote: addrB}
	b := &Conn{state: state, in: ab, out: ba, remote: addrA}
	return a, b
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

// Conn is one end of an in-memory pipe.
//
// - implements transport.Conn
type Conn struct {
	state  *pipeState
	in     <-chan types.ChanCell
	out    chan<- types.ChanCell
	remote string

	ins  cells
	outs cells
}

// Send implements transport.Conn.
func (c *Conn) Send(cell types.ChanCell) error {
	select {
	case <-c.state.done:
		return transport.ErrClosed
	default:
	}

	select {
	case c.out <- cell:
		c.outs.add(cell)
		return nil
	case <-c.state.done:
		return transport.ErrClosed
	}
}

// Recv implements transport.Conn. Cells queued before the pipe was closed
// are still delivered.
func (c *Conn) Recv() (types.ChanCell, error) {
	select {
	case cell := <-c.in:
		c.ins.add(cell)
		return cell, nil
	case <-c.state.done:
		select {
		case cell := <-c.in:
			c.ins.add(cell)
			return cell, nil
		default:
			return types.ChanCell{}, transport.ErrClosed
		}
	}
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// Close implements transport.Conn. Both ends are closed.
func (c *Conn) Close() error {
	c.state.once.Do(func() {
		close(c.state.done)
	})
	return nil
}

// GetIns returns the cells received on this end.
func (c *Conn) GetIns() []types.ChanCell {
	return c.ins.getAll()
}

// GetOuts returns the cells sent from this end.
func (c *Conn) GetOuts() []types.ChanCell {
	return c.outs.getAll()
}

type cells struct {
	sync.Mutex
	data []types.ChanCell
}

func (p *cells) add(cell types.ChanCell) {
	p.Lock()
	defer p.Unlock()

	p.data = append(p.data, cell)
}

func (p *cells) getAll() []types.ChanCell {
	p.Lock()
	defer p.Unlock()

	res := make([]types.ChanCell, len(p.data))
	copy(res, p.data)
	return res
}

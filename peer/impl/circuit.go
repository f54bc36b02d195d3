package impl

import (
	"context"
	"io"

	"github.com/rs/xid"
	"go.dedis.ch/onion/crypto"
	"go.dedis.ch/onion/peer"
	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

// ClientCirc is the handle of a circuit. Every method talks to the reactor
// goroutine and is safe for concurrent use.
type ClientCirc struct {
	reactor *Reactor
	channel *Channel
	cancel  context.CancelFunc
}

// newClientCirc allocates a circuit on ch and starts its reactor. No hop
// exists until one of the CreateFirstHop methods succeeds. onFatal, if not
// nil, is called from the reactor when the circuit fails.
func newClientCirc(ch *Channel, params CircParameters, rng io.Reader, onFatal func(error)) (*ClientCirc, error) {
	circID, inbound, err := ch.NewCirc()
	if err != nil {
		return nil, err
	}

	r := newReactor(ch, circID, inbound, params, rng)
	r.onFatal = onFatal
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		_ = r.Run(ctx)
	}()

	return &ClientCirc{reactor: r, channel: ch, cancel: cancel}, nil
}

// ID returns the unique id of the circuit.
func (c *ClientCirc) ID() xid.ID {
	return c.reactor.id
}

// State returns the state of the circuit.
func (c *ClientCirc) State() CircState {
	return c.reactor.State()
}

// NumHops returns the number of hops built.
func (c *ClientCirc) NumHops() int {
	return c.reactor.NumHops()
}

// Channel returns the channel to the first hop.
func (c *ClientCirc) Channel() *Channel {
	return c.channel
}

// Done is closed when the reactor has exited.
func (c *ClientCirc) Done() <-chan struct{} {
	return c.reactor.done
}

// IsClosing returns true once the circuit can no longer be used.
func (c *ClientCirc) IsClosing() bool {
	return c.State() >= CircClosing
}

// Err returns why the circuit closed, nil while it is running.
func (c *ClientCirc) Err() error {
	select {
	case <-c.reactor.done:
		return c.closedErr()
	default:
		return nil
	}
}

func (c *ClientCirc) closedErr() error {
	err := c.reactor.Err()
	if err == nil || xerrors.Is(err, ErrCircuitClosed) {
		return ErrCircuitClosed
	}
	return xerrors.Errorf("%v: %w", ErrCircuitClosed, err)
}

// Close tears the circuit down and waits until the reactor reached the
// closed state.
func (c *ClientCirc) Close() error {
	c.cancel()
	<-c.reactor.done
	return nil
}

// request hands a control message to the reactor.
func (c *ClientCirc) request(ctx context.Context, m interface{}) error {
	select {
	case c.reactor.control <- m:
		return nil
	case <-c.reactor.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wait returns the reactor's answer to a request.
func (c *ClientCirc) wait(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateFirstHopFast creates the first hop with the fast handshake, which
// does not authenticate the relay.
func (c *ClientCirc) CreateFirstHopFast(ctx context.Context, rng io.Reader, target peer.ChanTarget) error {
	hs, err := crypto.NewFastClient(rng)
	if err != nil {
		return err
	}

	m := &ctrlCreate{
		cmd:   types.ChanCmdCreateFast,
		msg:   types.CreateFastMessage{Data: hs.Onionskin()},
		hs:    hs,
		relay: target.Identities().String(),
		reply: make(chan error, 1),
	}
	err = c.request(ctx, m)
	if err != nil {
		return err
	}
	return c.wait(ctx, m.reply)
}

// CreateFirstHopNtor creates the first hop with the ntor handshake.
func (c *ClientCirc) CreateFirstHopNtor(ctx context.Context, rng io.Reader, target peer.CircTarget) error {
	hs, err := crypto.NewNtorClient(rng, ntorNodeID(target.Identities()), target.NtorOnionKey())
	if err != nil {
		return err
	}

	m := &ctrlCreate{
		cmd:   types.ChanCmdCreate2,
		msg:   types.Create2Message{Handshake: types.HandshakeNtor, Data: hs.Onionskin()},
		hs:    hs,
		relay: target.Identities().String(),
		reply: make(chan error, 1),
	}
	err = c.request(ctx, m)
	if err != nil {
		return err
	}
	return c.wait(ctx, m.reply)
}

// Extend adds target as a new last hop. The EXTEND2 travels in a
// RELAY_EARLY cell to the current last hop.
func (c *ClientCirc) Extend(ctx context.Context, rng io.Reader, target peer.CircTarget) error {
	hs, err := crypto.NewNtorClient(rng, ntorNodeID(target.Identities()), target.NtorOnionKey())
	if err != nil {
		return err
	}

	m := &ctrlExtend{
		msg: types.Extend2Message{
			Link:      linkSpec(target),
			Handshake: types.HandshakeNtor,
			Data:      hs.Onionskin(),
		},
		hs:    hs,
		relay: target.Identities().String(),
		reply: make(chan error, 1),
	}
	err = c.request(ctx, m)
	if err != nil {
		return err
	}
	return c.wait(ctx, m.reply)
}

// BeginStream opens a stream to target ("host:port") from the last hop.
func (c *ClientCirc) BeginStream(ctx context.Context, target string) (*DataStream, error) {
	body, err := types.MarshalBody(types.BeginMessage{Target: target})
	if err != nil {
		return nil, err
	}
	return c.begin(ctx, types.RelayCmdBegin, body)
}

// BeginDirStream opens a directory stream to the last hop.
func (c *ClientCirc) BeginDirStream(ctx context.Context) (*DataStream, error) {
	return c.begin(ctx, types.RelayCmdBeginDir, nil)
}

func (c *ClientCirc) begin(ctx context.Context, cmd types.RelayCmd, body []byte) (*DataStream, error) {
	n := c.NumHops()
	if n == 0 {
		return nil, internalErr("stream requested on a circuit without hops")
	}
	hn := types.HopNum(n - 1)
	params := c.reactor.params

	// room for a full window of DATA plus CONNECTED and END
	sink := make(chan StreamEvent, int(params.StreamWindow)+2)

	m := &ctrlBegin{
		hop:   hn,
		cmd:   cmd,
		body:  body,
		sink:  sink,
		reply: make(chan beginReply, 1),
	}
	err := c.request(ctx, m)
	if err != nil {
		return nil, err
	}

	var res beginReply
	select {
	case res = <-m.reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}

	s := newDataStream(c, hn, res.id, sink, params.StreamIncrement)
	err = s.waitConnected(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// ntorNodeID is the identity a relay proves in the ntor handshake: its
// Ed25519 key, or its RSA digest zero padded when no Ed25519 key is known.
func ntorNodeID(ids types.RelayIDs) [crypto.NtorNodeIDLen]byte {
	var id [crypto.NtorNodeIDLen]byte
	if ed, ok := ids.Ed25519(); ok {
		copy(id[:], ed[:])
	} else if rsa, ok := ids.Rsa(); ok {
		copy(id[:], rsa[:])
	}
	return id
}

func linkSpec(target peer.CircTarget) types.LinkSpec {
	ids := target.Identities()
	link := types.LinkSpec{Addrs: target.Addrs()}
	if ed, ok := ids.Ed25519(); ok {
		link.Ed25519 = ed[:]
	}
	if rsa, ok := ids.Rsa(); ok {
		link.Rsa = rsa[:]
	}
	return link
}

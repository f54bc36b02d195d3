// Package relaysim runs simulated relays on an in-memory transport so that
// circuits can be exercised end to end in tests. Exits echo every DATA cell
// back to the client.
package relaysim

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.dedis.ch/onion/crypto"
	"go.dedis.ch/onion/transport"
	"go.dedis.ch/onion/transport/channel"
	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

// Tor default windows, as seen from the relay.
const (
	circWindow      = 1000
	circIncrement   = 100
	streamWindow    = 500
	streamIncrement = 50
)

// Stream targets with special behavior.
const (
	// TargetRefuse makes the exit answer BEGIN with END.
	TargetRefuse = "refuse"
	// TargetDestroy makes the relay destroy the circuit on BEGIN.
	TargetDestroy = "destroy"
	// TargetGarbage makes the relay answer BEGIN with a cell no hop can
	// recognize.
	TargetGarbage = "garbage"
	// TargetBadLength makes the relay answer BEGIN with a recognized cell
	// whose length field exceeds the relay body.
	TargetBadLength = "badlength"
)

// Network is a set of simulated relays sharing one in-memory transport.
type Network struct {
	Transport *channel.Transport

	sync.Mutex
	relays []*Relay
	log    zerolog.Logger
}

// NewNetwork returns an empty network. Logs go to log.
func NewNetwork(log zerolog.Logger) *Network {
	return &Network{
		Transport: channel.NewTransport(),
		log:       log,
	}
}

// AddRelay starts a relay listening on "<nickname>:9001".
func (n *Network) AddRelay(nickname string, flags ...string) (*Relay, error) {
	onion, err := crypto.NewNtorKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}

	identity, err := crypto.GenerateKey(crypto.LegacyKeySize)
	if err != nil {
		return nil, err
	}
	rsaID := crypto.RsaIdentityFromKey(&identity.PublicKey)

	desc := &types.RelayDescriptor{
		Nickname: nickname,
		Ed25519:  make([]byte, types.Ed25519IDLen),
		Rsa:      rsaID[:],
		Address:  []string{nickname + ":9001"},
		OnionKey: onion.Public[:],
		Flags:    flags,
	}
	_, err = rand.Read(desc.Ed25519)
	if err != nil {
		return nil, err
	}
	if desc.HasFlag(types.FlagExit) {
		desc.Policy = &types.PortPolicy{Ranges: []types.PortRange{{Lo: 1, Hi: 65535}}}
	}

	r := &Relay{
		Desc:  desc,
		net:   n,
		onion: onion,
		log:   n.log.With().Str("relay", nickname).Logger(),
	}
	copy(r.id[:], desc.Ed25519)

	err = n.Transport.Listen(desc.Address[0], r.serve)
	if err != nil {
		return nil, err
	}

	n.Lock()
	n.relays = append(n.relays, r)
	n.Unlock()

	return r, nil
}

// Descriptors returns the descriptors of every relay.
func (n *Network) Descriptors() []*types.RelayDescriptor {
	n.Lock()
	defer n.Unlock()

	res := make([]*types.RelayDescriptor, len(n.relays))
	for i, r := range n.relays {
		res[i] = r.Desc
	}
	return res
}

// Stats counts the requests a relay handled.
type Stats struct {
	CreateFast atomic.Int32
	Create2    atomic.Int32
	Extend2    atomic.Int32
	Begin      atomic.Int32
	Data       atomic.Int32
}

// Relay is a simulated relay.
type Relay struct {
	Desc  *types.RelayDescriptor
	Stats Stats

	// BadAuth makes the relay answer handshakes with a wrong proof.
	BadAuth atomic.Bool

	net   *Network
	id    [crypto.NtorNodeIDLen]byte
	onion *crypto.NtorKeyPair
	log   zerolog.Logger
}

// Addr returns the address the relay listens on.
func (r *Relay) Addr() string {
	return r.Desc.Address[0]
}

// Identities returns the relay identities.
func (r *Relay) Identities() types.RelayIDs {
	return r.Desc.Identities()
}

// link is one connection accepted by a relay.
type link struct {
	relay *Relay
	conn  transport.Conn

	sync.Mutex
	circs map[types.CircID]*circuit
}

func (r *Relay) serve(conn transport.Conn) {
	l := &link{relay: r, conn: conn, circs: make(map[types.CircID]*circuit)}
	defer l.closeAll()

	for {
		cell, err := conn.Recv()
		if err != nil {
			return
		}
		err = l.handleCell(cell)
		if err != nil {
			r.log.Debug().Err(err).Stringer("cell", cell).Msg("cell failed")
		}
	}
}

func (l *link) closeAll() {
	l.Lock()
	defer l.Unlock()

	for id, c := range l.circs {
		c.teardown()
		delete(l.circs, id)
	}
}

func (l *link) circuit(id types.CircID) *circuit {
	l.Lock()
	defer l.Unlock()

	return l.circs[id]
}

func (l *link) handleCell(cell types.ChanCell) error {
	switch cell.Cmd {
	case types.ChanCmdCreateFast:
		return l.handleCreateFast(cell)
	case types.ChanCmdCreate2:
		return l.handleCreate2(cell)
	case types.ChanCmdRelay, types.ChanCmdRelayEarly:
		c := l.circuit(cell.CircID)
		if c == nil {
			return xerrors.Errorf("unknown circuit")
		}
		return c.handleOutbound(cell)
	case types.ChanCmdDestroy:
		l.Lock()
		c := l.circs[cell.CircID]
		delete(l.circs, cell.CircID)
		l.Unlock()
		if c != nil {
			c.teardown()
		}
		return nil
	default:
		return nil
	}
}

func (l *link) handleCreateFast(cell types.ChanCell) error {
	l.relay.Stats.CreateFast.Add(1)

	var msg types.CreateFastMessage
	err := types.ParseControlCell(&cell, &msg)
	if err != nil {
		return err
	}

	y, keyHash, keys, err := crypto.FastServer(rand.Reader, msg.Data)
	if err != nil {
		return err
	}
	if l.relay.BadAuth.Load() {
		keyHash[0] ^= 0xff
	}

	err = l.addCircuit(cell.CircID, keys)
	if err != nil {
		return err
	}

	reply, err := types.NewControlCell(cell.CircID, types.ChanCmdCreatedFast, types.CreatedFastMessage{Data: y, KeyHash: keyHash})
	if err != nil {
		return err
	}
	return l.conn.Send(reply)
}

func (l *link) handleCreate2(cell types.ChanCell) error {
	l.relay.Stats.Create2.Add(1)

	var msg types.Create2Message
	err := types.ParseControlCell(&cell, &msg)
	if err != nil {
		return err
	}

	reply, keys, err := crypto.NtorServer(rand.Reader, l.relay.id, l.relay.onion, msg.Data)
	if err != nil {
		return err
	}
	if l.relay.BadAuth.Load() {
		reply[len(reply)-1] ^= 0xff
	}

	err = l.addCircuit(cell.CircID, keys)
	if err != nil {
		return err
	}

	out, err := types.NewControlCell(cell.CircID, types.ChanCmdCreated2, types.Created2Message{Data: reply})
	if err != nil {
		return err
	}
	return l.conn.Send(out)
}

func (l *link) addCircuit(id types.CircID, keys *crypto.HopKeys) error {
	layer, err := crypto.NewRelayLayer(keys)
	if err != nil {
		return err
	}

	l.Lock()
	defer l.Unlock()

	l.circs[id] = &circuit{
		relay:      l.relay,
		prev:       l,
		prevID:     id,
		layer:      layer,
		sendWindow: circWindow,
		streams:    make(map[types.StreamID]*stream),
	}
	return nil
}

// linkTarget is the next hop named by an EXTEND2.
type linkTarget struct {
	spec types.LinkSpec
}

func (t linkTarget) Identities() types.RelayIDs {
	return types.RelayIDs{}
}

func (t linkTarget) Addrs() []string {
	return t.spec.Addrs
}

// stream is the exit side of a stream.
type stream struct {
	recv       int
	sendWindow int
}

// circuit is the relay side of one circuit.
type circuit struct {
	relay *Relay

	// serializes use of the layer by the link and the backward forwarder
	sync.Mutex
	layer  *crypto.RelayLayer
	prev   *link
	prevID types.CircID
	next   transport.Conn
	nextID types.CircID

	recv       int
	sendWindow int
	streams    map[types.StreamID]*stream
	// echoes waiting for window credit
	queued []types.RelayMsg
}

func (c *circuit) teardown() {
	c.Lock()
	next := c.next
	c.next = nil
	c.Unlock()

	if next != nil {
		destroy, err := types.NewControlCell(c.nextID, types.ChanCmdDestroy, types.DestroyMessage{Reason: types.DestroyReasonRequested})
		if err == nil {
			_ = next.Send(destroy)
		}
		next.Close()
	}
}

// sendBack originates a message towards the client. The lock must be held.
func (c *circuit) sendBack(msg types.RelayMsg) error {
	p, err := types.EncodeRelayPayload(msg)
	if err != nil {
		return err
	}
	c.layer.Originate(&p)
	c.layer.EncryptInbound(&p)
	return c.prev.conn.Send(types.ChanCell{CircID: c.prevID, Cmd: types.ChanCmdRelay, Payload: p})
}

func (c *circuit) handleOutbound(cell types.ChanCell) error {
	c.Lock()
	defer c.Unlock()

	p := cell.Payload
	if !c.layer.DecryptOutbound(&p) {
		if c.next == nil {
			return xerrors.Errorf("unrecognized cell at the last hop")
		}
		return c.next.Send(types.ChanCell{CircID: c.nextID, Cmd: cell.Cmd, Payload: p})
	}

	msg, err := types.DecodeRelayPayload(&p)
	if err != nil {
		return err
	}
	return c.handleMsg(msg)
}

func (c *circuit) handleMsg(msg types.RelayMsg) error {
	switch msg.Cmd {
	case types.RelayCmdExtend2:
		return c.handleExtend(msg)
	case types.RelayCmdBegin, types.RelayCmdBeginDir:
		return c.handleBegin(msg)
	case types.RelayCmdData:
		return c.handleData(msg)
	case types.RelayCmdSendme:
		if msg.StreamID == 0 {
			c.sendWindow += circIncrement
		} else if s, ok := c.streams[msg.StreamID]; ok {
			s.sendWindow += streamIncrement
		}
		return c.flush()
	case types.RelayCmdEnd:
		delete(c.streams, msg.StreamID)
		return nil
	default:
		return nil
	}
}

func (c *circuit) handleBegin(msg types.RelayMsg) error {
	c.relay.Stats.Begin.Add(1)

	var begin types.BeginMessage
	if msg.Cmd == types.RelayCmdBegin {
		err := types.UnmarshalBody(msg.Body, &begin)
		if err != nil {
			return err
		}
	}
	host := begin.Target
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}

	switch host {
	case TargetRefuse:
		body, err := types.MarshalBody(types.EndMessage{Reason: types.EndReasonMisc})
		if err != nil {
			return err
		}
		return c.sendBack(types.RelayMsg{StreamID: msg.StreamID, Cmd: types.RelayCmdEnd, Body: body})
	case TargetDestroy:
		destroy, err := types.NewControlCell(c.prevID, types.ChanCmdDestroy, types.DestroyMessage{Reason: types.DestroyReasonInternal})
		if err != nil {
			return err
		}
		return c.prev.conn.Send(destroy)
	case TargetGarbage:
		var cell types.ChanCell
		cell.CircID = c.prevID
		cell.Cmd = types.ChanCmdRelay
		_, err := rand.Read(cell.Payload[:])
		if err != nil {
			return err
		}
		return c.prev.conn.Send(cell)
	case TargetBadLength:
		p, err := types.EncodeRelayPayload(types.RelayMsg{StreamID: msg.StreamID, Cmd: types.RelayCmdConnected})
		if err != nil {
			return err
		}
		types.SetRelayLength(&p, types.RelayBodyLen+1)
		c.layer.Originate(&p)
		c.layer.EncryptInbound(&p)
		return c.prev.conn.Send(types.ChanCell{CircID: c.prevID, Cmd: types.ChanCmdRelay, Payload: p})
	}

	c.streams[msg.StreamID] = &stream{sendWindow: streamWindow}
	body, err := types.MarshalBody(types.ConnectedMessage{Addr: begin.Target})
	if err != nil {
		return err
	}
	return c.sendBack(types.RelayMsg{StreamID: msg.StreamID, Cmd: types.RelayCmdConnected, Body: body})
}

func (c *circuit) handleData(msg types.RelayMsg) error {
	c.relay.Stats.Data.Add(1)

	c.recv++
	if c.recv%circIncrement == 0 {
		err := c.sendBack(types.RelayMsg{Cmd: types.RelayCmdSendme})
		if err != nil {
			return err
		}
	}

	s, ok := c.streams[msg.StreamID]
	if !ok {
		return nil
	}
	s.recv++
	if s.recv%streamIncrement == 0 {
		err := c.sendBack(types.RelayMsg{StreamID: msg.StreamID, Cmd: types.RelayCmdSendme})
		if err != nil {
			return err
		}
	}

	c.queued = append(c.queued, msg)
	return c.flush()
}

// flush echoes queued DATA while the client's windows allow it.
func (c *circuit) flush() error {
	var rest []types.RelayMsg
	for _, msg := range c.queued {
		s, ok := c.streams[msg.StreamID]
		if !ok {
			continue
		}
		if c.sendWindow == 0 || s.sendWindow == 0 {
			rest = append(rest, msg)
			continue
		}
		c.sendWindow--
		s.sendWindow--

		err := c.sendBack(msg)
		if err != nil {
			return err
		}
	}
	c.queued = rest
	return nil
}

func (c *circuit) handleExtend(msg types.RelayMsg) error {
	c.relay.Stats.Extend2.Add(1)

	var ext types.Extend2Message
	err := types.UnmarshalBody(msg.Body, &ext)
	if err != nil {
		return err
	}
	if c.next != nil {
		return xerrors.Errorf("circuit already extended")
	}

	next, err := c.relay.net.Transport.Dial(context.Background(), linkTarget{spec: ext.Link})
	if err != nil {
		return c.truncated()
	}

	var buf [4]byte
	_, err = rand.Read(buf[:])
	if err != nil {
		return err
	}
	c.next = next
	c.nextID = types.CircID(binary.BigEndian.Uint32(buf[:]) | types.ClientCircIDBit)

	create, err := types.NewControlCell(c.nextID, types.ChanCmdCreate2, types.Create2Message{Handshake: ext.Handshake, Data: ext.Data})
	if err != nil {
		return err
	}
	err = next.Send(create)
	if err != nil {
		return c.truncated()
	}

	go c.forwardBackward(next)
	return nil
}

// truncated tells the client the extension failed. The lock must be held.
func (c *circuit) truncated() error {
	body, err := types.MarshalBody(types.DestroyMessage{Reason: types.DestroyReasonConnectFailed})
	if err != nil {
		return err
	}
	return c.sendBack(types.RelayMsg{Cmd: types.RelayCmdTruncated, Body: body})
}

// forwardBackward relays the cells of the next hop towards the client. The
// first cell answers the CREATE2 and becomes an EXTENDED2.
func (c *circuit) forwardBackward(next transport.Conn) {
	for {
		cell, err := next.Recv()
		if err != nil {
			return
		}

		c.Lock()
		err = c.backward(cell)
		c.Unlock()

		if err != nil {
			c.relay.log.Debug().Err(err).Msg("backward forwarding failed")
			return
		}
	}
}

func (c *circuit) backward(cell types.ChanCell) error {
	switch cell.Cmd {
	case types.ChanCmdCreated2:
		var created types.Created2Message
		err := types.ParseControlCell(&cell, &created)
		if err != nil {
			return err
		}
		body, err := types.MarshalBody(types.Extended2Message{Data: created.Data})
		if err != nil {
			return err
		}
		return c.sendBack(types.RelayMsg{Cmd: types.RelayCmdExtended2, Body: body})
	case types.ChanCmdRelay, types.ChanCmdRelayEarly:
		p := cell.Payload
		c.layer.EncryptInbound(&p)
		return c.prev.conn.Send(types.ChanCell{CircID: c.prevID, Cmd: types.ChanCmdRelay, Payload: p})
	case types.ChanCmdDestroy:
		err := c.truncated()
		if err != nil {
			return err
		}
		return xerrors.New("next hop destroyed the circuit")
	default:
		return nil
	}
}

package impl

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.dedis.ch/onion/crypto"
	"go.dedis.ch/onion/internal/instrument"
	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

// destroyTimeout bounds the best effort DESTROY sent on shutdown.
const destroyTimeout = time.Second

// CircState is the life cycle state of a circuit.
type CircState int32

const (
	// CircExtending: a handshake is in progress.
	CircExtending CircState = iota
	// CircReady: every requested hop is built.
	CircReady
	// CircClosing: the reactor is tearing down streams.
	CircClosing
	// CircClosed: the reactor has exited.
	CircClosed
)

// String implements fmt.Stringer.
func (s CircState) String() string {
	switch s {
	case CircExtending:
		return "extending"
	case CircReady:
		return "ready"
	case CircClosing:
		return "closing"
	case CircClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CircParameters are the flow control settings of a circuit.
type CircParameters struct {
	CircWindow      uint16
	CircIncrement   uint16
	StreamWindow    uint16
	StreamIncrement uint16
}

// DefaultCircParameters returns the Tor defaults.
func DefaultCircParameters() CircParameters {
	return CircParameters{
		CircWindow:      CircWindowStart,
		CircIncrement:   CircWindowIncrement,
		StreamWindow:    StreamWindowStart,
		StreamIncrement: StreamWindowIncrement,
	}
}

// hop is the client state of one hop of a circuit.
type hop struct {
	layer      *crypto.ClientLayer
	streams    *StreamTable
	sendWindow *FlowWindow
	recvWindow *FlowWindow
	// DATA waiting for window credit, in send order
	blocked []*sendReq
}

// sendReq asks the reactor to send a relay message. done receives the
// outcome once the cell is handed to the channel.
type sendReq struct {
	hop  types.HopNum
	msg  types.RelayMsg
	done chan error
}

// pendingHandshake is a CREATE or EXTEND waiting for its reply.
type pendingHandshake struct {
	hs     crypto.ClientHandshake
	relay  string
	extend bool
	reply  chan error
}

// control requests handled by the reactor

type ctrlCreate struct {
	cmd   types.ChanCmd
	msg   types.Message
	hs    crypto.ClientHandshake
	relay string
	reply chan error
}

type ctrlExtend struct {
	msg   types.Extend2Message
	hs    crypto.ClientHandshake
	relay string
	reply chan error
}

type beginReply struct {
	id  types.StreamID
	err error
}

type ctrlBegin struct {
	hop   types.HopNum
	cmd   types.RelayCmd
	body  []byte
	sink  chan StreamEvent
	reply chan beginReply
}

type ctrlEnd struct {
	hop    types.HopNum
	id     types.StreamID
	reason types.EndReason
	reply  chan error
}

// ctrlAck reports that a reader consumed a stream increment worth of DATA.
type ctrlAck struct {
	hop types.HopNum
	id  types.StreamID
}

// Reactor owns the state of one circuit. Run is its only goroutine: every
// hop, stream table and window is touched from there alone.
type Reactor struct {
	id       xid.ID
	circID   types.CircID
	channel  *Channel
	inbound  <-chan types.ChanCell
	control  chan interface{}
	outbound chan *sendReq
	done     chan struct{}
	params   CircParameters
	rng      io.Reader
	log      zerolog.Logger

	state   atomic.Int32
	numHops atomic.Int32

	errMu sync.Mutex
	err   error

	// onFatal is called from the reactor when it stops on an error.
	onFatal func(error)

	ctx       context.Context
	hops      []*hop
	pending   *pendingHandshake
	destroyed bool
}

func newReactor(ch *Channel, circID types.CircID, inbound <-chan types.ChanCell, params CircParameters, rng io.Reader) *Reactor {
	id := xid.New()
	r := &Reactor{
		id:       id,
		circID:   circID,
		channel:  ch,
		inbound:  inbound,
		control:  make(chan interface{}),
		outbound: make(chan *sendReq),
		done:     make(chan struct{}),
		params:   params,
		rng:      rng,
		log:      logger.With().Str("circ", id.String()).Uint32("circid", uint32(circID)).Logger(),
	}
	r.state.Store(int32(CircExtending))
	return r
}

// State returns the current state.
func (r *Reactor) State() CircState {
	return CircState(r.state.Load())
}

// NumHops returns the number of hops built so far.
func (r *Reactor) NumHops() int {
	return int(r.numHops.Load())
}

// Err returns the error that stopped the reactor.
func (r *Reactor) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()

	return r.err
}

func (r *Reactor) setState(s CircState) {
	r.state.Store(int32(s))
}

// Run processes cells and requests until ctx is cancelled, the channel
// fails, or a circuit-fatal error occurs. It returns nil on a requested
// shutdown.
func (r *Reactor) Run(ctx context.Context) error {
	r.ctx = ctx
	defer close(r.done)

	err := r.loop(ctx)
	if ctx.Err() != nil {
		err = nil
	}
	r.shutdown(err)
	return err
}

func (r *Reactor) loop(ctx context.Context) error {
	for {
		var err error

		select {
		case <-ctx.Done():
			return nil
		case cell, ok := <-r.inbound:
			if !ok {
				return ChanFailedError{Relay: r.channel.Target().String(), Err: r.channel.Err()}
			}
			err = r.handleCell(cell)
		case m := <-r.control:
			err = r.handleControl(m)
		case req := <-r.outbound:
			err = r.handleSend(req)
		}

		if err != nil {
			return err
		}
	}
}

func (r *Reactor) shutdown(err error) {
	r.setState(CircClosing)

	fatal := err
	if fatal == nil {
		fatal = ErrCircuitClosed
	}
	r.errMu.Lock()
	r.err = fatal
	r.errMu.Unlock()

	if r.pending != nil {
		if r.destroyed {
			r.pending.reply <- HandshakeFailedError{Relay: r.pending.relay, Err: fatal}
		} else {
			r.pending.reply <- fatal
		}
		r.pending = nil
	}

	for _, h := range r.hops {
		h.streams.closeAll(fatal)
		for _, req := range h.blocked {
			req.done <- fatal
		}
		h.blocked = nil
	}

	if !r.destroyed && !r.channel.IsClosed() {
		reason := types.DestroyReasonRequested
		var proto ProtocolViolationError
		if xerrors.As(err, &proto) {
			reason = types.DestroyReasonProtocol
		} else if err != nil {
			reason = types.DestroyReasonInternal
		}
		r.sendDestroy(reason)
	}
	r.channel.removeCirc(r.circID)

	if err != nil {
		var proto ProtocolViolationError
		if xerrors.As(err, &proto) {
			instrument.ProtocolViolation()
		}
		r.log.Warn().Err(err).Msg("circuit failed")
		if r.onFatal != nil {
			r.onFatal(err)
		}
	} else {
		r.log.Debug().Msg("circuit closed")
	}

	r.setState(CircClosed)
}

func (r *Reactor) sendDestroy(reason types.DestroyReason) {
	cell, err := types.NewControlCell(r.circID, types.ChanCmdDestroy, types.DestroyMessage{Reason: reason})
	if err != nil {
		r.log.Error().Err(err).Msg("failed to build DESTROY")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()

	err = r.channel.Send(ctx, cell)
	if err != nil {
		r.log.Debug().Err(err).Msg("failed to send DESTROY")
	}
}

// sendRelay onion-encrypts a relay message for hop hn and queues it on the
// channel.
func (r *Reactor) sendRelay(hn types.HopNum, msg types.RelayMsg, early bool) error {
	p, err := types.EncodeRelayPayload(msg)
	if err != nil {
		return internalErr("failed to encode %s: %v", msg, err)
	}

	r.hops[hn].layer.Originate(&p)
	for i := int(hn); i >= 0; i-- {
		r.hops[i].layer.EncryptOutbound(&p)
	}

	cmd := types.ChanCmdRelay
	if early {
		cmd = types.ChanCmdRelayEarly
	}

	return r.channel.Send(r.ctx, types.ChanCell{CircID: r.circID, Cmd: cmd, Payload: p})
}

func (r *Reactor) addHop(keys *crypto.HopKeys) error {
	layer, err := crypto.NewClientLayer(keys)
	if err != nil {
		return internalErr("failed to set up hop crypto: %v", err)
	}
	table, err := NewStreamTable(r.rng, r.params.StreamWindow)
	if err != nil {
		return internalErr("failed to set up stream table: %v", err)
	}

	r.hops = append(r.hops, &hop{
		layer:      layer,
		streams:    table,
		sendWindow: NewFlowWindow(r.params.CircWindow),
		recvWindow: NewFlowWindow(r.params.CircWindow),
	})
	r.numHops.Store(int32(len(r.hops)))
	r.setState(CircReady)

	r.log.Debug().Int("hops", len(r.hops)).Msg("hop added")
	return nil
}

// completeHandshake finishes the pending handshake with the relay's reply.
// Authentication failures only fail the request, a malformed reply is fatal.
func (r *Reactor) completeHandshake(p *pendingHandshake, reply []byte) error {
	keys, err := p.hs.Complete(reply)
	switch {
	case err == nil:
	case xerrors.Is(err, crypto.ErrHandshakeAuth):
		p.reply <- HandshakeFailedError{Relay: p.relay, Err: err}
		if len(r.hops) > 0 {
			r.setState(CircReady)
		}
		return nil
	default:
		perr := protocolErr("bad handshake reply from %s: %v", p.relay, err)
		p.reply <- perr
		return perr
	}

	err = r.addHop(keys)
	p.reply <- err
	return err
}

func (r *Reactor) handleCell(cell types.ChanCell) error {
	switch cell.Cmd {
	case types.ChanCmdRelay, types.ChanCmdRelayEarly:
		return r.handleRelayCell(cell)
	case types.ChanCmdCreatedFast, types.ChanCmdCreated2:
		return r.handleCreated(cell)
	case types.ChanCmdDestroy:
		var msg types.DestroyMessage
		err := types.ParseControlCell(&cell, &msg)
		if err != nil {
			r.log.Debug().Err(err).Msg("unparsable DESTROY")
		}
		r.destroyed = true
		return protocolErr("circuit destroyed by relay, reason %d", msg.Reason)
	default:
		r.log.Debug().Stringer("cell", cell).Msg("unexpected cell dropped")
		return nil
	}
}

func (r *Reactor) handleCreated(cell types.ChanCell) error {
	p := r.pending
	if p == nil || p.extend || len(r.hops) != 0 {
		return protocolErr("unexpected %s", cell.Cmd)
	}
	r.pending = nil

	var reply []byte
	switch cell.Cmd {
	case types.ChanCmdCreatedFast:
		var msg types.CreatedFastMessage
		err := types.ParseControlCell(&cell, &msg)
		if err != nil {
			perr := protocolErr("malformed CREATED_FAST: %v", err)
			p.reply <- perr
			return perr
		}
		reply = append(msg.Data, msg.KeyHash...)
	default:
		var msg types.Created2Message
		err := types.ParseControlCell(&cell, &msg)
		if err != nil {
			perr := protocolErr("malformed CREATED2: %v", err)
			p.reply <- perr
			return perr
		}
		reply = msg.Data
	}

	return r.completeHandshake(p, reply)
}

func (r *Reactor) handleRelayCell(cell types.ChanCell) error {
	if len(r.hops) == 0 {
		return protocolErr("relay cell before the circuit was created")
	}

	p := cell.Payload
	hn := -1
	for i, h := range r.hops {
		if h.layer.DecryptInbound(&p) {
			hn = i
			break
		}
	}
	if hn < 0 {
		return protocolErr("relay cell not recognized by any hop")
	}

	msg, err := types.DecodeRelayPayload(&p)
	if err != nil {
		return protocolErr("malformed relay cell from hop %d: %v", hn, err)
	}

	return r.handleRelayMsg(types.HopNum(hn), msg)
}

func (r *Reactor) handleRelayMsg(hn types.HopNum, msg types.RelayMsg) error {
	h := r.hops[hn]

	if msg.StreamID == 0 {
		return r.handleCircuitMsg(hn, msg)
	}

	if msg.Cmd == types.RelayCmdData {
		err := h.recvWindow.Reserve(1)
		if err != nil {
			return protocolErr("hop %d overran the circuit window", hn)
		}
		if h.recvWindow.Consumed() >= r.params.CircIncrement {
			err = r.sendRelay(hn, types.RelayMsg{Cmd: types.RelayCmdSendme}, false)
			if err != nil {
				return err
			}
			h.recvWindow.Replenish(r.params.CircIncrement)
		}
	}

	e, ok := h.streams.Lookup(msg.StreamID)
	if !ok {
		r.log.Debug().Stringer("msg", msg).Uint8("hop", uint8(hn)).Msg("message for unknown stream dropped")
		return nil
	}

	switch e.state {
	case streamOpen:
		return r.handleOpenStreamMsg(hn, msg, e)
	case streamEndSent:
		return r.handleHalfStreamMsg(hn, msg, e)
	default:
		if msg.Cmd == types.RelayCmdEnd {
			return h.streams.MarkPeerClosed(msg.StreamID)
		}
		r.log.Debug().Stringer("msg", msg).Msg("message on a stream closed by the peer dropped")
		return nil
	}
}

func (r *Reactor) handleCircuitMsg(hn types.HopNum, msg types.RelayMsg) error {
	h := r.hops[hn]

	switch msg.Cmd {
	case types.RelayCmdSendme:
		h.sendWindow.Replenish(r.params.CircIncrement)
		return r.flushBlocked(hn)
	case types.RelayCmdExtended2:
		return r.handleExtended(hn, msg)
	case types.RelayCmdTruncated:
		p := r.pending
		if p != nil && p.extend && int(hn) == len(r.hops)-1 {
			r.pending = nil
			p.reply <- HandshakeFailedError{Relay: p.relay, Err: xerrors.New("extension truncated")}
			r.setState(CircReady)
			return nil
		}
		return protocolErr("circuit truncated at hop %d", hn)
	case types.RelayCmdDrop:
		return nil
	case types.RelayCmdData, types.RelayCmdBegin, types.RelayCmdEnd, types.RelayCmdConnected:
		return protocolErr("%s without a stream", msg.Cmd)
	default:
		r.log.Debug().Stringer("msg", msg).Msg("unhandled circuit message dropped")
		return nil
	}
}

func (r *Reactor) handleExtended(hn types.HopNum, msg types.RelayMsg) error {
	p := r.pending
	if p == nil || !p.extend || int(hn) != len(r.hops)-1 {
		return protocolErr("unexpected EXTENDED2 from hop %d", hn)
	}
	r.pending = nil

	var ext types.Extended2Message
	err := types.UnmarshalBody(msg.Body, &ext)
	if err != nil {
		perr := protocolErr("malformed EXTENDED2: %v", err)
		p.reply <- perr
		return perr
	}

	return r.completeHandshake(p, ext.Data)
}

// push hands a message to a stream reader. The sink is sized so that a peer
// respecting the window never fills it.
func (r *Reactor) push(e *StreamEntry, msg types.RelayMsg) error {
	select {
	case e.sink <- StreamEvent{Msg: msg}:
		return nil
	default:
		return internalErr("stream %d reader overflow", msg.StreamID)
	}
}

func (r *Reactor) handleOpenStreamMsg(hn types.HopNum, msg types.RelayMsg, e *StreamEntry) error {
	h := r.hops[hn]

	switch msg.Cmd {
	case types.RelayCmdData:
		err := e.recvWindow.Reserve(1)
		if err != nil {
			return protocolErr("stream %d overran its window", msg.StreamID)
		}
		return r.push(e, msg)
	case types.RelayCmdConnected:
		if e.receivedConnected {
			r.log.Debug().Uint16("stream", uint16(msg.StreamID)).Msg("duplicate CONNECTED dropped")
			return nil
		}
		e.receivedConnected = true
		return r.push(e, msg)
	case types.RelayCmdEnd:
		err := r.push(e, msg)
		if err != nil {
			return err
		}
		return h.streams.MarkPeerClosed(msg.StreamID)
	case types.RelayCmdSendme:
		e.sendWindow.Replenish(r.params.StreamIncrement)
		return r.flushBlocked(hn)
	default:
		r.log.Debug().Stringer("msg", msg).Msg("unexpected stream message dropped")
		return nil
	}
}

// handleHalfStreamMsg accounts for cells the peer sent before it saw our
// END.
func (r *Reactor) handleHalfStreamMsg(hn types.HopNum, msg types.RelayMsg, e *StreamEntry) error {
	h := r.hops[hn]

	switch msg.Cmd {
	case types.RelayCmdData:
		if e.recvWindow != nil && e.recvWindow.Reserve(1) != nil {
			return protocolErr("half-closed stream %d overran its window", msg.StreamID)
		}
		return nil
	case types.RelayCmdSendme:
		e.sendWindow.Replenish(r.params.StreamIncrement)
		return nil
	case types.RelayCmdConnected:
		if e.receivedConnected {
			return protocolErr("duplicate CONNECTED on half-closed stream %d", msg.StreamID)
		}
		e.receivedConnected = true
		return nil
	case types.RelayCmdEnd:
		return h.streams.MarkPeerClosed(msg.StreamID)
	default:
		return protocolErr("%s on half-closed stream %d", msg.Cmd, msg.StreamID)
	}
}

func (r *Reactor) handleControl(m interface{}) error {
	switch m := m.(type) {
	case *ctrlCreate:
		return r.handleCreate(m)
	case *ctrlExtend:
		return r.handleExtend(m)
	case *ctrlBegin:
		return r.handleBegin(m)
	case *ctrlEnd:
		return r.handleEnd(m)
	case *ctrlAck:
		return r.handleAck(m)
	default:
		return internalErr("unknown control message %T", m)
	}
}

func (r *Reactor) handleCreate(m *ctrlCreate) error {
	if len(r.hops) != 0 || r.pending != nil {
		m.reply <- internalErr("circuit already created")
		return nil
	}

	cell, err := types.NewControlCell(r.circID, m.cmd, m.msg)
	if err != nil {
		m.reply <- internalErr("failed to build %s: %v", m.cmd, err)
		return nil
	}

	r.pending = &pendingHandshake{hs: m.hs, relay: m.relay, reply: m.reply}
	r.setState(CircExtending)
	return r.channel.Send(r.ctx, cell)
}

func (r *Reactor) handleExtend(m *ctrlExtend) error {
	state := r.State()
	switch {
	case len(r.hops) == 0:
		m.reply <- internalErr("extend before the first hop")
		return nil
	case r.pending != nil:
		m.reply <- internalErr("a handshake is already in progress")
		return nil
	case state != CircReady && state != CircExtending:
		m.reply <- internalErr("cannot extend a %s circuit", state)
		return nil
	}

	body, err := types.MarshalBody(m.msg)
	if err != nil {
		m.reply <- internalErr("failed to encode EXTEND2: %v", err)
		return nil
	}

	r.pending = &pendingHandshake{hs: m.hs, relay: m.relay, extend: true, reply: m.reply}
	r.setState(CircExtending)

	last := types.HopNum(len(r.hops) - 1)
	return r.sendRelay(last, types.RelayMsg{Cmd: types.RelayCmdExtend2, Body: body}, true)
}

func (r *Reactor) handleBegin(m *ctrlBegin) error {
	if int(m.hop) >= len(r.hops) {
		m.reply <- beginReply{err: internalErr("no hop %d on a %d hop circuit", m.hop, len(r.hops))}
		return nil
	}
	h := r.hops[m.hop]

	id, err := h.streams.Allocate(m.sink, NewFlowWindow(r.params.StreamWindow))
	if err != nil {
		m.reply <- beginReply{err: err}
		return nil
	}

	err = r.sendRelay(m.hop, types.RelayMsg{StreamID: id, Cmd: m.cmd, Body: m.body}, false)
	if err != nil {
		m.reply <- beginReply{err: err}
		return err
	}

	m.reply <- beginReply{id: id}
	return nil
}

func (r *Reactor) handleEnd(m *ctrlEnd) error {
	if int(m.hop) >= len(r.hops) {
		m.reply <- internalErr("no hop %d", m.hop)
		return nil
	}
	h := r.hops[m.hop]

	var recvWindow *FlowWindow
	if e, ok := h.streams.Lookup(m.id); ok {
		recvWindow = e.RecvWindow()
	}

	sendEnd, err := h.streams.CloseLocally(m.id, recvWindow)
	if err != nil {
		m.reply <- err
		return nil
	}
	r.failBlocked(m.hop, m.id, ErrStreamClosed)

	if sendEnd {
		body, err := types.MarshalBody(types.EndMessage{Reason: m.reason})
		if err != nil {
			m.reply <- internalErr("failed to encode END: %v", err)
			return nil
		}
		err = r.sendRelay(m.hop, types.RelayMsg{StreamID: m.id, Cmd: types.RelayCmdEnd, Body: body}, false)
		if err != nil {
			m.reply <- err
			return err
		}
	}

	m.reply <- nil
	return nil
}

func (r *Reactor) handleAck(m *ctrlAck) error {
	if int(m.hop) >= len(r.hops) {
		return nil
	}
	h := r.hops[m.hop]

	e, ok := h.streams.Lookup(m.id)
	if !ok || !e.IsOpen() {
		return nil
	}

	e.recvWindow.Replenish(r.params.StreamIncrement)
	return r.sendRelay(m.hop, types.RelayMsg{StreamID: m.id, Cmd: types.RelayCmdSendme}, false)
}

func (r *Reactor) handleSend(req *sendReq) error {
	if int(req.hop) >= len(r.hops) {
		req.done <- internalErr("no hop %d", req.hop)
		return nil
	}
	h := r.hops[req.hop]

	e, ok := h.streams.Lookup(req.msg.StreamID)
	if !ok || !e.IsOpen() {
		req.done <- ErrStreamClosed
		return nil
	}

	if req.msg.Cmd != types.RelayCmdData {
		err := r.sendRelay(req.hop, req.msg, false)
		req.done <- err
		return err
	}

	h.blocked = append(h.blocked, req)
	return r.flushBlocked(req.hop)
}

// flushBlocked sends queued DATA while the windows allow it. A stream whose
// window is empty keeps its cells queued, in order, without holding back
// the other streams.
func (r *Reactor) flushBlocked(hn types.HopNum) error {
	h := r.hops[hn]
	if len(h.blocked) == 0 {
		return nil
	}

	var rest []*sendReq
	stalled := make(map[types.StreamID]bool)

	for i, req := range h.blocked {
		if h.sendWindow.Available() == 0 {
			rest = append(rest, h.blocked[i:]...)
			break
		}

		id := req.msg.StreamID
		e, ok := h.streams.Lookup(id)
		if !ok || !e.IsOpen() {
			req.done <- ErrStreamClosed
			continue
		}
		if stalled[id] || e.sendWindow.Available() == 0 {
			stalled[id] = true
			rest = append(rest, req)
			continue
		}

		_ = h.sendWindow.Reserve(1)
		_ = e.sendWindow.Reserve(1)

		err := r.sendRelay(hn, req.msg, false)
		req.done <- err
		if err != nil {
			h.blocked = append(rest, h.blocked[i+1:]...)
			return err
		}
	}

	h.blocked = rest
	return nil
}

// failBlocked drops the queued cells of one stream.
func (r *Reactor) failBlocked(hn types.HopNum, id types.StreamID, err error) {
	h := r.hops[hn]

	rest := h.blocked[:0]
	for _, req := range h.blocked {
		if req.msg.StreamID == id {
			req.done <- err
			continue
		}
		rest = append(rest, req)
	}
	h.blocked = rest
}

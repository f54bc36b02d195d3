package types

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/xerrors"
)

const (
	// CircIDLen is the length of a circuit id on the link.
	CircIDLen = 4
	// CellPayloadLen is the fixed payload length of a channel cell.
	CellPayloadLen = 509
	// CellLen is the fixed length of an encoded channel cell.
	CellLen = CircIDLen + 1 + CellPayloadLen

	// RelayHeaderLen is the length of the relay header inside a cell payload.
	RelayHeaderLen = 11
	// RelayBodyLen is the largest relay message body.
	RelayBodyLen = CellPayloadLen - RelayHeaderLen

	// offsets of the relay header fields
	relayCmdOff        = 0
	relayRecognizedOff = 1
	relayStreamOff     = 3
	relayDigestOff     = 5
	relayLengthOff     = 9

	// ClientCircIDBit is set on every circuit id chosen by a client.
	ClientCircIDBit = 0x80000000
)

// CircID identifies a circuit on one channel. Zero is reserved.
type CircID uint32

// StreamID identifies a stream on one circuit hop. Zero is reserved for
// control messages.
type StreamID uint16

// HopNum is the zero-based position of a hop in a circuit.
type HopNum uint8

// ChanCmd is the command of a channel cell.
type ChanCmd uint8

// Channel cell commands.
const (
	ChanCmdPadding     ChanCmd = 0
	ChanCmdRelay       ChanCmd = 3
	ChanCmdDestroy     ChanCmd = 4
	ChanCmdCreateFast  ChanCmd = 5
	ChanCmdCreatedFast ChanCmd = 6
	ChanCmdRelayEarly  ChanCmd = 9
	ChanCmdCreate2     ChanCmd = 10
	ChanCmdCreated2    ChanCmd = 11
)

// String implements fmt.Stringer.
func (c ChanCmd) String() string {
	switch c {
	case ChanCmdPadding:
		return "PADDING"
	case ChanCmdRelay:
		return "RELAY"
	case ChanCmdDestroy:
		return "DESTROY"
	case ChanCmdCreateFast:
		return "CREATE_FAST"
	case ChanCmdCreatedFast:
		return "CREATED_FAST"
	case ChanCmdRelayEarly:
		return "RELAY_EARLY"
	case ChanCmdCreate2:
		return "CREATE2"
	case ChanCmdCreated2:
		return "CREATED2"
	default:
		return fmt.Sprintf("CMD(%d)", uint8(c))
	}
}

// ChanCell is a fixed-size cell exchanged on a channel.
type ChanCell struct {
	CircID  CircID
	Cmd     ChanCmd
	Payload [CellPayloadLen]byte
}

// NewChanCell builds a cell, copying body into the payload. It fails if the
// body does not fit.
func NewChanCell(id CircID, cmd ChanCmd, body []byte) (ChanCell, error) {
	c := ChanCell{CircID: id, Cmd: cmd}
	if len(body) > CellPayloadLen {
		return c, xerrors.Errorf("cell body too long: %d > %d", len(body), CellPayloadLen)
	}
	copy(c.Payload[:], body)
	return c, nil
}

// Marshal encodes the cell into its fixed-size wire form.
func (c ChanCell) Marshal() []byte {
	buf := make([]byte, CellLen)
	binary.BigEndian.PutUint32(buf[0:CircIDLen], uint32(c.CircID))
	buf[CircIDLen] = byte(c.Cmd)
	copy(buf[CircIDLen+1:], c.Payload[:])
	return buf
}

// Unmarshal decodes a fixed-size wire cell.
func (c *ChanCell) Unmarshal(buf []byte) error {
	if len(buf) != CellLen {
		return xerrors.Errorf("bad cell length %d", len(buf))
	}
	c.CircID = CircID(binary.BigEndian.Uint32(buf[0:CircIDLen]))
	c.Cmd = ChanCmd(buf[CircIDLen])
	copy(c.Payload[:], buf[CircIDLen+1:])
	return nil
}

// String implements fmt.Stringer.
func (c ChanCell) String() string {
	return fmt.Sprintf("<%08x:%s>", uint32(c.CircID), c.Cmd)
}

// RelayCmd is the command of a relay message.
type RelayCmd uint8

// Relay message commands.
const (
	RelayCmdBegin     RelayCmd = 1
	RelayCmdData      RelayCmd = 2
	RelayCmdEnd       RelayCmd = 3
	RelayCmdConnected RelayCmd = 4
	RelayCmdSendme    RelayCmd = 5
	RelayCmdTruncated RelayCmd = 9
	RelayCmdDrop      RelayCmd = 10
	RelayCmdBeginDir  RelayCmd = 13
	RelayCmdExtend2   RelayCmd = 14
	RelayCmdExtended2 RelayCmd = 15
)

// String implements fmt.Stringer.
func (c RelayCmd) String() string {
	switch c {
	case RelayCmdBegin:
		return "BEGIN"
	case RelayCmdData:
		return "DATA"
	case RelayCmdEnd:
		return "END"
	case RelayCmdConnected:
		return "CONNECTED"
	case RelayCmdSendme:
		return "SENDME"
	case RelayCmdTruncated:
		return "TRUNCATED"
	case RelayCmdDrop:
		return "DROP"
	case RelayCmdBeginDir:
		return "BEGIN_DIR"
	case RelayCmdExtend2:
		return "EXTEND2"
	case RelayCmdExtended2:
		return "EXTENDED2"
	default:
		return fmt.Sprintf("RELAY(%d)", uint8(c))
	}
}

// UsesStream returns true if messages with this command must carry a
// non-zero stream id.
func (c RelayCmd) UsesStream() bool {
	switch c {
	case RelayCmdBegin, RelayCmdData, RelayCmdEnd, RelayCmdConnected, RelayCmdBeginDir:
		return true
	default:
		return false
	}
}

// RelayMsg is a decoded relay message: the unit exchanged between the
// circuit reactor and streams.
type RelayMsg struct {
	StreamID StreamID
	Cmd      RelayCmd
	Body     []byte
}

// Name implements types.Message.
func (m RelayMsg) Name() string {
	return "relay"
}

// String implements types.Message.
func (m RelayMsg) String() string {
	return fmt.Sprintf("<%s:%d:%dB>", m.Cmd, m.StreamID, len(m.Body))
}

// EncodeRelayPayload lays out the message in a cell payload with the
// recognized and digest fields zeroed.
func EncodeRelayPayload(m RelayMsg) ([CellPayloadLen]byte, error) {
	var p [CellPayloadLen]byte
	if len(m.Body) > RelayBodyLen {
		return p, xerrors.Errorf("relay body too long: %d > %d", len(m.Body), RelayBodyLen)
	}
	p[relayCmdOff] = byte(m.Cmd)
	binary.BigEndian.PutUint16(p[relayStreamOff:], uint16(m.StreamID))
	binary.BigEndian.PutUint16(p[relayLengthOff:], uint16(len(m.Body)))
	copy(p[RelayHeaderLen:], m.Body)
	return p, nil
}

// DecodeRelayPayload parses a recognized, decrypted cell payload.
func DecodeRelayPayload(p *[CellPayloadLen]byte) (RelayMsg, error) {
	n := int(binary.BigEndian.Uint16(p[relayLengthOff:]))
	if n > RelayBodyLen {
		return RelayMsg{}, xerrors.Errorf("relay length field %d exceeds %d", n, RelayBodyLen)
	}
	body := make([]byte, n)
	copy(body, p[RelayHeaderLen:RelayHeaderLen+n])
	return RelayMsg{
		Cmd:      RelayCmd(p[relayCmdOff]),
		StreamID: StreamID(binary.BigEndian.Uint16(p[relayStreamOff:])),
		Body:     body,
	}, nil
}

// RelayRecognized returns true when the recognized field is zero.
func RelayRecognized(p *[CellPayloadLen]byte) bool {
	return p[relayRecognizedOff] == 0 && p[relayRecognizedOff+1] == 0
}

// RelayDigest returns the digest field of a relay payload.
func RelayDigest(p *[CellPayloadLen]byte) [4]byte {
	var d [4]byte
	copy(d[:], p[relayDigestOff:relayDigestOff+4])
	return d
}

// SetRelayLength overwrites the length field of a relay payload.
func SetRelayLength(p *[CellPayloadLen]byte, n uint16) {
	binary.BigEndian.PutUint16(p[relayLengthOff:], n)
}

// SetRelayDigest overwrites the digest field of a relay payload.
func SetRelayDigest(p *[CellPayloadLen]byte, d [4]byte) {
	copy(p[relayDigestOff:relayDigestOff+4], d[:])
}

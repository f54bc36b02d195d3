package types

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/xerrors"
)

// MarshalBody encodes a control message for a cell body.
func MarshalBody(m Message) ([]byte, error) {
	buf, err := cbor.Marshal(m)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal %s: %w", m.Name(), err)
	}
	return buf, nil
}

// UnmarshalBody decodes a cell body into m, which must be a pointer.
func UnmarshalBody(buf []byte, m Message) error {
	if err := cbor.Unmarshal(buf, m); err != nil {
		return xerrors.Errorf("failed to unmarshal %s: %w", m.Name(), err)
	}
	return nil
}

// NewControlCell builds a channel cell whose payload is a length-prefixed
// encoding of m.
func NewControlCell(id CircID, cmd ChanCmd, m Message) (ChanCell, error) {
	body, err := MarshalBody(m)
	if err != nil {
		return ChanCell{}, err
	}
	buf := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(buf, uint16(len(body)))
	copy(buf[2:], body)
	return NewChanCell(id, cmd, buf)
}

// ParseControlCell decodes the payload of a cell built by NewControlCell.
func ParseControlCell(c *ChanCell, m Message) error {
	n := int(binary.BigEndian.Uint16(c.Payload[:2]))
	if n > CellPayloadLen-2 {
		return xerrors.Errorf("%s body length %d out of range", c.Cmd, n)
	}
	return UnmarshalBody(c.Payload[2:2+n], m)
}

// Create2Message

// Name implements types.Message.
func (Create2Message) Name() string {
	return "create2"
}

// String implements types.Message.
func (c Create2Message) String() string {
	return fmt.Sprintf("<%d:%dB>", c.Handshake, len(c.Data))
}

// Created2Message

// Name implements types.Message.
func (Created2Message) Name() string {
	return "created2"
}

// String implements types.Message.
func (c Created2Message) String() string {
	return fmt.Sprintf("<%dB>", len(c.Data))
}

// CreateFastMessage

// Name implements types.Message.
func (CreateFastMessage) Name() string {
	return "createfast"
}

// String implements types.Message.
func (c CreateFastMessage) String() string {
	return fmt.Sprintf("<%dB>", len(c.Data))
}

// CreatedFastMessage

// Name implements types.Message.
func (CreatedFastMessage) Name() string {
	return "createdfast"
}

// String implements types.Message.
func (c CreatedFastMessage) String() string {
	return fmt.Sprintf("<%dB>", len(c.Data))
}

// Extend2Message

// Name implements types.Message.
func (Extend2Message) Name() string {
	return "extend2"
}

// String implements types.Message.
func (c Extend2Message) String() string {
	return fmt.Sprintf("<%v:%d>", c.Link.Addrs, c.Handshake)
}

// Extended2Message

// Name implements types.Message.
func (Extended2Message) Name() string {
	return "extended2"
}

// String implements types.Message.
func (c Extended2Message) String() string {
	return fmt.Sprintf("<%dB>", len(c.Data))
}

// BeginMessage

// Name implements types.Message.
func (BeginMessage) Name() string {
	return "begin"
}

// String implements types.Message.
func (c BeginMessage) String() string {
	return fmt.Sprintf("<%s>", c.Target)
}

// ConnectedMessage

// Name implements types.Message.
func (ConnectedMessage) Name() string {
	return "connected"
}

// String implements types.Message.
func (c ConnectedMessage) String() string {
	return fmt.Sprintf("<%s>", c.Addr)
}

// EndMessage

// Name implements types.Message.
func (EndMessage) Name() string {
	return "end"
}

// String implements types.Message.
func (c EndMessage) String() string {
	return fmt.Sprintf("<reason %d>", c.Reason)
}

// DestroyMessage

// Name implements types.Message.
func (DestroyMessage) Name() string {
	return "destroy"
}

// String implements types.Message.
func (c DestroyMessage) String() string {
	return fmt.Sprintf("<reason %d>", c.Reason)
}

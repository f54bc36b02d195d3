package types

// HandshakeType selects the key agreement used to create a hop.
type HandshakeType uint16

const (
	// HandshakeFast is the unauthenticated first-hop handshake.
	HandshakeFast HandshakeType = 0x0001
	// HandshakeNtor is the authenticated x25519 handshake.
	HandshakeNtor HandshakeType = 0x0002
)

// Create2Message asks the first hop to create a circuit.
type Create2Message struct {
	Handshake HandshakeType `cbor:"1,keyasint"`
	Data      []byte        `cbor:"2,keyasint"`
}

// Created2Message answers a Create2Message.
type Created2Message struct {
	Data []byte `cbor:"1,keyasint"`
}

// CreateFastMessage asks the first hop to create a circuit without relay
// authentication.
type CreateFastMessage struct {
	Data []byte `cbor:"1,keyasint"`
}

// CreatedFastMessage answers a CreateFastMessage.
type CreatedFastMessage struct {
	Data    []byte `cbor:"1,keyasint"`
	KeyHash []byte `cbor:"2,keyasint"`
}

// LinkSpec tells a relay how to reach the next hop.
type LinkSpec struct {
	Addrs   []string `cbor:"1,keyasint"`
	Ed25519 []byte   `cbor:"2,keyasint,omitempty"`
	Rsa     []byte   `cbor:"3,keyasint,omitempty"`
}

// Extend2Message asks the last hop of a circuit to extend it.
type Extend2Message struct {
	Link      LinkSpec      `cbor:"1,keyasint"`
	Handshake HandshakeType `cbor:"2,keyasint"`
	Data      []byte        `cbor:"3,keyasint"`
}

// Extended2Message answers an Extend2Message.
type Extended2Message struct {
	Data []byte `cbor:"1,keyasint"`
}

// BeginMessage opens a stream to Target (host:port). An empty target with
// the BEGIN_DIR command opens a directory stream.
type BeginMessage struct {
	Target string `cbor:"1,keyasint"`
	Flags  uint32 `cbor:"2,keyasint,omitempty"`
}

// ConnectedMessage acknowledges a BeginMessage.
type ConnectedMessage struct {
	Addr string `cbor:"1,keyasint,omitempty"`
	TTL  uint32 `cbor:"2,keyasint,omitempty"`
}

// EndReason explains why a stream was closed.
type EndReason uint8

// Stream end reasons.
const (
	EndReasonMisc     EndReason = 1
	EndReasonDestroy  EndReason = 5
	EndReasonDone     EndReason = 6
	EndReasonTimeout  EndReason = 7
	EndReasonInternal EndReason = 10
)

// EndMessage closes a stream.
type EndMessage struct {
	Reason EndReason `cbor:"1,keyasint"`
}

// DestroyReason explains why a circuit was destroyed.
type DestroyReason uint8

// Circuit destroy reasons.
const (
	DestroyReasonNone          DestroyReason = 0
	DestroyReasonProtocol      DestroyReason = 1
	DestroyReasonInternal      DestroyReason = 2
	DestroyReasonRequested     DestroyReason = 3
	DestroyReasonConnectFailed DestroyReason = 6
)

// DestroyMessage tears down a circuit, or (as TRUNCATED) the part of it
// beyond the sender.
type DestroyMessage struct {
	Reason DestroyReason `cbor:"1,keyasint"`
}

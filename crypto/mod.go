package crypto

import "golang.org/x/xerrors"

// ClientHandshake is the client half of a hop key agreement.
type ClientHandshake interface {
	// Onionskin returns the handshake message to send to the relay.
	Onionskin() []byte
	// Complete processes the relay reply and derives the hop keys.
	Complete(reply []byte) (*HopKeys, error)
}

var (
	// ErrHandshakeAuth is returned when the relay reply does not
	// authenticate. Another relay may succeed.
	ErrHandshakeAuth = xerrors.New("handshake authentication failed")
	// ErrMalformed is returned for handshake messages that cannot be parsed.
	ErrMalformed = xerrors.New("malformed handshake message")
)

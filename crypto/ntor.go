package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/xerrors"
)

const (
	// NtorKeyLen is the length of x25519 keys.
	NtorKeyLen = curve25519.PointSize
	// NtorNodeIDLen is the length of the relay identity bound by ntor.
	NtorNodeIDLen = 32
	// NtorReplyLen is the length of the relay reply: Y and AUTH.
	NtorReplyLen = NtorKeyLen + sha256.Size

	ntorProtoID = "ntor-curve25519-sha256-1"
)

var (
	ntorTMac    = []byte(ntorProtoID + ":mac")
	ntorTKey    = []byte(ntorProtoID + ":key_extract")
	ntorTVerify = []byte(ntorProtoID + ":verify")
	ntorMExpand = []byte(ntorProtoID + ":key_expand")
)

// NtorKeyPair is an x25519 key pair, used for relay onion keys and for
// ephemeral handshake keys.
type NtorKeyPair struct {
	Private [NtorKeyLen]byte
	Public  [NtorKeyLen]byte
}

// NewNtorKeyPair generates a key pair from rng.
func NewNtorKeyPair(rng io.Reader) (*NtorKeyPair, error) {
	kp := &NtorKeyPair{}
	if _, err := io.ReadFull(rng, kp.Private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

func ntorHash(msg, tweak []byte) []byte {
	m := hmac.New(sha256.New, tweak)
	m.Write(msg)
	return m.Sum(nil)
}

// ntorSecrets computes KEY_SEED and AUTH from the two shared secrets.
func ntorSecrets(xy, xb []byte, id [NtorNodeIDLen]byte, b, x, y [NtorKeyLen]byte) (seed, auth []byte) {
	secret := make([]byte, 0, 2*NtorKeyLen+NtorNodeIDLen+3*NtorKeyLen+len(ntorProtoID))
	secret = append(secret, xy...)
	secret = append(secret, xb...)
	secret = append(secret, id[:]...)
	secret = append(secret, b[:]...)
	secret = append(secret, x[:]...)
	secret = append(secret, y[:]...)
	secret = append(secret, ntorProtoID...)

	seed = ntorHash(secret, ntorTKey)
	verify := ntorHash(secret, ntorTVerify)

	authInput := make([]byte, 0, len(verify)+NtorNodeIDLen+3*NtorKeyLen+len(ntorProtoID)+6)
	authInput = append(authInput, verify...)
	authInput = append(authInput, id[:]...)
	authInput = append(authInput, b[:]...)
	authInput = append(authInput, y[:]...)
	authInput = append(authInput, x[:]...)
	authInput = append(authInput, ntorProtoID...)
	authInput = append(authInput, "Server"...)
	auth = ntorHash(authInput, ntorTMac)
	return seed, auth
}

// NtorClient is the client half of the ntor handshake with one relay.
type NtorClient struct {
	id    [NtorNodeIDLen]byte
	b     [NtorKeyLen]byte
	ephem *NtorKeyPair
}

// NewNtorClient starts a handshake with the relay whose identity is id and
// whose onion key is b.
func NewNtorClient(rng io.Reader, id [NtorNodeIDLen]byte, b [NtorKeyLen]byte) (*NtorClient, error) {
	ephem, err := NewNtorKeyPair(rng)
	if err != nil {
		return nil, xerrors.Errorf("failed to generate ntor key: %v", err)
	}
	return &NtorClient{id: id, b: b, ephem: ephem}, nil
}

// Onionskin implements ClientHandshake: ID | B | X.
func (c *NtorClient) Onionskin() []byte {
	buf := make([]byte, 0, NtorNodeIDLen+2*NtorKeyLen)
	buf = append(buf, c.id[:]...)
	buf = append(buf, c.b[:]...)
	return append(buf, c.ephem.Public[:]...)
}

// Complete implements ClientHandshake. The reply is Y | AUTH.
func (c *NtorClient) Complete(reply []byte) (*HopKeys, error) {
	if len(reply) != NtorReplyLen {
		return nil, ErrMalformed
	}
	var y [NtorKeyLen]byte
	copy(y[:], reply[:NtorKeyLen])

	xy, err := curve25519.X25519(c.ephem.Private[:], y[:])
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrHandshakeAuth, err)
	}
	xb, err := curve25519.X25519(c.ephem.Private[:], c.b[:])
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrHandshakeAuth, err)
	}

	seed, auth := ntorSecrets(xy, xb, c.id, c.b, c.ephem.Public, y)
	if !hmac.Equal(auth, reply[NtorKeyLen:]) {
		return nil, ErrHandshakeAuth
	}
	return expandSeed(seed, ntorMExpand)
}

// NtorServer answers an onionskin for a relay with identity id and onion
// key pair onion. It returns the reply and the hop keys.
func NtorServer(rng io.Reader, id [NtorNodeIDLen]byte, onion *NtorKeyPair, onionskin []byte) ([]byte, *HopKeys, error) {
	if len(onionskin) != NtorNodeIDLen+2*NtorKeyLen {
		return nil, nil, ErrMalformed
	}
	if !hmac.Equal(onionskin[:NtorNodeIDLen], id[:]) ||
		!hmac.Equal(onionskin[NtorNodeIDLen:NtorNodeIDLen+NtorKeyLen], onion.Public[:]) {
		return nil, nil, xerrors.Errorf("%w: onionskin for another relay", ErrHandshakeAuth)
	}
	var x [NtorKeyLen]byte
	copy(x[:], onionskin[NtorNodeIDLen+NtorKeyLen:])

	ephem, err := NewNtorKeyPair(rng)
	if err != nil {
		return nil, nil, err
	}
	xy, err := curve25519.X25519(ephem.Private[:], x[:])
	if err != nil {
		return nil, nil, xerrors.Errorf("%w: %v", ErrMalformed, err)
	}
	xb, err := curve25519.X25519(onion.Private[:], x[:])
	if err != nil {
		return nil, nil, xerrors.Errorf("%w: %v", ErrMalformed, err)
	}

	seed, auth := ntorSecrets(xy, xb, id, onion.Public, x, ephem.Public)
	keys, err := expandSeed(seed, ntorMExpand)
	if err != nil {
		return nil, nil, err
	}
	reply := make([]byte, 0, NtorReplyLen)
	reply = append(reply, ephem.Public[:]...)
	return append(reply, auth...), keys, nil
}

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"github.com/monnand/dhkx"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/xerrors"
)

// fastGroupID is the dhkx MODP group used by the fast handshake.
const fastGroupID = 1

var fastInfo = []byte("onion-fast-v1:key_expand")

// DiffieHellman is one side of the unauthenticated first-hop handshake. It
// only proves that the peer shares a secret with us, so it is used for
// one-hop circuits whose channel already authenticates the relay.
type DiffieHellman struct {
	group        *dhkx.DHGroup
	private, key *dhkx.DHKey
	public       []byte
}

// IsMisconfigured returns true if only part of the parameters are set.
func (dh *DiffieHellman) IsMisconfigured() bool {
	var s int
	cdts := []bool{dh.group == nil, dh.private == nil, dh.public == nil}
	for _, cdt := range cdts {
		if cdt {
			s++
		}
	}
	return s%len(cdts) != 0
}

// IsNotConfigured returns true before GenerateParameters was called.
func (dh *DiffieHellman) IsNotConfigured() bool {
	return dh.group == nil && !dh.IsMisconfigured()
}

// GenerateParameters creates a fresh key pair and returns the public part.
func (dh *DiffieHellman) GenerateParameters(rng io.Reader) ([]byte, error) {
	group, err := dhkx.GetGroup(fastGroupID)
	if err != nil {
		return nil, err
	}

	private, err := group.GeneratePrivateKey(rng)
	if err != nil {
		return nil, err
	}

	dh.group = group
	dh.private = private
	dh.public = dh.private.Bytes()
	return dh.public, nil
}

// HandleNegotiation computes the shared secret from the peer public key,
// generating our own parameters first if needed, and returns our public key.
func (dh *DiffieHellman) HandleNegotiation(rng io.Reader, publicKey []byte) ([]byte, error) {
	if len(publicKey) == 0 {
		return nil, ErrMalformed
	}
	if dh.IsMisconfigured() {
		return nil, xerrors.Errorf("diffie hellman misconfigured, can't negotiate the keys")
	}
	if dh.IsNotConfigured() {
		if _, err := dh.GenerateParameters(rng); err != nil {
			return nil, err
		}
	}
	sharedKey, err := dh.group.ComputeKey(dhkx.NewPublicKey(publicKey), dh.private)
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrMalformed, err)
	}
	dh.key = sharedKey
	return dh.public, nil
}

// deriveFast expands the shared secret into the hop keys and the key hash
// that the relay sends back as confirmation.
func (dh *DiffieHellman) deriveFast(x, y []byte) (*HopKeys, []byte, error) {
	if dh.key == nil {
		return nil, nil, xerrors.Errorf("no negotiated secret")
	}
	info := make([]byte, 0, len(fastInfo)+len(x)+len(y))
	info = append(append(append(info, fastInfo...), x...), y...)
	kdf := hkdf.New(sha256.New, dh.key.Bytes(), nil, info)

	kh := make([]byte, sha256.Size)
	if _, err := io.ReadFull(kdf, kh); err != nil {
		return nil, nil, err
	}
	keys, err := readHopKeys(kdf)
	if err != nil {
		return nil, nil, err
	}
	return keys, kh, nil
}

// FastClient is the client half of the fast handshake.
type FastClient struct {
	dh  DiffieHellman
	rng io.Reader
	x   []byte
}

// NewFastClient starts a fast handshake.
func NewFastClient(rng io.Reader) (*FastClient, error) {
	c := &FastClient{rng: rng}
	x, err := c.dh.GenerateParameters(rng)
	if err != nil {
		return nil, xerrors.Errorf("failed to generate fast handshake key: %v", err)
	}
	c.x = x
	return c, nil
}

// Onionskin implements ClientHandshake.
func (c *FastClient) Onionskin() []byte {
	return c.x
}

// CompleteFast checks the key hash and returns the hop keys.
func (c *FastClient) CompleteFast(y, keyHash []byte) (*HopKeys, error) {
	if _, err := c.dh.HandleNegotiation(c.rng, y); err != nil {
		return nil, err
	}
	keys, kh, err := c.dh.deriveFast(c.x, y)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(kh, keyHash) {
		return nil, ErrHandshakeAuth
	}
	return keys, nil
}

// Complete implements ClientHandshake. The reply is Y followed by the
// 32-byte key hash.
func (c *FastClient) Complete(reply []byte) (*HopKeys, error) {
	if len(reply) <= sha256.Size {
		return nil, ErrMalformed
	}
	split := len(reply) - sha256.Size
	return c.CompleteFast(reply[:split], reply[split:])
}

// FastServer answers a fast handshake: it returns Y, the key hash and the
// hop keys.
func FastServer(rng io.Reader, x []byte) (y, keyHash []byte, keys *HopKeys, err error) {
	var dh DiffieHellman
	y, err = dh.HandleNegotiation(rng, x)
	if err != nil {
		return nil, nil, nil, err
	}
	keys, keyHash, err = dh.deriveFast(x, y)
	if err != nil {
		return nil, nil, nil, err
	}
	return y, keyHash, keys, nil
}

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding"
	"hash"

	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

// layer is one direction of a hop's onion layer: an AES-128-CTR key stream
// and a running digest over every relay payload originated or recognized in
// that direction.
type layer struct {
	stream cipher.Stream
	digest hash.Hash
}

func newLayer(key [CipherKeyLen]byte, seed [DigestSeedLen]byte) (*layer, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	d := sha1.New()
	d.Write(seed[:])
	return &layer{stream: cipher.NewCTR(block, iv), digest: d}, nil
}

func (l *layer) apply(p *[types.CellPayloadLen]byte) {
	l.stream.XORKeyStream(p[:], p[:])
}

// originate stamps the running digest on a plaintext payload.
func (l *layer) originate(p *[types.CellPayloadLen]byte) {
	types.SetRelayDigest(p, [4]byte{})
	l.digest.Write(p[:])
	var d [4]byte
	copy(d[:], l.digest.Sum(nil))
	types.SetRelayDigest(p, d)
}

// recognize checks whether a decrypted payload is addressed to this layer.
// The running digest only advances when it is.
func (l *layer) recognize(p *[types.CellPayloadLen]byte) bool {
	if !types.RelayRecognized(p) {
		return false
	}
	state, err := l.digest.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return false
	}
	trial := sha1.New()
	if err := trial.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		return false
	}

	got := types.RelayDigest(p)
	types.SetRelayDigest(p, [4]byte{})
	trial.Write(p[:])
	want := trial.Sum(nil)[:4]
	types.SetRelayDigest(p, got)

	if !hmac.Equal(got[:], want) {
		return false
	}
	l.digest = trial
	return true
}

// ClientLayer is the client's view of one hop: it originates forward cells
// and recognizes backward ones.
type ClientLayer struct {
	fwd, back *layer
}

// NewClientLayer builds the client side of a hop from its keys.
func NewClientLayer(k *HopKeys) (*ClientLayer, error) {
	fwd, err := newLayer(k.Kf, k.Df)
	if err != nil {
		return nil, xerrors.Errorf("failed to create forward layer: %v", err)
	}
	back, err := newLayer(k.Kb, k.Db)
	if err != nil {
		return nil, xerrors.Errorf("failed to create backward layer: %v", err)
	}
	return &ClientLayer{fwd: fwd, back: back}, nil
}

// Originate stamps the digest of a payload addressed to this hop. The
// payload must then go through EncryptOutbound of this hop and every hop
// before it, innermost first.
func (c *ClientLayer) Originate(p *[types.CellPayloadLen]byte) {
	c.fwd.originate(p)
}

// EncryptOutbound adds this hop's layer.
func (c *ClientLayer) EncryptOutbound(p *[types.CellPayloadLen]byte) {
	c.fwd.apply(p)
}

// DecryptInbound removes this hop's layer and reports whether the payload
// was originated by this hop.
func (c *ClientLayer) DecryptInbound(p *[types.CellPayloadLen]byte) bool {
	c.back.apply(p)
	return c.back.recognize(p)
}

// RelayLayer is a relay's view of its hop, the mirror of ClientLayer.
type RelayLayer struct {
	fwd, back *layer
}

// NewRelayLayer builds the relay side of a hop from its keys.
func NewRelayLayer(k *HopKeys) (*RelayLayer, error) {
	fwd, err := newLayer(k.Kf, k.Df)
	if err != nil {
		return nil, xerrors.Errorf("failed to create forward layer: %v", err)
	}
	back, err := newLayer(k.Kb, k.Db)
	if err != nil {
		return nil, xerrors.Errorf("failed to create backward layer: %v", err)
	}
	return &RelayLayer{fwd: fwd, back: back}, nil
}

// DecryptOutbound removes this relay's layer and reports whether the
// payload is addressed to it.
func (r *RelayLayer) DecryptOutbound(p *[types.CellPayloadLen]byte) bool {
	r.fwd.apply(p)
	return r.fwd.recognize(p)
}

// Originate stamps the digest of a payload sent back by this relay.
func (r *RelayLayer) Originate(p *[types.CellPayloadLen]byte) {
	r.back.originate(p)
}

// EncryptInbound adds this relay's layer to a backward payload.
func (r *RelayLayer) EncryptInbound(p *[types.CellPayloadLen]byte) {
	r.back.apply(p)
}

package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/xerrors"
)

const (
	// CipherKeyLen is the AES-128 key length of a layer.
	CipherKeyLen = 16
	// DigestSeedLen is the length of a running digest seed.
	DigestSeedLen = 20

	hopKeyMaterialLen = 2*CipherKeyLen + 2*DigestSeedLen
)

// HopKeys is the symmetric material negotiated with one hop.
type HopKeys struct {
	Kf [CipherKeyLen]byte
	Kb [CipherKeyLen]byte
	Df [DigestSeedLen]byte
	Db [DigestSeedLen]byte
}

// readHopKeys fills a HopKeys from a key stream.
func readHopKeys(r io.Reader) (*HopKeys, error) {
	var buf [hopKeyMaterialLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, xerrors.Errorf("failed to expand keys: %v", err)
	}
	k := &HopKeys{}
	off := 0
	off += copy(k.Df[:], buf[off:])
	off += copy(k.Db[:], buf[off:])
	off += copy(k.Kf[:], buf[off:])
	copy(k.Kb[:], buf[off:])
	return k, nil
}

// expandSeed derives hop keys from a key seed with HKDF-SHA256.
func expandSeed(seed, info []byte) (*HopKeys, error) {
	return readHopKeys(hkdf.Expand(sha256.New, seed, info))
}

package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"

	"go.dedis.ch/onion/types"
)

// LegacyKeySize is the size of legacy relay identity keys.
const LegacyKeySize = 1024

// GenerateKey creates an RSA identity key.
func GenerateKey(keySize int) (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, keySize)
}

// RsaIdentityFromKey computes the legacy relay identity of an RSA public
// key: the SHA-1 digest of its PKCS#1 DER encoding.
func RsaIdentityFromKey(pub *rsa.PublicKey) types.RsaIdentity {
	return types.RsaIdentity(sha1.Sum(x509.MarshalPKCS1PublicKey(pub)))
}

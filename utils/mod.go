package utils

import (
	"crypto"
	_ "crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"

	"golang.org/x/xerrors"
)

// Contains returns true if the element is in the array
func Contains(arr []string, elem string) bool {
	for _, value := range arr {
		if value == elem {
			return true
		}
	}
	return false
}

// Sha256Encode encode a byte array
func Sha256Encode(buffer []byte) (sha256String string, sha256Bytes []byte) {
	h := crypto.SHA256.New()
	h.Write(buffer)
	hashSlice := h.Sum(nil)
	return hex.EncodeToString(hashSlice), hashSlice
}

// RandomIndex returns a uniform index in [0, n) read from rng.
func RandomIndex(rng io.Reader, n int) (int, error) {
	if n <= 0 {
		return 0, xerrors.Errorf("cannot pick among %d elements", n)
	}

	// reject the top of the range to avoid modulo bias
	limit := ^uint64(0) - ^uint64(0)%uint64(n)
	var buf [8]byte
	for {
		_, err := io.ReadFull(rng, buf[:])
		if err != nil {
			return 0, xerrors.Errorf("failed to read randomness: %v", err)
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < limit {
			return int(v % uint64(n)), nil
		}
	}
}

// Shuffle returns a permutation of [0, n) read from rng.
func Shuffle(rng io.Reader, n int) ([]int, error) {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j, err := RandomIndex(rng, i+1)
		if err != nil {
			return nil, err
		}
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm, nil
}

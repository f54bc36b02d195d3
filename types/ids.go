package types

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/xerrors"
)

// RelayIDType is the scheme of a relay identity. A relay has zero or one
// identity of each type, and code should treat every type as optional.
type RelayIDType uint8

const (
	// Ed25519IDType is an Ed25519 public identity key.
	Ed25519IDType RelayIDType = iota + 1
	// RsaIDType is the SHA-1 digest of the DER encoded legacy RSA identity key.
	RsaIDType
)

// AllRelayIDTypes lists every identity scheme, in display order.
var AllRelayIDTypes = [...]RelayIDType{Ed25519IDType, RsaIDType}

// String implements fmt.Stringer.
func (t RelayIDType) String() string {
	switch t {
	case Ed25519IDType:
		return "Ed25519"
	case RsaIDType:
		return "RSA (legacy)"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

const (
	// Ed25519IDLen is the length of an Ed25519 identity.
	Ed25519IDLen = 32
	// RsaIDLen is the length of an RSA identity digest.
	RsaIDLen = 20
)

// Ed25519Identity is an Ed25519 relay identity.
type Ed25519Identity [Ed25519IDLen]byte

// RsaIdentity is a legacy RSA relay identity.
type RsaIdentity [RsaIDLen]byte

// String implements fmt.Stringer.
func (id Ed25519Identity) String() string {
	return base64.RawStdEncoding.EncodeToString(id[:])
}

// String implements fmt.Stringer.
func (id RsaIdentity) String() string {
	return "$" + strings.ToUpper(hex.EncodeToString(id[:]))
}

// RelayID is a single relay identity of any scheme. The zero value is not a
// valid identity.
type RelayID struct {
	kind RelayIDType
	key  [Ed25519IDLen]byte
}

// NewEd25519ID wraps an Ed25519 identity.
func NewEd25519ID(id Ed25519Identity) RelayID {
	return RelayID{kind: Ed25519IDType, key: id}
}

// NewRsaID wraps an RSA identity.
func NewRsaID(id RsaIdentity) RelayID {
	r := RelayID{kind: RsaIDType}
	copy(r.key[:], id[:])
	return r
}

// ParseRelayID parses the output of RelayID.String.
func ParseRelayID(s string) (RelayID, error) {
	switch {
	case strings.HasPrefix(s, "ed25519:"):
		raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(s, "ed25519:"))
		if err != nil || len(raw) != Ed25519IDLen {
			return RelayID{}, xerrors.Errorf("invalid ed25519 identity %q", s)
		}
		var id Ed25519Identity
		copy(id[:], raw)
		return NewEd25519ID(id), nil
	case strings.HasPrefix(s, "$"):
		raw, err := hex.DecodeString(strings.TrimPrefix(s, "$"))
		if err != nil || len(raw) != RsaIDLen {
			return RelayID{}, xerrors.Errorf("invalid rsa identity %q", s)
		}
		var id RsaIdentity
		copy(id[:], raw)
		return NewRsaID(id), nil
	}
	return RelayID{}, xerrors.Errorf("unrecognized relay identity %q", s)
}

// Type returns the identity scheme.
func (r RelayID) Type() RelayIDType {
	return r.kind
}

// IsZero returns true for the zero RelayID.
func (r RelayID) IsZero() bool {
	return r.kind == 0
}

// Bytes returns the raw identity bytes.
func (r RelayID) Bytes() []byte {
	switch r.kind {
	case Ed25519IDType:
		return append([]byte(nil), r.key[:]...)
	case RsaIDType:
		return append([]byte(nil), r.key[:RsaIDLen]...)
	default:
		return nil
	}
}

// Equal compares two identities. Identities of different schemes are never
// equal.
func (r RelayID) Equal(o RelayID) bool {
	return r.kind == o.kind && r.key == o.key
}

// Compare orders identities first by scheme then by bytes.
func (r RelayID) Compare(o RelayID) int {
	if r.kind != o.kind {
		if r.kind < o.kind {
			return -1
		}
		return 1
	}
	return bytes.Compare(r.key[:], o.key[:])
}

// String implements fmt.Stringer.
func (r RelayID) String() string {
	switch r.kind {
	case Ed25519IDType:
		return "ed25519:" + Ed25519Identity(r.key).String()
	case RsaIDType:
		var id RsaIdentity
		copy(id[:], r.key[:RsaIDLen])
		return id.String()
	default:
		return "<no identity>"
	}
}

// RelayIDs holds at most one identity per scheme.
type RelayIDs struct {
	ed  *Ed25519Identity
	rsa *RsaIdentity
}

// NewRelayIDs builds an identity set. Either argument may be nil.
func NewRelayIDs(ed *Ed25519Identity, rsa *RsaIdentity) RelayIDs {
	var ids RelayIDs
	if ed != nil {
		e := *ed
		ids.ed = &e
	}
	if rsa != nil {
		r := *rsa
		ids.rsa = &r
	}
	return ids
}

// Ed25519 returns the Ed25519 identity, if any.
func (ids RelayIDs) Ed25519() (Ed25519Identity, bool) {
	if ids.ed == nil {
		return Ed25519Identity{}, false
	}
	return *ids.ed, true
}

// Rsa returns the RSA identity, if any.
func (ids RelayIDs) Rsa() (RsaIdentity, bool) {
	if ids.rsa == nil {
		return RsaIdentity{}, false
	}
	return *ids.rsa, true
}

// Identity returns the identity of the given scheme, if present.
func (ids RelayIDs) Identity(t RelayIDType) (RelayID, bool) {
	switch t {
	case Ed25519IDType:
		if ids.ed != nil {
			return NewEd25519ID(*ids.ed), true
		}
	case RsaIDType:
		if ids.rsa != nil {
			return NewRsaID(*ids.rsa), true
		}
	}
	return RelayID{}, false
}

// All returns every identity present, in AllRelayIDTypes order.
func (ids RelayIDs) All() []RelayID {
	res := make([]RelayID, 0, len(AllRelayIDTypes))
	for _, t := range AllRelayIDTypes {
		if id, ok := ids.Identity(t); ok {
			res = append(res, id)
		}
	}
	return res
}

// IsEmpty returns true when no identity is known.
func (ids RelayIDs) IsEmpty() bool {
	return ids.ed == nil && ids.rsa == nil
}

// Primary returns the preferred identity: Ed25519 when known, otherwise RSA.
func (ids RelayIDs) Primary() (RelayID, bool) {
	all := ids.All()
	if len(all) == 0 {
		return RelayID{}, false
	}
	return all[0], true
}

// SameRelay returns true if the two sets share at least one identity and do
// not disagree on any scheme both define.
func (ids RelayIDs) SameRelay(o RelayIDs) bool {
	shared := false
	for _, t := range AllRelayIDTypes {
		a, okA := ids.Identity(t)
		b, okB := o.Identity(t)
		if okA && okB {
			if !a.Equal(b) {
				return false
			}
			shared = true
		}
	}
	return shared
}

// String implements fmt.Stringer.
func (ids RelayIDs) String() string {
	all := ids.All()
	if len(all) == 0 {
		return "<no identities>"
	}
	parts := make([]string, len(all))
	for i, id := range all {
		parts[i] = id.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

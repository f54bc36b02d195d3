package types

import (
	"fmt"

	"go.dedis.ch/onion/utils"
	"golang.org/x/xerrors"
)

// Relay flags carried by descriptors.
const (
	FlagGuard  = "Guard"
	FlagExit   = "Exit"
	FlagFast   = "Fast"
	FlagStable = "Stable"
)

// RelayDescriptor is what the client knows about one relay: the identities,
// addresses and keys needed to open channels and extend circuits to it.
type RelayDescriptor struct {
	Nickname string      `cbor:"1,keyasint"`
	Ed25519  []byte      `cbor:"2,keyasint,omitempty"`
	Rsa      []byte      `cbor:"3,keyasint,omitempty"`
	Address  []string    `cbor:"4,keyasint"`
	OnionKey []byte      `cbor:"5,keyasint"`
	Policy   *PortPolicy `cbor:"6,keyasint,omitempty"`
	Flags    []string    `cbor:"7,keyasint,omitempty"`
}

// Validate checks the lengths of the keys.
func (d *RelayDescriptor) Validate() error {
	if len(d.Ed25519) == 0 && len(d.Rsa) == 0 {
		return xerrors.Errorf("relay %q has no identity", d.Nickname)
	}
	if len(d.Ed25519) != 0 && len(d.Ed25519) != Ed25519IDLen {
		return xerrors.Errorf("relay %q: bad ed25519 identity length %d", d.Nickname, len(d.Ed25519))
	}
	if len(d.Rsa) != 0 && len(d.Rsa) != RsaIDLen {
		return xerrors.Errorf("relay %q: bad rsa identity length %d", d.Nickname, len(d.Rsa))
	}
	if len(d.OnionKey) != 32 {
		return xerrors.Errorf("relay %q: bad onion key length %d", d.Nickname, len(d.OnionKey))
	}
	if len(d.Address) == 0 {
		return xerrors.Errorf("relay %q has no address", d.Nickname)
	}
	return nil
}

// Identities implements peer.ChanTarget.
func (d *RelayDescriptor) Identities() RelayIDs {
	var ed *Ed25519Identity
	var rsa *RsaIdentity
	if len(d.Ed25519) == Ed25519IDLen {
		ed = new(Ed25519Identity)
		copy(ed[:], d.Ed25519)
	}
	if len(d.Rsa) == RsaIDLen {
		rsa = new(RsaIdentity)
		copy(rsa[:], d.Rsa)
	}
	return NewRelayIDs(ed, rsa)
}

// Addrs implements peer.ChanTarget.
func (d *RelayDescriptor) Addrs() []string {
	return d.Address
}

// NtorOnionKey implements peer.CircTarget.
func (d *RelayDescriptor) NtorOnionKey() [32]byte {
	var k [32]byte
	copy(k[:], d.OnionKey)
	return k
}

// ExitPolicy implements peer.CircTarget.
func (d *RelayDescriptor) ExitPolicy() *PortPolicy {
	if !d.HasFlag(FlagExit) {
		return nil
	}
	return d.Policy
}

// HasFlag returns true if the relay carries the flag.
func (d *RelayDescriptor) HasFlag(flag string) bool {
	return utils.Contains(d.Flags, flag)
}

// String implements fmt.Stringer.
func (d *RelayDescriptor) String() string {
	return fmt.Sprintf("%s%s", d.Nickname, d.Identities())
}

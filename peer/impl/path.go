package impl

import (
	"strings"

	"go.dedis.ch/onion/peer"
	"go.dedis.ch/onion/types"
)

type pathKind int

const (
	pathOneHop pathKind = iota
	pathFallbackOneHop
	pathMultiHop
)

// TorPath is an ordered list of relays for a circuit.
type TorPath struct {
	kind     pathKind
	hops     []peer.CircTarget
	fallback peer.ChanTarget
}

// NewOneHopPath returns a path to a single known relay, used for directory
// requests.
func NewOneHopPath(target peer.CircTarget) *TorPath {
	return &TorPath{kind: pathOneHop, hops: []peer.CircTarget{target}}
}

// NewFallbackPath returns a path to a fallback directory. Only the channel
// level information of a fallback is known, so the circuit is created with
// the fast handshake.
func NewFallbackPath(fallback peer.ChanTarget) *TorPath {
	return &TorPath{kind: pathFallbackOneHop, fallback: fallback}
}

// NewMultiHopPath returns a path through hops, first hop first.
func NewMultiHopPath(hops ...peer.CircTarget) (*TorPath, error) {
	if len(hops) == 0 {
		return nil, ErrNoRelays
	}
	return &TorPath{kind: pathMultiHop, hops: append([]peer.CircTarget(nil), hops...)}, nil
}

// Len returns the number of hops.
func (p *TorPath) Len() int {
	if p.kind == pathFallbackOneHop {
		return 1
	}
	return len(p.hops)
}

// IsFallback returns true for fallback paths.
func (p *TorPath) IsFallback() bool {
	return p.kind == pathFallbackOneHop
}

// IsMultiHop returns true for multi-hop paths.
func (p *TorPath) IsMultiHop() bool {
	return p.kind == pathMultiHop
}

// FirstHop returns the relay a channel is needed to.
func (p *TorPath) FirstHop() peer.ChanTarget {
	if p.kind == pathFallbackOneHop {
		return p.fallback
	}
	return p.hops[0]
}

// Hops returns the circuit targets of the path, empty for fallback paths.
func (p *TorPath) Hops() []peer.CircTarget {
	return p.hops
}

// ExitPolicy returns the policy of the last hop of a multi-hop path, nil
// for other paths.
func (p *TorPath) ExitPolicy() *types.PortPolicy {
	if p.kind != pathMultiHop {
		return nil
	}
	return p.hops[len(p.hops)-1].ExitPolicy().Clone()
}

// String implements fmt.Stringer.
func (p *TorPath) String() string {
	if p.kind == pathFallbackOneHop {
		return "fallback" + p.fallback.Identities().String()
	}
	parts := make([]string, len(p.hops))
	for i, h := range p.hops {
		parts[i] = h.Identities().String()
	}
	return strings.Join(parts, " -> ")
}

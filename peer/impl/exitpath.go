package impl

import (
	"io"

	"go.dedis.ch/onion/peer"
	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

// NewExitPathBuilder returns a builder for paths whose exit allows every
// port in ports. With no port, any exit is accepted.
func NewExitPathBuilder(ports ...uint16) *ExitPathBuilder {
	return &ExitPathBuilder{ports: ports}
}

// ExitPathBuilder picks guard, middle and exit relays.
type ExitPathBuilder struct {
	ports []uint16
}

func (b *ExitPathBuilder) allows(p *types.PortPolicy) bool {
	if len(b.ports) == 0 {
		return p.AllowsSome()
	}
	for _, port := range b.ports {
		if !p.Allows(port) {
			return false
		}
	}
	return true
}

// PickPath returns a path of length distinct relays. The first hop comes
// from guards when given, and the returned monitor then reports its
// outcome. It fails with ErrNeedConsensus without a directory.
func (b *ExitPathBuilder) PickPath(rng io.Reader, dir *NetDir, guards *GuardMgr, length int) (*TorPath, *GuardMonitor, error) {
	if dir == nil {
		return nil, nil, ErrNeedConsensus
	}
	if length < 1 {
		return nil, nil, xerrors.Errorf("invalid path length %d", length)
	}

	exit, err := dir.Pick(rng, func(r *types.RelayDescriptor) bool {
		return b.allows(r.ExitPolicy())
	})
	if err != nil {
		return nil, nil, xerrors.Errorf("no exit for ports %v: %w", b.ports, err)
	}
	if length == 1 {
		path, err := NewMultiHopPath(exit)
		return path, nil, err
	}

	chosen := []peer.CircTarget{exit}
	taken := func(ids types.RelayIDs) bool {
		for _, c := range chosen {
			if c.Identities().SameRelay(ids) {
				return true
			}
		}
		return false
	}

	var guard peer.CircTarget
	var mon *GuardMonitor
	if guards != nil {
		guard, mon, err = guards.Select(taken)
		if err != nil && !xerrors.Is(err, ErrNoRelays) {
			return nil, nil, err
		}
	}
	if guard == nil {
		desc, err := dir.Pick(rng, func(r *types.RelayDescriptor) bool {
			return r.HasFlag(types.FlagGuard) && !taken(r.Identities())
		})
		if err != nil {
			return nil, nil, xerrors.Errorf("no guard: %w", err)
		}
		guard = desc
	}
	chosen = append(chosen, guard)

	hops := []peer.CircTarget{guard}
	for i := 0; i < length-2; i++ {
		middle, err := dir.Pick(rng, func(r *types.RelayDescriptor) bool {
			return !taken(r.Identities())
		})
		if err != nil {
			return nil, nil, xerrors.Errorf("no middle relay: %w", err)
		}
		chosen = append(chosen, middle)
		hops = append(hops, middle)
	}
	hops = append(hops, exit)

	path, err := NewMultiHopPath(hops...)
	return path, mon, err
}

// PickDirPath returns a one-hop path for directory requests: to a guard
// when a directory is known, otherwise to a fallback. The returned handle
// reports the first hop outcome to the matching subsystem.
func PickDirPath(rng io.Reader, dir *NetDir, guards *GuardMgr, fallbacks *FallbackList) (*TorPath, *FirstHopStatusHandle, error) {
	if dir == nil {
		if fallbacks == nil {
			return nil, nil, ErrNeedConsensus
		}
		f, mon, err := fallbacks.Choose(rng)
		if err != nil {
			return nil, nil, err
		}
		return NewFallbackPath(f), NewFallbackStatusHandle(mon), nil
	}

	if guards != nil {
		guard, mon, err := guards.Select(nil)
		if err == nil {
			return NewOneHopPath(guard), NewGuardStatusHandle(mon), nil
		}
	}

	desc, err := dir.Pick(rng, func(r *types.RelayDescriptor) bool {
		return r.HasFlag(types.FlagGuard)
	})
	if err != nil {
		return nil, nil, err
	}
	return NewOneHopPath(desc), NewGuardStatusHandle(nil), nil
}

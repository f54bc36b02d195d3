package impl

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
	"go.dedis.ch/onion/internal/instrument"
	"go.dedis.ch/onion/peer"
	"go.dedis.ch/onion/types"
	"go.dedis.ch/onion/utils"
)

type guardEntry struct {
	target    peer.CircTarget
	key       string
	failures  int
	successes int
	demoted   bool
}

// NewGuardMgr returns a manager without guards. A guard is demoted after
// maxFailures consecutive failures.
func NewGuardMgr(maxFailures int) *GuardMgr {
	return &GuardMgr{
		maxFailures: maxFailures,
		log:         logger.With().Str("role", "guardmgr").Logger(),
	}
}

// GuardMgr keeps the sample of guards used as first hops, in order of
// preference.
type GuardMgr struct {
	sync.Mutex
	guards      []*guardEntry
	maxFailures int
	log         zerolog.Logger
}

func guardKey(ids types.RelayIDs) string {
	if id, ok := ids.Primary(); ok {
		return id.String()
	}
	return ""
}

// UpdateSample keeps the current guards that are still listed in candidates
// and tops the sample up to size with random candidates.
func (g *GuardMgr) UpdateSample(candidates []peer.CircTarget, size int, rng io.Reader) error {
	g.Lock()
	defer g.Unlock()

	listed := make(map[string]peer.CircTarget, len(candidates))
	for _, c := range candidates {
		listed[guardKey(c.Identities())] = c
	}

	kept := g.guards[:0]
	inSample := make(map[string]bool)
	for _, e := range g.guards {
		if c, ok := listed[e.key]; ok {
			e.target = c
			kept = append(kept, e)
			inSample[e.key] = true
		}
	}
	g.guards = kept

	perm, err := utils.Shuffle(rng, len(candidates))
	if err != nil {
		return err
	}
	for _, i := range perm {
		if len(g.guards) >= size {
			break
		}
		key := guardKey(candidates[i].Identities())
		if key == "" || inSample[key] {
			continue
		}
		g.guards = append(g.guards, &guardEntry{target: candidates[i], key: key})
		inSample[key] = true
	}

	g.log.Debug().Int("guards", len(g.guards)).Msg("guard sample updated")
	return nil
}

// Select returns the preferred usable guard for which exclude is false.
func (g *GuardMgr) Select(exclude func(types.RelayIDs) bool) (peer.CircTarget, *GuardMonitor, error) {
	g.Lock()
	defer g.Unlock()

	for _, e := range g.guards {
		if e.demoted {
			continue
		}
		if exclude != nil && exclude(e.target.Identities()) {
			continue
		}
		return e.target, &GuardMonitor{mgr: g, key: e.key, status: GuardAttemptAbandoned}, nil
	}
	return nil, nil, ErrNoRelays
}

// Guards returns the sampled guards in order of preference.
func (g *GuardMgr) Guards() []peer.CircTarget {
	g.Lock()
	defer g.Unlock()

	res := make([]peer.CircTarget, len(g.guards))
	for i, e := range g.guards {
		res[i] = e.target
	}
	return res
}

// Failures returns the consecutive failure count of a guard and whether it
// is demoted.
func (g *GuardMgr) Failures(ids types.RelayIDs) (int, bool) {
	g.Lock()
	defer g.Unlock()

	key := guardKey(ids)
	for _, e := range g.guards {
		if e.key == key {
			return e.failures, e.demoted
		}
	}
	return 0, false
}

func (g *GuardMgr) record(key string, s GuardStatus) {
	g.Lock()
	defer g.Unlock()

	instrument.FirstHopReport("guard", s.String())

	for i, e := range g.guards {
		if e.key != key {
			continue
		}

		switch s {
		case GuardSuccess:
			e.failures = 0
			e.successes++
			e.demoted = false
		case GuardFailure:
			e.failures++
			if e.failures >= g.maxFailures && !e.demoted {
				e.demoted = true
				// demoted guards go last
				g.guards = append(append(g.guards[:i:i], g.guards[i+1:]...), e)
				g.log.Info().Str("guard", key).Int("failures", e.failures).Msg("guard demoted")
			}
		}
		return
	}
}

// GuardMonitor reports the outcome of one use of a guard.
type GuardMonitor struct {
	mgr    *GuardMgr
	key    string
	status GuardStatus
}

// PendingStatus sets the status a later Commit reports.
func (m *GuardMonitor) PendingStatus(s GuardStatus) {
	m.status = s
}

// Commit reports the pending status.
func (m *GuardMonitor) Commit() {
	m.mgr.record(m.key, m.status)
}

// Report reports s.
func (m *GuardMonitor) Report(s GuardStatus) {
	m.mgr.record(m.key, s)
}

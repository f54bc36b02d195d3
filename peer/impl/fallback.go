package impl

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.dedis.ch/onion/internal/instrument"
	"go.dedis.ch/onion/peer"
	"go.dedis.ch/onion/types"
	"go.dedis.ch/onion/utils"
	"golang.org/x/xerrors"
)

// FallbackDir is a directory cache known in advance, used to bootstrap
// before any consensus is available.
//
// - implements peer.ChanTarget
type FallbackDir struct {
	ids   types.RelayIDs
	addrs []string
}

// NewFallbackDir returns a fallback with the given identities and
// addresses.
func NewFallbackDir(ids types.RelayIDs, addrs []string) FallbackDir {
	return FallbackDir{ids: ids, addrs: append([]string(nil), addrs...)}
}

// FallbackDirsFromConfig parses the configured fallbacks.
func FallbackDirsFromConfig(confs []peer.FallbackConfig) ([]FallbackDir, error) {
	dirs := make([]FallbackDir, len(confs))
	for i, c := range confs {
		ids, err := c.IDs()
		if err != nil {
			return nil, xerrors.Errorf("fallback %d: %w", i, err)
		}
		dirs[i] = NewFallbackDir(ids, c.Addrs)
	}
	return dirs, nil
}

// Identities implements peer.ChanTarget.
func (f FallbackDir) Identities() types.RelayIDs {
	return f.ids
}

// Addrs implements peer.ChanTarget.
func (f FallbackDir) Addrs() []string {
	return f.addrs
}

type fallbackEntry struct {
	dir      FallbackDir
	failures int
	retryAt  time.Time
}

// NewFallbackList returns a list where a failed fallback is skipped for
// retryDelay.
func NewFallbackList(dirs []FallbackDir, retryDelay time.Duration) *FallbackList {
	entries := make([]*fallbackEntry, len(dirs))
	for i, d := range dirs {
		entries[i] = &fallbackEntry{dir: d}
	}
	return &FallbackList{
		entries:    entries,
		retryDelay: retryDelay,
		now:        time.Now,
		log:        logger.With().Str("role", "fallbacks").Logger(),
	}
}

// FallbackList is the set of fallback directories and their retry state.
type FallbackList struct {
	sync.Mutex
	entries    []*fallbackEntry
	retryDelay time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// Choose returns a random fallback that is not waiting for a retry.
func (l *FallbackList) Choose(rng io.Reader) (FallbackDir, *FallbackMonitor, error) {
	l.Lock()
	defer l.Unlock()

	now := l.now()
	var usable []int
	for i, e := range l.entries {
		if !now.Before(e.retryAt) {
			usable = append(usable, i)
		}
	}
	if len(usable) == 0 {
		return FallbackDir{}, nil, xerrors.Errorf("no fallback ready: %w", ErrNoRelays)
	}

	i, err := utils.RandomIndex(rng, len(usable))
	if err != nil {
		return FallbackDir{}, nil, err
	}
	idx := usable[i]
	return l.entries[idx].dir, &FallbackMonitor{list: l, idx: idx, status: GuardAttemptAbandoned}, nil
}

// Usable returns the number of fallbacks not waiting for a retry.
func (l *FallbackList) Usable() int {
	l.Lock()
	defer l.Unlock()

	now := l.now()
	n := 0
	for _, e := range l.entries {
		if !now.Before(e.retryAt) {
			n++
		}
	}
	return n
}

func (l *FallbackList) record(idx int, s GuardStatus) {
	l.Lock()
	defer l.Unlock()

	instrument.FirstHopReport("fallback", s.String())

	e := l.entries[idx]
	switch s {
	case GuardSuccess:
		e.failures = 0
		e.retryAt = time.Time{}
	case GuardFailure:
		e.failures++
		e.retryAt = l.now().Add(l.retryDelay)
		l.log.Info().Str("fallback", e.dir.ids.String()).Time("retry", e.retryAt).Msg("fallback failed")
	}
}

// FallbackMonitor reports the outcome of one use of a fallback.
type FallbackMonitor struct {
	list   *FallbackList
	idx    int
	status GuardStatus
}

// PendingStatus sets the status a later Commit reports.
func (m *FallbackMonitor) PendingStatus(s GuardStatus) {
	m.status = s
}

// Commit reports the pending status.
func (m *FallbackMonitor) Commit() {
	m.list.record(m.idx, m.status)
}

// Report reports s.
func (m *FallbackMonitor) Report(s GuardStatus) {
	m.list.record(m.idx, s)
}

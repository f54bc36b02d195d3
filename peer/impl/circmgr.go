package impl

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"go.dedis.ch/onion/peer"
	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

// openCirc is a built exit circuit and the policy of its exit.
type openCirc struct {
	circ   *ClientCirc
	policy *types.PortPolicy
}

// NewCircMgr returns a circuit manager. The directory is loaded from store
// by RefreshDirectory, until then only fallback paths can be built.
func NewCircMgr(conf peer.Configuration, chans ChannelSource, store peer.DocumentStore, rng io.Reader) (*CircMgr, error) {
	dirs, err := FallbackDirsFromConfig(conf.Fallbacks)
	if err != nil {
		return nil, err
	}

	params := CircParameters{
		CircWindow:      conf.Circuit.CircWindow,
		CircIncrement:   conf.Circuit.CircIncrement,
		StreamWindow:    conf.Circuit.StreamWindow,
		StreamIncrement: conf.Circuit.StreamIncrement,
	}

	return &CircMgr{
		conf:      conf,
		chans:     chans,
		builder:   NewBuilder(chans, params, conf.Circuit.BuildTimeout),
		store:     store,
		guards:    NewGuardMgr(conf.Guards.MaxFailures),
		fallbacks: NewFallbackList(dirs, conf.Guards.FallbackRetry),
		rng:       rng,
		log:       logger.With().Str("role", "circmgr").Logger(),
	}, nil
}

// CircMgr builds circuits on demand, retrying with fresh paths, and reuses
// open exit circuits for new streams.
//
// - implements peer.Onion
type CircMgr struct {
	conf      peer.Configuration
	chans     ChannelSource
	builder   *Builder
	store     peer.DocumentStore
	guards    *GuardMgr
	fallbacks *FallbackList
	rng       io.Reader
	log       zerolog.Logger

	sync.Mutex
	netdir *NetDir
	circs  []openCirc
	closed bool
}

// RefreshDirectory implements peer.Onion. It also refreshes the guard
// sample.
func (m *CircMgr) RefreshDirectory() error {
	dir, err := LoadNetDir(m.store)
	if err != nil {
		return err
	}

	err = m.guards.UpdateSample(dir.Guards(), m.conf.Guards.SampleSize, m.rng)
	if err != nil {
		return err
	}

	m.Lock()
	m.netdir = dir
	m.Unlock()

	m.log.Info().Int("relays", len(dir.Relays())).Msg("directory loaded")
	return nil
}

// NetDir returns the current directory, nil before the first refresh.
func (m *CircMgr) NetDir() *NetDir {
	m.Lock()
	defer m.Unlock()

	return m.netdir
}

// Guards returns the guard manager.
func (m *CircMgr) Guards() *GuardMgr {
	return m.guards
}

// Fallbacks returns the fallback list.
func (m *CircMgr) Fallbacks() *FallbackList {
	return m.fallbacks
}

// retry runs attempt up to the retry budget and aggregates the failures.
// Errors no new path can fix stop the retries early.
func (m *CircMgr) retry(ctx context.Context, attempt func() (*ClientCirc, error)) (*ClientCirc, error) {
	var attempts []error

	for i := 0; i < m.conf.Circuit.RetryBudget; i++ {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, err)
			break
		}

		circ, err := attempt()
		if err == nil {
			return circ, nil
		}

		m.log.Debug().Err(err).Int("attempt", i+1).Msg("circuit attempt failed")
		attempts = append(attempts, err)

		if xerrors.Is(err, ErrNeedConsensus) || xerrors.Is(err, ErrNoRelays) || xerrors.Is(err, ErrPendingFailed) {
			break
		}
	}
	return nil, RequestFailedError{Attempts: attempts}
}

// BuildExitCircuit builds a circuit whose exit allows every port in ports.
func (m *CircMgr) BuildExitCircuit(ctx context.Context, ports ...uint16) (*ClientCirc, error) {
	pb := NewExitPathBuilder(ports...)

	return m.retry(ctx, func() (*ClientCirc, error) {
		path, mon, err := pb.PickPath(m.rng, m.NetDir(), m.guards, m.conf.Path.Length)
		if err != nil {
			return nil, err
		}

		circ, err := m.builder.BuildWithTimeout(ctx, path, m.rng, NewGuardStatusHandle(mon))
		if err != nil {
			return nil, err
		}
		return circ, m.register(circ, path.ExitPolicy())
	})
}

// BuildDirCircuit builds a one-hop circuit to a directory cache: a guard
// once a directory is known, a fallback before.
func (m *CircMgr) BuildDirCircuit(ctx context.Context) (*ClientCirc, error) {
	return m.retry(ctx, func() (*ClientCirc, error) {
		path, status, err := PickDirPath(m.rng, m.NetDir(), m.guards, m.fallbacks)
		if err != nil {
			return nil, err
		}
		return m.builder.BuildWithTimeout(ctx, path, m.rng, status)
	})
}

// register keeps an exit circuit for reuse. It fails with ErrPendingFailed
// if the manager was closed during the build.
func (m *CircMgr) register(circ *ClientCirc, policy *types.PortPolicy) error {
	m.Lock()
	defer m.Unlock()

	if m.closed {
		go circ.Close()
		return ErrPendingFailed
	}
	m.circs = append(m.circs, openCirc{circ: circ, policy: policy})
	return nil
}

// findCirc returns an open circuit whose exit allows port, forgetting the
// closed ones.
func (m *CircMgr) findCirc(port uint16) *ClientCirc {
	m.Lock()
	defer m.Unlock()

	open := m.circs[:0]
	var found *ClientCirc
	for _, oc := range m.circs {
		if oc.circ.IsClosing() {
			continue
		}
		open = append(open, oc)
		if found == nil && oc.policy.Allows(port) {
			found = oc.circ
		}
	}
	m.circs = open
	return found
}

// OpenStream implements peer.Onion.
func (m *CircMgr) OpenStream(ctx context.Context, host string, port uint16) (io.ReadWriteCloser, error) {
	circ := m.findCirc(port)
	if circ == nil {
		var err error
		circ, err = m.BuildExitCircuit(ctx, port)
		if err != nil {
			return nil, err
		}
	}

	s, err := circ.BeginStream(ctx, net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, xerrors.Errorf("failed to open stream to %s:%d: %w", host, port, err)
	}
	return s, nil
}

// Close implements peer.Onion.
func (m *CircMgr) Close() error {
	m.Lock()
	m.closed = true
	circs := m.circs
	m.circs = nil
	m.Unlock()

	for _, oc := range circs {
		oc.circ.Close()
	}
	if closer, ok := m.chans.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

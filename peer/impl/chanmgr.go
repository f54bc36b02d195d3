package impl

import (
	"context"
	"io"

	"github.com/rs/zerolog"
	"go.dedis.ch/onion/internal/instrument"
	"go.dedis.ch/onion/peer"
	"go.dedis.ch/onion/transport"
	"golang.org/x/xerrors"
)

// ChannelSource hands out channels to first hops.
type ChannelSource interface {
	GetOrLaunch(ctx context.Context, target peer.ChanTarget) (*Channel, error)
}

// NewChanMgr returns a channel manager dialing through dialer.
func NewChanMgr(dialer transport.Dialer, rng io.Reader) *ChanMgr {
	return &ChanMgr{
		dialer: dialer,
		rng:    rng,
		chans:  NewConcurrentMapChan(),
		log:    logger.With().Str("role", "chanmgr").Logger(),
	}
}

// ChanMgr keeps at most one open channel per relay.
//
// - implements impl.ChannelSource
type ChanMgr struct {
	dialer transport.Dialer
	rng    io.Reader
	chans  ConcurrentMapChan
	log    zerolog.Logger
}

// GetOrLaunch returns the open channel to target, dialing one if needed.
// Concurrent callers for the same relay share a single launch.
func (m *ChanMgr) GetOrLaunch(ctx context.Context, target peer.ChanTarget) (*Channel, error) {
	ids := target.Identities()
	primary, ok := ids.Primary()
	if !ok {
		return nil, xerrors.Errorf("cannot open a channel to a relay without identity")
	}
	key := primary.String()

	for {
		entry, launch := m.chans.GetOrReserve(key)
		if launch {
			ch, err := m.launch(ctx, target)
			entry.aborted = err != nil && ctx.Err() != nil
			m.chans.Finish(key, entry, ch, err)
			return ch, err
		}

		select {
		case <-entry.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if entry.err == nil {
			return entry.ch, nil
		}
		// the launching caller gave up, try again on our own context
		if entry.aborted && ctx.Err() == nil {
			continue
		}
		return nil, entry.err
	}
}

func (m *ChanMgr) launch(ctx context.Context, target peer.ChanTarget) (*Channel, error) {
	ids := target.Identities()
	m.log.Debug().Str("relay", ids.String()).Msg("launching channel")

	conn, err := m.dialer.Dial(ctx, target)
	if err != nil {
		return nil, ChanFailedError{Relay: ids.String(), Err: err}
	}

	instrument.ChannelLaunched()
	return NewChannel(conn, ids, m.rng), nil
}

// Remove drops a channel from the manager, for instance after it failed.
func (m *ChanMgr) Remove(ch *Channel) {
	primary, ok := ch.Target().Primary()
	if !ok {
		return
	}
	m.chans.Remove(primary.String(), ch)
}

// Close closes every channel.
func (m *ChanMgr) Close() error {
	for _, ch := range m.chans.Channels() {
		ch.Close()
		m.Remove(ch)
	}
	return nil
}

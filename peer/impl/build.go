package impl

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.dedis.ch/onion/internal/instrument"
	"golang.org/x/xerrors"
)

// NewBuilder returns a circuit builder taking first hop channels from chans.
// A zero timeout disables BuildWithTimeout's deadline.
func NewBuilder(chans ChannelSource, params CircParameters, timeout time.Duration) *Builder {
	return &Builder{
		chans:   chans,
		params:  params,
		timeout: timeout,
		log:     logger.With().Str("role", "builder").Logger(),
	}
}

// Builder turns paths into circuits.
type Builder struct {
	chans   ChannelSource
	params  CircParameters
	timeout time.Duration
	log     zerolog.Logger

	// torndown, if set, is called with every partial circuit closed by a
	// failed build.
	torndown func(*ClientCirc)
}

// BuildCircuit builds a circuit along path. The first hop uses the fast
// handshake on one-hop and fallback paths and ntor on multi-hop paths; each
// further hop is added with Extend. The first failure ends the build, and
// the partial circuit is closed before returning.
//
// The outcome for the first hop goes to status: a failure until the first
// hop is created, indeterminate after, success once every hop is built.
func (b *Builder) BuildCircuit(ctx context.Context, path *TorPath, rng io.Reader, status *FirstHopStatusHandle) (*ClientCirc, error) {
	if status == nil {
		status = NewGuardStatusHandle(nil)
	}
	start := time.Now()
	log := b.log.With().Stringer("path", path).Logger()

	status.Pending(GuardFailure)

	ch, err := b.chans.GetOrLaunch(ctx, path.FirstHop())
	if err != nil {
		return nil, b.fail(ctx, nil, status, err)
	}

	circ, err := newClientCirc(ch, b.params, rng, func(error) {
		status.Commit()
	})
	if err != nil {
		return nil, b.fail(ctx, nil, status, err)
	}

	switch {
	case path.IsMultiHop():
		err = circ.CreateFirstHopNtor(ctx, rng, path.Hops()[0])
	case path.IsFallback():
		err = circ.CreateFirstHopFast(ctx, rng, path.FirstHop())
	default:
		err = circ.CreateFirstHopFast(ctx, rng, path.Hops()[0])
	}
	if err != nil {
		return nil, b.fail(ctx, circ, status, err)
	}

	status.Pending(GuardIndeterminate)

	if path.IsMultiHop() {
		for i, target := range path.Hops()[1:] {
			err = circ.Extend(ctx, rng, target)
			if err != nil {
				log.Debug().Err(err).Int("hop", i+1).Msg("extend failed")
				return nil, b.fail(ctx, circ, status, err)
			}
		}
	}

	status.Report(GuardSuccess)
	instrument.CircuitBuilt(time.Since(start))
	log.Debug().Str("circ", circ.ID().String()).Msg("circuit built")

	return circ, nil
}

// fail closes a partial circuit, commits the pending first hop status and
// returns the build error.
func (b *Builder) fail(ctx context.Context, circ *ClientCirc, status *FirstHopStatusHandle, err error) error {
	if circ != nil {
		circ.Close()
		if b.torndown != nil {
			b.torndown(circ)
		}
	}
	status.Commit()

	if xerrors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = xerrors.Errorf("%w: %v", ErrCircTimeout, err)
	}
	instrument.CircuitFailed(errorKind(err))
	return err
}

// BuildWithTimeout is BuildCircuit bounded by the builder's timeout. It
// fails with ErrCircTimeout when the deadline passes.
func (b *Builder) BuildWithTimeout(ctx context.Context, path *TorPath, rng io.Reader, status *FirstHopStatusHandle) (*ClientCirc, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	return b.BuildCircuit(ctx, path, rng, status)
}

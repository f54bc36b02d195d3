package impl

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/onion/internal/relaysim"
	"go.dedis.ch/onion/types"
	"golang.org/x/xerrors"
)

const testTimeout = 10 * time.Second

type simNet struct {
	net    *relaysim.Network
	guard  *relaysim.Relay
	middle *relaysim.Relay
	exit   *relaysim.Relay
	chans  *ChanMgr
}

func newSimNet(t *testing.T) *simNet {
	net := relaysim.NewNetwork(zerolog.Nop())

	guard, err := net.AddRelay("guard", types.FlagGuard)
	require.NoError(t, err)
	middle, err := net.AddRelay("middle")
	require.NoError(t, err)
	exit, err := net.AddRelay("exit", types.FlagExit)
	require.NoError(t, err)

	chans := NewChanMgr(net.Transport, rand.Reader)
	t.Cleanup(func() { chans.Close() })

	return &simNet{net: net, guard: guard, middle: middle, exit: exit, chans: chans}
}

func (s *simNet) path(t *testing.T) *TorPath {
	path, err := NewMultiHopPath(s.guard.Desc, s.middle.Desc, s.exit.Desc)
	require.NoError(t, err)
	return path
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func echo(t *testing.T, s io.ReadWriter, size int) {
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Write(data)
		errc <- err
	}()

	buf := make([]byte, size)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	require.True(t, bytes.Equal(data, buf))
}

func TestCircuit_ThreeHops(t *testing.T) {
	sim := newSimNet(t)
	ctx := testCtx(t)

	builder := NewBuilder(sim.chans, DefaultCircParameters(), 0)
	circ, err := builder.BuildCircuit(ctx, sim.path(t), rand.Reader, nil)
	require.NoError(t, err)

	require.Equal(t, 3, circ.NumHops())
	require.Equal(t, CircReady, circ.State())
	require.Equal(t, int32(1), sim.guard.Stats.Create2.Load())
	require.Equal(t, int32(1), sim.guard.Stats.Extend2.Load())
	require.Equal(t, int32(1), sim.middle.Stats.Create2.Load())
	require.Equal(t, int32(1), sim.middle.Stats.Extend2.Load())
	require.Equal(t, int32(1), sim.exit.Stats.Create2.Load())
	require.Equal(t, int32(0), sim.guard.Stats.CreateFast.Load())

	s, err := circ.BeginStream(ctx, "example.com:80")
	require.NoError(t, err)
	require.NotZero(t, s.ID())
	require.Equal(t, int32(1), sim.exit.Stats.Begin.Load())
	require.Equal(t, int32(0), sim.middle.Stats.Begin.Load())

	echo(t, s, 4000)

	require.NoError(t, s.Close())
	require.NoError(t, circ.Close())
	require.Equal(t, CircClosed, circ.State())
	require.ErrorIs(t, circ.Err(), ErrCircuitClosed)

	_, err = s.Write([]byte("late"))
	require.Error(t, err)
}

func TestCircuit_FlowControl(t *testing.T) {
	sim := newSimNet(t)
	ctx := testCtx(t)

	builder := NewBuilder(sim.chans, DefaultCircParameters(), 0)
	circ, err := builder.BuildCircuit(ctx, sim.path(t), rand.Reader, nil)
	require.NoError(t, err)
	defer circ.Close()

	s, err := circ.BeginStream(ctx, "example.com:443")
	require.NoError(t, err)

	// more cells than either window holds, so progress needs SENDMEs
	echo(t, s, 1500*types.RelayBodyLen)
	require.Equal(t, int32(1500), sim.exit.Stats.Data.Load())
}

func TestCircuit_ConcurrentStreams(t *testing.T) {
	sim := newSimNet(t)
	ctx := testCtx(t)

	builder := NewBuilder(sim.chans, DefaultCircParameters(), 0)
	circ, err := builder.BuildCircuit(ctx, sim.path(t), rand.Reader, nil)
	require.NoError(t, err)
	defer circ.Close()

	n := 4
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		s, err := circ.BeginStream(ctx, "example.com:80")
		require.NoError(t, err)

		go func() {
			defer func() { done <- struct{}{} }()
			echo(t, s, 600*types.RelayBodyLen)
			s.Close()
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
}

func TestCircuit_ExtendAuthFailure(t *testing.T) {
	sim := newSimNet(t)
	ctx := testCtx(t)
	sim.middle.BadAuth.Store(true)

	ch, err := sim.chans.GetOrLaunch(ctx, sim.guard.Desc)
	require.NoError(t, err)
	circ, err := newClientCirc(ch, DefaultCircParameters(), rand.Reader, nil)
	require.NoError(t, err)
	defer circ.Close()

	require.NoError(t, circ.CreateFirstHopNtor(ctx, rand.Reader, sim.guard.Desc))

	err = circ.Extend(ctx, rand.Reader, sim.middle.Desc)
	var hsErr HandshakeFailedError
	require.True(t, xerrors.As(err, &hsErr))
	require.Equal(t, 1, circ.NumHops())
	require.Equal(t, CircReady, circ.State())

	require.Equal(t, int32(0), sim.exit.Stats.Create2.Load())
	require.Equal(t, int32(0), sim.middle.Stats.Extend2.Load())

	require.NoError(t, circ.Close())
	require.Equal(t, CircClosed, circ.State())
}

func TestCircuit_BuildMiddleFailure(t *testing.T) {
	sim := newSimNet(t)
	ctx := testCtx(t)
	sim.middle.BadAuth.Store(true)

	guards := NewGuardMgr(1)
	require.NoError(t, guards.UpdateSample(targets(sim.guard.Desc), 1, rand.Reader))
	_, mon, err := guards.Select(nil)
	require.NoError(t, err)

	var partial *ClientCirc
	builder := NewBuilder(sim.chans, DefaultCircParameters(), 0)
	builder.torndown = func(circ *ClientCirc) { partial = circ }

	_, err = builder.BuildCircuit(ctx, sim.path(t), rand.Reader, NewGuardStatusHandle(mon))
	var hsErr HandshakeFailedError
	require.True(t, xerrors.As(err, &hsErr))

	require.Equal(t, int32(0), sim.exit.Stats.Create2.Load())

	// the reactor of the partial circuit has exited
	require.NotNil(t, partial)
	require.Equal(t, 1, partial.NumHops())
	require.Equal(t, CircClosed, partial.State())
	select {
	case <-partial.Done():
	default:
		t.Fatal("reactor still running")
	}

	// the partial circuit was torn down before the build returned
	ch, err := sim.chans.GetOrLaunch(ctx, sim.guard.Desc)
	require.NoError(t, err)
	require.Equal(t, 0, ch.NumCircs())

	// a failure past the first hop does not count against the guard
	n, demoted := guards.Failures(sim.guard.Identities())
	require.Equal(t, 0, n)
	require.False(t, demoted)
}

func TestCircuit_BuildGuardFailure(t *testing.T) {
	sim := newSimNet(t)
	ctx := testCtx(t)
	sim.guard.BadAuth.Store(true)

	guards := NewGuardMgr(1)
	require.NoError(t, guards.UpdateSample(targets(sim.guard.Desc), 1, rand.Reader))
	_, mon, err := guards.Select(nil)
	require.NoError(t, err)

	builder := NewBuilder(sim.chans, DefaultCircParameters(), 0)
	_, err = builder.BuildCircuit(ctx, sim.path(t), rand.Reader, NewGuardStatusHandle(mon))
	var hsErr HandshakeFailedError
	require.True(t, xerrors.As(err, &hsErr))

	require.Equal(t, int32(0), sim.guard.Stats.Extend2.Load())
	require.Equal(t, int32(0), sim.middle.Stats.Create2.Load())

	n, demoted := guards.Failures(sim.guard.Identities())
	require.Equal(t, 1, n)
	require.True(t, demoted)
}

func TestCircuit_FallbackPath(t *testing.T) {
	sim := newSimNet(t)
	ctx := testCtx(t)

	fallback := NewFallbackDir(sim.guard.Identities(), []string{sim.guard.Addr()})
	path := NewFallbackPath(fallback)
	require.Nil(t, path.ExitPolicy())

	builder := NewBuilder(sim.chans, DefaultCircParameters(), 0)
	circ, err := builder.BuildCircuit(ctx, path, rand.Reader, nil)
	require.NoError(t, err)
	defer circ.Close()

	require.Equal(t, 1, circ.NumHops())
	require.Equal(t, int32(1), sim.guard.Stats.CreateFast.Load())
	require.Equal(t, int32(0), sim.guard.Stats.Create2.Load())
	require.Equal(t, int32(0), sim.guard.Stats.Extend2.Load())

	s, err := circ.BeginDirStream(ctx)
	require.NoError(t, err)
	echo(t, s, 100)
}

func TestCircuit_OneHopPath(t *testing.T) {
	sim := newSimNet(t)
	ctx := testCtx(t)

	builder := NewBuilder(sim.chans, DefaultCircParameters(), 0)
	circ, err := builder.BuildCircuit(ctx, NewOneHopPath(sim.exit.Desc), rand.Reader, nil)
	require.NoError(t, err)
	defer circ.Close()

	require.Equal(t, 1, circ.NumHops())
	require.Equal(t, int32(1), sim.exit.Stats.CreateFast.Load())
}

func TestCircuit_Timeout(t *testing.T) {
	sim := newSimNet(t)
	ctx := testCtx(t)

	// a relay that never answers
	silent, err := sim.net.AddRelay("silent", types.FlagGuard)
	require.NoError(t, err)
	sim.net.Transport.Unlisten(silent.Addr())
	require.NoError(t, sim.net.Transport.Listen(silent.Addr(), sink))

	guards := NewGuardMgr(1)
	require.NoError(t, guards.UpdateSample(targets(silent.Desc), 1, rand.Reader))
	_, mon, err := guards.Select(nil)
	require.NoError(t, err)

	path, err := NewMultiHopPath(silent.Desc, sim.middle.Desc, sim.exit.Desc)
	require.NoError(t, err)

	builder := NewBuilder(sim.chans, DefaultCircParameters(), 100*time.Millisecond)
	_, err = builder.BuildWithTimeout(ctx, path, rand.Reader, NewGuardStatusHandle(mon))
	require.ErrorIs(t, err, ErrCircTimeout)

	n, _ := guards.Failures(silent.Identities())
	require.Equal(t, 1, n)
}

func TestCircuit_StreamRefused(t *testing.T) {
	sim := newSimNet(t)
	ctx := testCtx(t)

	builder := NewBuilder(sim.chans, DefaultCircParameters(), 0)
	circ, err := builder.BuildCircuit(ctx, sim.path(t), rand.Reader, nil)
	require.NoError(t, err)
	defer circ.Close()

	_, err = circ.BeginStream(ctx, relaysim.TargetRefuse+":80")
	require.Error(t, err)

	// the circuit survives
	require.Equal(t, CircReady, circ.State())
	s, err := circ.BeginStream(ctx, "example.com:80")
	require.NoError(t, err)
	echo(t, s, 10)
}

func TestCircuit_DestroyFailsStreams(t *testing.T) {
	sim := newSimNet(t)
	ctx := testCtx(t)

	builder := NewBuilder(sim.chans, DefaultCircParameters(), 0)
	circ, err := builder.BuildCircuit(ctx, NewOneHopPath(sim.exit.Desc), rand.Reader, nil)
	require.NoError(t, err)

	open, err := circ.BeginStream(ctx, "example.com:80")
	require.NoError(t, err)

	_, err = circ.BeginStream(ctx, relaysim.TargetDestroy+":80")
	require.Error(t, err)

	<-circ.Done()
	var proto ProtocolViolationError
	require.True(t, xerrors.As(circ.Err(), &proto))

	_, err = open.Read(make([]byte, 1))
	require.True(t, xerrors.As(err, &proto))
	require.Equal(t, CircClosed, circ.State())
}

func TestCircuit_UnrecognizedCellIsFatal(t *testing.T) {
	sim := newSimNet(t)
	ctx := testCtx(t)

	builder := NewBuilder(sim.chans, DefaultCircParameters(), 0)
	circ, err := builder.BuildCircuit(ctx, sim.path(t), rand.Reader, nil)
	require.NoError(t, err)

	_, err = circ.BeginStream(ctx, relaysim.TargetGarbage+":80")
	require.Error(t, err)

	<-circ.Done()
	var proto ProtocolViolationError
	require.True(t, xerrors.As(circ.Err(), &proto))

	// the channel is still usable by other circuits
	require.False(t, circ.Channel().IsClosed())
	require.Equal(t, 0, circ.Channel().NumCircs())
}

func TestCircuit_BadLengthIsFatal(t *testing.T) {
	sim := newSimNet(t)
	ctx := testCtx(t)

	builder := NewBuilder(sim.chans, DefaultCircParameters(), 0)
	circ, err := builder.BuildCircuit(ctx, sim.path(t), rand.Reader, nil)
	require.NoError(t, err)

	open := make([]*DataStream, 2)
	for i := range open {
		open[i], err = circ.BeginStream(ctx, "example.com:80")
		require.NoError(t, err)
	}

	_, err = circ.BeginStream(ctx, relaysim.TargetBadLength+":80")
	require.Error(t, err)

	<-circ.Done()
	require.Equal(t, CircClosed, circ.State())

	var proto ProtocolViolationError
	require.True(t, xerrors.As(circ.Err(), &proto))

	for _, s := range open {
		_, err = s.Read(make([]byte, 1))
		require.True(t, xerrors.As(err, &proto))
	}
}

func TestCircuit_CloseIsIdempotent(t *testing.T) {
	sim := newSimNet(t)
	ctx := testCtx(t)

	builder := NewBuilder(sim.chans, DefaultCircParameters(), 0)
	circ, err := builder.BuildCircuit(ctx, NewOneHopPath(sim.guard.Desc), rand.Reader, nil)
	require.NoError(t, err)

	require.NoError(t, circ.Close())
	require.NoError(t, circ.Close())

	_, err = circ.BeginStream(ctx, "example.com:80")
	require.ErrorIs(t, err, ErrCircuitClosed)
}

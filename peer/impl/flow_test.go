package impl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlowWindow_ReserveReplenish(t *testing.T) {
	w := NewFlowWindow(StreamWindowStart)

	for i := 0; i < StreamWindowStart; i++ {
		require.NoError(t, w.Reserve(1))
	}
	require.Equal(t, uint16(0), w.Available())
	require.Equal(t, uint16(StreamWindowStart), w.Consumed())

	require.ErrorIs(t, w.Reserve(1), ErrWindowExhausted)
	require.Equal(t, uint16(0), w.Available())

	w.Replenish(StreamWindowIncrement)
	require.Equal(t, uint16(StreamWindowIncrement), w.Available())
	require.NoError(t, w.Reserve(StreamWindowIncrement))
	require.ErrorIs(t, w.Reserve(1), ErrWindowExhausted)
}

func TestFlowWindow_ClampsToMax(t *testing.T) {
	w := NewFlowWindow(CircWindowStart)

	// nothing was consumed, the replenish is ignored
	w.Replenish(CircWindowIncrement)
	require.Equal(t, uint16(CircWindowStart), w.Available())

	require.NoError(t, w.Reserve(10))
	w.Replenish(CircWindowIncrement)
	require.Equal(t, uint16(CircWindowStart), w.Available())
	require.Equal(t, uint16(0), w.Consumed())
	require.Equal(t, uint16(CircWindowStart), w.Max())
}

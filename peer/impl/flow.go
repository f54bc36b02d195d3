package impl

import "fmt"

// Tor default window sizes, in cells.
const (
	CircWindowStart       = 1000
	CircWindowIncrement   = 100
	StreamWindowStart     = 500
	StreamWindowIncrement = 50
)

// FlowWindow counts the cells that may still be sent (or received) before a
// SENDME is needed. It is owned by a reactor and not locked.
type FlowWindow struct {
	max       uint16
	available uint16
}

// NewFlowWindow returns a full window.
func NewFlowWindow(max uint16) *FlowWindow {
	return &FlowWindow{max: max, available: max}
}

// Reserve takes n cells of credit. It fails with ErrWindowExhausted, leaving
// the window untouched, when fewer than n are available.
func (w *FlowWindow) Reserve(n uint16) error {
	if n > w.available {
		return ErrWindowExhausted
	}
	w.available -= n
	return nil
}

// Replenish gives back n cells of credit, never above the maximum.
func (w *FlowWindow) Replenish(n uint16) {
	if w.available == w.max {
		logger.Warn().Uint16("max", w.max).Msg("window replenished without a deficit")
		return
	}
	if n > w.max-w.available {
		w.available = w.max
		return
	}
	w.available += n
}

// Available returns the remaining credit.
func (w *FlowWindow) Available() uint16 {
	return w.available
}

// Consumed returns the credit used since the window was last full.
func (w *FlowWindow) Consumed() uint16 {
	return w.max - w.available
}

// Max returns the window size.
func (w *FlowWindow) Max() uint16 {
	return w.max
}

// String implements fmt.Stringer.
func (w *FlowWindow) String() string {
	return fmt.Sprintf("%d/%d", w.available, w.max)
}

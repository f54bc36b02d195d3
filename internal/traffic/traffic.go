// Package traffic keeps per-link cell counters and the process-wide time at
// which the last incoming cell was seen.
package traffic

import (
	"sync/atomic"
	"time"

	"go.dedis.ch/onion/types"
)

// lastIncoming holds unix nanoseconds, zero until the first cell arrives.
var lastIncoming atomic.Int64

// NoteIncoming records that a cell arrived at now. The timestamp never moves
// backwards.
func NoteIncoming(now time.Time) {
	ts := now.UnixNano()
	for {
		cur := lastIncoming.Load()
		if ts <= cur || lastIncoming.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// LastIncoming returns the time of the most recent incoming cell, or the zero
// time if none has been seen since startup.
func LastIncoming() time.Time {
	ts := lastIncoming.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, ts)
}

// Traffic counts the cells crossing one link.
type Traffic struct {
	sent atomic.Uint64
	recv atomic.Uint64
	// per command, indexed by types.ChanCmd
	recvByCmd [256]atomic.Uint64
}

// NewTraffic returns an empty counter set.
func NewTraffic() *Traffic {
	return &Traffic{}
}

// LogSent records an outgoing cell.
func (t *Traffic) LogSent(cell types.ChanCell) {
	t.sent.Add(1)
}

// LogRecv records an incoming cell and bumps the process-wide timestamp.
func (t *Traffic) LogRecv(cell types.ChanCell) {
	t.recv.Add(1)
	t.recvByCmd[cell.Cmd].Add(1)
	NoteIncoming(time.Now())
}

// Sent returns the number of cells sent.
func (t *Traffic) Sent() uint64 {
	return t.sent.Load()
}

// Recv returns the number of cells received.
func (t *Traffic) Recv() uint64 {
	return t.recv.Load()
}

// RecvCmd returns the number of cells received with the given command.
func (t *Traffic) RecvCmd(cmd types.ChanCmd) uint64 {
	return t.recvByCmd[cmd].Load()
}

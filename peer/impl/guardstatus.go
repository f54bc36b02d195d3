package impl

import (
	"sync"
)

// GuardStatus is the outcome of using a guard or fallback as first hop.
type GuardStatus int

const (
	// GuardSuccess: the circuit was built.
	GuardSuccess GuardStatus = iota
	// GuardFailure: the first hop itself failed.
	GuardFailure
	// GuardIndeterminate: the circuit failed beyond the first hop.
	GuardIndeterminate
	// GuardAttemptAbandoned: the attempt was dropped before any outcome.
	GuardAttemptAbandoned
)

// String implements fmt.Stringer.
func (s GuardStatus) String() string {
	switch s {
	case GuardSuccess:
		return "success"
	case GuardFailure:
		return "failure"
	case GuardIndeterminate:
		return "indeterminate"
	case GuardAttemptAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

type monitorKind int

const (
	guardMonitor monitorKind = iota
	fallbackMonitor
)

// statusMonitor is either a guard monitor or a fallback monitor.
type statusMonitor struct {
	kind     monitorKind
	guard    *GuardMonitor
	fallback *FallbackMonitor
}

func (m *statusMonitor) pending(s GuardStatus) {
	switch m.kind {
	case guardMonitor:
		m.guard.PendingStatus(s)
	case fallbackMonitor:
		m.fallback.PendingStatus(s)
	}
}

func (m *statusMonitor) commit() {
	switch m.kind {
	case guardMonitor:
		m.guard.Commit()
	case fallbackMonitor:
		m.fallback.Commit()
	}
}

func (m *statusMonitor) report(s GuardStatus) {
	switch m.kind {
	case guardMonitor:
		m.guard.Report(s)
	case fallbackMonitor:
		m.fallback.Report(s)
	}
}

// FirstHopStatusHandle delivers exactly one outcome for a first hop to the
// guard or fallback bookkeeping, whichever of the build and the reactor
// gets there first. It is safe for concurrent use.
type FirstHopStatusHandle struct {
	sync.Mutex
	mon *statusMonitor
}

// NewGuardStatusHandle wraps a guard monitor. A nil monitor gives a handle
// that reports nothing.
func NewGuardStatusHandle(m *GuardMonitor) *FirstHopStatusHandle {
	h := &FirstHopStatusHandle{}
	if m != nil {
		h.mon = &statusMonitor{kind: guardMonitor, guard: m}
	}
	return h
}

// NewFallbackStatusHandle wraps a fallback monitor.
func NewFallbackStatusHandle(m *FallbackMonitor) *FirstHopStatusHandle {
	h := &FirstHopStatusHandle{}
	if m != nil {
		h.mon = &statusMonitor{kind: fallbackMonitor, fallback: m}
	}
	return h
}

// Pending sets the status reported by a later Commit.
func (h *FirstHopStatusHandle) Pending(s GuardStatus) {
	h.Lock()
	defer h.Unlock()

	if h.mon != nil {
		h.mon.pending(s)
	}
}

// take removes the monitor so that only the first caller reports.
func (h *FirstHopStatusHandle) take() *statusMonitor {
	h.Lock()
	defer h.Unlock()

	mon := h.mon
	h.mon = nil
	return mon
}

// Commit reports the pending status. Later calls do nothing.
func (h *FirstHopStatusHandle) Commit() {
	if mon := h.take(); mon != nil {
		mon.commit()
	}
}

// Report reports s, ignoring the pending status. Later calls do nothing.
func (h *FirstHopStatusHandle) Report(s GuardStatus) {
	if mon := h.take(); mon != nil {
		mon.report(s)
	}
}

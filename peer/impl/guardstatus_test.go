package impl

import (
	"crypto/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newSingleGuard(t *testing.T) (*GuardMgr, *GuardMonitor) {
	guards := NewGuardMgr(10)
	guard := newDesc(t, "guard", "Guard")
	require.NoError(t, guards.UpdateSample(targets(guard), 1, rand.Reader))

	_, mon, err := guards.Select(nil)
	require.NoError(t, err)
	return guards, mon
}

func TestStatusHandle_PendingThenCommit(t *testing.T) {
	guards, mon := newSingleGuard(t)
	ids := guards.Guards()[0].Identities()

	h := NewGuardStatusHandle(mon)
	h.Pending(GuardFailure)
	h.Commit()

	n, demoted := guards.Failures(ids)
	require.Equal(t, 1, n)
	require.False(t, demoted)

	// a second outcome is dropped
	h.Report(GuardFailure)
	n, _ = guards.Failures(ids)
	require.Equal(t, 1, n)
}

func TestStatusHandle_IndeterminateIsNotAFailure(t *testing.T) {
	guards, mon := newSingleGuard(t)
	ids := guards.Guards()[0].Identities()

	h := NewGuardStatusHandle(mon)
	h.Pending(GuardFailure)
	h.Pending(GuardIndeterminate)
	h.Commit()

	n, _ := guards.Failures(ids)
	require.Equal(t, 0, n)
}

func TestStatusHandle_ConcurrentReportOnce(t *testing.T) {
	guards, mon := newSingleGuard(t)
	ids := guards.Guards()[0].Identities()

	h := NewGuardStatusHandle(mon)
	h.Pending(GuardFailure)

	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				h.Commit()
			} else {
				h.Report(GuardFailure)
			}
		}(i)
	}
	wg.Wait()

	n, _ := guards.Failures(ids)
	require.Equal(t, 1, n)
}

func TestStatusHandle_Nil(t *testing.T) {
	h := NewGuardStatusHandle(nil)
	h.Pending(GuardFailure)
	h.Commit()
	h.Report(GuardSuccess)

	h = NewFallbackStatusHandle(nil)
	h.Commit()
}

func TestStatusHandle_Fallback(t *testing.T) {
	dir := newDesc(t, "fallback")
	list := NewFallbackList([]FallbackDir{NewFallbackDir(dir.Identities(), dir.Addrs())}, 0)

	_, mon, err := list.Choose(rand.Reader)
	require.NoError(t, err)

	h := NewFallbackStatusHandle(mon)
	h.Pending(GuardFailure)
	h.Commit()

	list.Lock()
	require.Equal(t, 1, list.entries[0].failures)
	list.Unlock()
}

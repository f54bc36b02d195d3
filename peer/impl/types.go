package impl

import (
	"sync"
)

// chanEntry is a channel in the manager: either launching (done is open) or
// launched (ch or err is set and done is closed). aborted is set when the
// launch failed because the launching caller's context ended.
type chanEntry struct {
	done    chan struct{}
	ch      *Channel
	err     error
	aborted bool
}

// ConcurrentMapChan is a threadsafe map of channels keyed by relay identity
type ConcurrentMapChan struct {
	sync.Mutex
	items map[string]*chanEntry
}

// NewConcurrentMapChan returns an empty map.
func NewConcurrentMapChan() ConcurrentMapChan {
	return ConcurrentMapChan{items: make(map[string]*chanEntry)}
}

// GetOrReserve returns the entry for key. If there is none, or the existing
// channel is closed, a pending entry is created and launch is true: the
// caller must then call Finish.
func (m *ConcurrentMapChan) GetOrReserve(key string) (entry *chanEntry, launch bool) {
	m.Lock()
	defer m.Unlock()

	e, ok := m.items[key]
	if ok {
		select {
		case <-e.done:
			if e.err == nil && !e.ch.IsClosed() {
				return e, false
			}
		default:
			return e, false
		}
	}

	e = &chanEntry{done: make(chan struct{})}
	m.items[key] = e
	return e, true
}

// Finish completes a pending entry and wakes its waiters. Failed launches
// are forgotten so the next request tries again.
func (m *ConcurrentMapChan) Finish(key string, e *chanEntry, ch *Channel, err error) {
	m.Lock()
	e.ch, e.err = ch, err
	if err != nil && m.items[key] == e {
		delete(m.items, key)
	}
	m.Unlock()

	close(e.done)
}

// Remove forgets the channel stored under key, if it is still ch.
func (m *ConcurrentMapChan) Remove(key string, ch *Channel) {
	m.Lock()
	defer m.Unlock()

	e, ok := m.items[key]
	if !ok {
		return
	}
	select {
	case <-e.done:
		if e.ch == ch {
			delete(m.items, key)
		}
	default:
	}
}

// Channels returns every launched channel.
func (m *ConcurrentMapChan) Channels() []*Channel {
	m.Lock()
	defer m.Unlock()

	res := make([]*Channel, 0, len(m.items))
	for _, e := range m.items {
		select {
		case <-e.done:
			if e.ch != nil {
				res = append(res, e.ch)
			}
		default:
		}
	}
	return res
}

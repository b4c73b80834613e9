package video

import (
	"expvar"
	"sync"
)

// Mailbox is the single-slot latest-frame buffer between the network
// reader and the display consumer. A frame not taken before the next
// one arrives is overwritten and counted as dropped; the reader never
// blocks on a slow consumer and stale frames never queue up.
type Mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	frame   []byte
	pending bool
	closed  bool
	dropped *expvar.Int
}

func NewMailbox(dropped *expvar.Int) *Mailbox {
	m := &Mailbox{dropped: dropped}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Mailbox) Put(frame []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.pending {
		m.dropped.Add(1)
	}
	m.frame = frame
	m.pending = true
	m.mu.Unlock()
	m.cond.Signal()
}

// Next blocks until a frame is available or the mailbox is closed.
func (m *Mailbox) Next() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.pending && !m.closed {
		m.cond.Wait()
	}
	if !m.pending {
		return nil, false
	}
	f := m.frame
	m.frame = nil
	m.pending = false
	return f, true
}

// TryNext is the non-blocking form.
func (m *Mailbox) TryNext() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pending {
		return nil, false
	}
	f := m.frame
	m.frame = nil
	m.pending = false
	return f, true
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cond.Broadcast()
}

package telemetry

import (
	"sync"

	"github.com/ascentic/ropelink/wire"
)

// PongSlot hands ping answers from the control channel to the
// telemetry producer. Single slot, latest wins: a pong delayed past
// the next ping carries stale information anyway.
type PongSlot struct {
	mu sync.Mutex
	p  *wire.Pong
}

func (s *PongSlot) Put(p *wire.Pong) {
	s.mu.Lock()
	s.p = p
	s.mu.Unlock()
}

// Take returns the queued pong and clears the slot, nil when empty.
func (s *PongSlot) Take() *wire.Pong {
	s.mu.Lock()
	p := s.p
	s.p = nil
	s.mu.Unlock()
	return p
}

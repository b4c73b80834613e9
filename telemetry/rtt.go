package telemetry

import (
	"sync"
	"time"

	"github.com/ascentic/ropelink/wire"
)

const (
	// RTTWindow is the rolling sample window for the smoothed value.
	RTTWindow = 8

	// pings with no answer after this many newer pings are forgotten
	maxPendingPings = 16
)

// RTT issues pings on the control channel and matches the pongs echoed
// back in telemetry. One per operator station; the robot side never
// creates one.
type RTT struct {
	mu      sync.Mutex
	nextSeq uint32
	pending map[uint32]time.Time
	order   []uint32
	window  []time.Duration
}

func NewRTT() *RTT {
	return &RTT{pending: make(map[uint32]time.Time)}
}

// NextPing allocates the next sequence number and records the send
// time, returning the ready-to-send control message.
func (r *RTT) NextPing() *wire.Control {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSeq++
	seq := r.nextSeq
	now := time.Now()
	r.pending[seq] = now
	r.order = append(r.order, seq)
	for len(r.order) > maxPendingPings {
		delete(r.pending, r.order[0])
		r.order = r.order[1:]
	}
	return &wire.Control{
		Time: now.UnixNano(),
		Ping: &wire.Ping{Seq: seq, SentAt: now.UnixNano()},
	}
}

// Observe matches a pong against a pending ping. Unknown and duplicate
// sequence numbers are ignored: pongs ride an authenticated channel
// but a lagging radio can deliver them twice.
func (r *RTT) Observe(p *wire.Pong, receivedAt time.Time) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sentAt, ok := r.pending[p.PingSeq]
	if !ok {
		return 0, false
	}
	delete(r.pending, p.PingSeq)
	d := receivedAt.Sub(sentAt)
	if d < 0 {
		return 0, false
	}
	r.window = append(r.window, d)
	if len(r.window) > RTTWindow {
		r.window = r.window[1:]
	}
	return d, true
}

// SmoothedMs is the mean of the current window, 0 before any sample.
func (r *RTT) SmoothedMs() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.window) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range r.window {
		sum += d
	}
	mean := sum / time.Duration(len(r.window))
	return float64(mean) / float64(time.Millisecond)
}

// Last is the most recent sample, 0 before any.
func (r *RTT) Last() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.window) == 0 {
		return 0
	}
	return r.window[len(r.window)-1]
}

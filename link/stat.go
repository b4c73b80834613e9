package link

// Counters are updated atomically but not consistently with each
// other: FramesRecv may lag BytesRecv by one frame.

import (
	"expvar"
	"fmt"
)

type Stat struct {
	FramesSent     expvar.Int
	FramesRecv     expvar.Int
	BytesSent      expvar.Int
	BytesRecv      expvar.Int
	AuthFail       expvar.Int
	Replay         expvar.Int
	AuthFailStreak expvar.Int
	Reconnects     expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"sent":%d,"recv":%d,"bytes_sent":%d,"bytes_recv":%d,"auth_fail":%d,"replay":%d,"auth_fail_streak":%d,"reconnects":%d}`,
		s.FramesSent.Value(), s.FramesRecv.Value(),
		s.BytesSent.Value(), s.BytesRecv.Value(),
		s.AuthFail.Value(), s.Replay.Value(),
		s.AuthFailStreak.Value(), s.Reconnects.Value())
}

// Package status aggregates the read-only operational view of the
// bridge: channel states and ages, E-STOP state, RTT, key validity and
// video counters. Consumers are logs and the optional MQTT uplink, the
// surface deliberately exposes no mutators.
package status

import (
	"encoding/json"
	"time"

	"github.com/temoto/alive/v2"

	"github.com/ascentic/ropelink/estop"
	"github.com/ascentic/ropelink/link"
	"github.com/ascentic/ropelink/log2"
	"github.com/ascentic/ropelink/telemetry"
	"github.com/ascentic/ropelink/video"
)

const DefaultInterval = time.Second

type ChannelStatus struct {
	State string `json:"state"`
	AgeMs int64  `json:"age_ms"`
}

type EstopInfo struct {
	Engaged   bool   `json:"engaged"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
	SinceUnix int64  `json:"since_unix"`
}

type VideoInfo struct {
	FramesReceived int64   `json:"frames_received"`
	FramesDropped  int64   `json:"frames_dropped"`
	DropRate       float64 `json:"drop_rate"`
	LastError      string  `json:"last_error,omitempty"`
}

type Snapshot struct {
	Time              int64          `json:"time"`
	Control           *ChannelStatus `json:"control,omitempty"`
	Telemetry         *ChannelStatus `json:"telemetry,omitempty"`
	Estop             *EstopInfo     `json:"estop,omitempty"`
	RttMs             float64        `json:"rtt_ms"`
	PskValid          bool           `json:"psk_valid"`
	Video             *VideoInfo     `json:"video,omitempty"`
	WatchdogTickAgeMs int64          `json:"watchdog_tick_age_ms"`
}

func (s *Snapshot) JSON() []byte {
	b, err := json.Marshal(s)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Source holds the live objects a snapshot reads from. Nil fields are
// simply absent from the snapshot, one Source serves both roles. Estop
// belongs to the side that owns the state machine; the operator learns
// the engaged state from telemetry instead.
type Source struct {
	Control   *link.Manager
	Telemetry *link.Manager
	Estop     *estop.State
	RTT       *telemetry.RTT
	Video     *video.Channel
	Watchdog  *estop.Watchdog
	PskValid  bool
}

func channelStatus(m *link.Manager) *ChannelStatus {
	if m == nil {
		return nil
	}
	return &ChannelStatus{State: m.State().String(), AgeMs: m.AgeMs()}
}

func (src *Source) Snapshot() Snapshot {
	s := Snapshot{
		Time:              time.Now().UnixNano(),
		Control:           channelStatus(src.Control),
		Telemetry:         channelStatus(src.Telemetry),
		PskValid:          src.PskValid,
		WatchdogTickAgeMs: -1,
	}
	if src.Estop != nil {
		st := src.Estop.Status()
		s.Estop = &EstopInfo{
			Engaged:   st.Engaged,
			Reason:    st.Reason.String(),
			Detail:    st.Detail,
			SinceUnix: st.Since.Unix(),
		}
	}
	if src.RTT != nil {
		s.RttMs = src.RTT.SmoothedMs()
	}
	if src.Video != nil {
		vs := src.Video.Stat()
		s.Video = &VideoInfo{
			FramesReceived: vs.FramesReceived.Value(),
			FramesDropped:  vs.FramesDropped.Value(),
			DropRate:       vs.DropRate(),
			LastError:      vs.LastError(),
		}
	}
	if src.Watchdog != nil {
		if d := src.Watchdog.SinceTick(); d >= 0 {
			s.WatchdogTickAgeMs = int64(d / time.Millisecond)
		}
	}
	return s
}

// Publisher delivers one snapshot somewhere external.
type Publisher interface {
	Publish(Snapshot) error
	Close()
}

type PublisherFunc func(Snapshot) error

func (f PublisherFunc) Publish(s Snapshot) error { return f(s) }
func (f PublisherFunc) Close()                   {}

type Options struct {
	Log        *log2.Log
	Source     *Source
	Interval   time.Duration
	Publishers []Publisher
}

// Reporter snapshots the source on a fixed interval and fans out to
// the publishers.
type Reporter struct {
	alive *alive.Alive
	opt   Options
}

func NewReporter(opt Options) *Reporter {
	if opt.Interval == 0 {
		opt.Interval = DefaultInterval
	}
	r := &Reporter{
		alive: alive.NewAlive(),
		opt:   opt,
	}
	if r.alive.Add(1) {
		go r.loop()
	}
	return r
}

func (r *Reporter) Close() error {
	r.alive.Stop()
	r.alive.Wait()
	for _, p := range r.opt.Publishers {
		p.Close()
	}
	return nil
}

func (r *Reporter) loop() {
	defer r.alive.Done()
	tmr := time.NewTicker(r.opt.Interval)
	defer tmr.Stop()
	stopch := r.alive.StopChan()
	for {
		select {
		case <-tmr.C:
			s := r.opt.Source.Snapshot()
			for _, p := range r.opt.Publishers {
				if err := p.Publish(s); err != nil {
					r.opt.Log.Errorf("status: publish err=%v", err)
				}
			}
		case <-stopch:
			return
		}
	}
}

// LogPublisher writes each snapshot as one info line.
func LogPublisher(log *log2.Log) Publisher {
	return PublisherFunc(func(s Snapshot) error {
		log.Infof("status: %s", s.JSON())
		return nil
	})
}

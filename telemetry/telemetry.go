// Package telemetry implements the periodic robot-to-operator state
// channel and the RTT measurement that rides on it.
package telemetry

import (
	"expvar"
	"fmt"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/ascentic/ropelink/estop"
	"github.com/ascentic/ropelink/link"
	"github.com/ascentic/ropelink/log2"
	"github.com/ascentic/ropelink/wire"
)

const DefaultInterval = 100 * time.Millisecond

// Sensors is the robot-side data source. Sample fills the measurement
// fields only; the channel owns time, estop, liveness and pong fields.
type Sensors interface {
	Sample() *wire.Telemetry
}

type SensorsFunc func() *wire.Telemetry

func (f SensorsFunc) Sample() *wire.Telemetry { return f() }

type Stat struct {
	Produced     expvar.Int
	SendDropped  expvar.Int // ticks skipped while the link was down
	Received     expvar.Int
	DecodeErrors expvar.Int
	PongsEchoed  expvar.Int
	PongsMatched expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"produced":%d,"send_dropped":%d,"received":%d,"decode_errors":%d,"pongs_echoed":%d,"pongs_matched":%d}`,
		s.Produced.Value(), s.SendDropped.Value(), s.Received.Value(),
		s.DecodeErrors.Value(), s.PongsEchoed.Value(), s.PongsMatched.Value())
}

type Options struct {
	Log  *log2.Log
	Link link.Options

	Live *estop.Liveness

	// robot side
	Estop    *estop.State
	Sensors  Sensors // nil disables the producer
	Interval time.Duration
	Pongs    *PongSlot

	// operator side
	RTT         *RTT
	OnTelemetry func(*wire.Telemetry)
}

// Channel is one end of the telemetry link. The robot side samples
// and sends at a fixed rate; the operator side receives, completes
// RTT rounds and hands the message to the consumer.
type Channel struct {
	alive *alive.Alive
	log   *log2.Log
	opt   Options
	mgr   *link.Manager
	stat  Stat
}

func New(opt Options) (*Channel, error) {
	if opt.Interval == 0 {
		opt.Interval = DefaultInterval
	}
	c := &Channel{
		alive: alive.NewAlive(),
		log:   opt.Log,
		opt:   opt,
	}
	lopt := opt.Link
	lopt.Log = opt.Log
	if lopt.Name == "" {
		lopt.Name = "telemetry"
	}
	lopt.OnPayload = c.onPayload
	mgr, err := link.NewManager(lopt)
	if err != nil {
		return nil, errors.Annotate(err, "telemetry link")
	}
	c.mgr = mgr
	if opt.Sensors != nil && c.alive.Add(1) {
		go c.produceLoop()
	}
	return c, nil
}

func (c *Channel) Close() error {
	c.alive.Stop()
	err := c.mgr.Close()
	c.alive.Wait()
	return err
}

func (c *Channel) Link() *link.Manager { return c.mgr }

func (c *Channel) Stat() *Stat { return &c.stat }

func (c *Channel) produceLoop() {
	defer c.alive.Done()
	tmr := time.NewTicker(c.opt.Interval)
	defer tmr.Stop()
	stopch := c.alive.StopChan()
	for {
		select {
		case <-tmr.C:
			c.produce()
		case <-stopch:
			return
		}
	}
}

func (c *Channel) produce() {
	t := c.opt.Sensors.Sample()
	if t == nil {
		return
	}
	t.Time = time.Now().UnixNano()
	if c.opt.Estop != nil {
		st := c.opt.Estop.Status()
		t.Estop = &wire.EstopStatus{Engaged: st.Engaged, Reason: st.Reason.String()}
	}
	if c.opt.Live != nil {
		t.ControlAgeMs = c.opt.Live.ControlAgeMs()
	}
	if c.opt.Pongs != nil {
		if p := c.opt.Pongs.Take(); p != nil {
			t.Pong = p
			c.stat.PongsEchoed.Add(1)
		}
	}
	b, err := proto.Marshal(t)
	if err != nil {
		c.log.Errorf("telemetry: marshal err=%v", err)
		return
	}
	if err = c.mgr.Send(b); err != nil {
		// stale telemetry is worthless: drop the tick, never queue
		c.stat.SendDropped.Add(1)
		c.log.Debugf("telemetry: send err=%v", err)
		return
	}
	c.stat.Produced.Add(1)
}

func (c *Channel) onPayload(b []byte) error {
	msg := &wire.Telemetry{}
	if err := proto.Unmarshal(b, msg); err != nil {
		c.stat.DecodeErrors.Add(1)
		return errors.Annotate(err, "telemetry unmarshal")
	}
	c.stat.Received.Add(1)
	if c.opt.Live != nil {
		c.opt.Live.Telemetry.SetNow()
	}
	if c.opt.RTT != nil {
		if msg.Pong != nil {
			if d, ok := c.opt.RTT.Observe(msg.Pong, time.Now()); ok {
				c.stat.PongsMatched.Add(1)
				c.log.Debugf("telemetry: rtt sample seq=%d d=%s", msg.Pong.PingSeq, d)
			}
		}
		// receiver-side view of the link, robots do not know their RTT
		msg.RttMs = c.opt.RTT.SmoothedMs()
	}
	if c.opt.OnTelemetry != nil {
		c.opt.OnTelemetry(msg)
	}
	return nil
}

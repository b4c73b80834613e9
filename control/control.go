// Package control implements the authenticated control channel: one
// frame per operator command, no batching, and the receive-side
// contract that feeds the watchdog and the E-STOP state machine.
package control

import (
	"expvar"
	"fmt"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"

	"github.com/ascentic/ropelink/estop"
	"github.com/ascentic/ropelink/link"
	"github.com/ascentic/ropelink/log2"
	"github.com/ascentic/ropelink/telemetry"
	"github.com/ascentic/ropelink/wire"
)

// Actuator is the robot-side collaborator for clamp and camera
// commands. Implementations live outside the core.
type Actuator interface {
	ClampOpen() error
	ClampClose() error
	StartCamera(id uint8) error
}

type Stat struct {
	Accepted       expvar.Int
	EstopEngages   expvar.Int
	EstopClears    expvar.Int
	ClearRejected  expvar.Int
	Blocked        expvar.Int // commands refused while engaged
	Forwarded      expvar.Int
	PongsScheduled expvar.Int
	DecodeErrors   expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"accepted":%d,"engages":%d,"clears":%d,"clear_rejected":%d,"blocked":%d,"forwarded":%d,"pongs":%d,"decode_errors":%d}`,
		s.Accepted.Value(), s.EstopEngages.Value(), s.EstopClears.Value(),
		s.ClearRejected.Value(), s.Blocked.Value(), s.Forwarded.Value(),
		s.PongsScheduled.Value(), s.DecodeErrors.Value())
}

type Options struct {
	Log    *log2.Log
	Link   link.Options // Name/OnPayload are filled by the channel
	Estop  *estop.State
	Live   *estop.Liveness
	Act    Actuator            // nil on the operator side
	Pongs  *telemetry.PongSlot // nil on the operator side
}

// Channel is one end of the control link. The operator side mostly
// sends; the robot side dispatches received commands.
type Channel struct {
	log   *log2.Log
	mgr   *link.Manager
	estop *estop.State
	live  *estop.Liveness
	act   Actuator
	pongs *telemetry.PongSlot
	stat  Stat
}

func New(opt Options) (*Channel, error) {
	if opt.Live == nil {
		return nil, errors.Errorf("control channel requires liveness")
	}
	c := &Channel{
		log:   opt.Log,
		estop: opt.Estop,
		live:  opt.Live,
		act:   opt.Act,
		pongs: opt.Pongs,
	}
	lopt := opt.Link
	lopt.Log = opt.Log
	if lopt.Name == "" {
		lopt.Name = "control"
	}
	lopt.OnPayload = c.onPayload
	mgr, err := link.NewManager(lopt)
	if err != nil {
		return nil, errors.Annotate(err, "control link")
	}
	c.mgr = mgr
	return c, nil
}

func (c *Channel) Close() error { return c.mgr.Close() }

func (c *Channel) Link() *link.Manager { return c.mgr }

func (c *Channel) Stat() *Stat { return &c.stat }

// Send delivers one control message as one signed frame, directly:
// latency matters more than throughput here.
func (c *Channel) Send(msg *wire.Control) error {
	if err := msg.Validate(); err != nil {
		return errors.Trace(err)
	}
	if msg.Time == 0 {
		msg.Time = time.Now().UnixNano()
	}
	b, err := proto.Marshal(msg)
	if err != nil {
		return errors.Annotate(err, "control marshal")
	}
	return c.mgr.Send(b)
}

// onPayload runs for every authenticated, non-replayed frame.
func (c *Channel) onPayload(b []byte) error {
	msg := &wire.Control{}
	if err := proto.Unmarshal(b, msg); err != nil {
		c.stat.DecodeErrors.Add(1)
		return errors.Annotate(err, "control unmarshal")
	}
	if err := msg.Validate(); err != nil {
		c.stat.DecodeErrors.Add(1)
		return errors.Trace(err)
	}

	// freshness of the link before this message, used by the clear
	// validation below
	prevAge := c.live.ControlAge()

	// any accepted message proves the link alive, whether or not the
	// specific command is actionable
	c.live.Control.SetNow()
	// counted after dispatch, observers rely on effects being applied
	defer c.stat.Accepted.Add(1)

	switch msg.Kind() {
	case wire.KindEstop:
		if c.estop == nil {
			c.log.Debugf("control: estop message ignored, no state on this side")
			return nil
		}
		return c.handleEstop(msg.Estop, prevAge)
	case wire.KindPing:
		return c.handlePing(msg.Ping)
	case wire.KindClampOpen:
		return c.gated("clamp-open", func() error { return c.act.ClampOpen() })
	case wire.KindClampClose:
		return c.gated("clamp-close", func() error { return c.act.ClampClose() })
	case wire.KindCamera:
		id := uint8(msg.Camera.CameraId)
		return c.gated(fmt.Sprintf("camera=%d", id), func() error { return c.act.StartCamera(id) })
	}
	return nil
}

func (c *Channel) handleEstop(e *wire.EmergencyStop, prevAge time.Duration) error {
	if e.Engage {
		// engaging is always accepted, immediate, idempotent
		c.estop.Engage(estop.ReasonOperatorRequest, e.Reason)
		c.stat.EstopEngages.Add(1)
		c.log.Infof("control: estop engaged reason=%q", e.Reason)
		return nil
	}
	err := c.estop.RequestClear(e.ConfirmToken, prevAge, c.mgr.Healthy())
	if err != nil {
		c.stat.ClearRejected.Add(1)
		// surfaced, never retried with relaxed checks
		c.log.Errorf("control: estop clear rejected: %v", err)
		return nil
	}
	c.stat.EstopClears.Add(1)
	c.log.Infof("control: estop cleared reason=%q", e.Reason)
	return nil
}

func (c *Channel) handlePing(p *wire.Ping) error {
	if c.pongs == nil {
		return nil
	}
	c.pongs.Put(&wire.Pong{PingSeq: p.Seq, PingSentAt: p.SentAt})
	c.stat.PongsScheduled.Add(1)
	return nil
}

// gated forwards actuation commands only while not engaged; refused
// commands are reported, not silently dropped.
func (c *Channel) gated(tag string, f func() error) error {
	if c.act == nil {
		c.log.Debugf("control: %s ignored, no actuator on this side", tag)
		return nil
	}
	if c.estop.Engaged() {
		c.stat.Blocked.Add(1)
		c.log.Infof("control: %s refused, estop engaged", tag)
		return nil
	}
	c.stat.Forwarded.Add(1)
	if err := f(); err != nil {
		return errors.Annotatef(err, "actuator %s", tag)
	}
	return nil
}

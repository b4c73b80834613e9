package wire

import (
	"fmt"
	"time"
)

// ControlKind names the action carried by a Control message.
type ControlKind uint8

const (
	KindInvalid ControlKind = iota
	KindEstop
	KindClampOpen
	KindClampClose
	KindCamera
	KindPing
)

func (k ControlKind) String() string {
	switch k {
	case KindEstop:
		return "estop"
	case KindClampOpen:
		return "clamp-open"
	case KindClampClose:
		return "clamp-close"
	case KindCamera:
		return "camera"
	case KindPing:
		return "ping"
	}
	return "invalid"
}

// Kind returns the single action of a Control message, or KindInvalid
// when zero or more than one action field is set.
func (m *Control) Kind() ControlKind {
	k := KindInvalid
	n := 0
	if m.Estop != nil {
		k = KindEstop
		n++
	}
	if m.ClampOpen {
		k = KindClampOpen
		n++
	}
	if m.ClampClose {
		k = KindClampClose
		n++
	}
	if m.Camera != nil {
		k = KindCamera
		n++
	}
	if m.Ping != nil {
		k = KindPing
		n++
	}
	if n != 1 {
		return KindInvalid
	}
	return k
}

func (m *Control) Validate() error {
	if m.Kind() == KindInvalid {
		return fmt.Errorf("control message must carry exactly one action: %s", m.String())
	}
	return nil
}

func NewEstop(engage bool, reason, confirmToken string) *Control {
	return &Control{
		Time:  time.Now().UnixNano(),
		Estop: &EmergencyStop{Engage: engage, Reason: reason, ConfirmToken: confirmToken},
	}
}

func NewClamp(open bool) *Control {
	c := &Control{Time: time.Now().UnixNano()}
	if open {
		c.ClampOpen = true
	} else {
		c.ClampClose = true
	}
	return c
}

func NewStartCamera(id uint8) *Control {
	return &Control{
		Time:   time.Now().UnixNano(),
		Camera: &StartCamera{CameraId: uint32(id)},
	}
}

func NewPing(seq uint32) *Control {
	return &Control{
		Time: time.Now().UnixNano(),
		Ping: &Ping{Seq: seq, SentAt: time.Now().UnixNano()},
	}
}

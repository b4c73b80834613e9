// Package wire defines the Control and Telemetry payload messages
// exchanged over authenticated link frames.
//
// Messages are hand-maintained protobuf structs (legacy
// github.com/golang/protobuf reflection API), mirroring wire.proto.
// Encoding is deterministic for these messages (no maps), which the
// interoperability tests rely on.
package wire

import (
	proto "github.com/golang/protobuf/proto"
)

// NumActuators is the fixed arity of Telemetry.MotorCurrent:
// two rope clamps and two drive winches.
const NumActuators = 4

type EmergencyStop struct {
	Engage       bool   `protobuf:"varint,1,opt,name=engage,proto3" json:"engage,omitempty"`
	Reason       string `protobuf:"bytes,2,opt,name=reason,proto3" json:"reason,omitempty"`
	ConfirmToken string `protobuf:"bytes,3,opt,name=confirm_token,json=confirmToken,proto3" json:"confirm_token,omitempty"`
}

func (m *EmergencyStop) Reset()         { *m = EmergencyStop{} }
func (m *EmergencyStop) String() string { return proto.CompactTextString(m) }
func (*EmergencyStop) ProtoMessage()    {}

type StartCamera struct {
	CameraId uint32 `protobuf:"varint,1,opt,name=camera_id,json=cameraId,proto3" json:"camera_id,omitempty"`
}

func (m *StartCamera) Reset()         { *m = StartCamera{} }
func (m *StartCamera) String() string { return proto.CompactTextString(m) }
func (*StartCamera) ProtoMessage()    {}

type Ping struct {
	Seq    uint32 `protobuf:"varint,1,opt,name=seq,proto3" json:"seq,omitempty"`
	SentAt int64  `protobuf:"varint,2,opt,name=sent_at,json=sentAt,proto3" json:"sent_at,omitempty"`
}

func (m *Ping) Reset()         { *m = Ping{} }
func (m *Ping) String() string { return proto.CompactTextString(m) }
func (*Ping) ProtoMessage()    {}

// Control is a tagged union: exactly one action field per message.
// Time is the application timestamp, independent of frame sequence.
type Control struct {
	Time       int64          `protobuf:"varint,1,opt,name=time,proto3" json:"time,omitempty"`
	Estop      *EmergencyStop `protobuf:"bytes,2,opt,name=estop,proto3" json:"estop,omitempty"`
	ClampOpen  bool           `protobuf:"varint,3,opt,name=clamp_open,json=clampOpen,proto3" json:"clamp_open,omitempty"`
	ClampClose bool           `protobuf:"varint,4,opt,name=clamp_close,json=clampClose,proto3" json:"clamp_close,omitempty"`
	Camera     *StartCamera   `protobuf:"bytes,5,opt,name=camera,proto3" json:"camera,omitempty"`
	Ping       *Ping          `protobuf:"bytes,6,opt,name=ping,proto3" json:"ping,omitempty"`
}

func (m *Control) Reset()         { *m = Control{} }
func (m *Control) String() string { return proto.CompactTextString(m) }
func (*Control) ProtoMessage()    {}

type EstopStatus struct {
	Engaged bool   `protobuf:"varint,1,opt,name=engaged,proto3" json:"engaged,omitempty"`
	Reason  string `protobuf:"bytes,2,opt,name=reason,proto3" json:"reason,omitempty"`
}

func (m *EstopStatus) Reset()         { *m = EstopStatus{} }
func (m *EstopStatus) String() string { return proto.CompactTextString(m) }
func (*EstopStatus) ProtoMessage()    {}

type Pong struct {
	PingSeq    uint32 `protobuf:"varint,1,opt,name=ping_seq,json=pingSeq,proto3" json:"ping_seq,omitempty"`
	PingSentAt int64  `protobuf:"varint,2,opt,name=ping_sent_at,json=pingSentAt,proto3" json:"ping_sent_at,omitempty"`
}

func (m *Pong) Reset()         { *m = Pong{} }
func (m *Pong) String() string { return proto.CompactTextString(m) }
func (*Pong) ProtoMessage()    {}

type Imu struct {
	Qw float64 `protobuf:"fixed64,1,opt,name=qw,proto3" json:"qw,omitempty"`
	Qx float64 `protobuf:"fixed64,2,opt,name=qx,proto3" json:"qx,omitempty"`
	Qy float64 `protobuf:"fixed64,3,opt,name=qy,proto3" json:"qy,omitempty"`
	Qz float64 `protobuf:"fixed64,4,opt,name=qz,proto3" json:"qz,omitempty"`
	Ax float64 `protobuf:"fixed64,5,opt,name=ax,proto3" json:"ax,omitempty"`
	Ay float64 `protobuf:"fixed64,6,opt,name=ay,proto3" json:"ay,omitempty"`
	Az float64 `protobuf:"fixed64,7,opt,name=az,proto3" json:"az,omitempty"`
	Gx float64 `protobuf:"fixed64,8,opt,name=gx,proto3" json:"gx,omitempty"`
	Gy float64 `protobuf:"fixed64,9,opt,name=gy,proto3" json:"gy,omitempty"`
	Gz float64 `protobuf:"fixed64,10,opt,name=gz,proto3" json:"gz,omitempty"`
}

func (m *Imu) Reset()         { *m = Imu{} }
func (m *Imu) String() string { return proto.CompactTextString(m) }
func (*Imu) ProtoMessage()    {}

type Barometer struct {
	Pressure    float64 `protobuf:"fixed64,1,opt,name=pressure,proto3" json:"pressure,omitempty"`
	Altitude    float64 `protobuf:"fixed64,2,opt,name=altitude,proto3" json:"altitude,omitempty"`
	Temperature float64 `protobuf:"fixed64,3,opt,name=temperature,proto3" json:"temperature,omitempty"`
}

func (m *Barometer) Reset()         { *m = Barometer{} }
func (m *Barometer) String() string { return proto.CompactTextString(m) }
func (*Barometer) ProtoMessage()    {}

type Telemetry struct {
	Time         int64        `protobuf:"varint,1,opt,name=time,proto3" json:"time,omitempty"`
	Voltage      float64      `protobuf:"fixed64,2,opt,name=voltage,proto3" json:"voltage,omitempty"`
	Height       float64      `protobuf:"fixed64,3,opt,name=height,proto3" json:"height,omitempty"`
	Estop        *EstopStatus `protobuf:"bytes,4,opt,name=estop,proto3" json:"estop,omitempty"`
	Pong         *Pong        `protobuf:"bytes,5,opt,name=pong,proto3" json:"pong,omitempty"`
	ControlAgeMs int64        `protobuf:"varint,6,opt,name=control_age_ms,json=controlAgeMs,proto3" json:"control_age_ms,omitempty"`
	RttMs        float64      `protobuf:"fixed64,7,opt,name=rtt_ms,json=rttMs,proto3" json:"rtt_ms,omitempty"`
	Imu          *Imu         `protobuf:"bytes,8,opt,name=imu,proto3" json:"imu,omitempty"`
	Baro         *Barometer   `protobuf:"bytes,9,opt,name=baro,proto3" json:"baro,omitempty"`
	MotorCurrent []float64    `protobuf:"fixed64,10,rep,packed,name=motor_current,json=motorCurrent,proto3" json:"motor_current,omitempty"`
}

func (m *Telemetry) Reset()         { *m = Telemetry{} }
func (m *Telemetry) String() string { return proto.CompactTextString(m) }
func (*Telemetry) ProtoMessage()    {}

func init() {
	proto.RegisterType((*EmergencyStop)(nil), "wire.EmergencyStop")
	proto.RegisterType((*StartCamera)(nil), "wire.StartCamera")
	proto.RegisterType((*Ping)(nil), "wire.Ping")
	proto.RegisterType((*Control)(nil), "wire.Control")
	proto.RegisterType((*EstopStatus)(nil), "wire.EstopStatus")
	proto.RegisterType((*Pong)(nil), "wire.Pong")
	proto.RegisterType((*Imu)(nil), "wire.Imu")
	proto.RegisterType((*Barometer)(nil), "wire.Barometer")
	proto.RegisterType((*Telemetry)(nil), "wire.Telemetry")
}

package wire_test

import (
	"testing"

	"github.com/ascentic/ropelink/wire"
	"github.com/golang/protobuf/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlKind(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		msg    *wire.Control
		expect wire.ControlKind
	}{
		{"empty", &wire.Control{}, wire.KindInvalid},
		{"estop", wire.NewEstop(true, "operator", ""), wire.KindEstop},
		{"clamp-open", wire.NewClamp(true), wire.KindClampOpen},
		{"clamp-close", wire.NewClamp(false), wire.KindClampClose},
		{"camera", wire.NewStartCamera(2), wire.KindCamera},
		{"ping", wire.NewPing(7), wire.KindPing},
		{"double", &wire.Control{ClampOpen: true, ClampClose: true}, wire.KindInvalid},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expect, c.msg.Kind())
			if c.expect == wire.KindInvalid {
				assert.Error(t, c.msg.Validate())
			} else {
				assert.NoError(t, c.msg.Validate())
			}
		})
	}
}

func TestTelemetryRoundTrip(t *testing.T) {
	t.Parallel()
	tm := &wire.Telemetry{
		Time:         1234567890,
		Voltage:      11.7,
		Height:       3.25,
		Estop:        &wire.EstopStatus{Engaged: true, Reason: "startup"},
		Pong:         &wire.Pong{PingSeq: 7, PingSentAt: 42},
		ControlAgeMs: 120,
		RttMs:        41.5,
		Imu:          &wire.Imu{Qw: 1, Ax: 0.01, Gz: -0.2},
		Baro:         &wire.Barometer{Pressure: 101325, Altitude: 12.8, Temperature: 21.5},
		MotorCurrent: []float64{0.1, 0.2, 0.3, 0.4},
	}
	require.Len(t, tm.MotorCurrent, wire.NumActuators)

	b1, err := proto.Marshal(tm)
	require.NoError(t, err)
	back := &wire.Telemetry{}
	require.NoError(t, proto.Unmarshal(b1, back))
	assert.Equal(t, tm.String(), back.String())

	// interoperability requires stable bytes for identical content
	b2, err := proto.Marshal(back)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestEstopClearCarriesToken(t *testing.T) {
	t.Parallel()
	c := wire.NewEstop(false, "operator clear", "ESTOP_CLEAR_CONFIRM")
	b, err := proto.Marshal(c)
	require.NoError(t, err)
	back := &wire.Control{}
	require.NoError(t, proto.Unmarshal(b, back))
	require.NotNil(t, back.Estop)
	assert.False(t, back.Estop.Engage)
	assert.Equal(t, "ESTOP_CLEAR_CONFIRM", back.Estop.ConfirmToken)
}

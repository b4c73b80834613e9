package telemetry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ascentic/ropelink/estop"
	"github.com/ascentic/ropelink/link"
	"github.com/ascentic/ropelink/log2"
	"github.com/ascentic/ropelink/telemetry"
	"github.com/ascentic/ropelink/wire"
)

func testSecret() []byte {
	b := make([]byte, link.SecretSize)
	for i := range b {
		b[i] = 0x5a
	}
	return b
}

func waitTelemetry(t testing.TB, ch <-chan *wire.Telemetry, timeout time.Duration) *wire.Telemetry {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(timeout):
		t.Fatal("timeout waiting for telemetry")
		return nil
	}
}

func TestChannelEndToEnd(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)

	robotState := estop.NewState(estop.ClearPolicy{})
	robotLive := &estop.Liveness{}
	robotLive.Control.SetNow()
	pongs := &telemetry.PongSlot{}

	sensors := telemetry.SensorsFunc(func() *wire.Telemetry {
		return &wire.Telemetry{
			Voltage:      23.9,
			Height:       1.25,
			MotorCurrent: []float64{0.1, 0.2, 0.3, 0.4},
		}
	})

	robot, err := telemetry.New(telemetry.Options{
		Log: log,
		Link: link.Options{
			Name:           "telemetry-robot",
			Mode:           link.ModeListen,
			URL:            "tcp://127.0.0.1:0",
			Secret:         testSecret(),
			ReconnectDelay: 50 * time.Millisecond,
		},
		Live:     robotLive,
		Estop:    robotState,
		Sensors:  sensors,
		Interval: 20 * time.Millisecond,
		Pongs:    pongs,
	})
	require.NoError(t, err)
	defer robot.Close()

	rtt := telemetry.NewRTT()
	opLive := &estop.Liveness{}
	sink := make(chan *wire.Telemetry, 64)
	operator, err := telemetry.New(telemetry.Options{
		Log: log,
		Link: link.Options{
			Name:           "telemetry-operator",
			Mode:           link.ModeDial,
			URL:            "tcp://" + robot.Link().Addr(),
			Secret:         testSecret(),
			ReconnectDelay: 50 * time.Millisecond,
		},
		Live:        opLive,
		RTT:         rtt,
		OnTelemetry: func(m *wire.Telemetry) { sink <- m },
	})
	require.NoError(t, err)
	defer operator.Close()

	m := waitTelemetry(t, sink, 3*time.Second)
	assert.Equal(t, 23.9, m.Voltage)
	require.NotNil(t, m.Estop)
	assert.True(t, m.Estop.Engaged, "state starts engaged")
	assert.Equal(t, "startup", m.Estop.Reason)
	assert.True(t, m.ControlAgeMs >= 0, "robot saw recent control traffic")
	assert.True(t, opLive.TelemetryAge() >= 0)

	// pong echo closes the RTT round on the operator side
	ping := rtt.NextPing()
	pongs.Put(&wire.Pong{PingSeq: ping.Ping.Seq, PingSentAt: ping.Ping.SentAt})
	deadline := time.Now().Add(3 * time.Second)
	matched := false
	for time.Now().Before(deadline) && !matched {
		m = waitTelemetry(t, sink, 3*time.Second)
		matched = m.RttMs > 0
	}
	assert.True(t, matched, "no telemetry message carried an RTT sample")
	assert.True(t, rtt.Last() > 0)
}

func TestProducerDropsWhileDisconnected(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	robot, err := telemetry.New(telemetry.Options{
		Log: log,
		Link: link.Options{
			Name:           "telemetry-lonely",
			Mode:           link.ModeDial,
			URL:            "tcp://127.0.0.1:1", // nothing listens here
			Secret:         testSecret(),
			ConnectTimeout: 50 * time.Millisecond,
			ReconnectDelay: 50 * time.Millisecond,
		},
		Live:     &estop.Liveness{},
		Sensors:  telemetry.SensorsFunc(func() *wire.Telemetry { return &wire.Telemetry{Voltage: 1} }),
		Interval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer robot.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && robot.Stat().SendDropped.Value() < 3 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, robot.Stat().SendDropped.Value() >= 3, "ticks must be dropped, not queued")
	assert.Zero(t, robot.Stat().Produced.Value())
}

package control_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ascentic/ropelink/control"
	"github.com/ascentic/ropelink/estop"
	"github.com/ascentic/ropelink/link"
	"github.com/ascentic/ropelink/log2"
	"github.com/ascentic/ropelink/telemetry"
	"github.com/ascentic/ropelink/wire"
)

func testSecret() []byte {
	b := make([]byte, link.SecretSize)
	for i := range b {
		b[i] = 0x33
	}
	return b
}

type recordActuator struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordActuator) record(s string) error {
	a.mu.Lock()
	a.calls = append(a.calls, s)
	a.mu.Unlock()
	return nil
}

func (a *recordActuator) ClampOpen() error           { return a.record("clamp-open") }
func (a *recordActuator) ClampClose() error          { return a.record("clamp-close") }
func (a *recordActuator) StartCamera(id uint8) error { return a.record("camera") }

func (a *recordActuator) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type rig struct {
	robot    *control.Channel
	operator *control.Channel
	state    *estop.State
	live     *estop.Liveness
	act      *recordActuator
	pongs    *telemetry.PongSlot
}

func newRig(t testing.TB) *rig {
	log := log2.NewTest(t, log2.LDebug)
	r := &rig{
		state: estop.NewState(estop.ClearPolicy{}),
		live:  &estop.Liveness{},
		act:   &recordActuator{},
		pongs: &telemetry.PongSlot{},
	}
	robot, err := control.New(control.Options{
		Log: log,
		Link: link.Options{
			Name:           "control-robot",
			Mode:           link.ModeListen,
			URL:            "tcp://127.0.0.1:0",
			Secret:         testSecret(),
			ReconnectDelay: 50 * time.Millisecond,
		},
		Estop: r.state,
		Live:  r.live,
		Act:   r.act,
		Pongs: r.pongs,
	})
	require.NoError(t, err)
	r.robot = robot

	operator, err := control.New(control.Options{
		Log: log,
		Link: link.Options{
			Name:           "control-operator",
			Mode:           link.ModeDial,
			URL:            "tcp://" + robot.Link().Addr(),
			Secret:         testSecret(),
			ReconnectDelay: 50 * time.Millisecond,
		},
		Live: &estop.Liveness{},
	})
	require.NoError(t, err)
	r.operator = operator

	t.Cleanup(func() {
		_ = operator.Close()
		_ = robot.Close()
	})
	return r
}

func (r *rig) send(t testing.TB, msg *wire.Control) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := r.operator.Send(msg); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("send never succeeded")
}

func (r *rig) waitAccepted(t testing.TB, n int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r.robot.Stat().Accepted.Value() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("accepted=%d want>=%d", r.robot.Stat().Accepted.Value(), n)
}

func TestEngageAlwaysAccepted(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	r.send(t, wire.NewEstop(true, "operator red button", ""))
	r.waitAccepted(t, 1)
	st := r.state.Status()
	assert.True(t, st.Engaged)
	assert.Equal(t, estop.ReasonOperatorRequest, st.Reason)
	assert.True(t, r.live.ControlAge() >= 0, "accepted message must refresh liveness")
}

func TestClearRequiresFreshTraffic(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	// very first message is a clear: the link has no prior accepted
	// traffic, so freshness cannot be proven and the clear is rejected
	r.send(t, wire.NewEstop(false, "too early", estop.DefaultConfirmToken))
	r.waitAccepted(t, 1)
	assert.True(t, r.state.Engaged())
	assert.Equal(t, int64(1), r.robot.Stat().ClearRejected.Value())

	// the rejected clear still counted as traffic: the next one is fresh
	r.send(t, wire.NewEstop(false, "retry", estop.DefaultConfirmToken))
	r.waitAccepted(t, 2)
	assert.False(t, r.state.Engaged())
}

func TestClearBadTokenRejected(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	r.send(t, wire.NewPing(1)) // establish freshness
	r.waitAccepted(t, 1)
	r.send(t, wire.NewEstop(false, "oops", "WRONG_TOKEN"))
	r.waitAccepted(t, 2)
	assert.True(t, r.state.Engaged())
	assert.Equal(t, int64(1), r.robot.Stat().ClearRejected.Value())
}

func TestCommandsGatedOnEstop(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	// engaged from startup: actuation is refused, reported as blocked
	r.send(t, wire.NewClamp(true))
	r.waitAccepted(t, 1)
	assert.Equal(t, int64(1), r.robot.Stat().Blocked.Value())
	assert.Empty(t, r.act.snapshot())

	r.send(t, wire.NewEstop(false, "go", estop.DefaultConfirmToken))
	r.waitAccepted(t, 2)
	require.False(t, r.state.Engaged())

	r.send(t, wire.NewClamp(true))
	r.send(t, wire.NewClamp(false))
	r.send(t, wire.NewStartCamera(2))
	r.waitAccepted(t, 5)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(r.act.snapshot()) < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, []string{"clamp-open", "clamp-close", "camera"}, r.act.snapshot())
}

func TestPingSchedulesPong(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	msg := wire.NewPing(7)
	r.send(t, msg)
	var p *wire.Pong
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && p == nil {
		p = r.pongs.Take()
		time.Sleep(5 * time.Millisecond)
	}
	require.NotNil(t, p)
	assert.Equal(t, uint32(7), p.PingSeq)
	assert.Equal(t, msg.Ping.SentAt, p.PingSentAt)
}

func TestSendRejectsInvalidMessage(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	err := r.operator.Send(&wire.Control{}) // no action at all
	require.Error(t, err)
	err = r.operator.Send(&wire.Control{ClampOpen: true, ClampClose: true})
	require.Error(t, err)
}

package estop_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ascentic/ropelink/estop"
	"github.com/ascentic/ropelink/log2"
)

func TestStateStartsEngaged(t *testing.T) {
	t.Parallel()
	s := estop.NewState(estop.ClearPolicy{})
	st := s.Status()
	assert.True(t, st.Engaged)
	assert.Equal(t, estop.ReasonStartup, st.Reason)
}

func TestEngageIdempotent(t *testing.T) {
	t.Parallel()
	s := estop.NewState(estop.ClearPolicy{})
	before := s.Status().Since
	s.Engage(estop.ReasonWatchdog, "stale")
	s.Engage(estop.ReasonWatchdog, "stale again")
	st := s.Status()
	assert.True(t, st.Engaged)
	assert.Equal(t, before, st.Since, "re-engage must not reset Since")
	// operator request overrides the recorded reason at any time
	s.Engage(estop.ReasonOperatorRequest, "red button")
	assert.Equal(t, estop.ReasonOperatorRequest, s.Status().Reason)
	assert.True(t, s.Status().Engaged)
}

func TestRequestClearMatrix(t *testing.T) {
	t.Parallel()
	const fresh = 100 * time.Millisecond
	const stale = 3000 * time.Millisecond

	cases := []struct {
		name    string
		token   string
		age     time.Duration
		healthy bool
		reason  estop.Reason
		ok      bool
	}{
		{"nominal", estop.DefaultConfirmToken, fresh, true, estop.ReasonStartup, true},
		{"bad-token", "PLEASE", fresh, true, estop.ReasonStartup, false},
		{"empty-token", "", fresh, true, estop.ReasonStartup, false},
		{"stale-age", estop.DefaultConfirmToken, stale, true, estop.ReasonStartup, false},
		{"never-any-frame", estop.DefaultConfirmToken, -1, true, estop.ReasonStartup, false},
		{"connloss-unhealthy", estop.DefaultConfirmToken, fresh, false, estop.ReasonConnectionLoss, false},
		{"connloss-recovered", estop.DefaultConfirmToken, fresh, true, estop.ReasonConnectionLoss, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			s := estop.NewState(estop.ClearPolicy{})
			if c.reason != estop.ReasonStartup {
				// move into the desired engaged reason first
				require.NoError(t, s.RequestClear(estop.DefaultConfirmToken, 0, true))
				s.Engage(c.reason, "test setup")
			}
			err := s.RequestClear(c.token, c.age, c.healthy)
			if c.ok {
				require.NoError(t, err)
				assert.False(t, s.Status().Engaged)
			} else {
				require.Error(t, err)
				assert.Equal(t, estop.ErrConfirmationRejected, errors.Cause(err))
				assert.True(t, s.Status().Engaged, "rejection must leave state unchanged")
			}
		})
	}
}

func TestClearThenReEngage(t *testing.T) {
	t.Parallel()
	s := estop.NewState(estop.ClearPolicy{})
	require.NoError(t, s.RequestClear(estop.DefaultConfirmToken, 10*time.Millisecond, true))
	assert.False(t, s.Status().Engaged)
	s.Engage(estop.ReasonOperatorRequest, "button")
	st := s.Status()
	assert.True(t, st.Engaged)
	assert.Equal(t, estop.ReasonOperatorRequest, st.Reason)
}

func testWatchdog(t *testing.T, healthy func() bool, wantReason estop.Reason) {
	log := log2.NewTest(t, log2.LDebug)
	s := estop.NewState(estop.ClearPolicy{})
	live := &estop.Liveness{}
	live.Control.SetNow()
	require.NoError(t, s.RequestClear(estop.DefaultConfirmToken, 0, true))

	w := estop.NewWatchdog(estop.WatchdogOptions{
		Log:            log,
		State:          s,
		Live:           live,
		ControlHealthy: healthy,
		Timeout:        100 * time.Millisecond,
		Grace:          10 * time.Millisecond,
		Tick:           20 * time.Millisecond,
	})
	defer w.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !s.Engaged() {
		time.Sleep(5 * time.Millisecond)
	}
	st := s.Status()
	require.True(t, st.Engaged, "watchdog did not engage")
	assert.Equal(t, wantReason, st.Reason)
}

func TestWatchdogEngagesOnStaleControl(t *testing.T) {
	t.Parallel()
	testWatchdog(t, func() bool { return true }, estop.ReasonWatchdog)
}

func TestWatchdogEngagesOnConnectionLoss(t *testing.T) {
	t.Parallel()
	testWatchdog(t, func() bool { return false }, estop.ReasonConnectionLoss)
}

func TestWatchdogGraceSuppressesAutoTrigger(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	s := estop.NewState(estop.ClearPolicy{})
	live := &estop.Liveness{} // never any control traffic
	require.NoError(t, s.RequestClear(estop.DefaultConfirmToken, 0, true))

	w := estop.NewWatchdog(estop.WatchdogOptions{
		Log:            log,
		State:          s,
		Live:           live,
		ControlHealthy: func() bool { return false },
		Timeout:        50 * time.Millisecond,
		Grace:          time.Hour,
		Tick:           10 * time.Millisecond,
	})
	defer w.Close()

	time.Sleep(200 * time.Millisecond)
	assert.False(t, s.Engaged(), "grace period must suppress watchdog auto-trigger")
	assert.True(t, w.InGrace())
}

// A tick observed far later than the interval means the loop itself
// stalled; that must engage even while control traffic looks fine.
func TestWatchdogMissedTickEngages(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	s := estop.NewState(estop.ClearPolicy{})
	live := &estop.Liveness{}
	live.Control.SetNow()
	require.NoError(t, s.RequestClear(estop.DefaultConfirmToken, 0, true))

	var stalled int32
	w := estop.NewWatchdog(estop.WatchdogOptions{
		Log:            log,
		State:          s,
		Live:           live,
		ControlHealthy: func() bool { return true },
		Timeout:        time.Hour, // only the stall can engage here
		Grace:          time.Millisecond,
		Tick:           20 * time.Millisecond,
		OnTick: func() {
			if atomic.CompareAndSwapInt32(&stalled, 0, 1) {
				time.Sleep(300 * time.Millisecond)
			}
		},
	})
	defer w.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !s.Engaged() {
		time.Sleep(5 * time.Millisecond)
	}
	st := s.Status()
	require.True(t, st.Engaged, "stalled loop must engage")
	assert.Equal(t, estop.ReasonWatchdog, st.Reason)
	assert.Contains(t, st.Detail, "missed tick")
}

func TestWatchdogTickPanicEngagesAndSurvives(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	s := estop.NewState(estop.ClearPolicy{})
	live := &estop.Liveness{}
	live.Control.SetNow()
	require.NoError(t, s.RequestClear(estop.DefaultConfirmToken, 0, true))

	var panicked int32
	w := estop.NewWatchdog(estop.WatchdogOptions{
		Log:            log,
		State:          s,
		Live:           live,
		ControlHealthy: func() bool { return true },
		Timeout:        time.Hour,
		Grace:          time.Millisecond,
		Tick:           10 * time.Millisecond,
		OnTick: func() {
			if atomic.CompareAndSwapInt32(&panicked, 0, 1) {
				panic("sensor backend exploded")
			}
		},
	})
	defer w.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !s.Engaged() {
		time.Sleep(5 * time.Millisecond)
	}
	st := s.Status()
	require.True(t, st.Engaged, "panicking tick must engage")
	assert.Equal(t, estop.ReasonWatchdog, st.Reason)
	assert.Contains(t, st.Detail, "panic")

	// the loop must outlive the panic and keep ticking
	time.Sleep(100 * time.Millisecond)
	since := w.SinceTick()
	require.True(t, since >= 0)
	assert.True(t, since < 200*time.Millisecond, "loop stopped ticking after panic: %s", since)
}

func TestWatchdogKeepsClearWhileFresh(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	s := estop.NewState(estop.ClearPolicy{})
	live := &estop.Liveness{}
	require.NoError(t, s.RequestClear(estop.DefaultConfirmToken, 0, true))

	stop := make(chan struct{})
	go func() {
		tmr := time.NewTicker(10 * time.Millisecond)
		defer tmr.Stop()
		for {
			select {
			case <-tmr.C:
				live.Control.SetNow()
			case <-stop:
				return
			}
		}
	}()
	defer close(stop)

	w := estop.NewWatchdog(estop.WatchdogOptions{
		Log:            log,
		State:          s,
		Live:           live,
		ControlHealthy: func() bool { return true },
		Timeout:        100 * time.Millisecond,
		Grace:          time.Millisecond,
		Tick:           20 * time.Millisecond,
	})
	defer w.Close()

	time.Sleep(300 * time.Millisecond)
	assert.False(t, s.Engaged(), "fresh control traffic must keep the state clear")
	assert.True(t, w.SinceTick() >= 0)
}

package estop

import (
	"fmt"
	"time"

	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"

	"github.com/ascentic/ropelink/log2"
)

const (
	DefaultWatchdogTimeout = 5 * time.Second
	DefaultGracePeriod     = 30 * time.Second
	DefaultTick            = 250 * time.Millisecond

	// A tick observed this many intervals late counts as a missed
	// tick, equivalent to "link lost".
	missedTickFactor = 3
)

type WatchdogOptions struct {
	Log   *log2.Log
	State *State
	Live  *Liveness

	// ControlHealthy probes the control channel connection state:
	// false for Disconnected and Degraded.
	ControlHealthy func() bool

	Timeout time.Duration
	Grace   time.Duration
	Tick    time.Duration

	// OnTick runs once per healthy tick. The daemon feeds the systemd
	// watchdog from here so a stuck loop kills the process too.
	OnTick func()
}

// Watchdog polls rather than reacts: absence of traffic, not just
// malformed traffic, must reliably engage the stop.
type Watchdog struct {
	alive   *alive.Alive
	opt     WatchdogOptions
	started atomic_clock.Clock
	ticked  atomic_clock.Clock
}

func NewWatchdog(opt WatchdogOptions) *Watchdog {
	if opt.Timeout == 0 {
		opt.Timeout = DefaultWatchdogTimeout
	}
	if opt.Grace == 0 {
		opt.Grace = DefaultGracePeriod
	}
	if opt.Tick == 0 {
		opt.Tick = DefaultTick
	}
	w := &Watchdog{
		alive: alive.NewAlive(),
		opt:   opt,
	}
	w.started.SetNow()
	if w.alive.Add(1) {
		go w.loop()
	}
	return w
}

func (w *Watchdog) Close() error {
	w.alive.Stop()
	w.alive.Wait()
	return nil
}

// SinceTick is the age of the last completed tick, a health probe for
// the status surface.
func (w *Watchdog) SinceTick() time.Duration {
	if w.ticked.IsZero() {
		return -1
	}
	return atomic_clock.Since(&w.ticked)
}

func (w *Watchdog) InGrace() bool {
	return atomic_clock.Since(&w.started) < w.opt.Grace
}

func (w *Watchdog) loop() {
	defer w.alive.Done()
	tmr := time.NewTicker(w.opt.Tick)
	defer tmr.Stop()
	stopch := w.alive.StopChan()
	for {
		select {
		case <-tmr.C:
			w.tick()
		case <-stopch:
			return
		}
	}
}

func (w *Watchdog) tick() {
	// a panicking tick means the safety checks did not run: engage
	// and keep the loop alive for the next tick
	defer func() {
		if r := recover(); r != nil {
			w.opt.Log.Errorf("watchdog tick panic: %v", r)
			w.opt.State.Engage(ReasonWatchdog, fmt.Sprintf("tick panic: %v", r))
		}
	}()
	if !w.ticked.IsZero() {
		if late := atomic_clock.Since(&w.ticked); late > time.Duration(missedTickFactor)*w.opt.Tick {
			// unknown is never safe to move
			w.opt.Log.Errorf("watchdog missed tick late=%s", late)
			w.opt.State.Engage(ReasonWatchdog, fmt.Sprintf("missed tick late=%s", late))
		}
	}
	w.ticked.SetNow()
	if w.opt.OnTick != nil {
		w.opt.OnTick()
	}

	if w.InGrace() {
		// boot-time channel establishment is not a fault; the state
		// still starts engaged and stays so until explicitly cleared
		return
	}
	if w.opt.State.Engaged() {
		return
	}

	if w.opt.ControlHealthy != nil && !w.opt.ControlHealthy() {
		w.opt.Log.Errorf("watchdog engage: control channel down")
		w.opt.State.Engage(ReasonConnectionLoss, "control channel disconnected or degraded")
		return
	}
	age := w.opt.Live.ControlAge()
	if age < 0 || age > w.opt.Timeout {
		w.opt.Log.Errorf("watchdog engage: control stale age=%s timeout=%s", age, w.opt.Timeout)
		w.opt.State.Engage(ReasonWatchdog, fmt.Sprintf("control stale age=%s", age))
	}
}
